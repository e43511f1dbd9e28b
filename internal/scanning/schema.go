package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requiredFields must be present and non-null in every analyzer response
var requiredFields = []string{"date", "supplierName", "totalAmount", "vatAmount", "netAmount"}

// receiptSchema describes the analyzer response. Line item amounts are nullable
// because models routinely leave them out for discount and deposit lines.
func receiptSchema() map[string]any {
	nullableNumber := map[string]any{"type": []string{"number", "null"}}
	return map[string]any{
		"type":     "object",
		"required": requiredFields,
		"properties": map[string]any{
			"date":         map[string]any{"type": "string"},
			"supplierName": map[string]any{"type": "string"},
			"totalAmount":  map[string]any{"type": "number"},
			"vatAmount":    map[string]any{"type": "number"},
			"netAmount":    map[string]any{"type": "number"},
			"lineItems": map[string]any{
				"type": []string{"array", "null"},
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":          map[string]any{"type": []string{"string", "null"}},
						"description": map[string]any{"type": []string{"string", "null"}},
						"quantity":    nullableNumber,
						"unitPrice":   nullableNumber,
						"netAmount":   nullableNumber,
						"vatAmount":   nullableNumber,
						"vatRate":     nullableNumber,
						"totalAmount": nullableNumber,
					},
				},
			},
		},
	}
}

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func compileReceiptSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		b, err := json.Marshal(receiptSchema())
		if err != nil {
			compiledSchemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("receipt.json", bytes.NewReader(b)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("receipt.json")
	})
	return compiledSchema, compiledSchemaErr
}

// validateReceiptDocument checks required fields first so a missing field is
// reported by name, then validates the rest of the document against the schema.
func validateReceiptDocument(doc map[string]any) error {
	for _, field := range requiredFields {
		if v, ok := doc[field]; !ok || v == nil {
			return &FieldError{Field: field, Missing: true}
		}
	}

	schema, err := compileReceiptSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
