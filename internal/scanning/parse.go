package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when the analyzer answer is not a usable JSON document
var ErrMalformedResponse = errors.New("malformed analyzer response")

// FieldError reports a required field that is absent or unusable
type FieldError struct {
	Field   string
	Missing bool
	Value   any
}

func (e *FieldError) Error() string {
	if e.Missing {
		return fmt.Sprintf("field %q could not be found on the receipt", e.Field)
	}
	return fmt.Sprintf("field %q has an invalid value: %v", e.Field, e.Value)
}

// dateLayouts are tried in order; day-first layouts come before month-first
// ones because the receipts are European
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"02.01.2006",
	"2.1.2006",
	"02-01-06",
	"02/01/06",
	"02.01.06",
	"2006-01-02T15:04:05Z07:00",
}

// rawLineItem mirrors LineItem with every amount optional so gaps can be
// repaired instead of silently becoming zero
type rawLineItem struct {
	ID          *string  `json:"id"`
	Description *string  `json:"description"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unitPrice"`
	NetAmount   *float64 `json:"netAmount"`
	VATAmount   *float64 `json:"vatAmount"`
	VATRate     *float64 `json:"vatRate"`
	TotalAmount *float64 `json:"totalAmount"`
}

type rawReceipt struct {
	Date         string        `json:"date"`
	SupplierName string        `json:"supplierName"`
	TotalAmount  float64       `json:"totalAmount"`
	VATAmount    float64       `json:"vatAmount"`
	NetAmount    float64       `json:"netAmount"`
	LineItems    []rawLineItem `json:"lineItems"`
}

// extractJSONObject strips markdown fences and any chatter around the outer object
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("%w: unterminated JSON object", ErrMalformedResponse)
	}
	return text[startIdx : endIdx+1], nil
}

// parseReceiptJSON turns an analyzer answer into validated ReceiptData
func parseReceiptJSON(text string) (*ReceiptData, error) {
	object, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(object), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := validateReceiptDocument(doc); err != nil {
		return nil, err
	}

	var raw rawReceipt
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	date, err := normalizeDate(raw.Date)
	if err != nil {
		return nil, err
	}

	supplier := strings.TrimSpace(raw.SupplierName)
	if supplier == "" {
		return nil, &FieldError{Field: "supplierName", Missing: true}
	}

	return &ReceiptData{
		Date:         date,
		SupplierName: supplier,
		TotalAmount:  raw.TotalAmount,
		VATAmount:    raw.VATAmount,
		NetAmount:    raw.NetAmount,
		LineItems:    normalizeLineItems(raw.LineItems),
	}, nil
}

func normalizeDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &FieldError{Field: "date", Missing: true}
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format("2006-01-02"), nil
		}
	}
	return "", &FieldError{Field: "date", Value: value}
}

// normalizeLineItems fills in amounts that can be derived from the other two
// and drops items that carry no amount at all
func normalizeLineItems(raw []rawLineItem) []LineItem {
	if len(raw) == 0 {
		return nil
	}

	items := make([]LineItem, 0, len(raw))
	for i, r := range raw {
		total, net, vat := r.TotalAmount, r.NetAmount, r.VATAmount
		switch {
		case total == nil && net == nil:
			continue
		case total == nil:
			t := *net + valueOr(vat, 0)
			total = &t
		case net == nil:
			n := *total - valueOr(vat, 0)
			net = &n
		}
		if vat == nil {
			v := *total - *net
			vat = &v
		}

		description := ""
		if r.Description != nil {
			description = strings.TrimSpace(*r.Description)
		}
		if description == "" {
			description = fmt.Sprintf("Item %d", i+1)
		}

		item := LineItem{
			Description: description,
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
			NetAmount:   *net,
			VATAmount:   *vat,
			VATRate:     r.VATRate,
			TotalAmount: *total,
		}
		if r.ID != nil {
			item.ID = strings.TrimSpace(*r.ID)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
