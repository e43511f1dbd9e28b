package baserow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/bonscanner/internal/scanning"
)

// Column names of the receipts table
const (
	FieldDate      = "Datum"
	FieldTotal     = "Totaal Bedrag"
	FieldVAT       = "BTW Bedrag"
	FieldNet       = "Netto Bedrag"
	FieldItems     = "Items"
	FieldItemCount = "Aantal Items"
	FieldPhoto     = "Photo"

	// DefaultSupplierField is the supplier column of current tables
	DefaultSupplierField = "Leverancier"
	// LegacySupplierField is the supplier column of tables created for fuel receipts only
	LegacySupplierField = "Tankstation"
)

// Photo is the original receipt image attached to a row
type Photo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Persister stores finalized receipts as Baserow rows
type Persister struct {
	supplierField string
	httpClient    *http.Client
}

// NewPersister creates a Persister writing the supplier to supplierField
func NewPersister(supplierField string, httpClient *http.Client) *Persister {
	if supplierField == "" {
		supplierField = DefaultSupplierField
	}
	return &Persister{supplierField: supplierField, httpClient: httpClient}
}

// SaveResult reports what happened to the attached photo
type SaveResult struct {
	Photo    *FileUpload
	PhotoErr error
}

// SaveReceipt uploads the photo (if any) and creates the receipt row. A failed
// photo upload is reported in the result and the row is created without it.
func (p *Persister) SaveReceipt(ctx context.Context, creds Credentials, data *scanning.ReceiptData, photo *Photo) (*SaveResult, error) {
	client := NewClient(creds.BaseURL, creds.Token, p.httpClient)
	result := &SaveResult{}

	if photo != nil && len(photo.Data) > 0 {
		result.Photo, result.PhotoErr = client.UploadFile(ctx, photo.Filename, photo.ContentType, photo.Data)
		if result.PhotoErr != nil {
			slog.Warn("Photo upload failed, saving receipt without photo",
				"filename", photo.Filename,
				"error", result.PhotoErr,
			)
		}
	}

	if err := client.CreateRow(ctx, creds.TableID, RowFields(data, p.supplierField, result.Photo)); err != nil {
		return result, fmt.Errorf("creating receipt row: %w", err)
	}
	return result, nil
}

// RowFields maps a receipt onto the columns of the receipts table
func RowFields(data *scanning.ReceiptData, supplierField string, upload *FileUpload) map[string]any {
	fields := map[string]any{
		FieldDate:     data.Date,
		supplierField: data.SupplierName,
		FieldTotal:    data.TotalAmount,
		FieldVAT:      data.VATAmount,
		FieldNet:      data.NetAmount,
	}

	if len(data.LineItems) > 0 {
		lines := make([]string, 0, len(data.LineItems))
		for _, item := range data.LineItems {
			lines = append(lines, describeItem(item))
		}
		fields[FieldItems] = strings.Join(lines, "\n")
		fields[FieldItemCount] = len(data.LineItems)
	}

	if upload != nil {
		fields[FieldPhoto] = []map[string]string{{"name": upload.Name}}
	}
	return fields
}

func describeItem(item scanning.LineItem) string {
	description := item.Description
	if item.Quantity != nil {
		description = strconv.FormatFloat(*item.Quantity, 'f', -1, 64) + " x " + description
	}
	return fmt.Sprintf("%s (%s)", description, FormatEUR(item.TotalAmount))
}

// FormatEUR renders an amount the way Dutch receipts print it, e.g. "€ 1.234,50"
func FormatEUR(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	s := strconv.FormatFloat(amount, 'f', 2, 64)
	whole, cents, _ := strings.Cut(s, ".")

	var grouped strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}
	return fmt.Sprintf("%s€ %s,%s", sign, grouped.String(), cents)
}
