package scanning

import "context"

// LineItem is one itemized entry on a receipt
type LineItem struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unitPrice,omitempty"`
	NetAmount   float64  `json:"netAmount"`
	VATAmount   float64  `json:"vatAmount"`
	VATRate     *float64 `json:"vatRate,omitempty"` // percentage, e.g. 9 or 21
	TotalAmount float64  `json:"totalAmount"`
	Selected    bool     `json:"selected"`
}

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	Date         string     `json:"date"` // YYYY-MM-DD
	SupplierName string     `json:"supplierName"`
	TotalAmount  float64    `json:"totalAmount"`
	VATAmount    float64    `json:"vatAmount"`
	NetAmount    float64    `json:"netAmount"`
	LineItems    []LineItem `json:"lineItems,omitempty"`
}

// Totals holds the three amounts that are persisted for a receipt
type Totals struct {
	TotalAmount float64 `json:"totalAmount"`
	VATAmount   float64 `json:"vatAmount"`
	NetAmount   float64 `json:"netAmount"`
}

// Totals returns the top-level amounts reported by the analyzer
func (d *ReceiptData) Totals() Totals {
	return Totals{
		TotalAmount: d.TotalAmount,
		VATAmount:   d.VATAmount,
		NetAmount:   d.NetAmount,
	}
}

// ScanRequest is the input for a single analysis
type ScanRequest struct {
	// APIKey overrides the key the scanner was created with. Scanners that
	// don't need a key ignore it.
	APIKey string
	// Image comes from NormalizeImage; scanners send it as-is
	Image Image
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its fields
	ScanReceipt(ctx context.Context, req ScanRequest) (*ReceiptData, error)
	// RequiresAPIKey reports whether ScanReceipt needs a key to work
	RequiresAPIKey() bool
	// Close closes the scanner and releases resources
	Close() error
}
