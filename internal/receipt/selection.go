package receipt

import (
	"errors"

	"github.com/zombor/bonscanner/internal/scanning"
)

// ErrNoItemsSelected is returned when an itemized receipt is saved with every item deselected
var ErrNoItemsSelected = errors.New("select at least one item before saving")

// InitSelection returns a working copy of the analyzer's line items with every
// item selected. Items without an id, or with an id already used earlier in the
// list, get a fresh one. No items means no itemization and returns nil.
func InitSelection(items []scanning.LineItem, idGen IDGenerator) []scanning.LineItem {
	if len(items) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(items))
	out := make([]scanning.LineItem, len(items))
	for i, item := range items {
		for item.ID == "" || seen[item.ID] {
			item.ID = idGen.Generate()
		}
		seen[item.ID] = true
		item.Selected = true
		out[i] = item
	}
	return out
}

// Itemized reports whether item-level selection is active
func Itemized(items []scanning.LineItem) bool {
	return len(items) > 0
}

// SelectedCount returns how many items are selected
func SelectedCount(items []scanning.LineItem) int {
	n := 0
	for _, item := range items {
		if item.Selected {
			n++
		}
	}
	return n
}

// Toggle flips the selection of the item with itemID and returns the new list.
// The input is returned unchanged, with false, if the id is unknown or the flip
// would leave no item selected.
func Toggle(items []scanning.LineItem, itemID string) ([]scanning.LineItem, bool) {
	idx := -1
	for i := range items {
		if items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return items, false
	}
	if items[idx].Selected && SelectedCount(items) == 1 {
		return items, false
	}

	out := make([]scanning.LineItem, len(items))
	copy(out, items)
	out[idx].Selected = !out[idx].Selected
	return out, true
}

// Recompute sums the amounts of the selected items. An empty list, or a list
// with nothing selected, yields fallback.
func Recompute(items []scanning.LineItem, fallback scanning.Totals) scanning.Totals {
	var totals scanning.Totals
	selected := 0
	for _, item := range items {
		if !item.Selected {
			continue
		}
		totals.TotalAmount += item.TotalAmount
		totals.VATAmount += item.VATAmount
		totals.NetAmount += item.NetAmount
		selected++
	}
	if selected == 0 {
		return fallback
	}
	return totals
}

// BuildSavePayload produces the record handed to the persistence collaborator.
// Amounts are replaced by the recomputed totals; an itemized receipt keeps only
// its selected items and a receipt without items carries none.
func BuildSavePayload(original *scanning.ReceiptData, items []scanning.LineItem) (*scanning.ReceiptData, error) {
	payload := *original
	payload.LineItems = nil

	if Itemized(items) {
		selected := make([]scanning.LineItem, 0, len(items))
		for _, item := range items {
			if item.Selected {
				selected = append(selected, item)
			}
		}
		if len(selected) == 0 {
			return nil, ErrNoItemsSelected
		}
		payload.LineItems = selected
	}

	totals := Recompute(items, original.Totals())
	payload.TotalAmount = totals.TotalAmount
	payload.VATAmount = totals.VATAmount
	payload.NetAmount = totals.NetAmount
	return &payload, nil
}
