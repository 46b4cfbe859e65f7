package models

import (
	"fmt"
	"slices"
)

// ValidateAdjustments checks a batch of stock adjustments before it leaves
// or enters a service.
func ValidateAdjustments(items []StockAdjustment) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range items {
		if item.ProductID <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "must be positive"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
	}
	return nil
}

// MergeAdjustments sums quantities per product and returns them ordered by
// product id, the order in which the ledger takes row locks.
func MergeAdjustments(items []StockAdjustment) []StockAdjustment {
	totals := make(map[int64]int, len(items))
	order := make([]int64, 0, len(items))
	for _, item := range items {
		if _, seen := totals[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		totals[item.ProductID] += item.Quantity
	}

	slices.Sort(order)
	out := make([]StockAdjustment, 0, len(order))
	for _, id := range order {
		out = append(out, StockAdjustment{ProductID: id, Quantity: totals[id]})
	}
	return out
}
