package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateAdjustments(t *testing.T) {
	assert.ErrorIs(t, ValidateAdjustments(nil), ErrValidation)
	assert.ErrorIs(t, ValidateAdjustments([]StockAdjustment{{ProductID: 0, Quantity: 1}}), ErrValidation)
	assert.ErrorIs(t, ValidateAdjustments([]StockAdjustment{{ProductID: 3, Quantity: -2}}), ErrValidation)
	assert.NoError(t, ValidateAdjustments([]StockAdjustment{{ProductID: 3, Quantity: 2}}))
}

func TestMergeAdjustmentsSumsAndSorts(t *testing.T) {
	merged := MergeAdjustments([]StockAdjustment{
		{ProductID: 9, Quantity: 1},
		{ProductID: 2, Quantity: 4},
		{ProductID: 9, Quantity: 2},
	})

	assert.Equal(t, []StockAdjustment{
		{ProductID: 2, Quantity: 4},
		{ProductID: 9, Quantity: 3},
	}, merged)
}

func TestSumItems(t *testing.T) {
	items := []CommandItem{
		{ProductID: 1, Quantity: 3, UnitPrice: decimal.RequireFromString("19.99")},
		{ProductID: 2, Quantity: 1, UnitPrice: decimal.RequireFromString("0.01")},
	}

	total := SumItems(items)

	assert.True(t, decimal.RequireFromString("60.98").Equal(total), total.String())
	assert.True(t, decimal.RequireFromString("59.97").Equal(items[0].LineTotal))

	cmd := Command{Items: items}
	assert.Equal(t, []StockAdjustment{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}}, cmd.Adjustments())
}
