package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

// Command is a customer order. Items carry the price snapshot taken when
// the command was last written; TotalPrice is their sum.
type Command struct {
	ID             int64           `json:"id"`
	Date           time.Time       `json:"date"`
	Status         CommandStatus   `json:"status"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Items          []CommandItem   `json:"items"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
	StockReserved  bool            `json:"stock_reserved"`
	RestorePending bool            `json:"restore_pending"`
	IdempotencyKey string          `json:"-"`
	ReservationKey string          `json:"-"`
}

type CommandItem struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Adjustments returns one stock adjustment per item, in item order.
func (c *Command) Adjustments() []StockAdjustment {
	out := make([]StockAdjustment, 0, len(c.Items))
	for _, item := range c.Items {
		out = append(out, StockAdjustment{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

// SumItems computes every line total and returns their sum.
func SumItems(items []CommandItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		items[i].LineTotal = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		total = total.Add(items[i].LineTotal)
	}
	return total
}

type StockAdjustment struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// StockBatch is the unit of reduce and restore. Key makes the batch
// idempotent at the ledger; Reverses names the reduce a restore undoes.
type StockBatch struct {
	Key      string            `json:"key,omitempty"`
	Reverses string            `json:"reverses,omitempty"`
	Items    []StockAdjustment `json:"items"`
}

// PendingRestore is a queued stock restore owned by the command service.
type PendingRestore struct {
	ID            int64
	CommandID     *int64
	Batch         StockBatch
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
