package inventory

import (
	"context"
	"strings"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
)

func (l *Ledger) CreateProduct(ctx context.Context, p store.ProductParams) (*models.Product, error) {
	if err := validateProduct(&p); err != nil {
		return nil, err
	}
	product, err := store.CreateProduct(ctx, l.db, p)
	if database.IsUniqueViolation(err, "products_sku_key") {
		return nil, &models.ValidationError{Field: "sku", Reason: "already exists"}
	}
	return product, err
}

func (l *Ledger) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return store.GetProduct(ctx, l.db, id)
}

func (l *Ledger) ListProducts(ctx context.Context, f store.ProductFilter) (*store.OffsetPage, error) {
	return store.ListProducts(ctx, l.db, f)
}

// UpdateProduct applies p if the product is still at version.
func (l *Ledger) UpdateProduct(ctx context.Context, id int64, version int, p store.ProductParams) (*models.Product, error) {
	if err := validateProduct(&p); err != nil {
		return nil, err
	}
	product, err := store.UpdateProduct(ctx, l.db, id, version, p)
	if database.IsUniqueViolation(err, "products_sku_key") {
		return nil, &models.ValidationError{Field: "sku", Reason: "already exists"}
	}
	return product, err
}

func (l *Ledger) DeleteProduct(ctx context.Context, id int64) error {
	return store.DeleteProduct(ctx, l.db, id)
}

func validateProduct(p *store.ProductParams) error {
	p.SKU = strings.TrimSpace(p.SKU)
	p.Name = strings.TrimSpace(p.Name)

	switch {
	case p.SKU == "":
		return &models.ValidationError{Field: "sku", Reason: "is required"}
	case p.Name == "":
		return &models.ValidationError{Field: "name", Reason: "is required"}
	case p.Price.IsNegative():
		return &models.ValidationError{Field: "price", Reason: "must not be negative"}
	case p.StockQuantity < 0:
		return &models.ValidationError{Field: "stock_quantity", Reason: "must not be negative"}
	}
	return nil
}
