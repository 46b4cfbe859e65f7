// Package productapi serves the product catalog and the stock ledger over HTTP.
package productapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/stockclient"
	"github.com/safar/go-commerce/internal/store"
	"github.com/shopspring/decimal"
)

// Inventory is implemented by *inventory.Ledger.
type Inventory interface {
	CreateProduct(ctx context.Context, p store.ProductParams) (*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, f store.ProductFilter) (*store.OffsetPage, error)
	UpdateProduct(ctx context.Context, id int64, version int, p store.ProductParams) (*models.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	CheckStock(ctx context.Context, productID int64, quantity int) (bool, error)
	ReduceStock(ctx context.Context, batch models.StockBatch) (store.StockResult, error)
	RestoreStock(ctx context.Context, batch models.StockBatch) (store.StockResult, error)
}

type productRequest struct {
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	Version       int             `json:"version,omitempty"`
}

func (r productRequest) params() store.ProductParams {
	return store.ProductParams{
		SKU:           r.SKU,
		Name:          r.Name,
		Description:   r.Description,
		Price:         r.Price,
		StockQuantity: r.StockQuantity,
	}
}

type stockResponse struct {
	Applied bool    `json:"applied"`
	Skipped []int64 `json:"skipped,omitempty"`
}

func Register(mux *http.ServeMux, inv Inventory) {
	mux.HandleFunc("POST /api/products", handleCreateProduct(inv))
	mux.HandleFunc("GET /api/products", handleListProducts(inv))
	mux.HandleFunc("GET /api/products/{id}", handleGetProduct(inv))
	mux.HandleFunc("PUT /api/products/{id}", handleUpdateProduct(inv))
	mux.HandleFunc("DELETE /api/products/{id}", handleDeleteProduct(inv))
	mux.HandleFunc("GET /api/products/{id}/check-stock", handleCheckStock(inv))
	mux.HandleFunc("POST /api/products/reduce-stock", handleReduceStock(inv))
	mux.HandleFunc("POST /api/products/restore-stock", handleRestoreStock(inv))
}

func handleCreateProduct(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req productRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		product, err := inv.CreateProduct(r.Context(), req.params())
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusCreated, product)
	}
}

func handleListProducts(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := httpserver.Pagination(r)
		inStock, _ := strconv.ParseBool(r.URL.Query().Get("in_stock"))

		result, err := inv.ListProducts(r.Context(), store.ProductFilter{
			NameContains: r.URL.Query().Get("name"),
			InStockOnly:  inStock,
			Page:         page,
			PageSize:     pageSize,
		})
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusOK, result)
	}
}

func handleGetProduct(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpserver.PathID(r, "id")
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		product, err := inv.GetProduct(r.Context(), id)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusOK, product)
	}
}

// handleUpdateProduct uses the request version for optimistic locking; a
// request without one overwrites whatever version is current.
func handleUpdateProduct(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := httpserver.PathID(r, "id")
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		var req productRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		version := req.Version
		if version == 0 {
			current, err := inv.GetProduct(ctx, id)
			if err != nil {
				httpserver.WriteError(w, r, err)
				return
			}
			version = current.Version
		}

		product, err := inv.UpdateProduct(ctx, id, version, req.params())
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusOK, product)
	}
}

func handleDeleteProduct(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpserver.PathID(r, "id")
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		if err := inv.DeleteProduct(r.Context(), id); err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCheckStock(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpserver.PathID(r, "id")
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, "quantity must be an integer")
			return
		}

		ok, err := inv.CheckStock(r.Context(), id, quantity)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusOK, ok)
	}
}

func handleReduceStock(inv Inventory) http.HandlerFunc {
	return handleStockBatch(inv.ReduceStock)
}

func handleRestoreStock(inv Inventory) http.HandlerFunc {
	return handleStockBatch(inv.RestoreStock)
}

type stockFunc func(context.Context, models.StockBatch) (store.StockResult, error)

// handleStockBatch reads a JSON array of adjustments. The batch key comes
// from the Idempotency-Key header and, for restores, the reduce being
// undone from the reverses query parameter.
func handleStockBatch(apply stockFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []models.StockAdjustment
		if err := httpserver.DecodeJSON(r, &items); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		batch := models.StockBatch{
			Key:      r.Header.Get(stockclient.IdempotencyKeyHeader),
			Reverses: r.URL.Query().Get("reverses"),
			Items:    items,
		}

		result, err := apply(r.Context(), batch)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		httpserver.RespondJSON(w, http.StatusOK, stockResponse{Applied: result.Applied, Skipped: result.Skipped})
	}
}
