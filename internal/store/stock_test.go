package store_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
	"github.com/safar/go-commerce/internal/testutil/pgtest"
)

func reduce(ctx context.Context, db *sql.DB, batch models.StockBatch) (store.StockResult, error) {
	var res store.StockResult
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		res, err = store.ReduceStock(ctx, tx, batch)
		return err
	})
	return res, err
}

func restore(ctx context.Context, db *sql.DB, batch models.StockBatch) (store.StockResult, error) {
	var res store.StockResult
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		res, err = store.RestoreStock(ctx, tx, batch)
		return err
	})
	return res, err
}

func TestReduceStockIsAtomic(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	a := createProduct(t, db, "ATOM-A", "A", 10, 5)
	b := createProduct(t, db, "ATOM-B", "B", 10, 1)

	_, err := reduce(ctx, db, models.StockBatch{Items: []models.StockAdjustment{
		{ProductID: a, Quantity: 3},
		{ProductID: b, Quantity: 2},
	}})
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}

	if got := stockOf(t, db, a); got != 5 {
		t.Errorf("Stock of A should remain 5, got %d", got)
	}
	if got := stockOf(t, db, b); got != 1 {
		t.Errorf("Stock of B should remain 1, got %d", got)
	}

	_, err = reduce(ctx, db, models.StockBatch{Items: []models.StockAdjustment{
		{ProductID: a, Quantity: 1},
		{ProductID: a + b + 1000, Quantity: 1},
	}})
	if !errors.Is(err, database.ErrProductNotFound) {
		t.Fatalf("Expected product not found, got: %v", err)
	}
	if got := stockOf(t, db, a); got != 5 {
		t.Errorf("Stock of A should remain 5 after unknown product, got %d", got)
	}
}

func TestReduceStockMergesDuplicateLines(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	id := createProduct(t, db, "DUP-1", "Dup", 10, 5)

	_, err := reduce(ctx, db, models.StockBatch{Items: []models.StockAdjustment{
		{ProductID: id, Quantity: 3},
		{ProductID: id, Quantity: 3},
	}})
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected the merged 6 units to exceed stock, got: %v", err)
	}
	if got := stockOf(t, db, id); got != 5 {
		t.Errorf("Expected stock 5, got %d", got)
	}
}

func TestConcurrentReduceNeverGoesNegative(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	a := createProduct(t, db, "CONC-A", "A", 10, 10)
	b := createProduct(t, db, "CONC-B", "B", 10, 10)

	concurrency := 12
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Alternate line order so that lock ordering is what prevents deadlock.
			items := []models.StockAdjustment{{ProductID: a, Quantity: 2}, {ProductID: b, Quantity: 2}}
			if i%2 == 1 {
				items[0], items[1] = items[1], items[0]
			}
			_, err := reduce(ctx, db, models.StockBatch{Items: items})
			results <- err
		}(i)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, database.ErrInsufficientStock):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successCount != 5 {
		t.Errorf("Expected 5 successful reductions, got %d", successCount)
	}
	if got := stockOf(t, db, a); got != 0 {
		t.Errorf("Expected stock of A 0, got %d", got)
	}
	if got := stockOf(t, db, b); got != 0 {
		t.Errorf("Expected stock of B 0, got %d", got)
	}
}

func TestConcurrentReduceAndRestore(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	id := createProduct(t, db, "MIX-1", "Mix", 10, 3)
	batch := []models.StockAdjustment{{ProductID: id, Quantity: 2}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	reduced := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reduce(ctx, db, models.StockBatch{Items: batch})
			if err == nil {
				if _, err := restore(ctx, db, models.StockBatch{Items: batch}); err != nil {
					t.Errorf("Restore: %v", err)
					return
				}
				mu.Lock()
				reduced++
				mu.Unlock()
			} else if !errors.Is(err, database.ErrInsufficientStock) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if reduced == 0 {
		t.Error("Expected at least one reduction to succeed")
	}
	if got := stockOf(t, db, id); got != 3 {
		t.Errorf("Expected stock back at 3, got %d", got)
	}
}

func TestKeyedBatchesAreIdempotent(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	id := createProduct(t, db, "KEY-1", "Keyed", 10, 10)
	items := []models.StockAdjustment{{ProductID: id, Quantity: 4}}

	for i := 0; i < 2; i++ {
		res, err := reduce(ctx, db, models.StockBatch{Key: "reserve-1", Items: items})
		if err != nil {
			t.Fatalf("Reduce attempt %d: %v", i, err)
		}
		if res.Applied != (i == 0) {
			t.Errorf("Reduce attempt %d: expected applied=%v", i, i == 0)
		}
	}
	if got := stockOf(t, db, id); got != 6 {
		t.Errorf("Expected stock 6 after a repeated reduce, got %d", got)
	}

	for i := 0; i < 2; i++ {
		if _, err := restore(ctx, db, models.StockBatch{Key: "release-1", Reverses: "reserve-1", Items: items}); err != nil {
			t.Fatalf("Restore attempt %d: %v", i, err)
		}
	}
	if got := stockOf(t, db, id); got != 10 {
		t.Errorf("Expected stock 10 after a repeated restore, got %d", got)
	}

	res, err := restore(ctx, db, models.StockBatch{Key: "release-2", Reverses: "reserve-1", Items: items})
	if err != nil {
		t.Fatalf("Second restore of the same reduce: %v", err)
	}
	if res.Applied {
		t.Error("A reduce must only be reversed once")
	}
	if got := stockOf(t, db, id); got != 10 {
		t.Errorf("Expected stock 10, got %d", got)
	}
}

func TestRestoreBeforeReduceLeavesTombstone(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	id := createProduct(t, db, "TOMB-1", "Tomb", 10, 5)
	items := []models.StockAdjustment{{ProductID: id, Quantity: 3}}

	res, err := restore(ctx, db, models.StockBatch{Key: "undo-late", Reverses: "late", Items: items})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Applied {
		t.Error("Restore of an unknown reduce should not move stock")
	}
	if got := stockOf(t, db, id); got != 5 {
		t.Errorf("Expected stock 5, got %d", got)
	}

	res, err = reduce(ctx, db, models.StockBatch{Key: "late", Items: items})
	if err != nil {
		t.Fatalf("Late reduce: %v", err)
	}
	if res.Applied {
		t.Error("Late reduce after its restore should be a no-op")
	}
	if got := stockOf(t, db, id); got != 5 {
		t.Errorf("Expected stock 5 after late reduce, got %d", got)
	}

	found, applied, err := store.GetMovement(ctx, db, "late")
	if err != nil {
		t.Fatalf("Get movement: %v", err)
	}
	if !found || applied {
		t.Errorf("Expected an unapplied tombstone, got found=%v applied=%v", found, applied)
	}
}

func TestRestoreSkipsDeletedProducts(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	kept := createProduct(t, db, "SKIP-1", "Kept", 10, 1)
	gone := createProduct(t, db, "SKIP-2", "Gone", 10, 1)
	if err := store.DeleteProduct(ctx, db, gone); err != nil {
		t.Fatalf("Delete product: %v", err)
	}

	res, err := restore(ctx, db, models.StockBatch{Items: []models.StockAdjustment{
		{ProductID: kept, Quantity: 2},
		{ProductID: gone, Quantity: 2},
	}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != gone {
		t.Errorf("Expected product %d skipped, got %v", gone, res.Skipped)
	}
	if got := stockOf(t, db, kept); got != 3 {
		t.Errorf("Expected stock 3, got %d", got)
	}
}

func TestStockChangeInvalidatesProductVersion(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	id := createProduct(t, db, "VER-001", "Desk", 80, 5)
	read, err := store.GetProduct(ctx, db, id)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}

	if _, err := reduce(ctx, db, models.StockBatch{Items: []models.StockAdjustment{{ProductID: id, Quantity: 3}}}); err != nil {
		t.Fatalf("Reduce: %v", err)
	}

	params := store.ProductParams{SKU: "VER-001", Name: "Desk", Price: read.Price, StockQuantity: read.StockQuantity}
	if _, err := store.UpdateProduct(ctx, db, id, read.Version, params); !errors.Is(err, database.ErrOptimisticLockFailed) {
		t.Fatalf("Expected optimistic lock failure after reduce, got: %v", err)
	}

	afterReduce, err := store.GetProduct(ctx, db, id)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	if afterReduce.StockQuantity != 2 {
		t.Errorf("Expected stock 2, got %d", afterReduce.StockQuantity)
	}

	if _, err := restore(ctx, db, models.StockBatch{Items: []models.StockAdjustment{{ProductID: id, Quantity: 3}}}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := store.UpdateProduct(ctx, db, id, afterReduce.Version, params); !errors.Is(err, database.ErrOptimisticLockFailed) {
		t.Errorf("Expected optimistic lock failure after restore, got: %v", err)
	}
}
