package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
)

const (
	movementReduce  = "REDUCE"
	movementRestore = "RESTORE"
)

// StockResult describes what a reduce or restore did to the ledger.
type StockResult struct {
	// Applied is false when the batch key had already been seen, or when a
	// restore reversed a reduce that never happened.
	Applied bool
	// Skipped lists products a restore could not credit because they no
	// longer exist.
	Skipped []int64
}

// ReduceStock removes every adjustment of batch from stock inside tx.
// Products are locked in ascending id order and any shortfall fails the
// whole batch.
func ReduceStock(ctx context.Context, tx *sql.Tx, batch models.StockBatch) (StockResult, error) {
	items := models.MergeAdjustments(batch.Items)

	if batch.Key != "" {
		inserted, err := recordMovement(ctx, tx, batch.Key, movementReduce, "", items)
		if err != nil {
			return StockResult{}, err
		}
		if !inserted {
			return StockResult{}, nil
		}
	}

	for _, item := range items {
		product, err := LockProduct(ctx, tx, item.ProductID)
		if err != nil {
			return StockResult{}, err
		}
		if product.StockQuantity < item.Quantity {
			return StockResult{}, fmt.Errorf("product %d has %d, want %d: %w",
				item.ProductID, product.StockQuantity, item.Quantity, database.ErrInsufficientStock)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE products
			 SET stock_quantity = stock_quantity - $1,
			     version = version + 1,
			     updated_at = NOW()
			 WHERE id = $2
			   AND stock_quantity >= $1`,
			item.Quantity, item.ProductID)
		if err != nil {
			if database.IsCheckViolation(err) {
				return StockResult{}, database.ErrInsufficientStock
			}
			return StockResult{}, fmt.Errorf("update stock: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return StockResult{}, fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return StockResult{}, database.ErrInsufficientStock
		}
	}

	return StockResult{Applied: true}, nil
}

// RestoreStock credits every adjustment of batch back to stock inside tx.
// When batch.Reverses names a reduce the ledger never applied, a tombstone
// is left for it so that a late reduce with that key does nothing.
func RestoreStock(ctx context.Context, tx *sql.Tx, batch models.StockBatch) (StockResult, error) {
	items := models.MergeAdjustments(batch.Items)

	if batch.Key != "" {
		inserted, err := recordMovement(ctx, tx, batch.Key, movementRestore, batch.Reverses, items)
		if err != nil {
			return StockResult{}, err
		}
		if !inserted {
			return StockResult{}, nil
		}
	}

	if batch.Reverses != "" {
		reversible, err := reverseMovement(ctx, tx, batch.Reverses, batch.Key)
		if err != nil {
			return StockResult{}, err
		}
		if !reversible {
			if _, err := tx.ExecContext(ctx,
				`UPDATE stock_movements SET applied = false WHERE key = $1`, batch.Key); err != nil {
				return StockResult{}, fmt.Errorf("mark restore unapplied: %w", err)
			}
			return StockResult{}, nil
		}
	}

	res := StockResult{Applied: true}
	for _, item := range items {
		var id int64
		err := tx.QueryRowContext(ctx,
			`UPDATE products
			 SET stock_quantity = stock_quantity + $1,
			     version = version + 1,
			     updated_at = NOW()
			 WHERE id = $2
			 RETURNING id`,
			item.Quantity, item.ProductID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				res.Skipped = append(res.Skipped, item.ProductID)
				continue
			}
			return StockResult{}, fmt.Errorf("restore stock: %w", err)
		}
	}

	return res, nil
}

// recordMovement journals a keyed batch. It reports false when the key is
// already present.
func recordMovement(ctx context.Context, tx *sql.Tx, key, kind, reverses string, items []models.StockAdjustment) (bool, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return false, fmt.Errorf("encode movement items: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO stock_movements (key, kind, reverses, applied, items, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), true, $4, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		key, kind, reverses, string(payload))
	if err != nil {
		return false, fmt.Errorf("record movement: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// reverseMovement claims the reduce named by key for the restore byKey. It
// reports false when there is nothing to give back: the reduce never ran
// (a tombstone is written), was itself a tombstone, or was already reversed
// by another restore.
func reverseMovement(ctx context.Context, tx *sql.Tx, key, byKey string) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO stock_movements (key, kind, applied, reversed_by, created_at)
		 VALUES ($1, $2, false, NULLIF($3, ''), NOW())
		 ON CONFLICT (key) DO NOTHING`,
		key, movementReduce, byKey)
	if err != nil {
		return false, fmt.Errorf("write tombstone: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	} else if n == 1 {
		return false, nil
	}

	var (
		kind       string
		applied    bool
		reversedBy sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT kind, applied, reversed_by FROM stock_movements WHERE key = $1 FOR UPDATE`,
		key).Scan(&kind, &applied, &reversedBy)
	if err != nil {
		return false, fmt.Errorf("lock movement: %w", err)
	}
	if kind != movementReduce || !applied || reversedBy.Valid {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stock_movements SET reversed_by = NULLIF($2, '') WHERE key = $1`,
		key, byKey); err != nil {
		return false, fmt.Errorf("mark movement reversed: %w", err)
	}
	return true, nil
}

// GetMovement reports whether key is journaled and, if so, whether it moved stock.
func GetMovement(ctx context.Context, db database.Querier, key string) (found, applied bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT applied FROM stock_movements WHERE key = $1`, key).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("get movement: %w", err)
	}
	return true, applied, nil
}
