package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
)

const restoreColumns = `id, command_id, batch_key, COALESCE(reverses, ''), items, attempts, last_error, next_attempt_at, created_at, completed_at`

func scanRestore(row rowScanner, restore *models.PendingRestore) error {
	var (
		commandID sql.NullInt64
		items     []byte
	)
	err := row.Scan(
		&restore.ID,
		&commandID,
		&restore.Batch.Key,
		&restore.Batch.Reverses,
		&items,
		&restore.Attempts,
		&restore.LastError,
		&restore.NextAttemptAt,
		&restore.CreatedAt,
		&restore.CompletedAt,
	)
	if err != nil {
		return err
	}

	if commandID.Valid {
		restore.CommandID = &commandID.Int64
	}
	if err := json.Unmarshal(items, &restore.Batch.Items); err != nil {
		return fmt.Errorf("decode restore items: %w", err)
	}
	return nil
}

// EnqueueRestore records a restore that must eventually reach the ledger.
// It runs inside the transaction that gives the stock up, so the two
// commit together. Re-enqueueing a batch key returns the existing row.
func EnqueueRestore(ctx context.Context, tx *sql.Tx, commandID *int64, batch models.StockBatch) (*models.PendingRestore, error) {
	payload, err := json.Marshal(batch.Items)
	if err != nil {
		return nil, fmt.Errorf("encode restore items: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_restores (command_id, batch_key, reverses, items, next_attempt_at, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NOW(), NOW())
		 ON CONFLICT (batch_key) DO NOTHING`,
		commandID, batch.Key, batch.Reverses, string(payload))
	if err != nil {
		return nil, fmt.Errorf("enqueue restore: %w", err)
	}

	restore := &models.PendingRestore{}
	err = scanRestore(tx.QueryRowContext(ctx,
		`SELECT `+restoreColumns+` FROM pending_restores WHERE batch_key = $1`, batch.Key), restore)
	if err != nil {
		return nil, fmt.Errorf("get enqueued restore: %w", err)
	}
	return restore, nil
}

// ClaimDueRestores locks up to limit incomplete restores whose next attempt
// is due. Rows locked by another worker are skipped.
func ClaimDueRestores(ctx context.Context, tx *sql.Tx, limit int) ([]models.PendingRestore, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+restoreColumns+`
		 FROM pending_restores
		 WHERE completed_at IS NULL
		   AND next_attempt_at <= NOW()
		 ORDER BY next_attempt_at, id
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim restores: %w", err)
	}
	defer rows.Close()

	var restores []models.PendingRestore
	for rows.Next() {
		var restore models.PendingRestore
		if err := scanRestore(rows, &restore); err != nil {
			return nil, fmt.Errorf("scan restore: %w", err)
		}
		restores = append(restores, restore)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return restores, nil
}

func CompleteRestore(ctx context.Context, db database.Querier, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE pending_restores
		 SET completed_at = NOW(), attempts = attempts + 1, last_error = ''
		 WHERE id = $1 AND completed_at IS NULL`,
		id)
	if err != nil {
		return fmt.Errorf("complete restore: %w", err)
	}
	return nil
}

// RecordRestoreFailure counts a failed attempt and pushes the next one back
// by retryIn.
func RecordRestoreFailure(ctx context.Context, db database.Querier, id int64, cause error, retryIn time.Duration) error {
	_, err := db.ExecContext(ctx,
		`UPDATE pending_restores
		 SET attempts = attempts + 1,
		     last_error = $2,
		     next_attempt_at = NOW() + ($3::bigint * INTERVAL '1 millisecond')
		 WHERE id = $1 AND completed_at IS NULL`,
		id, cause.Error(), retryIn.Milliseconds())
	if err != nil {
		return fmt.Errorf("record restore failure: %w", err)
	}
	return nil
}

func CountPendingRestores(ctx context.Context, db database.Querier) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_restores WHERE completed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending restores: %w", err)
	}
	return n, nil
}
