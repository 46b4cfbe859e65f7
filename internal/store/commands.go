package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
)

const commandColumns = `
	c.id, c.status, c.total_price,
	COALESCE(c.idempotency_key, ''), COALESCE(c.reservation_key, ''),
	c.created_at, c.updated_at, c.version,
	EXISTS (
		SELECT 1 FROM pending_restores pr
		WHERE pr.command_id = c.id AND pr.completed_at IS NULL
	)`

type CreateCommandParams struct {
	Items          []models.CommandItem
	IdempotencyKey string
	ReservationKey string
}

func scanCommand(row rowScanner, command *models.Command) error {
	err := row.Scan(
		&command.ID,
		&command.Status,
		&command.TotalPrice,
		&command.IdempotencyKey,
		&command.ReservationKey,
		&command.Date,
		&command.UpdatedAt,
		&command.Version,
		&command.RestorePending,
	)
	command.StockReserved = command.ReservationKey != ""
	return err
}

// CreateCommand inserts a PENDING command with its items. A reused
// idempotency key fails with database.ErrDuplicateKey.
func CreateCommand(ctx context.Context, db *sql.DB, params CreateCommandParams) (*models.Command, error) {
	var command *models.Command

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		items := append([]models.CommandItem(nil), params.Items...)
		total := models.SumItems(items)

		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO commands (status, total_price, idempotency_key, reservation_key, created_at, updated_at, version)
			 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NOW(), NOW(), 1)
			 RETURNING id`,
			models.StatusPending, total, params.IdempotencyKey, params.ReservationKey).Scan(&id)
		if err != nil {
			if database.IsUniqueViolation(err, "commands_idempotency_key_key") {
				return database.ErrDuplicateKey
			}
			return fmt.Errorf("create command: %w", err)
		}

		if err := insertCommandItems(ctx, tx, id, items); err != nil {
			return err
		}

		command, err = getCommand(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	return command, nil
}

func GetCommand(ctx context.Context, db database.Querier, id int64) (*models.Command, error) {
	return getCommand(ctx, db, id, false)
}

// LockCommand loads a command and holds its row lock until tx ends.
func LockCommand(ctx context.Context, tx *sql.Tx, id int64) (*models.Command, error) {
	return getCommand(ctx, tx, id, true)
}

func getCommand(ctx context.Context, db database.Querier, id int64, forUpdate bool) (*models.Command, error) {
	command := &models.Command{}

	query := `SELECT ` + commandColumns + ` FROM commands c WHERE c.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF c`
	}

	if err := scanCommand(db.QueryRowContext(ctx, query, id), command); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}

	items, err := loadItems(ctx, db, []int64{id})
	if err != nil {
		return nil, err
	}
	command.Items = items[id]

	return command, nil
}

func GetCommandByIdempotencyKey(ctx context.Context, db database.Querier, key string) (*models.Command, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT id FROM commands WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command by idempotency key: %w", err)
	}
	return getCommand(ctx, db, id, false)
}

// ListCommands returns every command, newest first, optionally restricted
// to one status.
func ListCommands(ctx context.Context, db database.Querier, status *models.CommandStatus) ([]models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands c`
	var args []any
	if status != nil {
		query += ` WHERE c.status = $1`
		args = append(args, *status)
	}
	query += ` ORDER BY c.created_at DESC, c.id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}

	if err := attachItems(ctx, db, commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func ListCommandsPage(ctx context.Context, db database.Querier, status *models.CommandStatus, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + commandColumns + `
		FROM commands c
		WHERE (c.created_at, c.id) < ($1, $2)
		  AND ($3 = '' OR c.status = $3)
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $4`

	var statusArg string
	if status != nil {
		statusArg = string(*status)
	}

	rows, err := db.QueryContext(ctx, query, cursorData.CreatedAt, cursorData.ID, statusArg, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(commands) > limit
	if hasMore {
		commands = commands[:limit]
	}

	if err := attachItems(ctx, db, commands); err != nil {
		return nil, err
	}

	var nextCursor string
	if hasMore && len(commands) > 0 {
		last := commands[len(commands)-1]
		nextCursor = EncodeCursor(CommandCursor{
			CreatedAt: last.Date,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      commands,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ReplaceCommandItems swaps the items of a locked command, recomputes its
// total, records the reservation now held and bumps its version.
func ReplaceCommandItems(ctx context.Context, tx *sql.Tx, id int64, items []models.CommandItem, reservationKey string) (*models.Command, error) {
	items = append([]models.CommandItem(nil), items...)
	total := models.SumItems(items)

	result, err := tx.ExecContext(ctx,
		`UPDATE commands
		 SET total_price = $1, reservation_key = NULLIF($2, ''),
		     version = version + 1, updated_at = NOW()
		 WHERE id = $3`,
		total, reservationKey, id)
	if err != nil {
		return nil, fmt.Errorf("update command: %w", err)
	}
	if err := expectOneRow(result, database.ErrCommandNotFound); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_items WHERE command_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clear command items: %w", err)
	}
	if err := insertCommandItems(ctx, tx, id, items); err != nil {
		return nil, err
	}

	return getCommand(ctx, tx, id, false)
}

func UpdateCommandStatus(ctx context.Context, tx *sql.Tx, id int64, status models.CommandStatus) (*models.Command, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE commands
		 SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		status, id)
	if err != nil {
		return nil, fmt.Errorf("update command status: %w", err)
	}
	if err := expectOneRow(result, database.ErrCommandNotFound); err != nil {
		return nil, err
	}

	return getCommand(ctx, tx, id, false)
}

// SetReservationKey records which stock batch the command holds. An empty
// key means it holds none.
func SetReservationKey(ctx context.Context, tx *sql.Tx, id int64, key string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE commands SET reservation_key = NULLIF($1, ''), updated_at = NOW() WHERE id = $2`,
		key, id)
	if err != nil {
		return fmt.Errorf("set reservation key: %w", err)
	}
	return expectOneRow(result, database.ErrCommandNotFound)
}

func DeleteCommand(ctx context.Context, tx *sql.Tx, id int64) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	return expectOneRow(result, database.ErrCommandNotFound)
}

func insertCommandItems(ctx context.Context, tx *sql.Tx, commandID int64, items []models.CommandItem) error {
	for i, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO command_items (command_id, position, product_id, product_name, quantity, unit_price, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			commandID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return fmt.Errorf("create command item: %w", err)
		}
	}
	return nil
}

func scanCommands(rows *sql.Rows) ([]models.Command, error) {
	commands := []models.Command{}
	for rows.Next() {
		var command models.Command
		if err := scanCommand(rows, &command); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, command)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return commands, nil
}

func attachItems(ctx context.Context, db database.Querier, commands []models.Command) error {
	if len(commands) == 0 {
		return nil
	}

	ids := make([]int64, len(commands))
	for i := range commands {
		ids[i] = commands[i].ID
	}

	items, err := loadItems(ctx, db, ids)
	if err != nil {
		return err
	}
	for i := range commands {
		commands[i].Items = items[commands[i].ID]
	}
	return nil
}

func loadItems(ctx context.Context, db database.Querier, commandIDs []int64) (map[int64][]models.CommandItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT command_id, id, product_id, product_name, quantity, unit_price, line_total
		 FROM command_items
		 WHERE command_id = ANY($1)
		 ORDER BY command_id, position`,
		pq.Array(commandIDs))
	if err != nil {
		return nil, fmt.Errorf("get command items: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.CommandItem, len(commandIDs))
	for _, id := range commandIDs {
		out[id] = []models.CommandItem{}
	}

	for rows.Next() {
		var (
			commandID int64
			item      models.CommandItem
		)
		err := rows.Scan(
			&commandID,
			&item.ID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.LineTotal,
		)
		if err != nil {
			return nil, fmt.Errorf("scan command item: %w", err)
		}
		out[commandID] = append(out[commandID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
