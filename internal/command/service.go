// Package command manages the order lifecycle: the status machine and the
// stock reservation each command holds in the inventory ledger.
package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/events"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/retry"
	"github.com/safar/go-commerce/internal/stockclient"
	"github.com/safar/go-commerce/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/safar/go-commerce/internal/command")

// Ledger is the inventory as seen from the command service.
type Ledger interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	CheckStock(ctx context.Context, productID int64, quantity int) (bool, error)
	ReduceStock(ctx context.Context, batch models.StockBatch) error
	RestoreStock(ctx context.Context, batch models.StockBatch) error
}

type Cache interface {
	Get(ctx context.Context, id int64) (*models.Command, bool)
	Set(ctx context.Context, command *models.Command)
	Invalidate(ctx context.Context, id int64)
}

type Service struct {
	db             *sql.DB
	ledger         Ledger
	publisher      events.Publisher
	cache          Cache
	newKey         func() string
	restoreBackoff time.Duration
	quoteLimit     int
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithKeyFunc replaces the uuid generator used for stock batch keys.
func WithKeyFunc(fn func() string) Option {
	return func(s *Service) { s.newKey = fn }
}

// WithRestoreBackoff sets the base delay between attempts of a queued restore.
func WithRestoreBackoff(d time.Duration) Option {
	return func(s *Service) { s.restoreBackoff = d }
}

func NewService(db *sql.DB, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		db:             db,
		ledger:         ledger,
		publisher:      events.Nop{},
		cache:          nopCache{},
		newKey:         uuid.NewString,
		restoreBackoff: 5 * time.Second,
		quoteLimit:     8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCommand reserves stock for items and records a PENDING command.
// Either every line is reserved and the command exists, or nothing is
// reserved and no command is written. A repeated idempotencyKey returns the
// command it created first, with created false.
func (s *Service) CreateCommand(ctx context.Context, items []models.StockAdjustment, idempotencyKey string) (command *models.Command, created bool, err error) {
	ctx, span := tracer.Start(ctx, "command.Create")
	defer func() { endSpan(span, err) }()

	if err := models.ValidateAdjustments(items); err != nil {
		return nil, false, err
	}
	if len(idempotencyKey) > 128 {
		return nil, false, &models.ValidationError{Field: "Idempotency-Key", Reason: "must be at most 128 characters"}
	}

	if idempotencyKey != "" {
		existing, err := store.GetCommandByIdempotencyKey(ctx, s.db, idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, database.ErrCommandNotFound) {
			return nil, false, err
		}
	}

	lines, err := s.quote(ctx, items)
	if err != nil {
		return nil, false, err
	}

	reservation := models.StockBatch{Key: s.newKey(), Items: items}
	span.SetAttributes(attribute.String("stock.key", reservation.Key))

	if err := s.ledger.ReduceStock(ctx, reservation); err != nil {
		if errors.Is(err, stockclient.ErrInventoryUnavailable) {
			s.release(ctx, nil, reservation)
		}
		return nil, false, err
	}

	command, err = store.CreateCommand(ctx, s.db, store.CreateCommandParams{
		Items:          lines,
		IdempotencyKey: idempotencyKey,
		ReservationKey: reservation.Key,
	})
	if err != nil {
		s.release(ctx, nil, reservation)
		if errors.Is(err, database.ErrDuplicateKey) {
			existing, getErr := store.GetCommandByIdempotencyKey(ctx, s.db, idempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	zerolog.Ctx(ctx).Info().
		Int64("command_id", command.ID).
		Str("reservation", reservation.Key).
		Str("total", command.TotalPrice.String()).
		Msg("command created")
	s.publish(ctx, events.NewEvent(events.TypeCreated, command, ""))

	return command, true, nil
}

// UpdateCommand replaces the items of a PENDING or CONFIRMED command. The
// old reservation is given back before the new one is taken; if the new one
// fails the old items are reserved again and the error is returned.
//
// Once the old reservation has left the ledger the update runs to the end
// even if ctx is cancelled, so the command row always matches what the
// ledger holds for it.
func (s *Service) UpdateCommand(ctx context.Context, id int64, items []models.StockAdjustment) (command *models.Command, err error) {
	ctx, span := tracer.Start(ctx, "command.Update", trace.WithAttributes(attribute.Int64("command.id", id)))
	defer func() { endSpan(span, err) }()

	if err := models.ValidateAdjustments(items); err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().Int64("command_id", id).Logger()
	detached := context.WithoutCancel(ctx)

	var (
		updateErr error
		oldKey    string
		released  bool
		unsettled *models.StockBatch
		held      models.StockBatch
		holding   bool
	)

	err = database.WithTransaction(detached, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := store.LockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.Status.ItemsEditable() {
			return &models.TransitionError{From: current.Status, Action: "update"}
		}

		oldItems := current.Adjustments()
		if current.ReservationKey != "" {
			if err := ctx.Err(); err != nil {
				return err
			}
			oldKey = current.ReservationKey
			release := models.StockBatch{Key: s.newKey(), Reverses: oldKey, Items: oldItems}
			err := s.ledger.RestoreStock(detached, release)
			if errors.Is(err, stockclient.ErrInventoryUnavailable) {
				// The release may or may not have landed; queue it and stop
				// claiming the old reservation.
				released, unsettled = true, &release
				updateErr = fmt.Errorf("release previous reservation: %w", err)
				if _, qErr := store.EnqueueRestore(detached, tx, &id, release); qErr != nil {
					return qErr
				}
				return store.SetReservationKey(detached, tx, id, "")
			}
			if err != nil {
				return fmt.Errorf("release previous reservation: %w", err)
			}
			released = true
		}

		lines, err := s.quote(detached, items)
		var newBatch models.StockBatch
		if err == nil {
			newBatch = models.StockBatch{Key: s.newKey(), Items: items}
			err = s.ledger.ReduceStock(detached, newBatch)
			if errors.Is(err, stockclient.ErrInventoryUnavailable) {
				if _, qErr := store.EnqueueRestore(detached, tx, &id, s.reversal(newBatch)); qErr != nil {
					return qErr
				}
			}
		}
		if err != nil {
			updateErr = err
			again, ok, rErr := s.rereserve(detached, tx, current, oldItems, logger)
			if ok {
				held, holding = again, true
			}
			return rErr
		}
		held, holding = newBatch, true

		command, err = store.ReplaceCommandItems(detached, tx, id, lines, newBatch.Key)
		return err
	})
	if err != nil {
		if holding {
			logger.Error().Err(err).Str("reservation", held.Key).Msg("update failed after reserving items")
			s.release(detached, &id, held)
		}
		if unsettled != nil {
			s.queueRestore(detached, &id, *unsettled)
		}
		if released {
			s.dropReservation(detached, id, oldKey, logger)
		}
		s.cache.Invalidate(detached, id)
		return nil, err
	}

	s.cache.Invalidate(detached, id)
	if updateErr != nil {
		return nil, updateErr
	}

	logger.Info().Str("reservation", held.Key).Msg("command updated")
	s.publish(detached, events.NewEvent(events.TypeUpdated, command, command.Status))
	return command, nil
}

// rereserve takes the old items again after a failed update and reports
// whether the ledger now holds them. When that fails too the command is
// left without a reservation.
func (s *Service) rereserve(ctx context.Context, tx *sql.Tx, current *models.Command, oldItems []models.StockAdjustment, logger zerolog.Logger) (models.StockBatch, bool, error) {
	if current.ReservationKey == "" {
		return models.StockBatch{}, false, nil
	}

	again := models.StockBatch{Key: s.newKey(), Items: oldItems}
	err := s.ledger.ReduceStock(ctx, again)
	if err == nil {
		return again, true, store.SetReservationKey(ctx, tx, current.ID, again.Key)
	}

	logger.Error().Err(err).Msg("could not reserve previous items again; command no longer holds stock")
	if errors.Is(err, stockclient.ErrInventoryUnavailable) {
		if _, qErr := store.EnqueueRestore(ctx, tx, &current.ID, s.reversal(again)); qErr != nil {
			return again, false, qErr
		}
	}
	return again, false, store.SetReservationKey(ctx, tx, current.ID, "")
}

// dropReservation clears a reservation key the ledger has already given
// back, unless the command has moved on to another one.
func (s *Service) dropReservation(ctx context.Context, id int64, key string, logger zerolog.Logger) {
	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := store.LockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.ReservationKey != key {
			return nil
		}
		return store.SetReservationKey(ctx, tx, id, "")
	})
	if err != nil {
		logger.Error().Err(err).Str("reservation", key).Msg("command still claims a released reservation")
	}
}

// UpdateCommandStatus moves a command along the status table. CANCELLED is
// handled by CancelCommand so that stock goes back.
func (s *Service) UpdateCommandStatus(ctx context.Context, id int64, status models.CommandStatus) (command *models.Command, err error) {
	if !status.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if status == models.StatusCancelled {
		return s.CancelCommand(ctx, id)
	}

	ctx, span := tracer.Start(ctx, "command.UpdateStatus", trace.WithAttributes(
		attribute.Int64("command.id", id),
		attribute.String("command.status", string(status)),
	))
	defer func() { endSpan(span, err) }()

	var previous models.CommandStatus
	err = database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := store.LockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := current.Status.ValidateTransition(status); err != nil {
			return err
		}
		previous = current.Status

		command, err = store.UpdateCommandStatus(ctx, tx, id, status)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, id)
	zerolog.Ctx(ctx).Info().
		Int64("command_id", id).
		Str("from", string(previous)).
		Str("to", string(status)).
		Msg("command status changed")
	s.publish(ctx, events.NewEvent(events.TypeStatusChanged, command, previous))
	return command, nil
}

// CancelCommand cancels a PENDING, CONFIRMED or PROCESSING command and gives
// its stock back. Cancelling a cancelled command returns it unchanged. The
// restore is queued in the same transaction as the status change and tried
// at once; if the ledger cannot take it, the restore worker keeps trying.
func (s *Service) CancelCommand(ctx context.Context, id int64) (command *models.Command, err error) {
	ctx, span := tracer.Start(ctx, "command.Cancel", trace.WithAttributes(attribute.Int64("command.id", id)))
	defer func() { endSpan(span, err) }()

	var (
		previous models.CommandStatus
		restore  *models.PendingRestore
	)
	err = database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := store.LockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		previous = current.Status
		if current.Status == models.StatusCancelled {
			command = current
			return nil
		}
		if err := current.Status.ValidateTransition(models.StatusCancelled); err != nil {
			return err
		}

		if current.ReservationKey != "" {
			batch := models.StockBatch{Key: s.newKey(), Reverses: current.ReservationKey, Items: current.Adjustments()}
			if restore, err = store.EnqueueRestore(ctx, tx, &id, batch); err != nil {
				return err
			}
			if err := store.SetReservationKey(ctx, tx, id, ""); err != nil {
				return err
			}
		}

		command, err = store.UpdateCommandStatus(ctx, tx, id, models.StatusCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}

	if previous == models.StatusCancelled {
		return command, nil
	}

	s.cache.Invalidate(ctx, id)
	if restore != nil && s.attemptRestore(ctx, restore) {
		if refreshed, err := store.GetCommand(ctx, s.db, id); err == nil {
			command = refreshed
		}
	}

	zerolog.Ctx(ctx).Info().
		Int64("command_id", id).
		Str("from", string(previous)).
		Bool("restore_pending", command.RestorePending).
		Msg("command cancelled")
	s.publish(ctx, events.NewEvent(events.TypeCancelled, command, previous))
	return command, nil
}

// DeleteCommand removes a CANCELLED or DELIVERED command.
func (s *Service) DeleteCommand(ctx context.Context, id int64) (err error) {
	ctx, span := tracer.Start(ctx, "command.Delete", trace.WithAttributes(attribute.Int64("command.id", id)))
	defer func() { endSpan(span, err) }()

	var deleted *models.Command
	err = database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := store.LockCommand(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.Status.Deletable() {
			return &models.TransitionError{From: current.Status, Action: "delete"}
		}
		deleted = current
		return store.DeleteCommand(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, id)
	zerolog.Ctx(ctx).Info().Int64("command_id", id).Msg("command deleted")
	s.publish(ctx, events.NewEvent(events.TypeDeleted, deleted, deleted.Status))
	return nil
}

func (s *Service) GetCommand(ctx context.Context, id int64) (*models.Command, error) {
	if command, ok := s.cache.Get(ctx, id); ok {
		return command, nil
	}

	command, err := store.GetCommand(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, command)
	return command, nil
}

// ListCommands returns all commands, or those in status when it is non-nil.
func (s *Service) ListCommands(ctx context.Context, status *models.CommandStatus) ([]models.Command, error) {
	return store.ListCommands(ctx, s.db, status)
}

func (s *Service) ListCommandsPage(ctx context.Context, status *models.CommandStatus, cursor string, limit int) (*store.CursorPage, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if _, err := store.DecodeCursor(cursor); err != nil {
		return nil, &models.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	return store.ListCommandsPage(ctx, s.db, status, cursor, limit)
}

// quote fetches name and price for every product in items and checks that
// the merged quantity of each is in stock.
func (s *Service) quote(ctx context.Context, items []models.StockAdjustment) ([]models.CommandItem, error) {
	merged := models.MergeAdjustments(items)
	products := make([]*models.Product, len(merged))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.quoteLimit)
	for i, adj := range merged {
		g.Go(func() error {
			product, err := s.ledger.GetProduct(gctx, adj.ProductID)
			if err != nil {
				return err
			}
			ok, err := s.ledger.CheckStock(gctx, adj.ProductID, adj.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("product %d: %w", adj.ProductID, database.ErrInsufficientStock)
			}
			products[i] = product
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]models.CommandItem, 0, len(items))
	for _, item := range items {
		p := byID[item.ProductID]
		if p == nil {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, database.ErrProductNotFound)
		}
		lines = append(lines, models.CommandItem{
			ProductID:   item.ProductID,
			ProductName: p.Name,
			Quantity:    item.Quantity,
			UnitPrice:   p.Price,
		})
	}
	models.SumItems(lines)
	return lines, nil
}

func (s *Service) reversal(batch models.StockBatch) models.StockBatch {
	return models.StockBatch{Key: s.newKey(), Reverses: batch.Key, Items: batch.Items}
}

// release gives back a reservation that no command will own.
func (s *Service) release(ctx context.Context, commandID *int64, reservation models.StockBatch) {
	s.queueRestore(ctx, commandID, s.reversal(reservation))
}

// queueRestore puts batch in the outbox so it survives a crash, then tries
// it once.
func (s *Service) queueRestore(ctx context.Context, commandID *int64, batch models.StockBatch) {
	ctx = context.WithoutCancel(ctx)
	logger := zerolog.Ctx(ctx)

	var restore *models.PendingRestore
	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		restore, err = store.EnqueueRestore(ctx, tx, commandID, batch)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Str("key", batch.Key).Msg("could not queue restore; trying ledger directly")
		if err := s.ledger.RestoreStock(ctx, batch); err != nil {
			logger.Error().Err(err).Str("key", batch.Key).Msg("restore may be stranded")
		}
		return
	}
	s.attemptRestore(ctx, restore)
}

// attemptRestore sends a queued restore to the ledger and records the
// outcome. It reports whether the restore is now complete.
func (s *Service) attemptRestore(ctx context.Context, restore *models.PendingRestore) bool {
	logger := zerolog.Ctx(ctx).With().
		Int64("restore_id", restore.ID).
		Str("key", restore.Batch.Key).
		Str("reverses", restore.Batch.Reverses).
		Logger()

	if err := s.ledger.RestoreStock(ctx, restore.Batch); err != nil {
		delay := retry.Delay(s.restoreBackoff, restore.Attempts)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("stock restore failed; will retry")
		if recErr := store.RecordRestoreFailure(ctx, s.db, restore.ID, err, delay); recErr != nil {
			logger.Error().Err(recErr).Msg("record restore failure")
		}
		return false
	}

	if err := store.CompleteRestore(ctx, s.db, restore.ID); err != nil {
		logger.Error().Err(err).Msg("complete restore")
		return false
	}
	if restore.CommandID != nil {
		s.cache.Invalidate(ctx, *restore.CommandID)
	}
	logger.Debug().Msg("stock restored")
	return true
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("type", e.Type).Int64("command_id", e.CommandID).Msg("publish event")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type nopCache struct{}

func (nopCache) Get(context.Context, int64) (*models.Command, bool) { return nil, false }
func (nopCache) Set(context.Context, *models.Command)               {}
func (nopCache) Invalidate(context.Context, int64)                  {}
