// Package inventory is the only writer of product stock. Every change runs
// in a retried transaction that row-locks the products it touches.
package inventory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxKeyLength = 128

var tracer = otel.Tracer("github.com/safar/go-commerce/internal/inventory")

type Metrics struct {
	Batches *prometheus.CounterVec
	Units   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: "inventory",
		Name:      "stock_batches_total",
		Help:      "Stock batches by operation and outcome.",
	}, []string{"op", "outcome"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: "inventory",
		Name:      "stock_units_total",
		Help:      "Units moved by applied stock batches.",
	}, []string{"op"})

	reg.MustRegister(batches, units)
	return &Metrics{Batches: batches, Units: units}
}

type Ledger struct {
	db      *sql.DB
	txOpts  database.TxOptions
	metrics *Metrics
}

func NewLedger(db *sql.DB, metrics *Metrics) *Ledger {
	return &Ledger{
		db:      db,
		txOpts:  database.DefaultTxOptions(),
		metrics: metrics,
	}
}

// CheckStock reports whether productID holds at least quantity units.
func (l *Ledger) CheckStock(ctx context.Context, productID int64, quantity int) (bool, error) {
	if productID <= 0 {
		return false, &models.ValidationError{Field: "product_id", Reason: "must be positive"}
	}
	if quantity <= 0 {
		return false, &models.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return store.CheckStock(ctx, l.db, productID, quantity)
}

// ReduceStock removes the whole batch or nothing. A batch whose key was
// already applied succeeds without touching stock.
func (l *Ledger) ReduceStock(ctx context.Context, batch models.StockBatch) (store.StockResult, error) {
	if err := validateBatch(batch, false); err != nil {
		return store.StockResult{}, err
	}
	return l.apply(ctx, "reduce", batch, store.ReduceStock)
}

// RestoreStock gives the batch back. With Reverses set, only a reduce that
// actually happened is undone, and only once.
func (l *Ledger) RestoreStock(ctx context.Context, batch models.StockBatch) (store.StockResult, error) {
	if err := validateBatch(batch, true); err != nil {
		return store.StockResult{}, err
	}
	return l.apply(ctx, "restore", batch, store.RestoreStock)
}

type stockFunc func(context.Context, *sql.Tx, models.StockBatch) (store.StockResult, error)

func (l *Ledger) apply(ctx context.Context, op string, batch models.StockBatch, fn stockFunc) (store.StockResult, error) {
	ctx, span := tracer.Start(ctx, "inventory."+op, trace.WithAttributes(
		attribute.String("stock.key", batch.Key),
		attribute.String("stock.reverses", batch.Reverses),
		attribute.Int("stock.lines", len(batch.Items)),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx).With().
		Str("op", op).
		Str("key", batch.Key).
		Str("reverses", batch.Reverses).
		Logger()

	var res store.StockResult
	err := database.WithRetry(ctx, l.db, l.txOpts, func(tx *sql.Tx) error {
		var err error
		res, err = fn(ctx, tx, batch)
		return err
	})
	if err != nil {
		l.metrics.Batches.WithLabelValues(op, outcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		event := logger.Error()
		if errors.Is(err, database.ErrInsufficientStock) || errors.Is(err, database.ErrProductNotFound) {
			event = logger.Info()
		}
		event.Err(err).Msg("stock batch rejected")
		return store.StockResult{}, err
	}

	span.SetAttributes(attribute.Bool("stock.applied", res.Applied))
	if !res.Applied {
		l.metrics.Batches.WithLabelValues(op, "noop").Inc()
		logger.Info().Msg("stock batch already settled")
		return res, nil
	}

	units := 0
	for _, item := range batch.Items {
		units += item.Quantity
	}
	l.metrics.Batches.WithLabelValues(op, "applied").Inc()
	l.metrics.Units.WithLabelValues(op).Add(float64(units))

	if len(res.Skipped) > 0 {
		logger.Warn().Ints64("products", res.Skipped).Msg("restore skipped deleted products")
	}
	logger.Debug().Int("units", units).Msg("stock batch applied")
	return res, nil
}

func validateBatch(batch models.StockBatch, restore bool) error {
	if err := models.ValidateAdjustments(batch.Items); err != nil {
		return err
	}
	if len(batch.Key) > maxKeyLength || len(batch.Reverses) > maxKeyLength {
		return &models.ValidationError{Field: "key", Reason: "must be at most 128 characters"}
	}
	if batch.Reverses != "" {
		if !restore {
			return &models.ValidationError{Field: "reverses", Reason: "only valid on restore"}
		}
		if batch.Key == "" {
			return &models.ValidationError{Field: "key", Reason: "required when reversing a batch"}
		}
		if batch.Key == batch.Reverses {
			return &models.ValidationError{Field: "reverses", Reason: "must differ from key"}
		}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, database.ErrProductNotFound):
		return "not_found"
	default:
		return "error"
	}
}
