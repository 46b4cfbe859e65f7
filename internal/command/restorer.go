package command

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/retry"
	"github.com/safar/go-commerce/internal/store"
)

type RestoreMetrics struct {
	Pending  prometheus.Gauge
	Attempts *prometheus.CounterVec
}

func NewRestoreMetrics(reg prometheus.Registerer) *RestoreMetrics {
	m := &RestoreMetrics{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commerce",
			Subsystem: "command_service",
			Name:      "pending_restores",
			Help:      "Stock restores queued and not yet accepted by the inventory.",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commerce",
			Subsystem: "command_service",
			Name:      "restore_attempts_total",
			Help:      "Queued stock restore attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Pending, m.Attempts)
	return m
}

// RestoreWorker retries queued stock restores until the inventory accepts
// them. Several workers may run against one database; each claims its rows
// with SKIP LOCKED.
type RestoreWorker struct {
	svc       *Service
	interval  time.Duration
	batchSize int
	metrics   *RestoreMetrics
}

func NewRestoreWorker(svc *Service, interval time.Duration, batchSize int, metrics *RestoreMetrics) *RestoreWorker {
	return &RestoreWorker{
		svc:       svc,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics,
	}
}

// Run drains due restores every interval until ctx is done.
func (w *RestoreWorker) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Dur("interval", w.interval).Msg("restore worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("restore pass failed")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("restore worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce attempts one batch of due restores and returns how many the
// inventory accepted.
func (w *RestoreWorker) RunOnce(ctx context.Context) (int, error) {
	completed := 0

	err := database.WithTransaction(ctx, w.svc.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		completed = 0

		due, err := store.ClaimDueRestores(ctx, tx, w.batchSize)
		if err != nil {
			return err
		}

		for i := range due {
			if w.attempt(ctx, tx, &due[i]) {
				completed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if w.metrics != nil {
		if n, err := store.CountPendingRestores(ctx, w.svc.db); err == nil {
			w.metrics.Pending.Set(float64(n))
		}
	}
	return completed, nil
}

func (w *RestoreWorker) attempt(ctx context.Context, tx *sql.Tx, restore *models.PendingRestore) bool {
	logger := zerolog.Ctx(ctx).With().
		Int64("restore_id", restore.ID).
		Str("key", restore.Batch.Key).
		Int("attempts", restore.Attempts).
		Logger()

	if err := w.svc.ledger.RestoreStock(ctx, restore.Batch); err != nil {
		delay := retry.Delay(w.svc.restoreBackoff, restore.Attempts)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("queued restore failed")
		w.count("failed")
		if recErr := store.RecordRestoreFailure(ctx, tx, restore.ID, err, delay); recErr != nil {
			logger.Error().Err(recErr).Msg("record restore failure")
		}
		return false
	}

	if err := store.CompleteRestore(ctx, tx, restore.ID); err != nil {
		logger.Error().Err(err).Msg("complete restore")
		return false
	}
	w.count("completed")
	if restore.CommandID != nil {
		w.svc.cache.Invalidate(ctx, *restore.CommandID)
	}
	logger.Info().Msg("queued restore completed")
	return true
}

func (w *RestoreWorker) count(outcome string) {
	if w.metrics != nil {
		w.metrics.Attempts.WithLabelValues(outcome).Inc()
	}
}
