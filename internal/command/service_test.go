package command_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/go-commerce/internal/command"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/events"
	"github.com/safar/go-commerce/internal/inventory"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/stockclient"
	"github.com/safar/go-commerce/internal/store"
	"github.com/safar/go-commerce/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = fmt.Errorf("%w: request timed out", stockclient.ErrInventoryUnavailable)

// flakyLedger runs batches against a real ledger and can be told to fail
// them. With applyThenFail the batch reaches the ledger but the caller still
// sees the failure, as when a response is lost. beforeRestore and
// afterRestore run around every restore that reaches the ledger.
type flakyLedger struct {
	inv *inventory.Ledger

	mu            sync.Mutex
	reduceErr     error
	restoreErr    error
	applyThenFail bool
	beforeRestore func()
	afterRestore  func()
}

func (l *flakyLedger) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return l.inv.GetProduct(ctx, id)
}

func (l *flakyLedger) CheckStock(ctx context.Context, id int64, qty int) (bool, error) {
	return l.inv.CheckStock(ctx, id, qty)
}

func (l *flakyLedger) ReduceStock(ctx context.Context, batch models.StockBatch) error {
	l.mu.Lock()
	failErr, applyFirst := l.reduceErr, l.applyThenFail
	l.mu.Unlock()

	if failErr != nil && !applyFirst {
		return failErr
	}
	_, err := l.inv.ReduceStock(ctx, batch)
	if failErr != nil {
		return failErr
	}
	return err
}

func (l *flakyLedger) RestoreStock(ctx context.Context, batch models.StockBatch) error {
	l.mu.Lock()
	failErr, before, after := l.restoreErr, l.beforeRestore, l.afterRestore
	l.mu.Unlock()

	if failErr != nil {
		return failErr
	}
	if before != nil {
		before()
	}
	_, err := l.inv.RestoreStock(ctx, batch)
	if after != nil {
		after()
	}
	return err
}

func (l *flakyLedger) hooks(before, after func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beforeRestore, l.afterRestore = before, after
}

func (l *flakyLedger) set(reduceErr, restoreErr error, applyThenFail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reduceErr, l.restoreErr, l.applyThenFail = reduceErr, restoreErr, applyThenFail
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type fixture struct {
	db     *sql.DB
	ledger *flakyLedger
	pub    *recordingPublisher
	svc    *command.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := pgtest.New(t)

	ledger := &flakyLedger{inv: inventory.NewLedger(db, inventory.NewMetrics(prometheus.NewRegistry()))}
	pub := &recordingPublisher{}
	svc := command.NewService(db, ledger,
		command.WithPublisher(pub),
		command.WithRestoreBackoff(0),
	)
	return &fixture{db: db, ledger: ledger, pub: pub, svc: svc}
}

func (f *fixture) product(t *testing.T, sku string, price int64, stock int) *models.Product {
	t.Helper()
	p, err := f.ledger.inv.CreateProduct(context.Background(), store.ProductParams{
		SKU:           sku,
		Name:          "Product " + sku,
		Price:         decimal.NewFromInt(price),
		StockQuantity: stock,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) stock(t *testing.T, id int64) int {
	t.Helper()
	p, err := f.ledger.inv.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.StockQuantity
}

func (f *fixture) pendingRestores(t *testing.T) int64 {
	t.Helper()
	n, err := store.CountPendingRestores(context.Background(), f.db)
	require.NoError(t, err)
	return n
}

type mapCache struct {
	mu       sync.Mutex
	commands map[int64]models.Command
}

func newMapCache() *mapCache {
	return &mapCache{commands: make(map[int64]models.Command)}
}

func (c *mapCache) Get(_ context.Context, id int64) (*models.Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.commands[id]
	if !ok {
		return nil, false
	}
	return &cmd, true
}

func (c *mapCache) Set(_ context.Context, cmd *models.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[cmd.ID] = *cmd
}

func (c *mapCache) Invalidate(_ context.Context, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.commands, id)
}

func line(id int64, qty int) []models.StockAdjustment {
	return []models.StockAdjustment{{ProductID: id, Quantity: qty}}
}

func TestCreateCommandReservesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 12, 5)

	first, created, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.True(t, first.StockReserved)
	assert.True(t, first.TotalPrice.Equal(decimal.NewFromInt(36)), "total %s", first.TotalPrice)
	require.Len(t, first.Items, 1)
	assert.Equal(t, p.Name, first.Items[0].ProductName)
	assert.Equal(t, 2, f.stock(t, p.ID))

	_, _, err = f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	assert.ErrorIs(t, err, database.ErrInsufficientStock)
	assert.Equal(t, 2, f.stock(t, p.ID))

	all, err := f.svc.ListCommands(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Equal(t, []string{events.TypeCreated}, f.pub.seen())
}

func TestCreateCommandIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 1, 10)
	b := f.product(t, "B", 1, 1)

	_, _, err := f.svc.CreateCommand(ctx, []models.StockAdjustment{
		{ProductID: a.ID, Quantity: 4},
		{ProductID: b.ID, Quantity: 2},
	}, "")
	assert.ErrorIs(t, err, database.ErrInsufficientStock)
	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, b.ID))

	_, _, err = f.svc.CreateCommand(ctx, line(a.ID+b.ID+100, 1), "")
	assert.ErrorIs(t, err, database.ErrProductNotFound)

	_, _, err = f.svc.CreateCommand(ctx, nil, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateCommandIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 5, 10)

	first, created, err := f.svc.CreateCommand(ctx, line(p.ID, 2), "client-key-1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.svc.CreateCommand(ctx, line(p.ID, 2), "client-key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestCreateCommandInventoryUnavailable(t *testing.T) {
	for _, applied := range []bool{false, true} {
		t.Run(fmt.Sprintf("applied=%t", applied), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.product(t, "MUG", 5, 5)

			f.ledger.set(errUnavailable, nil, applied)
			_, _, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
			assert.ErrorIs(t, err, stockclient.ErrInventoryUnavailable)
			assert.NotErrorIs(t, err, database.ErrInsufficientStock)

			assert.Equal(t, 5, f.stock(t, p.ID))
			assert.Zero(t, f.pendingRestores(t))

			all, err := f.svc.ListCommands(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestCancelCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 5, 5)

	created, _, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	require.NoError(t, err)

	cancelled, err := f.svc.CancelCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.StockReserved)
	assert.False(t, cancelled.RestorePending)
	assert.Equal(t, 5, f.stock(t, p.ID))

	again, err := f.svc.CancelCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, again.Status)
	assert.Equal(t, 5, f.stock(t, p.ID))

	assert.Equal(t, []string{events.TypeCreated, events.TypeCancelled}, f.pub.seen())

	_, err = f.svc.CancelCommand(ctx, created.ID+1000)
	assert.ErrorIs(t, err, database.ErrCommandNotFound)
}

func TestCancelShippedCommandRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 5, 5)

	created, _, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	require.NoError(t, err)

	for _, status := range []models.CommandStatus{models.StatusConfirmed, models.StatusProcessing, models.StatusShipped} {
		_, err := f.svc.UpdateCommandStatus(ctx, created.ID, status)
		require.NoError(t, err, "move to %s", status)
	}

	_, err = f.svc.CancelCommand(ctx, created.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	got, err := f.svc.GetCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusShipped, got.Status)
	assert.Equal(t, 2, f.stock(t, p.ID))
}

func TestCancelWhileInventoryDownIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 5, 5)

	created, _, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	require.NoError(t, err)

	f.ledger.set(nil, errUnavailable, false)
	cancelled, err := f.svc.CancelCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.RestorePending)
	assert.Equal(t, 2, f.stock(t, p.ID))
	assert.EqualValues(t, 1, f.pendingRestores(t))

	metrics := command.NewRestoreMetrics(prometheus.NewRegistry())
	worker := command.NewRestoreWorker(f.svc, 0, 10, metrics)

	done, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Attempts.WithLabelValues("failed")))

	f.ledger.set(nil, nil, false)
	done, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 5, f.stock(t, p.ID))
	assert.Zero(t, testutil.ToFloat64(metrics.Pending))

	got, err := f.svc.GetCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.RestorePending)

	done, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 5, f.stock(t, p.ID))
}

func TestUpdateCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, "A", 10, 5)
	b := f.product(t, "B", 3, 2)

	created, _, err := f.svc.CreateCommand(ctx, line(a.ID, 3), "")
	require.NoError(t, err)

	updated, err := f.svc.UpdateCommand(ctx, created.ID, []models.StockAdjustment{
		{ProductID: a.ID, Quantity: 4},
		{ProductID: b.ID, Quantity: 2},
	})
	require.NoError(t, err)
	assert.Len(t, updated.Items, 2)
	assert.True(t, updated.TotalPrice.Equal(decimal.NewFromInt(46)), "total %s", updated.TotalPrice)
	assert.Greater(t, updated.Version, created.Version)
	assert.Equal(t, 1, f.stock(t, a.ID))
	assert.Equal(t, 0, f.stock(t, b.ID))

	_, err = f.svc.UpdateCommand(ctx, created.ID, line(a.ID, 10))
	assert.ErrorIs(t, err, database.ErrInsufficientStock)

	got, err := f.svc.GetCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.True(t, got.StockReserved)
	assert.Equal(t, 1, f.stock(t, a.ID))
	assert.Equal(t, 0, f.stock(t, b.ID))

	_, err = f.svc.CancelCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, f.stock(t, a.ID))
	assert.Equal(t, 2, f.stock(t, b.ID))

	_, err = f.svc.UpdateCommand(ctx, created.ID, line(a.ID, 1))
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestUpdateCommandInventoryUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 1, 10)

	created, _, err := f.svc.CreateCommand(ctx, line(p.ID, 3), "")
	require.NoError(t, err)

	f.ledger.set(errUnavailable, nil, true)
	_, err = f.svc.UpdateCommand(ctx, created.ID, line(p.ID, 5))
	assert.ErrorIs(t, err, stockclient.ErrInventoryUnavailable)
	f.ledger.set(nil, nil, false)

	worker := command.NewRestoreWorker(f.svc, 0, 10, nil)
	_, err = worker.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.svc.GetCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Items[0].Quantity)
	assert.False(t, got.StockReserved)
	assert.Equal(t, 10, f.stock(t, p.ID))
	assert.Zero(t, f.pendingRestores(t))
}

func TestUpdateCommandSurvivesCancelledRequest(t *testing.T) {
	t.Run("update completes", func(t *testing.T) {
		f := newFixture(t)
		p := f.product(t, "LAMP", 4, 10)

		created, _, err := f.svc.CreateCommand(context.Background(), line(p.ID, 3), "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.ledger.hooks(nil, cancel)

		updated, err := f.svc.UpdateCommand(ctx, created.ID, line(p.ID, 5))
		require.NoError(t, err)
		assert.True(t, updated.StockReserved)
		assert.Equal(t, 5, updated.Items[0].Quantity)
		assert.Equal(t, 5, f.stock(t, p.ID))
	})

	t.Run("new reservation unavailable", func(t *testing.T) {
		f := newFixture(t)
		p := f.product(t, "LAMP", 4, 10)

		created, _, err := f.svc.CreateCommand(context.Background(), line(p.ID, 3), "")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.ledger.hooks(nil, cancel)
		f.ledger.set(errUnavailable, nil, false)

		_, err = f.svc.UpdateCommand(ctx, created.ID, line(p.ID, 5))
		assert.ErrorIs(t, err, stockclient.ErrInventoryUnavailable)
		f.ledger.set(nil, nil, false)
		f.ledger.hooks(nil, nil)

		got, err := store.GetCommand(context.Background(), f.db, created.ID)
		require.NoError(t, err)
		assert.False(t, got.StockReserved)
		assert.Equal(t, 3, got.Items[0].Quantity)
		assert.Equal(t, 10, f.stock(t, p.ID))

		_, err = command.NewRestoreWorker(f.svc, 0, 10, nil).RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10, f.stock(t, p.ID))
		assert.Zero(t, f.pendingRestores(t))
	})
}

func TestCancelRefreshesCachedCommand(t *testing.T) {
	db := pgtest.New(t)
	ledger := &flakyLedger{inv: inventory.NewLedger(db, inventory.NewMetrics(prometheus.NewRegistry()))}
	svc := command.NewService(db, ledger, command.WithCache(newMapCache()), command.WithRestoreBackoff(0))
	f := &fixture{db: db, ledger: ledger, svc: svc}
	ctx := context.Background()
	p := f.product(t, "KETTLE", 20, 4)

	created, _, err := svc.CreateCommand(ctx, line(p.ID, 2), "")
	require.NoError(t, err)

	ledger.hooks(func() {
		mid, err := svc.GetCommand(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, mid.RestorePending)
	}, nil)

	cancelled, err := svc.CancelCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.RestorePending)

	got, err := svc.GetCommand(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.RestorePending)
	assert.Equal(t, 4, f.stock(t, p.ID))
}

func TestStatusTransitionsAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, "MUG", 1, 10)

	created, _, err := f.svc.CreateCommand(ctx, line(p.ID, 4), "")
	require.NoError(t, err)

	_, err = f.svc.UpdateCommandStatus(ctx, created.ID, models.StatusShipped)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = f.svc.UpdateCommandStatus(ctx, created.ID, models.CommandStatus("LOST"))
	assert.ErrorIs(t, err, models.ErrValidation)

	err = f.svc.DeleteCommand(ctx, created.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	confirmed, err := f.svc.UpdateCommandStatus(ctx, created.ID, models.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)

	cancelled, err := f.svc.UpdateCommandStatus(ctx, created.ID, models.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(t, p.ID))

	byStatus := models.StatusCancelled
	list, err := f.svc.ListCommands(ctx, &byStatus)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.svc.DeleteCommand(ctx, created.ID))
	_, err = f.svc.GetCommand(ctx, created.ID)
	assert.ErrorIs(t, err, database.ErrCommandNotFound)

	assert.Equal(t, []string{
		events.TypeCreated,
		events.TypeStatusChanged,
		events.TypeCancelled,
		events.TypeDeleted,
	}, f.pub.seen())
}

func TestListCommandsPageRejectsBadCursor(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListCommandsPage(context.Background(), nil, "%%%", 10)
	assert.ErrorIs(t, err, models.ErrValidation)
}
