package backgroundsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/remote/mock"
	"github.com/vladislavdragonenkov/possync/internal/service/backgroundsync"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
	"github.com/vladislavdragonenkov/possync/internal/service/savelock"
	"github.com/vladislavdragonenkov/possync/internal/service/syncdriver"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
)

type env struct {
	store  *orderstore.Store
	remote *mock.Server
	driver *syncdriver.Driver
	coord  *savelock.Coordinator
}

func newEnv(t *testing.T) env {
	t.Helper()
	return newEnvWithAPI(t, func(remote *mock.Server) domain.RemoteOrderAPI { return remote })
}

// newEnvWithAPI позволяет обернуть удалённое хранилище, сохранив доступ к нему из теста.
func newEnvWithAPI(t *testing.T, wrap func(*mock.Server) domain.RemoteOrderAPI) env {
	t.Helper()

	store := orderstore.New(memory.NewLocalOrderRepository())
	remote := mock.NewServer()
	driver := syncdriver.New(store, wrap(remote),
		syncdriver.WithMetrics(metrics.NewSyncMetricsWithRegisterer(prometheus.NewRegistry())))
	coord := savelock.New(driver.EnsureRemoteOrder, func(ctx context.Context, localID string) (int64, error) {
		order, err := store.Get(ctx, localID)
		return order.RemoteID, err
	})
	t.Cleanup(coord.Close)
	return env{store: store, remote: remote, driver: driver, coord: coord}
}

func (e env) scheduler(options ...backgroundsync.Option) *backgroundsync.Scheduler {
	return backgroundsync.New(e.store, e.driver, e.coord, options...)
}

func (e env) orderWithLine(t *testing.T, qty int) domain.LocalOrder {
	t.Helper()
	ctx := context.Background()
	order, err := e.store.CreateLocal(ctx)
	require.NoError(t, err)
	order, err = e.store.Update(ctx, order.LocalID, domain.OrderPatch{
		LineItems: []domain.LineItem{{ProductID: 1, Quantity: qty, Price: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	return order
}

func TestProcessOnce_PushesPendingOrders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	first := e.orderWithLine(t, 1)
	second := e.orderWithLine(t, 2)
	empty, err := e.store.CreateLocal(ctx)
	require.NoError(t, err)

	report := e.scheduler().ProcessOnce(ctx)
	require.Equal(t, 2, report.Synced)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Failed)
	require.Equal(t, 2, e.remote.Len())

	for _, id := range []string{first.LocalID, second.LocalID} {
		order, err := e.store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.SyncStatusSynced, order.SyncStatus)
		require.NotZero(t, order.RemoteID)
	}

	untouched, err := e.store.Get(ctx, empty.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusLocal, untouched.SyncStatus)
	require.Zero(t, untouched.RemoteID)
}

func TestProcessOnce_RetriesFailedOrders(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	order := e.orderWithLine(t, 3)
	scheduler := e.scheduler()

	e.remote.FailNext(mock.OpCreate, errors.New("503 service unavailable"))
	report := scheduler.ProcessOnce(ctx)
	require.Equal(t, 1, report.Failed)

	failed, err := e.store.Get(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusError, failed.SyncStatus)

	report = scheduler.ProcessOnce(ctx)
	require.Equal(t, 1, report.Synced)
	require.Zero(t, report.Failed)

	synced, err := e.store.Get(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSynced, synced.SyncStatus)
	require.Equal(t, 1, e.remote.Len())
}

func TestProcessOnce_PushesEditsOfCreatedOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	order := e.orderWithLine(t, 1)
	scheduler := e.scheduler()

	require.Equal(t, 1, scheduler.ProcessOnce(ctx).Synced)

	_, err := e.store.Update(ctx, order.LocalID, domain.OrderPatch{
		LineItems: []domain.LineItem{{ProductID: 1, Quantity: 6, Price: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)

	require.Equal(t, 1, scheduler.ProcessOnce(ctx).Synced)
	stored, err := e.store.Get(ctx, order.LocalID)
	require.NoError(t, err)
	remote, ok := e.remote.Order(stored.RemoteID)
	require.True(t, ok)
	require.Len(t, remote.LineItems, 1)
	require.Equal(t, 6, remote.LineItems[0].Quantity)
	require.Equal(t, 1, e.remote.Calls(mock.OpCreate))
}

func TestProcessOnce_StaleSyncingIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	order := e.orderWithLine(t, 1)
	_, err := e.store.SetSyncStatus(ctx, order.LocalID, domain.SyncStatusSyncing, domain.SyncUpdate{})
	require.NoError(t, err)

	fresh := e.scheduler(backgroundsync.WithStaleSyncingAfter(time.Hour)).ProcessOnce(ctx)
	require.Zero(t, fresh.Synced)
	require.Zero(t, e.remote.Len())

	later := func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	stale := e.scheduler(backgroundsync.WithStaleSyncingAfter(time.Hour), backgroundsync.WithClock(later)).ProcessOnce(ctx)
	require.Equal(t, 1, stale.Synced)
	require.Equal(t, 1, e.remote.Len())
}

// dropFirstCreate теряет ответ на первое создание после того, как заказ записан удалённо.
type dropFirstCreate struct {
	*mock.Server
	dropped bool
}

func (d *dropFirstCreate) CreateOrder(ctx context.Context, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	created, err := d.Server.CreateOrder(ctx, input)
	if err != nil || d.dropped {
		return created, err
	}
	d.dropped = true
	return domain.RemoteOrder{}, errors.New("read: connection reset by peer")
}

func TestProcessOnce_RetryAfterLostCreateDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newEnvWithAPI(t, func(remote *mock.Server) domain.RemoteOrderAPI {
		return &dropFirstCreate{Server: remote}
	})
	order := e.orderWithLine(t, 2)
	scheduler := e.scheduler()

	first := scheduler.ProcessOnce(ctx)
	require.Equal(t, 1, first.Failed)
	require.Equal(t, 1, e.remote.Len())

	second := scheduler.ProcessOnce(ctx)
	require.Equal(t, 1, second.Synced)
	require.Equal(t, 1, e.remote.Len())
	require.Equal(t, 1, e.remote.Calls(mock.OpCreate))

	synced, err := e.store.Get(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSynced, synced.SyncStatus)
	require.Equal(t, int64(501), synced.RemoteID)

	remote, ok := e.remote.Order(synced.RemoteID)
	require.True(t, ok)
	require.Len(t, remote.LineItems, 1)
	require.Equal(t, 2, remote.LineItems[0].Quantity)
}

func TestPull_SameSecondRemoteChangeIsNotMissed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.remote.SetPrecision(time.Second)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.remote.SetClock(func() time.Time { return at })
	scheduler := e.scheduler()

	_, err := e.remote.CreateOrder(ctx, domain.RemoteOrderInput{
		LineItems: []domain.RemoteLinePatch{{ProductID: 7, Quantity: 1, Price: "2.00"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, scheduler.SyncNow(ctx).Pulled)

	at = at.Add(500 * time.Millisecond)
	_, err = e.remote.CreateOrder(ctx, domain.RemoteOrderInput{
		LineItems: []domain.RemoteLinePatch{{ProductID: 8, Quantity: 1, Price: "2.00"}},
	})
	require.NoError(t, err)

	require.Equal(t, 1, scheduler.SyncNow(ctx).Pulled)
	require.Zero(t, scheduler.SyncNow(ctx).Pulled)
	require.True(t, at.Truncate(time.Second).Equal(scheduler.Watermark()))

	orders, err := e.store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestPull_RespectsIntervalAndWatermark(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	scheduler := e.scheduler(backgroundsync.WithPullInterval(time.Hour))

	_, err := e.remote.CreateOrder(ctx, domain.RemoteOrderInput{
		LineItems: []domain.RemoteLinePatch{{ProductID: 7, Quantity: 1, Price: "2.00"}},
	})
	require.NoError(t, err)

	report := scheduler.ProcessOnce(ctx)
	require.NoError(t, report.PullErr)
	require.Equal(t, 1, report.Pulled)
	require.False(t, scheduler.Watermark().IsZero())

	_, err = e.remote.CreateOrder(ctx, domain.RemoteOrderInput{
		LineItems: []domain.RemoteLinePatch{{ProductID: 8, Quantity: 1, Price: "2.00"}},
	})
	require.NoError(t, err)

	require.Zero(t, scheduler.ProcessOnce(ctx).Pulled)
	require.Equal(t, 1, scheduler.SyncNow(ctx).Pulled)

	orders, err := e.store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestPull_FailureIsReported(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.remote.FailNext(mock.OpList, errors.New("timeout"))

	report := e.scheduler().SyncNow(ctx)
	require.Error(t, report.PullErr)
	require.True(t, domain.IsRemoteSync(report.PullErr))
}

func TestPullOrder_AppliesSingleRemoteChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	created, err := e.remote.CreateOrder(ctx, domain.RemoteOrderInput{
		LineItems: []domain.RemoteLinePatch{{ProductID: 7, Quantity: 2, Price: "2.00"}},
	})
	require.NoError(t, err)

	applied, err := e.scheduler().PullOrder(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, applied)

	orders, err := e.store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, created.ID, orders[0].RemoteID)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.orderWithLine(t, 1)
	scheduler := e.scheduler(backgroundsync.WithPushInterval(10 * time.Millisecond))

	reports := make(chan backgroundsync.CycleReport, 16)
	err := scheduler.Start(context.Background(), func(r backgroundsync.CycleReport) {
		select {
		case reports <- r:
		default:
		}
	})
	require.NoError(t, err)
	require.True(t, scheduler.Running())
	require.ErrorIs(t, scheduler.Start(context.Background(), nil), backgroundsync.ErrAlreadyRunning)

	select {
	case r := <-reports:
		require.Equal(t, 1, r.Synced)
	case <-time.After(2 * time.Second):
		t.Fatal("expected first cycle report")
	}

	scheduler.Stop()
	require.False(t, scheduler.Running())
	scheduler.Stop()
}
