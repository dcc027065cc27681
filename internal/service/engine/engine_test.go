package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/remote/mock"
	"github.com/vladislavdragonenkov/possync/internal/service/backgroundsync"
	"github.com/vladislavdragonenkov/possync/internal/service/engine"
	"github.com/vladislavdragonenkov/possync/internal/service/lineitem"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SyncEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.SyncEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newEngine(t *testing.T, mutate func(*engine.Config)) (*engine.Engine, *mock.Server, *recordingPublisher) {
	t.Helper()

	remote := mock.NewServer()
	publisher := &recordingPublisher{}
	cfg := engine.DefaultConfig()
	cfg.Metrics = metrics.NewSyncMetricsWithRegisterer(prometheus.NewRegistry())
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := engine.New(engine.Dependencies{
		Orders:    memory.NewLocalOrderRepository(),
		Journal:   memory.NewSyncJournal(),
		Snapshots: memory.NewPrintSnapshotRepository(),
		Remote:    remote,
		Publisher: publisher,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng, remote, publisher
}

var soup = lineitem.ProductRef{ProductID: 11, Name: "Soup", Price: decimal.RequireFromString("50")}

func TestEngine_NewRequiresDependencies(t *testing.T) {
	_, err := engine.New(engine.Dependencies{}, engine.DefaultConfig())
	require.Error(t, err)

	_, err = engine.New(engine.Dependencies{Orders: memory.NewLocalOrderRepository()}, engine.DefaultConfig())
	require.Error(t, err)
}

func TestEngine_SyncScenario(t *testing.T) {
	ctx := context.Background()
	eng, remote, publisher := newEngine(t, nil)

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusLocal, order.SyncStatus)

	result, err := eng.UpdateLineItem(ctx, order.LocalID, soup, 2, lineitem.ModeSet)
	require.NoError(t, err)
	require.NoError(t, result.SyncErr)
	require.Equal(t, "100.00", domain.FormatMoney(result.Order.Data.Subtotal))

	stored, err := eng.GetLocalOrder(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSynced, stored.SyncStatus)

	remoteOrder, ok := remote.Order(stored.RemoteID)
	require.True(t, ok)
	require.Equal(t, "100.00", remoteOrder.Total)

	events, err := eng.Journal(ctx, order.LocalID)
	require.NoError(t, err)
	var path []domain.SyncStatus
	for _, e := range events {
		path = append(path, e.To)
	}
	require.Equal(t, []domain.SyncStatus{
		domain.SyncStatusLocal,
		domain.SyncStatusSyncing,
		domain.SyncStatusSynced,
	}, path)
	require.Equal(t, len(events), publisher.count())

	remoteID, err := eng.EnsureRemoteOrder(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, stored.RemoteID, remoteID)
	require.Equal(t, 1, remote.Calls(mock.OpCreate))
}

func TestEngine_ConcurrentEnsureCreatesOnce(t *testing.T) {
	ctx := context.Background()
	eng, remote, _ := newEngine(t, func(cfg *engine.Config) { cfg.InlineSync = false })

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	_, err = eng.UpdateLineItem(ctx, order.LocalID, soup, 1, lineitem.ModeSet)
	require.NoError(t, err)

	// Медленная сеть: все вызовы успевают встать в очередь, пока идёт создание.
	remote.SetHook(func(_ context.Context, op mock.Operation, _ int64) error {
		if op == mock.OpCreate {
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	})

	const callers = 10
	ids := make(chan int64, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			id, err := eng.EnsureRemoteOrder(ctx, order.LocalID)
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		require.Equal(t, first, id)
	}
	require.Equal(t, 1, remote.Calls(mock.OpCreate))
	require.Equal(t, 1, remote.Len())
}

func TestEngine_OfflineThenBackgroundSync(t *testing.T) {
	ctx := context.Background()
	eng, remote, _ := newEngine(t, nil)

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)

	remote.FailNext(mock.OpCreate, errors.New("offline"))
	result, err := eng.UpdateLineItem(ctx, order.LocalID, soup, 1, lineitem.ModeSet)
	require.NoError(t, err)
	require.Error(t, result.SyncErr)

	summary, err := eng.SyncSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Error)
	require.Len(t, summary.Errors, 1)

	report := eng.SyncNow(ctx)
	require.Equal(t, 1, report.Synced)

	summary, err = eng.SyncSummary(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Pending())
	require.Equal(t, 1, summary.Synced)
}

// timeoutAfterCreate записывает первый заказ удалённо и теряет ответ на него.
type timeoutAfterCreate struct {
	*mock.Server
	timedOut atomic.Bool
}

func (a *timeoutAfterCreate) CreateOrder(ctx context.Context, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	created, err := a.Server.CreateOrder(ctx, input)
	if err != nil || !a.timedOut.CompareAndSwap(false, true) {
		return created, err
	}
	return domain.RemoteOrder{}, context.DeadlineExceeded
}

func TestEngine_TimedOutCreateIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	remote := &timeoutAfterCreate{Server: mock.NewServer()}
	cfg := engine.DefaultConfig()
	cfg.Metrics = metrics.NewSyncMetricsWithRegisterer(prometheus.NewRegistry())
	eng, err := engine.New(engine.Dependencies{
		Orders:  memory.NewLocalOrderRepository(),
		Journal: memory.NewSyncJournal(),
		Remote:  remote,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	result, err := eng.UpdateLineItem(ctx, order.LocalID, soup, 2, lineitem.ModeSet)
	require.NoError(t, err)
	require.Error(t, result.SyncErr)
	require.Equal(t, 1, remote.Len())

	first := eng.SyncNow(ctx)
	require.Equal(t, 1, first.Synced)
	require.NoError(t, first.PullErr)
	second := eng.SyncNow(ctx)
	require.Zero(t, second.Failed)

	require.Equal(t, 1, remote.Calls(mock.OpCreate))
	require.Equal(t, 1, remote.Len())

	stored, err := eng.GetLocalOrder(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSynced, stored.SyncStatus)
	created, ok := remote.Order(stored.RemoteID)
	require.True(t, ok)
	require.Len(t, created.LineItems, 1)
	require.Equal(t, 2, created.LineItems[0].Quantity)
	require.Equal(t, "100.00", created.Total)
}

func TestEngine_StartStopBackgroundSync(t *testing.T) {
	eng, _, _ := newEngine(t, func(cfg *engine.Config) {
		cfg.InlineSync = false
		cfg.PushInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	_, err = eng.UpdateLineItem(ctx, order.LocalID, soup, 3, lineitem.ModeSet)
	require.NoError(t, err)

	synced := make(chan struct{}, 1)
	require.NoError(t, eng.StartBackgroundSync(ctx, func(r backgroundsync.CycleReport) {
		if r.Synced > 0 {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	}))
	require.True(t, eng.BackgroundSyncRunning())

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("background sync did not push the order")
	}
	eng.StopBackgroundSync()
	require.False(t, eng.BackgroundSyncRunning())

	stored, err := eng.GetLocalOrder(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSynced, stored.SyncStatus)
}

func TestEngine_DeleteDraft(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t, nil)

	draft, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.DeleteDraft(ctx, draft.LocalID))
	_, err = eng.GetLocalOrder(ctx, draft.LocalID)
	require.True(t, domain.IsNotFound(err))

	created, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	_, err = eng.UpdateLineItem(ctx, created.LocalID, soup, 1, lineitem.ModeSet)
	require.NoError(t, err)
	err = eng.DeleteDraft(ctx, created.LocalID)
	require.ErrorIs(t, err, domain.ErrNotDeletable)
}

func TestEngine_CompleteOrder(t *testing.T) {
	ctx := context.Background()
	eng, remote, _ := newEngine(t, nil)

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	_, err = eng.UpdateLineItem(ctx, order.LocalID, soup, 1, lineitem.ModeSet)
	require.NoError(t, err)

	completed, err := eng.CompleteOrder(ctx, order.LocalID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCompleted, completed.Data.Status)
	require.Equal(t, domain.SyncStatusSynced, completed.SyncStatus)

	remoteOrder, ok := remote.Order(completed.RemoteID)
	require.True(t, ok)
	require.Equal(t, "completed", remoteOrder.Status)
}

func TestEngine_KitchenTicket(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t, func(cfg *engine.Config) { cfg.InlineSync = false })

	order, err := eng.CreateLocal(ctx)
	require.NoError(t, err)
	_, err = eng.UpdateLineItem(ctx, order.LocalID, soup, 2, lineitem.ModeSet)
	require.NoError(t, err)

	ticket, err := eng.KitchenTicket(ctx, order.LocalID)
	require.NoError(t, err)
	require.Len(t, ticket.Added, 1)

	_, err = eng.MarkTicketPrinted(ctx, order.LocalID)
	require.NoError(t, err)

	_, err = eng.UpdateLineItem(ctx, order.LocalID, soup, 1, lineitem.ModeIncrement)
	require.NoError(t, err)
	ticket, err = eng.KitchenTicket(ctx, order.LocalID)
	require.NoError(t, err)
	require.Empty(t, ticket.Added)
	require.Len(t, ticket.Changed, 1)
	require.Equal(t, 1, ticket.Changed[0].Delta)
}
