package engine

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/service/backgroundsync"
	"github.com/vladislavdragonenkov/possync/internal/service/kitchen"
	"github.com/vladislavdragonenkov/possync/internal/service/lineitem"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
	"github.com/vladislavdragonenkov/possync/internal/service/savelock"
	"github.com/vladislavdragonenkov/possync/internal/service/syncdriver"
)

// Dependencies — хранилища и внешние коллабораторы движка.
type Dependencies struct {
	Orders    domain.LocalOrderRepository
	Journal   domain.SyncJournal
	Snapshots domain.PrintSnapshotRepository
	Remote    domain.RemoteOrderAPI
	Publisher domain.SyncEventPublisher
}

// Config задаёт поведение движка.
type Config struct {
	Currency     string
	InlineSync   bool
	PushInterval time.Duration
	PullInterval time.Duration
	BatchSize    int
	IdleTimeout  time.Duration
	PullStatuses []string
	Metrics      *metrics.SyncMetrics
	Logger       *log.Entry
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Currency:     "USD",
		InlineSync:   true,
		PushInterval: 15 * time.Second,
		PullInterval: time.Minute,
		BatchSize:    50,
		IdleTimeout:  5 * time.Minute,
	}
}

// Engine — фасад синхронизации заказов для слоя представления.
type Engine struct {
	store       *orderstore.Store
	driver      *syncdriver.Driver
	coordinator *savelock.Coordinator
	reconciler  *lineitem.Reconciler
	scheduler   *backgroundsync.Scheduler
	kitchen     *kitchen.Service
	logger      *log.Entry
	inline      bool
}

// New собирает движок из зависимостей.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Orders == nil {
		return nil, errors.New("order repository is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("remote order api is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "sync-engine")
	}

	storeOptions := []orderstore.Option{
		orderstore.WithLogger(logger.WithField("component", "order-store")),
		orderstore.WithCurrency(cfg.Currency),
	}
	if deps.Journal != nil {
		storeOptions = append(storeOptions, orderstore.WithJournal(deps.Journal))
	}
	if deps.Publisher != nil {
		storeOptions = append(storeOptions, orderstore.WithPublisher(deps.Publisher))
	}
	store := orderstore.New(deps.Orders, storeOptions...)

	driverOptions := []syncdriver.Option{
		syncdriver.WithLogger(logger.WithField("component", "sync-driver")),
		syncdriver.WithPullStatuses(cfg.PullStatuses...),
	}
	if cfg.Metrics != nil {
		driverOptions = append(driverOptions, syncdriver.WithMetrics(cfg.Metrics))
	}
	driver := syncdriver.New(store, deps.Remote, driverOptions...)

	coordinator := savelock.New(driver.EnsureRemoteOrder, func(ctx context.Context, localID string) (int64, error) {
		order, err := store.Get(ctx, localID)
		if err != nil {
			return 0, err
		}
		return order.RemoteID, nil
	},
		savelock.WithLogger(logger.WithField("component", "save-lock")),
		savelock.WithIdleTimeout(cfg.IdleTimeout),
	)

	reconciler := lineitem.New(store, driver, coordinator,
		lineitem.WithLogger(logger.WithField("component", "line-item-reconciler")),
		lineitem.WithInlineSync(cfg.InlineSync),
	)

	scheduler := backgroundsync.New(store, driver, coordinator,
		backgroundsync.WithLogger(logger.WithField("component", "background-sync")),
		backgroundsync.WithPushInterval(cfg.PushInterval),
		backgroundsync.WithPullInterval(cfg.PullInterval),
		backgroundsync.WithBatchSize(cfg.BatchSize),
	)

	var kitchenService *kitchen.Service
	if deps.Snapshots != nil {
		kitchenService = kitchen.NewService(store, deps.Snapshots, logger.WithField("component", "kitchen"))
	}

	return &Engine{
		store:       store,
		driver:      driver,
		coordinator: coordinator,
		reconciler:  reconciler,
		scheduler:   scheduler,
		kitchen:     kitchenService,
		logger:      logger,
		inline:      cfg.InlineSync,
	}, nil
}

// ErrKitchenDisabled — хранилище снимков печати не подключено.
var ErrKitchenDisabled = errors.New("kitchen tickets are disabled")

// CreateLocal создаёт пустой черновик без обращения к сети.
func (e *Engine) CreateLocal(ctx context.Context) (domain.LocalOrder, error) {
	return e.store.CreateLocal(ctx)
}

// GetLocalOrder возвращает локальный заказ.
func (e *Engine) GetLocalOrder(ctx context.Context, localID string) (domain.LocalOrder, error) {
	return e.store.Get(ctx, localID)
}

// ListOrders возвращает последние заказы, новые первыми.
func (e *Engine) ListOrders(ctx context.Context, limit int) ([]domain.LocalOrder, error) {
	return e.store.List(ctx, limit)
}

// UpdateLocalOrder применяет частичное изменение документа локально.
// Отправку выполнит фоновая синхронизация или SyncNow.
func (e *Engine) UpdateLocalOrder(ctx context.Context, localID string, patch domain.OrderPatch) (domain.LocalOrder, error) {
	return e.store.Update(ctx, localID, patch)
}

// UpdateLineItem устанавливает или изменяет количество позиции.
func (e *Engine) UpdateLineItem(ctx context.Context, localID string, ref lineitem.ProductRef, quantity int, mode lineitem.Mode) (lineitem.Result, error) {
	return e.reconciler.UpdateLineItem(ctx, localID, ref, quantity, mode)
}

// EnsureRemoteOrder гарантирует, что черновик создан удалённо, и возвращает его remote id.
func (e *Engine) EnsureRemoteOrder(ctx context.Context, localID string) (int64, error) {
	return e.coordinator.Ensure(ctx, localID)
}

// UpdateLocalOrderSyncStatus переводит заказ в указанный статус синхронизации.
func (e *Engine) UpdateLocalOrderSyncStatus(ctx context.Context, localID string, status domain.SyncStatus, update domain.SyncUpdate) (domain.LocalOrder, error) {
	return e.store.SetSyncStatus(ctx, localID, status, update)
}

// StartBackgroundSync запускает периодическую синхронизацию.
func (e *Engine) StartBackgroundSync(ctx context.Context, callback func(backgroundsync.CycleReport)) error {
	return e.scheduler.Start(ctx, callback)
}

// StopBackgroundSync останавливает периодическую синхронизацию.
func (e *Engine) StopBackgroundSync() {
	e.scheduler.Stop()
}

// BackgroundSyncRunning сообщает, запущена ли периодическая синхронизация.
func (e *Engine) BackgroundSyncRunning() bool {
	return e.scheduler.Running()
}

// SyncNow выполняет цикл синхронизации немедленно.
func (e *Engine) SyncNow(ctx context.Context) backgroundsync.CycleReport {
	return e.scheduler.SyncNow(ctx)
}

// PullRemoteOrder применяет изменение одного удалённого заказа (например, по уведомлению из брокера).
func (e *Engine) PullRemoteOrder(ctx context.Context, remoteID int64) (bool, error) {
	return e.scheduler.PullOrder(ctx, remoteID)
}

// SyncSummary возвращает счётчики заказов по статусам синхронизации.
func (e *Engine) SyncSummary(ctx context.Context) (orderstore.SyncSummary, error) {
	return e.store.Summary(ctx)
}

// Journal возвращает историю переходов статусов заказа.
func (e *Engine) Journal(ctx context.Context, localID string) ([]domain.SyncEvent, error) {
	return e.store.Journal(ctx, localID)
}

// DeleteDraft удаляет черновик, который ни разу не создавался удалённо.
func (e *Engine) DeleteDraft(ctx context.Context, localID string) error {
	err := e.coordinator.Serialize(ctx, localID, func(ctx context.Context) error {
		if err := e.store.Delete(ctx, localID); err != nil {
			return err
		}
		if e.kitchen != nil {
			return e.kitchen.Forget(ctx, localID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.coordinator.Release(localID)
	return nil
}

// CompleteOrder закрывает заказ и сразу отправляет его, если включена немедленная синхронизация.
// Сбой отправки не возвращается: он отражён в статусе заказа, повтор выполнит фоновая синхронизация.
func (e *Engine) CompleteOrder(ctx context.Context, localID string) (domain.LocalOrder, error) {
	status := domain.OrderStatusCompleted
	order, err := e.store.Update(ctx, localID, domain.OrderPatch{Status: &status})
	if err != nil {
		return domain.LocalOrder{}, err
	}

	if e.inline {
		err := e.coordinator.Do(ctx, localID, func(ctx context.Context, _ int64) error {
			current, err := e.store.Get(ctx, localID)
			if err != nil {
				return err
			}
			if current.SyncStatus == domain.SyncStatusSynced {
				return nil
			}
			_, err = e.driver.Push(ctx, localID)
			return err
		})
		if err != nil {
			if errors.Is(err, domain.ErrStorage) {
				return domain.LocalOrder{}, err
			}
			e.logger.WithError(err).WithField("local_id", localID).Warn("completed order kept locally, remote sync failed")
		}
	}
	e.coordinator.Release(localID)

	fresh, err := e.store.Get(context.WithoutCancel(ctx), localID)
	if err != nil {
		return order, err
	}
	return fresh, nil
}

// KitchenTicket возвращает изменения заказа с момента последней печати кухонного чека.
func (e *Engine) KitchenTicket(ctx context.Context, localID string) (kitchen.Ticket, error) {
	if e.kitchen == nil {
		return kitchen.Ticket{}, ErrKitchenDisabled
	}
	return e.kitchen.Diff(ctx, localID)
}

// MarkTicketPrinted запоминает текущие позиции заказа как напечатанные.
func (e *Engine) MarkTicketPrinted(ctx context.Context, localID string) (domain.PrintSnapshot, error) {
	if e.kitchen == nil {
		return domain.PrintSnapshot{}, ErrKitchenDisabled
	}
	return e.kitchen.MarkPrinted(ctx, localID)
}

// Close останавливает фоновую синхронизацию и акторы черновиков.
func (e *Engine) Close() {
	e.scheduler.Stop()
	e.coordinator.Close()
}
