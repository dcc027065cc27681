package backgroundsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
	"github.com/vladislavdragonenkov/possync/internal/service/savelock"
	"github.com/vladislavdragonenkov/possync/internal/service/syncdriver"
)

const (
	defaultPushInterval      = 15 * time.Second
	defaultPullInterval      = time.Minute
	defaultBatchSize         = 50
	defaultStaleSyncingAfter = 2 * time.Minute
)

// ErrAlreadyRunning возвращается при повторном запуске планировщика.
var ErrAlreadyRunning = errors.New("background sync is already running")

var (
	syncCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_background_sync_cycles_total",
		Help: "Total number of background sync cycles.",
	})
	syncOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_background_sync_orders_total",
		Help: "Total number of orders processed by background sync grouped by result.",
	}, []string{"result"})
	syncBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pos_sync_backlog_orders",
		Help: "Current number of local orders grouped by sync status.",
	}, []string{"status"})
)

// Options задаёт параметры Scheduler.
type Options struct {
	Logger            *log.Entry
	PushInterval      time.Duration
	PullInterval      time.Duration
	BatchSize         int
	StaleSyncingAfter time.Duration
	PullSince         time.Time
	Clock             func() time.Time
}

// Option настраивает Scheduler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithPushInterval задаёт период прохода отправки.
func WithPushInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PushInterval = interval
	}
}

// WithPullInterval задаёт период прохода pull.
func WithPullInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PullInterval = interval
	}
}

// WithBatchSize задаёт максимальное число заказов за один проход отправки.
func WithBatchSize(size int) Option {
	return func(opts *Options) {
		opts.BatchSize = size
	}
}

// WithStaleSyncingAfter задаёт, через сколько зависший статус syncing считается неизвестным исходом.
func WithStaleSyncingAfter(d time.Duration) Option {
	return func(opts *Options) {
		opts.StaleSyncingAfter = d
	}
}

// WithPullSince задаёт начальную отметку pull.
func WithPullSince(since time.Time) Option {
	return func(opts *Options) {
		opts.PullSince = since
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// CycleReport — итог одного цикла синхронизации.
type CycleReport struct {
	Synced  int
	Failed  int
	Skipped int
	Pulled  int
	// PullErr — ошибка прохода pull, если он выполнялся.
	PullErr  error
	Started  time.Time
	Duration time.Duration
}

// Scheduler периодически отправляет ожидающие заказы и забирает удалённые изменения.
// Циклы никогда не выполняются параллельно.
type Scheduler struct {
	store        *orderstore.Store
	driver       *syncdriver.Driver
	coordinator  *savelock.Coordinator
	logger       *log.Entry
	pushInterval time.Duration
	pullInterval time.Duration
	batchSize    int
	staleAfter   time.Duration
	now          func() time.Time

	cycleMu  sync.Mutex
	cursor   syncdriver.PullCursor
	lastPull time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт планировщик.
func New(store *orderstore.Store, driver *syncdriver.Driver, coordinator *savelock.Coordinator, options ...Option) *Scheduler {
	opts := Options{
		PushInterval:      defaultPushInterval,
		PullInterval:      defaultPullInterval,
		BatchSize:         defaultBatchSize,
		StaleSyncingAfter: defaultStaleSyncingAfter,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "background-sync")
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaultPullInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StaleSyncingAfter <= 0 {
		opts.StaleSyncingAfter = defaultStaleSyncingAfter
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Scheduler{
		store:        store,
		driver:       driver,
		coordinator:  coordinator,
		logger:       logger,
		pushInterval: opts.PushInterval,
		pullInterval: opts.PullInterval,
		batchSize:    opts.BatchSize,
		staleAfter:   opts.StaleSyncingAfter,
		now:          clock,
		cursor:       syncdriver.NewPullCursor(opts.PullSince),
	}
}

// Start запускает периодические циклы до Stop или отмены ctx.
// callback, если задан, получает отчёт каждого цикла.
func (s *Scheduler) Start(ctx context.Context, callback func(CycleReport)) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.run(runCtx, callback)
	}()

	s.logger.WithFields(log.Fields{
		"push_interval": s.pushInterval,
		"pull_interval": s.pullInterval,
	}).Info("background sync started")
	return nil
}

// Stop останавливает планировщик и дожидается завершения текущего цикла.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("background sync stopped")
}

// Running сообщает, запущен ли планировщик.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) run(ctx context.Context, callback func(CycleReport)) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	s.cycle(ctx, false, callback)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, false, callback)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, forcePull bool, callback func(CycleReport)) {
	report := s.process(ctx, forcePull)
	if ctx.Err() != nil {
		return
	}
	if callback != nil {
		callback(report)
	}
}

// ProcessOnce выполняет один цикл: отправку ожидающих заказов и pull, если подошёл его срок.
func (s *Scheduler) ProcessOnce(ctx context.Context) CycleReport {
	return s.process(ctx, false)
}

// SyncNow выполняет цикл немедленно, включая pull.
func (s *Scheduler) SyncNow(ctx context.Context) CycleReport {
	return s.process(ctx, true)
}

// PullOrder применяет изменение одного удалённого заказа, не пересекаясь с циклами.
func (s *Scheduler) PullOrder(ctx context.Context, remoteID int64) (bool, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	_, applied, err := s.driver.PullOrder(ctx, remoteID)
	return applied, err
}

// Watermark возвращает время изменения последнего полученного удалённого заказа.
func (s *Scheduler) Watermark() time.Time {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.cursor.Since
}

func (s *Scheduler) process(ctx context.Context, forcePull bool) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := CycleReport{Started: s.now()}
	if ctx.Err() != nil {
		return report
	}
	syncCycles.Inc()

	s.pushPending(ctx, &report)
	if forcePull || s.lastPull.IsZero() || report.Started.Sub(s.lastPull) >= s.pullInterval {
		s.pull(ctx, &report)
	}
	s.refreshBacklogMetrics(ctx)

	report.Duration = s.now().Sub(report.Started)
	if report.Synced+report.Failed+report.Pulled > 0 {
		s.logger.WithFields(log.Fields{
			"synced":  report.Synced,
			"failed":  report.Failed,
			"skipped": report.Skipped,
			"pulled":  report.Pulled,
		}).Info("background sync cycle finished")
	}
	return report
}

func (s *Scheduler) pushPending(ctx context.Context, report *CycleReport) {
	orders, err := s.store.ListBySyncStatus(ctx, []domain.SyncStatus{
		domain.SyncStatusLocal,
		domain.SyncStatusError,
		domain.SyncStatusSyncing,
	}, s.batchSize)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list pending orders")
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if order.SyncStatus == domain.SyncStatusSyncing && report.Started.Sub(order.LastSyncAttempt) < s.staleAfter {
			// Отправка идёт прямо сейчас.
			continue
		}
		if isEmptyDraft(order) {
			report.Skipped++
			syncOrders.WithLabelValues("skipped").Inc()
			continue
		}

		if err := s.syncOrder(ctx, order.LocalID); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			report.Failed++
			syncOrders.WithLabelValues("failed").Inc()
			s.logger.WithError(err).WithField("local_id", order.LocalID).Warn("background sync failed")
			continue
		}
		report.Synced++
		syncOrders.WithLabelValues("synced").Inc()
	}
}

// syncOrder создаёт заказ удалённо при необходимости и отправляет оставшиеся правки.
func (s *Scheduler) syncOrder(ctx context.Context, localID string) error {
	return s.coordinator.Do(ctx, localID, func(ctx context.Context, _ int64) error {
		current, err := s.store.Get(ctx, localID)
		if err != nil {
			return err
		}
		if current.SyncStatus == domain.SyncStatusSynced {
			return nil
		}
		_, err = s.driver.Push(ctx, localID)
		return err
	})
}

func (s *Scheduler) pull(ctx context.Context, report *CycleReport) {
	result, err := s.driver.PullChanges(ctx, s.cursor)
	report.Pulled = result.Applied
	if err != nil {
		report.PullErr = err
		s.logger.WithError(err).Warn("pull of remote changes failed")
		return
	}
	s.lastPull = report.Started
	s.cursor = result.Cursor
}

func (s *Scheduler) refreshBacklogMetrics(ctx context.Context) {
	summary, err := s.store.Summary(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to collect sync backlog")
		return
	}
	syncBacklog.WithLabelValues(string(domain.SyncStatusLocal)).Set(float64(summary.Local))
	syncBacklog.WithLabelValues(string(domain.SyncStatusSyncing)).Set(float64(summary.Syncing))
	syncBacklog.WithLabelValues(string(domain.SyncStatusError)).Set(float64(summary.Error))
	syncBacklog.WithLabelValues(string(domain.SyncStatusSynced)).Set(float64(summary.Synced))
}

// isEmptyDraft — пустой черновик, который ещё не создавался удалённо; отправлять его незачем.
func isEmptyDraft(order domain.LocalOrder) bool {
	return order.IsUnconvertedDraft() && len(order.Data.LineItems) == 0
}
