package retention

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval  = time.Hour
	defaultCleanupBatchSize = 500
	defaultOrderRetention   = 30 * 24 * time.Hour
	defaultJournalRetention = 7 * 24 * time.Hour
)

var (
	retentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_retention_cleanup_runs_total",
		Help: "Total number of retention cleanup runs grouped by result.",
	}, []string{"result"})
	retentionDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_retention_cleanup_deleted_total",
		Help: "Total number of records deleted by retention cleanup grouped by kind.",
	}, []string{"kind"})
)

// ArchiveStore удаляет завершённые синхронизированные заказы.
type ArchiveStore interface {
	DeleteArchived(ctx context.Context, before time.Time, limit int) (int, error)
}

// JournalStore удаляет старые записи журнала синхронизации.
type JournalStore interface {
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int, error)
}

// CleanupOptions задает параметры воркера очистки.
type CleanupOptions struct {
	Logger           *log.Entry
	Interval         time.Duration
	BatchSize        int
	OrderRetention   time.Duration
	JournalRetention time.Duration
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithOrderRetention задает, сколько хранятся завершённые заказы после последнего изменения.
func WithOrderRetention(d time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.OrderRetention = d
	}
}

// WithJournalRetention задает, сколько хранятся записи журнала синхронизации.
func WithJournalRetention(d time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.JournalRetention = d
	}
}

// Report — итог одного цикла очистки.
type Report struct {
	Orders  int
	Journal int
}

// CleanupWorker периодически удаляет архивные заказы и старый журнал синхронизации.
// Заказы с неотправленными правками или ошибкой синхронизации не удаляются никогда.
type CleanupWorker struct {
	orders           ArchiveStore
	journal          JournalStore
	logger           *log.Entry
	interval         time.Duration
	batchSize        int
	orderRetention   time.Duration
	journalRetention time.Duration
}

// NewCleanupWorker создает воркер очистки. journal может быть nil.
func NewCleanupWorker(orders ArchiveStore, journal JournalStore, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:         defaultCleanupInterval,
		BatchSize:        defaultCleanupBatchSize,
		OrderRetention:   defaultOrderRetention,
		JournalRetention: defaultJournalRetention,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "retention-cleanup-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.OrderRetention <= 0 {
		opts.OrderRetention = defaultOrderRetention
	}
	if opts.JournalRetention <= 0 {
		opts.JournalRetention = defaultJournalRetention
	}

	return &CleanupWorker{
		orders:           orders,
		journal:          journal,
		logger:           logger,
		interval:         opts.Interval,
		batchSize:        opts.BatchSize,
		orderRetention:   opts.OrderRetention,
		journalRetention: opts.JournalRetention,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.orders == nil {
		w.logger.Warn("retention cleanup worker is disabled: order store is nil")
		return
	}

	w.cleanup(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, now time.Time) {
	report, err := w.CleanupOnce(ctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		retentionRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("retention cleanup run failed")
		return
	}

	retentionRunsTotal.WithLabelValues("ok").Inc()
	if report.Orders > 0 || report.Journal > 0 {
		w.logger.WithFields(log.Fields{
			"orders":  report.Orders,
			"journal": report.Journal,
		}).Info("retention cleanup completed")
	}
}

// CleanupOnce удаляет всё, что старше сроков хранения относительно now.
func (w *CleanupWorker) CleanupOnce(ctx context.Context, now time.Time) (Report, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var report Report
	deleted, err := w.deleteInBatches(ctx, "orders", now.Add(-w.orderRetention), w.orders.DeleteArchived)
	report.Orders = deleted
	if err != nil {
		return report, err
	}

	if w.journal != nil {
		deleted, err = w.deleteInBatches(ctx, "journal", now.Add(-w.journalRetention), w.journal.DeleteBefore)
		report.Journal = deleted
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *CleanupWorker) deleteInBatches(ctx context.Context, kind string, before time.Time, del func(context.Context, time.Time, int) (int, error)) (int, error) {
	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := del(ctx, before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			retentionDeletedTotal.WithLabelValues(kind).Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
