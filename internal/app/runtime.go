package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/possync/internal/metrics"
	"github.com/vladislavdragonenkov/possync/internal/service/engine"
)

// Runtime — собранный движок синхронизации вместе с его хранилищем и клиентами.
type Runtime struct {
	Config   Config
	Storage  *Storage
	Remote   domain.RemoteOrderAPI
	Engine   *engine.Engine
	producer *kafka.Producer
	logger   *log.Entry
}

// NewRuntime открывает хранилище, клиент удалённого API и собирает движок.
// Если заданы брокеры Kafka, переходы статусов синхронизации публикуются в topic событий.
func NewRuntime(ctx context.Context, cfg Config, logger *log.Entry) (*Runtime, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	storage, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	remote, err := OpenRemote(cfg, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	producer := initKafkaProducer(cfg, logger)

	deps := engine.Dependencies{
		Orders:    storage.Orders,
		Journal:   storage.Journal,
		Snapshots: storage.Snapshots,
		Remote:    remote,
	}
	if producer != nil {
		deps.Publisher = kafka.NewSyncPublisher(producer, cfg.KafkaSyncTopic)
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Currency = cfg.Currency
	engineCfg.InlineSync = cfg.InlineSync
	engineCfg.PushInterval = cfg.PushInterval
	engineCfg.PullInterval = cfg.PullInterval
	engineCfg.BatchSize = cfg.SyncBatch
	engineCfg.IdleTimeout = cfg.IdleTimeout
	engineCfg.PullStatuses = cfg.PullStatuses
	engineCfg.Metrics = metrics.NewSyncMetrics()
	engineCfg.Logger = logger.WithField("component", "sync-engine")

	eng, err := engine.New(deps, engineCfg)
	if err != nil {
		closeKafka(producer, logger)
		_ = storage.Close()
		return nil, fmt.Errorf("build sync engine: %w", err)
	}

	return &Runtime{
		Config:   cfg,
		Storage:  storage,
		Remote:   remote,
		Engine:   eng,
		producer: producer,
		logger:   logger,
	}, nil
}

// Producer возвращает Kafka producer или nil, если Kafka не настроена.
func (r *Runtime) Producer() *kafka.Producer {
	return r.producer
}

// Backlog возвращает размер очереди синхронизации для health-проверки.
func (r *Runtime) Backlog(ctx context.Context) (pending, failed int, err error) {
	summary, err := r.Engine.SyncSummary(ctx)
	if err != nil {
		return 0, 0, err
	}
	return summary.Pending(), summary.Error, nil
}

// Close останавливает движок и закрывает подключения.
func (r *Runtime) Close() error {
	r.Engine.Close()
	closeKafka(r.producer, r.logger)
	if err := r.Storage.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
