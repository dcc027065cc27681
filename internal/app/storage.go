package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/storage/memory"
	"github.com/vladislavdragonenkov/possync/internal/storage/postgres"
	"github.com/vladislavdragonenkov/possync/internal/storage/sqlite"
)

// Storage — набор репозиториев выбранного драйвера.
type Storage struct {
	Driver    string
	Orders    domain.LocalOrderRepository
	Journal   domain.SyncJournal
	Snapshots domain.PrintSnapshotRepository
	Pinger    domain.Pinger
	closeFn   func() error
}

// Close закрывает подключение к хранилищу.
func (s *Storage) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// OpenStorage открывает хранилище по cfg.StorageDriver.
func OpenStorage(ctx context.Context, cfg Config, logger *log.Entry) (*Storage, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Warn("using in-memory storage, orders are lost on restart")
		return &Storage{
			Driver:    StorageDriverMemory,
			Orders:    memory.NewLocalOrderRepository(),
			Journal:   memory.NewSyncJournal(),
			Snapshots: memory.NewPrintSnapshotRepository(),
			Pinger:    pingFunc(func(context.Context) error { return nil }),
		}, nil

	case StorageDriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("sqlite storage opened")
		return &Storage{
			Driver:    StorageDriverSQLite,
			Orders:    sqlite.NewLocalOrderRepository(store),
			Journal:   sqlite.NewSyncJournal(store),
			Snapshots: sqlite.NewPrintSnapshotRepository(store),
			Pinger:    store,
			closeFn:   store.Close,
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		if err := preparePostgres(ctx, store, cfg.PostgresAutoMigrate, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("postgres storage opened")
		return &Storage{
			Driver:    StorageDriverPostgres,
			Orders:    postgres.NewLocalOrderRepository(store),
			Journal:   postgres.NewSyncJournal(store),
			Snapshots: postgres.NewPrintSnapshotRepository(store),
			Pinger:    store,
			closeFn:   store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// preparePostgres применяет миграции или проверяет, что схема актуальна.
func preparePostgres(ctx context.Context, store *postgres.Store, autoMigrate bool, logger *log.Entry) error {
	if autoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		return nil
	}

	pending, err := store.PendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("check postgres migrations: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("postgres schema is outdated, pending migrations %v: run cmd/migrate", pending)
	}
	logger.Debug("postgres schema is up to date")
	return nil
}
