package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Options задаёт параметры пула подключений.
// Кассовый сервер обслуживает десятки терминалов, поэтому пул по умолчанию небольшой.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnTimeout     time.Duration
}

// Option настраивает Store.
type Option func(*Options)

// WithMaxOpenConns ограничивает число открытых подключений.
func WithMaxOpenConns(n int) Option {
	return func(opts *Options) {
		if n > 0 {
			opts.MaxOpenConns = n
			if opts.MaxIdleConns > n {
				opts.MaxIdleConns = n
			}
		}
	}
}

// WithConnTimeout задаёт таймаут проверки подключения.
func WithConnTimeout(d time.Duration) Option {
	return func(opts *Options) {
		if d > 0 {
			opts.ConnTimeout = d
		}
	}
}

func defaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnTimeout:     5 * time.Second,
	}
}

// Store оборачивает пул подключений к PostgreSQL, общий для всех репозиториев.
type Store struct {
	db          *sql.DB
	connTimeout time.Duration
}

// Open открывает пул и проверяет доступность базы.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	opts := defaultOptions()
	for _, option := range options {
		option(&opts)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &Store{db: db, connTimeout: opts.ConnTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB возвращает пул для репозиториев.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет подключение; ошибка классифицируется как domain.ErrStorage.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: postgres store is not initialized", domain.ErrStorage)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return storageErr("ping postgres", err)
	}
	return nil
}

// Close закрывает пул.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию и возвращается без обёртки.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, storageErr("rollback", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}
