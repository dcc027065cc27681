package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Драйверы локального хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
)

// Драйверы удалённого хранилища заказов.
const (
	RemoteDriverREST = "rest"
	// RemoteDriverMock — хранилище в памяти процесса, для демо и стендов без магазина.
	RemoteDriverMock = "mock"
)

// Config описывает настройки запуска сервиса синхронизации.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	StorageDriver       string
	SQLitePath          string
	PostgresDSN         string
	PostgresAutoMigrate bool

	RemoteDriver         string
	RemoteBaseURL        string
	RemoteConsumerKey    string
	RemoteConsumerSecret string
	RemoteTimeout        time.Duration

	Currency     string
	InlineSync   bool
	PushInterval time.Duration
	PullInterval time.Duration
	SyncBatch    int
	IdleTimeout  time.Duration
	PullStatuses []string
	// BacklogLimit — число ожидающих отправки заказов, после которого health сообщает о деградации.
	BacklogLimit int

	RetentionInterval time.Duration
	OrderRetention    time.Duration
	JournalRetention  time.Duration

	KafkaBrokers     []string
	KafkaGroupID     string
	KafkaSyncTopic   string
	KafkaChangeTopic string
	KafkaMaxRetries  int
}

// DefaultConfig возвращает настройки кассы по умолчанию: SQLite рядом с бинарником и REST API магазина.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverSQLite,
		SQLitePath:          "pos-sync.db",
		PostgresAutoMigrate: true,

		RemoteDriver:  RemoteDriverREST,
		RemoteTimeout: 15 * time.Second,

		Currency:     "USD",
		InlineSync:   true,
		PushInterval: 15 * time.Second,
		PullInterval: time.Minute,
		SyncBatch:    50,
		IdleTimeout:  5 * time.Minute,
		BacklogLimit: 200,

		RetentionInterval: time.Hour,
		OrderRetention:    30 * 24 * time.Hour,
		JournalRetention:  7 * 24 * time.Hour,

		KafkaGroupID:    "pos-syncd",
		KafkaMaxRetries: 3,
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("POS_SQLITE_PATH is required for sqlite storage")
		}
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POS_POSTGRES_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.RemoteDriver {
	case RemoteDriverMock:
	case RemoteDriverREST:
		if c.RemoteBaseURL == "" {
			return errors.New("POS_REMOTE_BASE_URL is required for rest remote")
		}
		if c.RemoteConsumerKey == "" || c.RemoteConsumerSecret == "" {
			return errors.New("POS_REMOTE_CONSUMER_KEY and POS_REMOTE_CONSUMER_SECRET are required")
		}
	default:
		return fmt.Errorf("unsupported remote driver %q", c.RemoteDriver)
	}

	if c.PushInterval <= 0 || c.PullInterval <= 0 {
		return errors.New("sync intervals must be positive")
	}
	if c.SyncBatch <= 0 {
		return errors.New("sync batch size must be positive")
	}
	return nil
}

// LoadConfigFromEnv читает настройки из переменных окружения POS_* поверх DefaultConfig.
// Файлы envFiles (по умолчанию .env) подгружаются, если существуют; уже заданные переменные не перезаписываются.
func LoadConfigFromEnv(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	return configFromLookup(os.LookupEnv)
}

// configFromLookup собирает конфигурацию из произвольного источника переменных.
func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookupEnv: lookup}

	env.str("POS_GRPC_ADDR", &cfg.GRPCAddr)
	env.str("POS_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("POS_LOG_LEVEL", &cfg.LogLevel)

	env.str("POS_STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("POS_SQLITE_PATH", &cfg.SQLitePath)
	env.str("POS_POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("POS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)

	env.str("POS_REMOTE_DRIVER", &cfg.RemoteDriver)
	env.str("POS_REMOTE_BASE_URL", &cfg.RemoteBaseURL)
	env.str("POS_REMOTE_CONSUMER_KEY", &cfg.RemoteConsumerKey)
	env.str("POS_REMOTE_CONSUMER_SECRET", &cfg.RemoteConsumerSecret)
	env.duration("POS_REMOTE_TIMEOUT", &cfg.RemoteTimeout)

	env.str("POS_CURRENCY", &cfg.Currency)
	env.boolean("POS_INLINE_SYNC", &cfg.InlineSync)
	env.duration("POS_PUSH_INTERVAL", &cfg.PushInterval)
	env.duration("POS_PULL_INTERVAL", &cfg.PullInterval)
	env.integer("POS_SYNC_BATCH", &cfg.SyncBatch)
	env.duration("POS_IDLE_TIMEOUT", &cfg.IdleTimeout)
	env.list("POS_PULL_STATUSES", &cfg.PullStatuses)
	env.integer("POS_BACKLOG_LIMIT", &cfg.BacklogLimit)

	env.duration("POS_RETENTION_INTERVAL", &cfg.RetentionInterval)
	env.duration("POS_ORDER_RETENTION", &cfg.OrderRetention)
	env.duration("POS_JOURNAL_RETENTION", &cfg.JournalRetention)

	env.list("POS_KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("POS_KAFKA_GROUP_ID", &cfg.KafkaGroupID)
	env.str("POS_KAFKA_SYNC_TOPIC", &cfg.KafkaSyncTopic)
	env.str("POS_KAFKA_CHANGE_TOPIC", &cfg.KafkaChangeTopic)
	env.integer("POS_KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries)

	if len(env.errs) > 0 {
		return Config{}, errors.Join(env.errs...)
	}
	return cfg, nil
}

// envReader накапливает ошибки разбора, чтобы сообщить обо всех неверных переменных сразу.
type envReader struct {
	lookupEnv func(string) (string, bool)
	errs      []error
}

func (r *envReader) lookup(key string) (string, bool) {
	value, ok := r.lookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.lookup(key); ok {
		*dst = value
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
