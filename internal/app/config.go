package app

import (
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Роли процесса.
const (
	// RoleAll поднимает корзины, журнал и сагу в одном процессе.
	RoleAll = "all"
	// RoleCart поднимает только HTTP-поверхность корзин.
	RoleCart = "cart"
	// RoleOrder поднимает журнал и сагу; корзины доступны по HTTP через CartServiceURL.
	RoleOrder = "order"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "CHECKOUT"

// Config описывает настройки запуска checkout.
type Config struct {
	Role     string `default:"all" env:"ROLE" flag:"role" yaml:"role" usage:"process role: all|cart|order"`
	LogLevel string `default:"info" env:"LOG_LEVEL" flag:"log-level" yaml:"log_level" usage:"logrus level"`

	HTTPAddr        string        `default:":8080" env:"HTTP_ADDR" flag:"http-addr" yaml:"http_addr" usage:"public HTTP API address"`
	MetricsAddr     string        `default:":9090" env:"METRICS_ADDR" flag:"metrics-addr" yaml:"metrics_addr" usage:"metrics and probes address"`
	GRPCAddr        string        `default:":50051" env:"GRPC_ADDR" flag:"grpc-addr" yaml:"grpc_addr" usage:"admin gRPC health address"`
	ShutdownTimeout time.Duration `default:"5s" env:"SHUTDOWN_TIMEOUT" flag:"shutdown-timeout" yaml:"shutdown_timeout" usage:"graceful shutdown timeout"`

	StorageDriver       string `default:"memory" env:"STORAGE_DRIVER" flag:"storage-driver" yaml:"storage_driver" usage:"storage driver: memory|postgres"`
	PostgresDSN         string `env:"POSTGRES_DSN" flag:"postgres-dsn" yaml:"postgres_dsn" usage:"PostgreSQL DSN"`
	PostgresAutoMigrate bool   `default:"true" env:"POSTGRES_AUTO_MIGRATE" flag:"postgres-auto-migrate" yaml:"postgres_auto_migrate" usage:"apply migrations on start"`

	CartServiceURL string `env:"CART_SERVICE_URL" flag:"cart-service-url" yaml:"cart_service_url" usage:"cart service base URL for role=order"`

	KafkaBrokers  string `env:"KAFKA_BROKERS" flag:"kafka-brokers" yaml:"kafka_brokers" usage:"comma-separated Kafka brokers; empty disables the outbox relay"`
	KafkaTopic    string `default:"checkout.order.events" env:"KAFKA_TOPIC" flag:"kafka-topic" yaml:"kafka_topic" usage:"order events topic"`
	KafkaDLQTopic string `default:"checkout.order.events.dlq" env:"KAFKA_DLQ_TOPIC" flag:"kafka-dlq-topic" yaml:"kafka_dlq_topic" usage:"dead letter topic"`

	FetchTimeout  time.Duration `default:"3s" env:"FETCH_TIMEOUT" flag:"fetch-timeout" yaml:"fetch_timeout" usage:"cart read timeout in the saga"`
	CommitTimeout time.Duration `default:"5s" env:"COMMIT_TIMEOUT" flag:"commit-timeout" yaml:"commit_timeout" usage:"ledger append timeout in the saga"`
	ClearTimeout  time.Duration `default:"3s" env:"CLEAR_TIMEOUT" flag:"clear-timeout" yaml:"clear_timeout" usage:"cart clear timeout"`

	OutboxPollInterval time.Duration `default:"1s" env:"OUTBOX_POLL_INTERVAL" flag:"outbox-poll-interval" yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `default:"100" env:"OUTBOX_BATCH_SIZE" flag:"outbox-batch-size" yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `default:"3" env:"OUTBOX_MAX_ATTEMPTS" flag:"outbox-max-attempts" yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `default:"50ms" env:"OUTBOX_RETRY_DELAY" flag:"outbox-retry-delay" yaml:"outbox_retry_delay"`
	OutboxMaxPending   int           `default:"1000" env:"OUTBOX_MAX_PENDING" flag:"outbox-max-pending" yaml:"outbox_max_pending" usage:"backlog above this marks the process degraded"`

	ReconcilePollInterval time.Duration `default:"2s" env:"RECONCILE_POLL_INTERVAL" flag:"reconcile-poll-interval" yaml:"reconcile_poll_interval"`
	ReconcileBatchSize    int           `default:"50" env:"RECONCILE_BATCH_SIZE" flag:"reconcile-batch-size" yaml:"reconcile_batch_size"`
	ReconcileBaseDelay    time.Duration `default:"1s" env:"RECONCILE_BASE_DELAY" flag:"reconcile-base-delay" yaml:"reconcile_base_delay"`
	ReconcileMaxDelay     time.Duration `default:"5m" env:"RECONCILE_MAX_DELAY" flag:"reconcile-max-delay" yaml:"reconcile_max_delay"`

	IdempotencyTTL              time.Duration `default:"24h" env:"IDEMPOTENCY_TTL" flag:"idempotency-ttl" yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `default:"1m" env:"IDEMPOTENCY_CLEANUP_INTERVAL" flag:"idempotency-cleanup-interval" yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `default:"500" env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" flag:"idempotency-cleanup-batch-size" yaml:"idempotency_cleanup_batch_size"`
}

// DefaultConfig возвращает значения по умолчанию из тегов default.
func DefaultConfig() Config {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFiles: true,
		SkipEnv:   true,
		SkipFlags: true,
	})
	if err := loader.Load(); err != nil {
		panic(errors.Wrap(err, "default config tags are invalid"))
	}
	return cfg
}

// LoadConfig читает конфигурацию: теги default, checkout.yaml, переменные CHECKOUT_* и флаги args.
func LoadConfig(args []string) (Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        EnvPrefix,
		AllowUnknownEnvs: true,
		Args:             args,
		Files:            []string{"checkout.yaml", "/etc/checkout/checkout.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleCart:
	case RoleOrder:
		if strings.TrimSpace(c.CartServiceURL) == "" {
			return errors.New("cart service url is required for role=order")
		}
	default:
		return errors.Errorf("unsupported role %q", c.Role)
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("postgres dsn is required for storage driver postgres")
		}
	default:
		return errors.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	return nil
}

// KafkaBrokerList разбирает KafkaBrokers.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func (c Config) servesCart() bool  { return c.Role == RoleAll || c.Role == RoleCart }
func (c Config) servesOrder() bool { return c.Role == RoleAll || c.Role == RoleOrder }
