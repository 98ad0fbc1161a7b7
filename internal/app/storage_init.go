package app

import (
	"context"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
)

// runtimeDependencies — хранилища процесса, открытые один раз при старте.
type runtimeDependencies struct {
	carts           domain.CartStore
	ledger          domain.OrderLedger
	clearTasks      domain.ClearTaskRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		outboxRepo := memory.NewOutboxRepository()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			carts:           memory.NewCartStore(),
			ledger:          memory.NewOrderLedger(outboxRepo),
			clearTasks:      memory.NewClearTaskRepository(),
			outboxRepo:      outboxRepo,
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker: healthcheck.NewFuncChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for storage driver postgres")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, errors.Wrap(err, "apply postgres migrations")
			}
		}
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
		return &runtimeDependencies{
			carts:           postgres.NewCartStore(store),
			ledger:          postgres.NewOrderLedger(store),
			clearTasks:      postgres.NewClearTaskRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewFuncChecker("postgres", store.Ping),
			closeFn:         store.Close,
		}, nil
	default:
		return nil, errors.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
