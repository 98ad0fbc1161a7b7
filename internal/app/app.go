// Package app собирает процесс checkout: хранилища, сагу, воркеры и серверы.
package app

import (
	"context"
	"net"
	"net/http"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vladislavdragonenkov/checkout/internal/client/cartclient"
	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/retry"
	"github.com/vladislavdragonenkov/checkout/internal/service/cart"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// listenAddrs — фактические адреса слушателей (нужны при портах :0).
type listenAddrs struct {
	HTTP    net.Addr
	Metrics net.Addr
	GRPC    net.Addr
}

// Run запускает процесс и блокируется до отмены ctx или падения одного из серверов.
// При штатной остановке возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	return run(ctx, cfg, nil)
}

func run(ctx context.Context, cfg Config, ready func(listenAddrs)) error {
	logger := log.WithFields(log.Fields{"component": "app", "role": cfg.Role})
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion(), cfg.Role)
	healthHandler.RegisterChecker("storage", deps.storageChecker)

	var workers []func(context.Context)
	apiCfg := httpapi.Config{Logger: logger.WithField("component", "http")}

	var localCarts domain.CartStore
	if cfg.servesCart() {
		localCarts = cart.NewService(deps.carts, logger.WithField("component", "cart"), metrics.NewCartMetrics())
		apiCfg.Carts = localCarts
	}

	var producer *kafka.Producer
	if cfg.servesOrder() {
		carts := localCarts
		if cfg.Role == RoleOrder {
			client, err := newCartClient(cfg, logger)
			if err != nil {
				return err
			}
			healthHandler.RegisterChecker("cart-service", healthcheck.NewOptionalChecker("cart-service", func(context.Context) error {
				if state := client.CircuitState(); state == retry.CircuitOpen {
					return errors.Errorf("circuit breaker is %s", state)
				}
				return nil
			}))
			carts = client
		}

		apiCfg.Orders = saga.NewOrchestrator(carts, carts, deps.ledger, deps.clearTasks, deps.outboxRepo,
			logger.WithField("component", "saga"),
			saga.WithFetchTimeout(cfg.FetchTimeout),
			saga.WithCommitTimeout(cfg.CommitTimeout),
			saga.WithClearTimeout(cfg.ClearTimeout),
		)
		apiCfg.Ledger = deps.ledger
		apiCfg.Guard = idempotency.NewGuard(deps.idempotencyRepo, logger.WithField("component", "idempotency"),
			idempotency.WithTTL(cfg.IdempotencyTTL),
			// Дольше всех шагов саги живой запрос ключ не держит.
			idempotency.WithProcessingLease(cfg.FetchTimeout+cfg.CommitTimeout+cfg.ClearTimeout))

		workers = append(workers,
			reconcile.NewWorker(deps.clearTasks, carts,
				reconcile.WithLogger(logger.WithField("component", "clear-reconciler")),
				reconcile.WithOutbox(deps.outboxRepo),
				reconcile.WithPollInterval(cfg.ReconcilePollInterval),
				reconcile.WithBatchSize(cfg.ReconcileBatchSize),
				reconcile.WithClearTimeout(cfg.ClearTimeout),
				reconcile.WithBackoff(retry.Config{
					InitialDelay:  cfg.ReconcileBaseDelay,
					MaxDelay:      cfg.ReconcileMaxDelay,
					BackoffFactor: 2,
				}),
			).Run,
			idempotency.NewCleanupWorker(deps.idempotencyRepo,
				idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
				idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
				idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
			).Run,
		)

		healthHandler.RegisterChecker("outbox", healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
			stats, err := deps.outboxRepo.Stats(ctx)
			if err != nil {
				return err
			}
			if stats.PendingCount > cfg.OutboxMaxPending {
				return errors.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, cfg.OutboxMaxPending)
			}
			return nil
		}))

		// Ошибка создания producer уже залогирована: процесс продолжает работу без Kafka.
		producer, _ = initKafkaProducer(cfg.KafkaBrokerList(), logger)
		if producer != nil {
			workers = append(workers, outbox.NewWorker(deps.outboxRepo,
				kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
				outbox.WithLogger(logger.WithField("component", "outbox-worker")),
				outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
				outbox.WithPollInterval(cfg.OutboxPollInterval),
				outbox.WithBatchSize(cfg.OutboxBatchSize),
				outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
				outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
			).Run)
		} else {
			logger.Warn("kafka is not configured, outbox events stay pending")
		}
	}
	defer closeKafka(producer, logger)

	listeners, err := listenAll(cfg.HTTPAddr, cfg.MetricsAddr, cfg.GRPCAddr)
	if err != nil {
		return err
	}
	apiLis, metricsLis, grpcLis := listeners[0], listeners[1], listeners[2]

	g, gctx := errgroup.WithContext(ctx)

	apiSrv := &http.Server{Handler: httpapi.NewServer(apiCfg), ReadHeaderTimeout: readHeaderTimeout}
	serveHTTP(gctx, g, "api", apiSrv, apiLis, cfg.ShutdownTimeout, logger)

	metricsSrv := &http.Server{Handler: newMetricsMux(healthHandler), ReadHeaderTimeout: readHeaderTimeout}
	serveHTTP(gctx, g, "metrics", metricsSrv, metricsLis, cfg.ShutdownTimeout, logger)

	grpcSrv, grpcHealth := newAdminGRPCServer(logger)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	serveGRPC(gctx, g, grpcSrv, grpcHealth, grpcLis, cfg.ShutdownTimeout, logger)

	for _, runWorker := range workers {
		g.Go(func() error {
			runWorker(gctx)
			return nil
		})
	}

	logger.WithFields(version.Fields()).WithField("storage", cfg.StorageDriver).Info("checkout started")
	if ready != nil {
		ready(listenAddrs{HTTP: apiLis.Addr(), Metrics: metricsLis.Addr(), GRPC: grpcLis.Addr()})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("checkout stopped")
	return ctx.Err()
}

func newCartClient(cfg Config, logger *log.Entry) (*cartclient.Client, error) {
	client, err := cartclient.New(cfg.CartServiceURL, cartclient.WithLogger(logger.WithField("component", "cart-client")))
	if err != nil {
		return nil, errors.Wrap(err, "create cart client")
	}
	return client, nil
}
