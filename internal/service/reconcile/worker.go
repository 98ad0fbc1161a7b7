// Package reconcile повторяет отложенные очистки корзин, пока они не применятся.
package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/retry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 50
	defaultClearTimeout = 3 * time.Second
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 5 * time.Minute
)

var (
	clearTaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_clear_task_attempts_total",
		Help: "Total number of deferred cart clear attempts grouped by result.",
	}, []string{"result"})
	clearTaskPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_clear_tasks_pending",
		Help: "Current number of pending deferred cart clears.",
	})
	clearTaskOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_clear_tasks_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending deferred cart clear.",
	})
)

// WorkerOptions задаёт параметры воркера сверки.
type WorkerOptions struct {
	Logger       *log.Entry
	Outbox       domain.OutboxRepository
	PollInterval time.Duration
	BatchSize    int
	ClearTimeout time.Duration
	Backoff      retry.Config
	Now          func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithOutbox включает публикацию события cart.clear_reconciled.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(opts *WorkerOptions) {
		opts.Outbox = outbox
	}
}

// WithPollInterval задаёт частоту опроса очереди.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithClearTimeout задаёт таймаут одного вызова ClearLines.
func WithClearTimeout(timeout time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.ClearTimeout = timeout
	}
}

// WithBackoff задаёт расписание повторов. MaxAttempts не используется: задача повторяется до успеха.
func WithBackoff(cfg retry.Config) Option {
	return func(opts *WorkerOptions) {
		opts.Backoff = cfg
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *WorkerOptions) {
		opts.Now = now
	}
}

// Worker забирает созревшие задачи очистки и повторяет ClearLines по записанному снимку.
type Worker struct {
	tasks        domain.ClearTaskRepository
	carts        domain.CartMutator
	outbox       domain.OutboxRepository
	logger       *log.Entry
	pollInterval time.Duration
	batchSize    int
	clearTimeout time.Duration
	backoff      retry.Config
	now          func() time.Time
}

// NewWorker создаёт воркер сверки очисток корзин.
func NewWorker(tasks domain.ClearTaskRepository, carts domain.CartMutator, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		ClearTimeout: defaultClearTimeout,
		Backoff: retry.Config{
			InitialDelay:  defaultBaseDelay,
			MaxDelay:      defaultMaxDelay,
			BackoffFactor: 2,
		},
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "clear-reconciler")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ClearTimeout <= 0 {
		opts.ClearTimeout = defaultClearTimeout
	}
	if opts.Backoff.MaxDelay <= 0 {
		opts.Backoff.MaxDelay = defaultMaxDelay
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		tasks:        tasks,
		carts:        carts,
		outbox:       opts.Outbox,
		logger:       logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		clearTimeout: opts.ClearTimeout,
		backoff:      opts.Backoff,
		now:          opts.Now,
	}
}

// Run запускает периодический опрос очереди до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.tasks == nil || w.carts == nil {
		w.logger.Warn("clear reconciler is disabled: repository or cart mutator is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл сверки и возвращает число применённых очисток.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	w.refreshBacklogMetrics(ctx)

	tasks, err := w.tasks.PullDue(ctx, w.now(), w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull due clear tasks")
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	done := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, task) {
			done++
		}
	}

	w.refreshBacklogMetrics(ctx)
	return done
}

func (w *Worker) process(ctx context.Context, task domain.ClearTask) bool {
	logger := w.logger.WithFields(log.Fields{
		"clear_task_id": task.ID,
		"order_id":      task.OrderID,
		"user_id":       task.UserID,
		"attempts":      task.Attempts,
	})

	clearCtx, cancel := context.WithTimeout(ctx, w.clearTimeout)
	err := w.carts.ClearLines(clearCtx, task.UserID, task.ClearKey, task.Snapshot())
	cancel()

	if err != nil {
		clearTaskAttempts.WithLabelValues("retry").Inc()
		next := w.now().Add(w.backoff.Backoff(task.Attempts))
		logger.WithError(err).WithField("next_attempt_at", next).Warn("deferred cart clear failed, will retry")
		if markErr := w.tasks.MarkRetry(ctx, task.ID, err.Error(), next); markErr != nil {
			logger.WithError(markErr).Warn("failed to reschedule clear task")
		}
		return false
	}

	clearTaskAttempts.WithLabelValues("done").Inc()
	if err := w.tasks.MarkDone(ctx, task.ID); err != nil {
		// ClearLines идемпотентна по ключу: повторный проход задачи ничего не изменит.
		logger.WithError(err).Warn("failed to mark clear task as done")
		return true
	}
	logger.Info("deferred cart clear applied")

	task.Attempts++
	task.LastError = ""
	w.publishReconciled(ctx, logger, task)
	return true
}

func (w *Worker) publishReconciled(ctx context.Context, logger *log.Entry, task domain.ClearTask) {
	if w.outbox == nil {
		return
	}
	payload, err := json.Marshal(domain.NewCartClearEvent(task))
	if err != nil {
		logger.WithError(err).Warn("failed to encode reconcile event")
		return
	}
	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   strconv.FormatInt(task.OrderID, 10),
		EventType:     domain.EventCartClearReconciled,
		Payload:       payload,
	}
	if _, err := w.outbox.Enqueue(ctx, msg); err != nil {
		logger.WithError(err).Warn("failed to enqueue reconcile event")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.tasks.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect clear task backlog stats")
		return
	}

	clearTaskPending.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		clearTaskOldestPendingAge.Set(0)
		return
	}

	age := w.now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	clearTaskOldestPendingAge.Set(age)
}
