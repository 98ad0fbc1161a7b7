package saga

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultFetchTimeout  = 3 * time.Second
	defaultCommitTimeout = 5 * time.Second
	defaultClearTimeout  = 3 * time.Second
)

// PlaceOrderRequest — входные данные оформления заказа.
type PlaceOrderRequest struct {
	UserID string
	// IdempotencyKey передаётся в журнал; повтор с тем же ключом вернёт уже созданный заказ.
	IdempotencyKey string
}

// PlaceOrderResult — результат оформления заказа.
type PlaceOrderResult struct {
	Order domain.Order
	// ClearDeferred выставляется, если корзину не удалось очистить сразу и очистка отложена.
	ClearDeferred bool
}

// Orchestrator описывает интерфейс управления сагой оформления заказа.
type Orchestrator interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
}

// Option настраивает оркестратор.
type Option func(*orchestrator)

// WithMetrics подключает метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *orchestrator) {
		o.metrics = m
	}
}

// WithFetchTimeout задаёт таймаут чтения корзины.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *orchestrator) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// WithCommitTimeout задаёт таймаут записи в журнал заказов.
func WithCommitTimeout(d time.Duration) Option {
	return func(o *orchestrator) {
		if d > 0 {
			o.commitTimeout = d
		}
	}
}

// WithClearTimeout задаёт таймаут очистки корзины после фиксации.
func WithClearTimeout(d time.Duration) Option {
	return func(o *orchestrator) {
		if d > 0 {
			o.clearTimeout = d
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(o *orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// orchestrator реализует последовательность шагов саги: Fetch → Validate → Commit → Clear.
type orchestrator struct {
	carts      domain.CartReader
	mutator    domain.CartMutator
	ledger     domain.OrderAppender
	clearTasks domain.ClearTaskRepository
	outbox     domain.OutboxRepository // опционально
	logger     *log.Entry
	metrics    *metrics.SagaMetrics

	fetchTimeout  time.Duration
	commitTimeout time.Duration
	clearTimeout  time.Duration
	now           func() time.Time
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора с метриками в стандартном реестре.
func NewOrchestrator(
	carts domain.CartReader,
	mutator domain.CartMutator,
	ledger domain.OrderAppender,
	clearTasks domain.ClearTaskRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	opts = append([]Option{WithMetrics(metrics.NewSagaMetrics())}, opts...)
	return newOrchestrator(carts, mutator, ledger, clearTasks, outbox, logger, opts...)
}

// NewOrchestratorWithoutMetrics создаёт оркестратор без метрик (для тестов).
func NewOrchestratorWithoutMetrics(
	carts domain.CartReader,
	mutator domain.CartMutator,
	ledger domain.OrderAppender,
	clearTasks domain.ClearTaskRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
	opts ...Option,
) Orchestrator {
	return newOrchestrator(carts, mutator, ledger, clearTasks, outbox, logger, opts...)
}

func newOrchestrator(
	carts domain.CartReader,
	mutator domain.CartMutator,
	ledger domain.OrderAppender,
	clearTasks domain.ClearTaskRepository,
	outbox domain.OutboxRepository,
	logger *log.Entry,
	opts ...Option,
) *orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	o := &orchestrator{
		carts:         carts,
		mutator:       mutator,
		ledger:        ledger,
		clearTasks:    clearTasks,
		outbox:        outbox,
		logger:        logger,
		fetchTimeout:  defaultFetchTimeout,
		commitTimeout: defaultCommitTimeout,
		clearTimeout:  defaultClearTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PlaceOrder превращает корзину пользователя в заказ.
//
// Любая ошибка до записи в журнал возвращается вызывающему, состояние при этом не меняется.
// После успешной записи заказ считается созданным: сбой очистки корзины наружу не отдаётся,
// а откладывается в очередь задач очистки.
func (o *orchestrator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordStarted()
		defer func() {
			o.metrics.RecordFinished(time.Since(start))
		}()
	}

	userID := strings.TrimSpace(req.UserID)
	logger := o.logger.WithField("user_id", userID)
	if userID == "" {
		o.recordRejected(domain.ErrUserIDRequired)
		return PlaceOrderResult{}, domain.ErrUserIDRequired
	}
	if req.IdempotencyKey != "" {
		logger = logger.WithField("idempotency_key", req.IdempotencyKey)
	}

	if order, ok := o.existing(ctx, logger, userID, req.IdempotencyKey); ok {
		// Заказ уже в журнале: корзину снимаем по его позициям, а не по текущему содержимому.
		logger = logger.WithField("order_id", order.ID)
		logger.WithField("step", domain.SagaStepCommit).Info("Order already committed for idempotency key")
		deferred := o.clear(context.WithoutCancel(ctx), logger, order)
		return PlaceOrderResult{Order: order, ClearDeferred: deferred}, nil
	}

	snapshot, err := o.fetch(ctx, userID)
	if err != nil {
		logger.WithError(err).WithField("step", domain.SagaStepFetch).Warn("Failed to fetch cart snapshot")
		return PlaceOrderResult{}, err
	}

	if snapshot.IsEmpty() {
		o.recordRejected(domain.ErrEmptyCart)
		logger.WithField("step", domain.SagaStepValidate).Info("Order rejected: cart is empty")
		return PlaceOrderResult{}, domain.ErrEmptyCart
	}

	order, err := o.commit(ctx, userID, snapshot, req.IdempotencyKey)
	if err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"step":        domain.SagaStepCommit,
			"total_items": snapshot.TotalItems(),
		}).Error("Failed to append order to ledger")
		return PlaceOrderResult{}, err
	}
	if o.metrics != nil {
		o.metrics.RecordPlaced()
	}

	logger = logger.WithField("order_id", order.ID)
	logger.WithFields(log.Fields{
		"step":        domain.SagaStepCommit,
		"total_items": order.TotalItems,
	}).Info("Order committed")

	// Заказ уже создан: очистка не должна зависеть от отмены исходного запроса.
	deferred := o.clear(context.WithoutCancel(ctx), logger, order)

	return PlaceOrderResult{Order: order, ClearDeferred: deferred}, nil
}

// existing ищет заказ, который уже создан запросом с тем же idempotency-key.
func (o *orchestrator) existing(ctx context.Context, logger *log.Entry, userID, requestKey string) (domain.Order, bool) {
	lookup, ok := o.ledger.(domain.OrderKeyLookup)
	if requestKey == "" || !ok {
		return domain.Order{}, false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.commitTimeout)
	defer cancel()

	order, err := lookup.FindByRequestKey(lookupCtx, userID, requestKey)
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			// Append всё равно вернёт существующий заказ по ключу.
			logger.WithError(err).Warn("Failed to look up order by idempotency key")
		}
		return domain.Order{}, false
	}
	return order, true
}

func (o *orchestrator) fetch(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	stepStart := time.Now()
	defer o.recordStep(domain.SagaStepFetch, stepStart)

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	snapshot, err := o.carts.GetCart(fetchCtx, userID)
	if err != nil {
		if domain.IsValidation(err) {
			o.recordRejected(err)
			return domain.CartSnapshot{}, err
		}
		if o.metrics != nil {
			o.metrics.RecordFailed(metrics.ReasonUpstream)
		}
		if domain.IsUpstreamUnavailable(err) {
			return domain.CartSnapshot{}, errors.Wrap(err, "fetch cart")
		}
		return domain.CartSnapshot{}, domain.Classify("fetch cart", domain.ErrUpstreamUnavailable, err)
	}
	return snapshot, nil
}

func (o *orchestrator) commit(ctx context.Context, userID string, snapshot domain.CartSnapshot, requestKey string) (domain.Order, error) {
	stepStart := time.Now()
	defer o.recordStep(domain.SagaStepCommit, stepStart)

	commitCtx, cancel := context.WithTimeout(ctx, o.commitTimeout)
	defer cancel()

	order, err := o.ledger.Append(commitCtx, userID, snapshot.TotalItems(), snapshot, requestKey)
	if err == nil {
		return order, nil
	}

	switch {
	case domain.IsCommitUnknown(err):
		err = errors.Wrap(err, "append order")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || commitCtx.Err() != nil:
		// Запись прервана: журнал мог успеть зафиксировать заказ.
		err = domain.Classify("append order", domain.ErrCommitUnknown, err)
	case domain.IsValidation(err):
		o.recordRejected(err)
		return domain.Order{}, err
	case domain.IsUpstreamUnavailable(err):
		err = errors.Wrap(err, "append order")
	default:
		err = domain.Classify("append order", domain.ErrUpstreamUnavailable, err)
	}

	if o.metrics != nil {
		if domain.IsCommitUnknown(err) {
			o.metrics.RecordFailed(metrics.ReasonCommitUnknown)
		} else {
			o.metrics.RecordFailed(metrics.ReasonUpstream)
		}
	}
	return domain.Order{}, err
}

// clear снимает с корзины позиции, записанные в заказ. Возвращает true, если очистка отложена.
func (o *orchestrator) clear(ctx context.Context, logger *log.Entry, order domain.Order) bool {
	stepStart := time.Now()
	defer o.recordStep(domain.SagaStepClear, stepStart)

	snapshot := order.Snapshot()
	clearKey := domain.ClearKeyForOrder(order.ID)
	clearCtx, cancel := context.WithTimeout(ctx, o.clearTimeout)
	err := o.mutator.ClearLines(clearCtx, order.UserID, clearKey, snapshot)
	cancel()
	if err == nil {
		if o.metrics != nil {
			o.metrics.RecordCartClear(metrics.ClearResultInline)
		}
		logger.WithField("step", domain.SagaStepClear).Debug("Cart lines cleared")
		return false
	}

	clearErr := domain.Classify("", domain.ErrClearFailed, err)
	logger.WithError(clearErr).WithField("step", domain.SagaStepClear).Warn("Cart clear failed, scheduling reconciliation")

	task := domain.NewClearTask(order, snapshot, clearErr, o.now())

	enqueueCtx, cancelEnqueue := context.WithTimeout(ctx, o.clearTimeout)
	defer cancelEnqueue()

	if o.clearTasks == nil {
		o.recordLost(logger, task, errors.New("clear task repository is not configured"))
		return true
	}
	stored, enqueueErr := o.clearTasks.Enqueue(enqueueCtx, task)
	if enqueueErr != nil {
		o.recordLost(logger, task, enqueueErr)
		return true
	}

	if o.metrics != nil {
		o.metrics.RecordCartClear(metrics.ClearResultDeferred)
	}
	logger.WithField("clear_task_id", stored.ID).Info("Cart clear deferred")
	o.publish(enqueueCtx, logger, domain.EventCartClearDeferred, stored)
	return true
}

// recordLost пишет в лог всё, что нужно для ручной сверки, если задачу очистки не удалось сохранить.
func (o *orchestrator) recordLost(logger *log.Entry, task domain.ClearTask, err error) {
	if o.metrics != nil {
		o.metrics.RecordCartClear(metrics.ClearResultLost)
	}
	logger.WithError(err).WithFields(log.Fields{
		"step":       domain.SagaStepClear,
		"clear_key":  task.ClearKey,
		"lines":      task.Lines,
		"last_error": task.LastError,
	}).Error("Failed to schedule cart clear, manual reconciliation required")
}

func (o *orchestrator) publish(ctx context.Context, logger *log.Entry, eventType string, task domain.ClearTask) {
	if o.outbox == nil {
		return
	}
	payload, err := json.Marshal(domain.NewCartClearEvent(task))
	if err != nil {
		logger.WithError(err).Warn("Failed to encode outbox event")
		return
	}
	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   strconv.FormatInt(task.OrderID, 10),
		EventType:     eventType,
		Payload:       payload,
	}
	if _, err := o.outbox.Enqueue(ctx, msg); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to enqueue outbox event")
	}
}

func (o *orchestrator) recordStep(step domain.SagaStep, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), time.Since(start))
	}
}

func (o *orchestrator) recordRejected(err error) {
	if o.metrics == nil {
		return
	}
	if errors.Is(err, domain.ErrEmptyCart) {
		o.metrics.RecordRejected(metrics.ReasonEmptyCart)
		return
	}
	o.metrics.RecordRejected(metrics.ReasonValidation)
}
