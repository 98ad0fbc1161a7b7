package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

// flakyCart оборачивает хранилище корзин и позволяет внедрять ошибки.
type flakyCart struct {
	domain.CartStore

	mu       sync.Mutex
	getErr   error
	clearErr error
	clears   int
}

func (c *flakyCart) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	c.mu.Lock()
	err := c.getErr
	c.mu.Unlock()
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return c.CartStore.GetCart(ctx, userID)
}

func (c *flakyCart) ClearLines(ctx context.Context, userID, clearKey string, snapshot domain.CartSnapshot) error {
	c.mu.Lock()
	c.clears++
	err := c.clearErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.CartStore.ClearLines(ctx, userID, clearKey, snapshot)
}

// hookedLedger вызывает afterAppend сразу после успешной записи.
type hookedLedger struct {
	domain.OrderLedger

	appendErr   error
	lookupErr   error
	block       bool
	afterAppend func()
	calls       int
}

func (l *hookedLedger) FindByRequestKey(ctx context.Context, userID, requestKey string) (domain.Order, error) {
	if l.lookupErr != nil {
		return domain.Order{}, l.lookupErr
	}
	return l.OrderLedger.FindByRequestKey(ctx, userID, requestKey)
}

func (l *hookedLedger) Append(ctx context.Context, userID string, totalItems int64, snapshot domain.CartSnapshot, requestKey string) (domain.Order, error) {
	l.calls++
	if l.block {
		<-ctx.Done()
		return domain.Order{}, ctx.Err()
	}
	if l.appendErr != nil {
		return domain.Order{}, l.appendErr
	}
	order, err := l.OrderLedger.Append(ctx, userID, totalItems, snapshot, requestKey)
	if err == nil && l.afterAppend != nil {
		l.afterAppend()
	}
	return order, err
}

type failingClearTasks struct {
	domain.ClearTaskRepository
}

func (failingClearTasks) Enqueue(context.Context, domain.ClearTask) (domain.ClearTask, error) {
	return domain.ClearTask{}, errors.New("clear task storage down")
}

type fixture struct {
	cart       *flakyCart
	ledger     *hookedLedger
	clearTasks domain.ClearTaskRepository
	outbox     *memory.OutboxRepository
}

func newFixture() *fixture {
	outbox := memory.NewOutboxRepository()
	return &fixture{
		cart:       &flakyCart{CartStore: memory.NewCartStore()},
		ledger:     &hookedLedger{OrderLedger: memory.NewOrderLedger(outbox)},
		clearTasks: memory.NewClearTaskRepository(),
		outbox:     outbox,
	}
}

func (f *fixture) orchestrator(opts ...Option) Orchestrator {
	logger := log.New().WithField("test", "saga")
	return NewOrchestratorWithoutMetrics(f.cart, f.cart, f.ledger, f.clearTasks, f.outbox, logger, opts...)
}

func (f *fixture) add(t *testing.T, userID, productID string, qty int64) {
	t.Helper()
	_, err := f.cart.AddItem(context.Background(), userID, productID, qty)
	require.NoError(t, err)
}

func (f *fixture) orders(t *testing.T, userID string) []domain.Order {
	t.Helper()
	orders, err := f.ledger.ListByUser(context.Background(), userID, 0)
	require.NoError(t, err)
	return orders
}

func eventTypes(outbox *memory.OutboxRepository) []string {
	var types []string
	for _, msg := range outbox.AllPending() {
		types = append(types, msg.EventType)
	}
	return types
}

func TestOrchestrator_PlaceOrderClearsCart(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	f.add(t, "u1", "p3", 1)

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Order.TotalItems)
	assert.Equal(t, "u1", res.Order.UserID)
	assert.False(t, res.ClearDeferred)

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, snapshot.IsEmpty())

	orders := f.orders(t, "u1")
	require.Len(t, orders, 1)
	assert.Equal(t, res.Order.ID, orders[0].ID)
	assert.Equal(t, []string{domain.EventOrderPlaced}, eventTypes(f.outbox))
}

func TestOrchestrator_EmptyCartRejected(t *testing.T) {
	f := newFixture()

	_, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrEmptyCart)

	assert.Empty(t, f.orders(t, "u1"))
	assert.Equal(t, 0, f.ledger.calls)
	assert.Equal(t, 0, f.cart.clears)
}

func TestOrchestrator_UserIDRequired(t *testing.T) {
	f := newFixture()

	_, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "  "})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, 0, f.ledger.calls)
}

func TestOrchestrator_FetchFailureIsUpstreamUnavailable(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 1)
	f.cart.getErr = errors.New("connection refused")

	_, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, 0, f.ledger.calls)
}

func TestOrchestrator_LedgerFailureLeavesCartUntouched(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	f.ledger.appendErr = errors.New("ledger rejected write")

	_, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.False(t, domain.IsCommitUnknown(err))

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.Qty("p1"))
	assert.Equal(t, 0, f.cart.clears)
}

func TestOrchestrator_LedgerTimeoutIsCommitUnknown(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 1)
	f.ledger.block = true

	_, err := f.orchestrator(WithCommitTimeout(20*time.Millisecond)).
		PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrCommitUnknown)
	assert.Equal(t, 0, f.cart.clears)
}

func TestOrchestrator_ClearFailureIsDeferred(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	f.cart.clearErr = errors.New("cart store timeout")

	now := time.Date(2024, 10, 17, 12, 0, 0, 0, time.UTC)
	res, err := f.orchestrator(WithClock(func() time.Time { return now })).
		PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.ClearDeferred)
	assert.NotZero(t, res.Order.ID)

	tasks, err := f.clearTasks.PullDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.Order.ID, tasks[0].OrderID)
	assert.Equal(t, domain.ClearKeyForOrder(res.Order.ID), tasks[0].ClearKey)
	assert.Equal(t, []domain.CartLine{{ProductID: "p1", Qty: 2}}, tasks[0].Lines)
	assert.Contains(t, tasks[0].LastError, "cart store timeout")

	assert.Equal(t, []string{domain.EventOrderPlaced, domain.EventCartClearDeferred}, eventTypes(f.outbox))

	var event domain.CartClearEvent
	require.NoError(t, json.Unmarshal(f.outbox.AllPending()[1].Payload, &event))
	assert.Equal(t, res.Order.ID, event.OrderID)
	assert.Equal(t, "u1", event.UserID)
}

func TestOrchestrator_ClearAndEnqueueFailureStillSucceeds(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 1)
	f.cart.clearErr = errors.New("cart store timeout")
	f.clearTasks = failingClearTasks{}

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.ClearDeferred)
	assert.Len(t, f.orders(t, "u1"), 1)
}

func TestOrchestrator_ConcurrentAddSurvivesClear(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	// Пока сага между снимком и очисткой, пользователь добавляет ещё товар.
	f.ledger.afterAppend = func() {
		f.add(t, "u1", "p1", 3)
		f.add(t, "u1", "p2", 1)
	}

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Order.TotalItems)

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: "p1", Qty: 3}, {ProductID: "p2", Qty: 1}}, snapshot.Lines())
}

func TestOrchestrator_ClearRunsAfterCallerCancel(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	f.ledger.afterAppend = cancel

	res, err := f.orchestrator().PlaceOrder(ctx, PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.ClearDeferred)

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, snapshot.IsEmpty())
}

func TestOrchestrator_IdempotencyKeyReplaysOrder(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator()
	f.add(t, "u1", "p1", 2)

	first, err := orch.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	f.add(t, "u1", "p9", 4)
	second, err := orch.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, f.orders(t, "u1"), 1)

	// Повторная очистка с тем же ключом не трогает новые позиции.
	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snapshot.Qty("p9"))
}

// commitWithoutClear записывает заказ в журнал так, как будто первая попытка завершилась
// CommitUnknown до очистки корзины.
func (f *fixture) commitWithoutClear(t *testing.T, userID, key string, lines ...domain.CartLine) domain.Order {
	t.Helper()
	snapshot := domain.NewCartSnapshot(userID, lines)
	order, err := f.ledger.OrderLedger.Append(context.Background(), userID, snapshot.TotalItems(), snapshot, key)
	require.NoError(t, err)
	return order
}

func TestOrchestrator_RetryAfterCommitUnknownKeepsNewLines(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	committed := f.commitWithoutClear(t, "u1", "key-1", domain.CartLine{ProductID: "p1", Qty: 2})
	f.add(t, "u1", "p9", 4)

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, committed.ID, res.Order.ID)
	assert.Equal(t, int64(2), res.Order.TotalItems)
	assert.Zero(t, f.ledger.calls)

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: "p9", Qty: 4}}, snapshot.Lines())
	assert.Len(t, f.orders(t, "u1"), 1)
}

func TestOrchestrator_RetryClearsByLedgerLinesWhenLookupFails(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 2)
	committed := f.commitWithoutClear(t, "u1", "key-1", domain.CartLine{ProductID: "p1", Qty: 2})
	f.add(t, "u1", "p9", 4)
	f.ledger.lookupErr = errors.New("ledger replica lagging")

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, committed.ID, res.Order.ID)
	assert.Equal(t, 1, f.ledger.calls)

	snapshot, err := f.cart.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: "p9", Qty: 4}}, snapshot.Lines())
}

func TestOrchestrator_RetryWithEmptyCartReturnsCommittedOrder(t *testing.T) {
	f := newFixture()
	committed := f.commitWithoutClear(t, "u1", "key-1", domain.CartLine{ProductID: "p1", Qty: 2})

	res, err := f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, committed.ID, res.Order.ID)
	assert.False(t, res.ClearDeferred)

	_, err = f.orchestrator().PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1", IdempotencyKey: "key-2"})
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestOrchestrator_RepeatedOrdersWithoutKey(t *testing.T) {
	f := newFixture()
	orch := f.orchestrator()

	var ids []int64
	for i := 0; i < 3; i++ {
		f.add(t, "u1", "p1", 1)
		res, err := orch.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
		require.NoError(t, err)
		ids = append(ids, res.Order.ID)
	}

	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	orders := f.orders(t, "u1")
	require.Len(t, orders, 3)
	assert.Equal(t, ids[2], orders[0].ID)
}

func TestOrchestrator_WithMetrics(t *testing.T) {
	f := newFixture()
	f.add(t, "u1", "p1", 1)

	m := metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry())
	orch := f.orchestrator(WithMetrics(m))

	_, err := orch.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = orch.PlaceOrder(context.Background(), PlaceOrderRequest{UserID: "u1"})
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}
