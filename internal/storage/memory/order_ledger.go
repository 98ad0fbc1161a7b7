package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// orderLedgerInMemory — append-only журнал заказов в памяти.
type orderLedgerInMemory struct {
	mu     sync.RWMutex
	nextID int64
	orders []domain.Order
	byKey  map[string]int
	outbox domain.OutboxRepository
	now    func() time.Time
}

// NewOrderLedger создаёт in-memory журнал. Если outbox не nil, на каждый новый заказ
// в него пишется событие order.placed.
func NewOrderLedger(outbox domain.OutboxRepository) domain.OrderLedger {
	return &orderLedgerInMemory{
		byKey:  make(map[string]int),
		outbox: outbox,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *orderLedgerInMemory) Append(ctx context.Context, userID string, totalItems int64, snapshot domain.CartSnapshot, requestKey string) (domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Order{}, domain.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	l.mu.Lock()
	if requestKey != "" {
		if idx, ok := l.byKey[ledgerKey(userID, requestKey)]; ok {
			existing := cloneOrder(l.orders[idx])
			l.mu.Unlock()
			return existing, nil
		}
	}

	l.nextID++
	order := domain.Order{
		ID:         l.nextID,
		UserID:     userID,
		TotalItems: totalItems,
		Lines:      snapshot.Lines(),
		RequestKey: requestKey,
		CreatedAt:  l.now(),
	}
	l.orders = append(l.orders, order)
	if requestKey != "" {
		l.byKey[ledgerKey(userID, requestKey)] = len(l.orders) - 1
	}
	l.mu.Unlock()

	if l.outbox != nil {
		payload, err := json.Marshal(domain.NewOrderPlacedEvent(order))
		if err != nil {
			return domain.Order{}, err
		}
		if _, err := l.outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateOrder,
			AggregateID:   strconv.FormatInt(order.ID, 10),
			EventType:     domain.EventOrderPlaced,
			Payload:       payload,
		}); err != nil {
			return domain.Order{}, err
		}
	}

	return cloneOrder(order), nil
}

func (l *orderLedgerInMemory) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range l.orders {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (l *orderLedgerInMemory) Get(ctx context.Context, id int64) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	// ID выдаются подряд с единицы, поэтому позиция в срезе вычисляется напрямую.
	if id <= 0 || id > int64(len(l.orders)) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(l.orders[id-1]), nil
}

func (l *orderLedgerInMemory) FindByRequestKey(ctx context.Context, userID, requestKey string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byKey[ledgerKey(userID, requestKey)]
	if requestKey == "" || !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(l.orders[idx]), nil
}

func ledgerKey(userID, requestKey string) string {
	return userID + "\x00" + requestKey
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Lines = append([]domain.CartLine(nil), src.Lines...)
	return dst
}

var _ domain.OrderLedger = (*orderLedgerInMemory)(nil)
