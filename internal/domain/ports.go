package domain

import (
	"context"
	"encoding/json"
	"time"
)

// CartReader читает снимок корзины. Вызов не имеет побочных эффектов.
type CartReader interface {
	GetCart(ctx context.Context, userID string) (CartSnapshot, error)
}

// CartMutator снимает с корзины ровно те позиции, что были в снимке.
type CartMutator interface {
	// ClearLines для каждой позиции снимка удаляет строку, если текущее qty не больше
	// снятого, иначе вычитает снятое qty. Повторный вызов с тем же clearKey ничего не делает.
	ClearLines(ctx context.Context, userID, clearKey string, snapshot CartSnapshot) error
}

// CartStore — полное хранилище корзин.
type CartStore interface {
	CartReader
	CartMutator
	// AddItem атомарно увеличивает qty позиции (или создаёт её) и возвращает новый снимок.
	AddItem(ctx context.Context, userID, productID string, qty int64) (CartSnapshot, error)
	// ClearCart удаляет все позиции пользователя. Идемпотентна.
	ClearCart(ctx context.Context, userID string) error
}

// OrderAppender фиксирует заказ в журнале.
type OrderAppender interface {
	// Append создаёт заказ. Если requestKey не пуст и заказ с таким ключом у пользователя уже есть,
	// возвращается существующий заказ.
	Append(ctx context.Context, userID string, totalItems int64, snapshot CartSnapshot, requestKey string) (Order, error)
}

// OrderKeyLookup находит заказ, созданный запросом с данным idempotency-key.
type OrderKeyLookup interface {
	// FindByRequestKey возвращает ErrOrderNotFound, если такого заказа нет.
	FindByRequestKey(ctx context.Context, userID, requestKey string) (Order, error)
}

// OrderLedger — append-only журнал заказов.
type OrderLedger interface {
	OrderAppender
	OrderKeyLookup
	// ListByUser возвращает заказы пользователя от новых к старым; limit <= 0 означает без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	Get(ctx context.Context, id int64) (Order, error)
}

// ClearTaskRepository хранит отложенные очистки корзин.
type ClearTaskRepository interface {
	Enqueue(ctx context.Context, task ClearTask) (ClearTask, error)
	PullDue(ctx context.Context, now time.Time, limit int) ([]ClearTask, error)
	MarkDone(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error
	Stats(ctx context.Context) (ClearTaskStats, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	// Reclaim переводит запись обратно в processing для повторного выполнения: после ответа 5xx
	// или если processing не обновлялся с момента staleBefore. Иначе ErrIdempotencyKeyAlreadyExists.
	Reclaim(ctx context.Context, key, requestHash string, staleBefore, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// SagaStep задаёт константы шагов оформления заказа для метрик/логов.
type SagaStep string

const (
	SagaStepFetch    SagaStep = "fetch"
	SagaStepValidate SagaStep = "validate"
	SagaStepCommit   SagaStep = "commit"
	SagaStepClear    SagaStep = "clear"
)

// Типы агрегатов и событий outbox.
const (
	AggregateOrder = "order"

	EventOrderPlaced         = "order.placed"
	EventCartClearDeferred   = "cart.clear_deferred"
	EventCartClearReconciled = "cart.clear_reconciled"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxDeadLetter — полезная нагрузка сообщения в DLQ: исходное событие и причина отказа.
type OutboxDeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}
