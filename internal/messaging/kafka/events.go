package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Топики Kafka.
const (
	TopicOrderEvents     = "checkout.order.events"
	TopicDeadLetterQueue = "checkout.order.events.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

// Envelope — формат сообщения в топике событий заказов.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает outbox-сообщение. Невалидный JSON в payload не пропускается.
func NewEnvelope(event domain.OutboxMessage, now time.Time) Envelope {
	env := Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		PublishedAt:   now.UTC(),
	}
	if json.Valid(event.Payload) {
		env.Payload = json.RawMessage(event.Payload)
	}
	return env
}
