package domain

import "time"

// Order — неизменяемая запись журнала заказов.
type Order struct {
	// ID выдаётся журналом и строго возрастает.
	ID         int64
	UserID     string
	TotalItems int64
	// Lines — позиции снимка корзины, из которого создан заказ. Нужны для сверки очистки.
	Lines []CartLine
	// RequestKey — idempotency-key запроса, если клиент его передал.
	RequestKey string
	CreatedAt  time.Time
}

// Snapshot восстанавливает снимок корзины, из которого был создан заказ.
func (o Order) Snapshot() CartSnapshot {
	return NewCartSnapshot(o.UserID, o.Lines)
}

// OrderPlacedEvent — полезная нагрузка события order.placed в outbox.
type OrderPlacedEvent struct {
	OrderID    int64      `json:"order_id"`
	UserID     string     `json:"user_id"`
	TotalItems int64      `json:"total_items"`
	Lines      []CartLine `json:"lines"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewOrderPlacedEvent формирует событие по созданному заказу.
func NewOrderPlacedEvent(order Order) OrderPlacedEvent {
	lines := make([]CartLine, len(order.Lines))
	copy(lines, order.Lines)
	return OrderPlacedEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		TotalItems: order.TotalItems,
		Lines:      lines,
		CreatedAt:  order.CreatedAt,
	}
}
