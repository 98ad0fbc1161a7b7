package domain

import "time"

// ClearTaskStatus описывает состояние отложенной очистки корзины.
type ClearTaskStatus string

const (
	// ClearTaskStatusPending — очистка ещё не применена, задача ждёт следующей попытки.
	ClearTaskStatusPending ClearTaskStatus = "pending"
	// ClearTaskStatusDone — позиции снимка сняты с корзины.
	ClearTaskStatusDone ClearTaskStatus = "done"
)

// ClearTask — отложенная очистка позиций заказа, которую не удалось выполнить сразу после фиксации.
type ClearTask struct {
	ID            string
	OrderID       int64
	UserID        string
	ClearKey      string
	Lines         []CartLine
	Attempts      int
	LastError     string
	Status        ClearTaskStatus
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot возвращает снимок, который нужно снять с корзины.
func (t ClearTask) Snapshot() CartSnapshot {
	return NewCartSnapshot(t.UserID, t.Lines)
}

// NewClearTask готовит задачу очистки по заказу и снимку.
func NewClearTask(order Order, snapshot CartSnapshot, lastErr error, now time.Time) ClearTask {
	task := ClearTask{
		OrderID:       order.ID,
		UserID:        order.UserID,
		ClearKey:      ClearKeyForOrder(order.ID),
		Lines:         snapshot.Lines(),
		Attempts:      1,
		Status:        ClearTaskStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if lastErr != nil {
		task.LastError = lastErr.Error()
	}
	return task
}

// ClearTaskStats описывает backlog отложенных очисток.
type ClearTaskStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// CartClearEvent — полезная нагрузка событий cart.clear_deferred и cart.clear_reconciled.
type CartClearEvent struct {
	OrderID   int64      `json:"order_id"`
	UserID    string     `json:"user_id"`
	ClearKey  string     `json:"clear_key"`
	Lines     []CartLine `json:"lines"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

// NewCartClearEvent формирует событие по задаче очистки.
func NewCartClearEvent(task ClearTask) CartClearEvent {
	lines := make([]CartLine, len(task.Lines))
	copy(lines, task.Lines)
	return CartClearEvent{
		OrderID:   task.OrderID,
		UserID:    task.UserID,
		ClearKey:  task.ClearKey,
		Lines:     lines,
		Attempts:  task.Attempts,
		LastError: task.LastError,
	}
}
