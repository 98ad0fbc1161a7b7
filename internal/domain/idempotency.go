package domain

import (
	"net/http"
	"time"
)

// IdempotencyStatus — стадия обработки запроса POST /order под idempotency-key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — запрос выполняется, ответа ещё нет.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — сохранён ответ 2xx.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — сохранён ответ 4xx или 5xx.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord — сохранённый HTTP-ответ на запрос оформления заказа.
//
// RequestHash — отпечаток метода, пути и тела: тот же ключ с другим телом отклоняется.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, что сохранённый ответ окончательный и отдаётся повтору без выполнения.
// Ответ 5xx не окончательный: после него тот же запрос выполняется заново.
func (r IdempotencyRecord) Replayable() bool {
	switch r.Status {
	case IdempotencyStatusDone:
		return true
	case IdempotencyStatusFailed:
		return r.HTTPStatus > 0 && r.HTTPStatus < http.StatusInternalServerError
	default:
		return false
	}
}

// Stale сообщает, что запись застряла в processing: её не обновляли с момента staleBefore.
// Нулевой staleBefore означает, что аренды нет и processing не устаревает.
func (r IdempotencyRecord) Stale(staleBefore time.Time) bool {
	return r.Status == IdempotencyStatusProcessing &&
		!staleBefore.IsZero() &&
		r.UpdatedAt.Before(staleBefore)
}

// Reclaimable сообщает, что запись можно снова перевести в processing и выполнить запрос:
// после ответа 5xx или после истечения аренды processing.
func (r IdempotencyRecord) Reclaimable(staleBefore time.Time) bool {
	if r.Status == IdempotencyStatusFailed {
		return !r.Replayable()
	}
	return r.Stale(staleBefore)
}
