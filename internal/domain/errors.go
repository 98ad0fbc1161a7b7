package domain

import (
	"github.com/go-faster/errors"
)

// ValidationError описывает некорректный входной запрос (отсутствующее поле, qty <= 0).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NewValidationError создаёт ошибку валидации для указанного поля.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserIDRequired = NewValidationError("userId", "is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductIDRequired = NewValidationError("productId", "is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQtyInvalid = NewValidationError("qty", "must be greater than zero")

	// ErrEmptyCart возвращается, если корзина пуста на момент оформления заказа.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrUpstreamUnavailable — хранилище корзины или журнал заказов недоступны до фиксации заказа.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrCommitUnknown — таймаут записи в журнал заказов, исход фиксации неизвестен.
	ErrCommitUnknown = errors.New("order commit outcome unknown")
	// ErrClearFailed — очистка корзины после фиксации заказа не удалась. Наружу не отдаётся.
	ErrClearFailed = errors.New("cart clear failed")

	// ErrOrderNotFound возвращается, если заказ не найден в журнале.
	ErrOrderNotFound = errors.New("order not found")
	// ErrClearTaskNotFound возвращается, если задача досрочной очистки не найдена.
	ErrClearTaskNotFound = errors.New("clear task not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — ключ не найден или уже удалён по TTL.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// classifiedError относит причину сбоя к доменной категории. errors.Is находит обе.
type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.kind, e.cause} }

// Classify помечает cause категорией kind (ErrUpstreamUnavailable, ErrCommitUnknown,
// ErrClearFailed) и добавляет контекст op, если он задан.
func Classify(op string, kind, cause error) error {
	var err error = &classifiedError{kind: kind, cause: cause}
	if op == "" {
		return err
	}
	return errors.Wrap(err, op)
}

// IsValidation проверяет, является ли ошибка ошибкой валидации входных данных.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUpstreamUnavailable проверяет, что заказ не был создан из-за недоступности зависимостей.
func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsCommitUnknown проверяет, что исход записи в журнал неизвестен.
func IsCommitUnknown(err error) bool {
	return errors.Is(err, ErrCommitUnknown)
}

// IsIdempotencyConflict проверяет конфликт по ключу идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
