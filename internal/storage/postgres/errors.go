package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// unavailable помечает ошибку как недоступность хранилища.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, op)
	}
	return domain.Classify(op, domain.ErrUpstreamUnavailable, err)
}

// classifyAppendErr разделяет сбои фиксации заказа: таймаут и ошибка commit дают
// неизвестный исход, прочие ошибки гарантируют откат.
func classifyAppendErr(err error) error {
	var ce *commitError
	if errors.As(err, &ce) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Classify("append order", domain.ErrCommitUnknown, err)
	}
	return unavailable("append order", err)
}
