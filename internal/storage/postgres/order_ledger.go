package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type orderLedger struct {
	db *sql.DB
}

// NewOrderLedger создаёт PostgreSQL-реализацию журнала заказов. Заказ и событие
// order.placed пишутся в одной транзакции.
func NewOrderLedger(store *Store) domain.OrderLedger {
	return &orderLedger{db: store.DB()}
}

func (l *orderLedger) Append(ctx context.Context, userID string, totalItems int64, snapshot domain.CartSnapshot, requestKey string) (domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Order{}, domain.ErrUserIDRequired
	}

	lines := snapshot.Lines()
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "marshal order lines")
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if requestKey != "" {
		existing, err := l.findByRequestKey(opCtx, userID, requestKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, unavailable("lookup order by request key", err)
		}
	}

	order := domain.Order{
		UserID:     userID,
		TotalItems: totalItems,
		Lines:      lines,
		RequestKey: requestKey,
	}

	err = inTx(opCtx, l.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(opCtx, `
			INSERT INTO orders (user_id, total_items, lines, request_key, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NOW())
			RETURNING id, created_at
		`, userID, totalItems, string(linesJSON), requestKey).Scan(&order.ID, &order.CreatedAt); err != nil {
			return err
		}
		order.CreatedAt = order.CreatedAt.UTC()

		payload, err := json.Marshal(domain.NewOrderPlacedEvent(order))
		if err != nil {
			return errors.Wrap(err, "marshal order placed event")
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(opCtx, `
			INSERT INTO outbox_messages (
				id, aggregate_type, aggregate_id, event_type, payload,
				status, attempt_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7)
		`, uuid.NewString(), domain.AggregateOrder, strconv.FormatInt(order.ID, 10),
			domain.EventOrderPlaced, payload, now, now)
		return errors.Wrap(err, "enqueue order placed event")
	})
	if err != nil {
		// Параллельный запрос с тем же ключом успел зафиксировать заказ первым.
		if requestKey != "" && isUniqueViolation(err) {
			existing, findErr := l.findByRequestKey(opCtx, userID, requestKey)
			if findErr == nil {
				return existing, nil
			}
		}
		return domain.Order{}, classifyAppendErr(err)
	}

	return order, nil
}

func (l *orderLedger) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limitArg sql.NullInt64
	if limit > 0 {
		limitArg = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := l.db.QueryContext(opCtx, `
		SELECT id, user_id, total_items, lines, COALESCE(request_key, ''), created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limitArg)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, unavailable("scan order", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate orders", err)
	}
	return result, nil
}

func (l *orderLedger) Get(ctx context.Context, id int64) (domain.Order, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(l.db.QueryRowContext(opCtx, `
		SELECT id, user_id, total_items, lines, COALESCE(request_key, ''), created_at
		FROM orders
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, unavailable("get order", err)
	}
	return order, nil
}

func (l *orderLedger) FindByRequestKey(ctx context.Context, userID, requestKey string) (domain.Order, error) {
	if requestKey == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := l.findByRequestKey(opCtx, userID, requestKey)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.Order{}, unavailable("find order by request key", err)
	}
	return order, err
}

func (l *orderLedger) findByRequestKey(ctx context.Context, userID, requestKey string) (domain.Order, error) {
	order, err := scanOrder(l.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_items, lines, COALESCE(request_key, ''), created_at
		FROM orders
		WHERE user_id = $1 AND request_key = $2
	`, userID, requestKey))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		linesJSON []byte
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.TotalItems,
		&linesJSON,
		&order.RequestKey,
		&order.CreatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if len(linesJSON) > 0 {
		if err := json.Unmarshal(linesJSON, &order.Lines); err != nil {
			return domain.Order{}, errors.Wrapf(err, "decode lines of order %d", order.ID)
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

var _ domain.OrderLedger = (*orderLedger)(nil)
