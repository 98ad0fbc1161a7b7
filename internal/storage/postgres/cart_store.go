package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type cartStore struct {
	db *sql.DB
}

// NewCartStore создаёт PostgreSQL-реализацию CartStore.
func NewCartStore(store *Store) domain.CartStore {
	return &cartStore{db: store.DB()}
}

func (s *cartStore) AddItem(ctx context.Context, userID, productID string, qty int64) (domain.CartSnapshot, error) {
	if err := domain.ValidateAddItem(userID, productID, qty); err != nil {
		return domain.CartSnapshot{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Один оператор: конкурентные AddItem для одной позиции не теряют приращений.
	if _, err := s.db.ExecContext(opCtx, `
		INSERT INTO cart_items (user_id, product_id, qty, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET qty = cart_items.qty + EXCLUDED.qty, updated_at = NOW()
	`, userID, productID, qty); err != nil {
		return domain.CartSnapshot{}, unavailable("upsert cart item", err)
	}

	return s.readCart(opCtx, userID)
}

func (s *cartStore) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CartSnapshot{}, domain.ErrUserIDRequired
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.readCart(opCtx, userID)
}

func (s *cartStore) ClearCart(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUserIDRequired
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(opCtx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return unavailable("clear cart", err)
	}
	return nil
}

func (s *cartStore) ClearLines(ctx context.Context, userID, clearKey string, snapshot domain.CartSnapshot) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUserIDRequired
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := inTx(opCtx, s.db, func(tx *sql.Tx) error {
		if clearKey != "" {
			res, err := tx.ExecContext(opCtx, `
				INSERT INTO cart_clear_log (user_id, clear_key, applied_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (user_id, clear_key) DO NOTHING
			`, userID, clearKey)
			if err != nil {
				return errors.Wrap(err, "record clear key")
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "clear key rows affected")
			}
			if inserted == 0 {
				return nil
			}
		}

		for _, line := range snapshot.Lines() {
			if err := clearLine(opCtx, tx, userID, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("clear cart lines", err)
	}
	return nil
}

// clearLine блокирует строку позиции и удаляет её либо уменьшает qty на снятое количество.
func clearLine(ctx context.Context, tx *sql.Tx, userID string, line domain.CartLine) error {
	var current int64
	err := tx.QueryRowContext(ctx, `
		SELECT qty FROM cart_items
		WHERE user_id = $1 AND product_id = $2
		FOR UPDATE
	`, userID, line.ProductID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "lock cart item %s", line.ProductID)
	}

	if current <= line.Qty {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2
		`, userID, line.ProductID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE cart_items SET qty = qty - $3, updated_at = NOW()
			WHERE user_id = $1 AND product_id = $2
		`, userID, line.ProductID, line.Qty)
	}
	return errors.Wrapf(err, "clear cart item %s", line.ProductID)
}

func (s *cartStore) readCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty FROM cart_items
		WHERE user_id = $1
		ORDER BY product_id
	`, userID)
	if err != nil {
		return domain.CartSnapshot{}, unavailable("query cart", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ProductID, &line.Qty); err != nil {
			return domain.CartSnapshot{}, unavailable("scan cart item", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return domain.CartSnapshot{}, unavailable("iterate cart rows", err)
	}

	return domain.NewCartSnapshot(userID, lines), nil
}

var _ domain.CartStore = (*cartStore)(nil)
