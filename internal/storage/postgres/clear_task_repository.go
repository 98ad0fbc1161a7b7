package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type clearTaskRepository struct {
	db *sql.DB
}

// NewClearTaskRepository создаёт PostgreSQL-реализацию очереди отложенных очисток.
func NewClearTaskRepository(store *Store) domain.ClearTaskRepository {
	return &clearTaskRepository{db: store.DB()}
}

func (r *clearTaskRepository) Enqueue(ctx context.Context, task domain.ClearTask) (domain.ClearTask, error) {
	if strings.TrimSpace(task.UserID) == "" {
		return domain.ClearTask{}, domain.ErrUserIDRequired
	}

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.ClearTaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = now
	}
	task.UpdatedAt = now

	linesJSON, err := json.Marshal(task.Lines)
	if err != nil {
		return domain.ClearTask{}, errors.Wrap(err, "marshal clear task lines")
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `
		INSERT INTO cart_clear_tasks (
			id, order_id, user_id, clear_key, lines, attempts, last_error,
			status, next_attempt_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (user_id, clear_key) DO NOTHING
	`,
		task.ID, task.OrderID, task.UserID, task.ClearKey, string(linesJSON), task.Attempts,
		task.LastError, string(task.Status), task.NextAttemptAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return domain.ClearTask{}, errors.Wrap(err, "enqueue clear task")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return r.getByKey(opCtx, task.UserID, task.ClearKey)
	}

	return task, nil
}

func (r *clearTaskRepository) PullDue(ctx context.Context, now time.Time, limit int) ([]domain.ClearTask, error) {
	if limit <= 0 {
		limit = 100
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(opCtx, `
		SELECT id, order_id, user_id, clear_key, lines, attempts, last_error,
		       status, next_attempt_at, created_at, updated_at
		FROM cart_clear_tasks
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at, order_id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "pull due clear tasks")
	}
	defer rows.Close()

	result := make([]domain.ClearTask, 0, limit)
	for rows.Next() {
		task, err := scanClearTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate clear tasks")
	}
	return result, nil
}

func (r *clearTaskRepository) MarkDone(ctx context.Context, id string) error {
	return r.update(ctx, id, `
		UPDATE cart_clear_tasks
		SET status = 'done', last_error = '', updated_at = $2
		WHERE id = $1
	`, time.Now().UTC())
}

func (r *clearTaskRepository) MarkRetry(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error {
	return r.update(ctx, id, `
		UPDATE cart_clear_tasks
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $1
	`, lastErr, nextAttemptAt, time.Now().UTC())
}

func (r *clearTaskRepository) Stats(ctx context.Context) (domain.ClearTaskStats, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.ClearTaskStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(opCtx, `
		SELECT COUNT(*), MIN(created_at)
		FROM cart_clear_tasks
		WHERE status = 'pending'
	`).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.ClearTaskStats{}, errors.Wrap(err, "clear task stats query failed")
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *clearTaskRepository) update(ctx context.Context, id, query string, args ...any) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, query, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrap(err, "update clear task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "clear task rows affected")
	}
	if affected == 0 {
		return domain.ErrClearTaskNotFound
	}
	return nil
}

func (r *clearTaskRepository) getByKey(ctx context.Context, userID, clearKey string) (domain.ClearTask, error) {
	task, err := scanClearTask(r.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, clear_key, lines, attempts, last_error,
		       status, next_attempt_at, created_at, updated_at
		FROM cart_clear_tasks
		WHERE user_id = $1 AND clear_key = $2
	`, userID, clearKey))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClearTask{}, domain.ErrClearTaskNotFound
	}
	return task, err
}

func scanClearTask(row rowScanner) (domain.ClearTask, error) {
	var (
		task      domain.ClearTask
		linesJSON []byte
		status    string
	)
	if err := row.Scan(
		&task.ID,
		&task.OrderID,
		&task.UserID,
		&task.ClearKey,
		&linesJSON,
		&task.Attempts,
		&task.LastError,
		&status,
		&task.NextAttemptAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ClearTask{}, err
		}
		return domain.ClearTask{}, errors.Wrap(err, "scan clear task")
	}
	if err := json.Unmarshal(linesJSON, &task.Lines); err != nil {
		return domain.ClearTask{}, errors.Wrapf(err, "decode lines of clear task %s", task.ID)
	}
	task.Status = domain.ClearTaskStatus(status)
	task.NextAttemptAt = task.NextAttemptAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

var _ domain.ClearTaskRepository = (*clearTaskRepository)(nil)
