package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type clearTaskRepositoryInMemory struct {
	mu    sync.RWMutex
	tasks map[string]domain.ClearTask
}

// NewClearTaskRepository создаёт in-memory очередь отложенных очисток корзин.
func NewClearTaskRepository() domain.ClearTaskRepository {
	return &clearTaskRepositoryInMemory{tasks: make(map[string]domain.ClearTask)}
}

func (r *clearTaskRepositoryInMemory) Enqueue(ctx context.Context, task domain.ClearTask) (domain.ClearTask, error) {
	if strings.TrimSpace(task.UserID) == "" {
		return domain.ClearTask{}, domain.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.ClearTask{}, err
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

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tasks {
		if existing.ClearKey != "" && existing.ClearKey == task.ClearKey && existing.UserID == task.UserID {
			return cloneClearTask(existing), nil
		}
	}
	r.tasks[task.ID] = cloneClearTask(task)
	return cloneClearTask(task), nil
}

func (r *clearTaskRepositoryInMemory) PullDue(ctx context.Context, now time.Time, limit int) ([]domain.ClearTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]domain.ClearTask, 0)
	for _, task := range r.tasks {
		if task.Status != domain.ClearTaskStatusPending || task.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, cloneClearTask(task))
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].OrderID < due[j].OrderID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *clearTaskRepositoryInMemory) MarkDone(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return domain.ErrClearTaskNotFound
	}
	task.Status = domain.ClearTaskStatusDone
	task.LastError = ""
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task
	return nil
}

func (r *clearTaskRepositoryInMemory) MarkRetry(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return domain.ErrClearTaskNotFound
	}
	task.Attempts++
	task.LastError = lastErr
	task.NextAttemptAt = nextAttemptAt
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task
	return nil
}

func (r *clearTaskRepositoryInMemory) Stats(ctx context.Context) (domain.ClearTaskStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClearTaskStats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.ClearTaskStats
	for _, task := range r.tasks {
		if task.Status != domain.ClearTaskStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || task.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = task.CreatedAt
		}
	}
	return stats, nil
}

func cloneClearTask(src domain.ClearTask) domain.ClearTask {
	dst := src
	dst.Lines = append([]domain.CartLine(nil), src.Lines...)
	return dst
}

var _ domain.ClearTaskRepository = (*clearTaskRepositoryInMemory)(nil)
