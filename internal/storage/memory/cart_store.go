package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// cartStoreInMemory хранит корзины в памяти процесса. Все мутации выполняются под одной
// блокировкой, поэтому upsert-increment и снятие снимка атомарны.
type cartStoreInMemory struct {
	mu      sync.RWMutex
	carts   map[string]map[string]int64
	applied map[string]map[string]struct{}
}

// NewCartStore создаёт in-memory реализацию CartStore.
func NewCartStore() domain.CartStore {
	return &cartStoreInMemory{
		carts:   make(map[string]map[string]int64),
		applied: make(map[string]map[string]struct{}),
	}
}

func (s *cartStoreInMemory) AddItem(ctx context.Context, userID, productID string, qty int64) (domain.CartSnapshot, error) {
	if err := domain.ValidateAddItem(userID, productID, qty); err != nil {
		return domain.CartSnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.CartSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, ok := s.carts[userID]
	if !ok {
		lines = make(map[string]int64)
		s.carts[userID] = lines
	}
	lines[productID] += qty

	return s.snapshotLocked(userID), nil
}

func (s *cartStoreInMemory) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CartSnapshot{}, domain.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.CartSnapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked(userID), nil
}

func (s *cartStoreInMemory) ClearCart(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, userID)
	return nil
}

func (s *cartStoreInMemory) ClearLines(ctx context.Context, userID, clearKey string, snapshot domain.CartSnapshot) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if clearKey != "" {
		keys, ok := s.applied[userID]
		if !ok {
			keys = make(map[string]struct{})
			s.applied[userID] = keys
		}
		if _, done := keys[clearKey]; done {
			return nil
		}
		keys[clearKey] = struct{}{}
	}

	lines := s.carts[userID]
	for _, line := range snapshot.Lines() {
		current, ok := lines[line.ProductID]
		if !ok {
			continue
		}
		if current <= line.Qty {
			delete(lines, line.ProductID)
			continue
		}
		lines[line.ProductID] = current - line.Qty
	}
	if len(lines) == 0 {
		delete(s.carts, userID)
	}

	return nil
}

func (s *cartStoreInMemory) snapshotLocked(userID string) domain.CartSnapshot {
	lines := s.carts[userID]
	out := make([]domain.CartLine, 0, len(lines))
	for productID, qty := range lines {
		out = append(out, domain.CartLine{ProductID: productID, Qty: qty})
	}
	return domain.NewCartSnapshot(userID, out)
}

var _ domain.CartStore = (*cartStoreInMemory)(nil)
