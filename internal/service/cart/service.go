// Package cart реализует операции над корзиной поверх хранилища: валидацию, логирование и метрики.
package cart

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// Названия операций для метрик и логов.
const (
	OpAddItem    = "add_item"
	OpGetCart    = "get_cart"
	OpClearCart  = "clear_cart"
	OpClearLines = "clear_lines"
)

// Service — фасад над domain.CartStore. Сам реализует domain.CartStore.
type Service struct {
	store   domain.CartStore
	logger  *log.Entry
	metrics *metrics.CartMetrics
}

var _ domain.CartStore = (*Service)(nil)

// NewService создаёт сервис корзин. metrics может быть nil.
func NewService(store domain.CartStore, logger *log.Entry, m *metrics.CartMetrics) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "cart")
	}
	return &Service{store: store, logger: logger, metrics: m}
}

// AddItem увеличивает количество товара в корзине и возвращает обновлённый снимок.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int64) (domain.CartSnapshot, error) {
	start := time.Now()
	userID = strings.TrimSpace(userID)
	productID = strings.TrimSpace(productID)

	if err := domain.ValidateAddItem(userID, productID, qty); err != nil {
		s.observe(OpAddItem, err, start)
		return domain.CartSnapshot{}, err
	}

	snapshot, err := s.store.AddItem(ctx, userID, productID, qty)
	s.observe(OpAddItem, err, start)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id":    userID,
			"product_id": productID,
			"qty":        qty,
		}).Error("Failed to add item to cart")
		return domain.CartSnapshot{}, err
	}
	return snapshot, nil
}

// GetCart возвращает текущий снимок корзины; для нового пользователя снимок пуст.
func (s *Service) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	start := time.Now()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.observe(OpGetCart, domain.ErrUserIDRequired, start)
		return domain.CartSnapshot{}, domain.ErrUserIDRequired
	}

	snapshot, err := s.store.GetCart(ctx, userID)
	s.observe(OpGetCart, err, start)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to read cart")
		return domain.CartSnapshot{}, err
	}
	return snapshot, nil
}

// ClearCart удаляет все позиции пользователя.
func (s *Service) ClearCart(ctx context.Context, userID string) error {
	start := time.Now()
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.observe(OpClearCart, domain.ErrUserIDRequired, start)
		return domain.ErrUserIDRequired
	}

	err := s.store.ClearCart(ctx, userID)
	s.observe(OpClearCart, err, start)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to clear cart")
		return err
	}
	s.logger.WithField("user_id", userID).Debug("Cart cleared")
	return nil
}

// ClearLines снимает с корзины позиции снимка. Непустой clearKey применяется один раз,
// с пустым ключом каждый вызов вычитает позиции заново.
func (s *Service) ClearLines(ctx context.Context, userID, clearKey string, snapshot domain.CartSnapshot) error {
	start := time.Now()
	userID = strings.TrimSpace(userID)
	clearKey = strings.TrimSpace(clearKey)
	if userID == "" {
		s.observe(OpClearLines, domain.ErrUserIDRequired, start)
		return domain.ErrUserIDRequired
	}

	err := s.store.ClearLines(ctx, userID, clearKey, snapshot)
	s.observe(OpClearLines, err, start)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id":   userID,
			"clear_key": clearKey,
			"lines":     snapshot.Len(),
		}).Warn("Failed to clear cart lines")
		return err
	}
	return nil
}

func (s *Service) observe(op string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.Observe(op, err, time.Since(start))
	}
}
