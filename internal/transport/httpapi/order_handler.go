package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
)

const (
	// HeaderIdempotencyKey — заголовок ключа идемпотентности для POST /order.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplayed выставляется, если ответ отдан из хранилища ключей.
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	maxOrderBody = 64 << 10
)

// OrderHandler обслуживает POST /order и GET /orders/:userId.
type OrderHandler struct {
	orders saga.Orchestrator
	ledger domain.OrderLedger
	guard  *idempotency.Guard
}

// NewOrderHandler создаёт обработчик заказов. guard может быть nil: тогда Idempotency-Key
// передаётся только в журнал.
func NewOrderHandler(orders saga.Orchestrator, ledger domain.OrderLedger, guard *idempotency.Guard) *OrderHandler {
	return &OrderHandler{orders: orders, ledger: ledger, guard: guard}
}

type placeOrderRequest struct {
	UserID string `json:"userId"`
}

type placeOrderResponse struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

type orderResponse struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	TotalItems int64     `json:"total_items"`
	CreatedAt  time.Time `json:"created_at"`
}

// RegisterRoutes регистрирует маршруты заказов.
func (h *OrderHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/order", h.placeOrder)
	if h.ledger != nil {
		e.GET("/orders/:userId", h.listOrders)
	}
}

func (h *OrderHandler) placeOrder(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxOrderBody))
	if err != nil {
		return writeError(c, domain.NewValidationError("body", "cannot be read"))
	}
	var req placeOrderRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return writeError(c, domain.NewValidationError("body", "must be a valid JSON object"))
		}
	}

	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" && c.Request().Header.Get(HeaderIdempotencyKey) != "" {
		return writeError(c, domain.ErrIdempotencyKeyRequired)
	}

	if key == "" || h.guard == nil {
		resp := h.execute(c.Request().Context(), c, req, key)
		return c.JSONBlob(resp.Status, resp.Body)
	}

	hash := idempotency.HashRequest(c.Request().Method, c.Request().URL.Path, body)
	result, err := h.guard.Execute(c.Request().Context(), key, hash, func(ctx context.Context) idempotency.Response {
		return h.execute(ctx, c, req, key)
	})
	if err != nil {
		return writeError(c, err)
	}
	if result.Replayed {
		c.Response().Header().Set(HeaderIdempotentReplayed, "true")
	}
	return c.JSONBlob(result.Status, result.Body)
}

// execute запускает сагу и сериализует ответ, чтобы его можно было сохранить под ключом.
func (h *OrderHandler) execute(ctx context.Context, c echo.Context, req placeOrderRequest, key string) idempotency.Response {
	res, err := h.orders.PlaceOrder(ctx, saga.PlaceOrderRequest{UserID: req.UserID, IdempotencyKey: key})
	if err != nil {
		status, payload := errorStatus(err)
		if status >= http.StatusInternalServerError {
			loggerFrom(c).WithError(err).WithField("status", status).Error("Order placement failed")
		}
		return encodeResponse(status, payload)
	}
	return encodeResponse(http.StatusOK, placeOrderResponse{ID: res.Order.ID, Message: "Order created"})
}

func (h *OrderHandler) listOrders(c echo.Context) error {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		return writeError(c, domain.ErrUserIDRequired)
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return writeError(c, domain.NewValidationError("limit", "must be a non-negative integer"))
		}
		limit = parsed
	}

	orders, err := h.ledger.ListByUser(c.Request().Context(), userID, limit)
	if err != nil {
		return writeError(c, err)
	}

	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, orderResponse{
			ID:         order.ID,
			UserID:     order.UserID,
			TotalItems: order.TotalItems,
			CreatedAt:  order.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func encodeResponse(status int, payload any) idempotency.Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return idempotency.Response{
			Status: http.StatusInternalServerError,
			Body:   []byte(`{"error":"internal error"}`),
		}
	}
	return idempotency.Response{Status: status, Body: body}
}
