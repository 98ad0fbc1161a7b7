package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// CartHandler обслуживает /cart/:userId.
type CartHandler struct {
	carts domain.CartStore
}

// NewCartHandler создаёт обработчик корзин.
func NewCartHandler(carts domain.CartStore) *CartHandler {
	return &CartHandler{carts: carts}
}

type cartResponse struct {
	Items []domain.CartLine `json:"items"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Qty       int64  `json:"qty"`
}

type clearLinesRequest struct {
	ClearKey string            `json:"clearKey"`
	Items    []domain.CartLine `json:"items"`
}

// RegisterRoutes регистрирует маршруты корзины.
func (h *CartHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/cart/:userId")
	g.GET("", h.getCart)
	g.POST("/add", h.addItem)
	g.POST("/clear", h.clearCart)
	g.POST("/clear-lines", h.clearLines)
}

func (h *CartHandler) getCart(c echo.Context) error {
	snapshot, err := h.carts.GetCart(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, newCartResponse(snapshot))
}

func (h *CartHandler) addItem(c echo.Context) error {
	var req addItemRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, err)
	}

	snapshot, err := h.carts.AddItem(c.Request().Context(), c.Param("userId"), req.ProductID, req.Qty)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, newCartResponse(snapshot))
}

func (h *CartHandler) clearCart(c echo.Context) error {
	if err := h.carts.ClearCart(c.Request().Context(), c.Param("userId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (h *CartHandler) clearLines(c echo.Context) error {
	var req clearLinesRequest
	if err := bindJSON(c, &req); err != nil {
		return writeError(c, err)
	}

	userID := c.Param("userId")
	snapshot := domain.NewCartSnapshot(userID, req.Items)
	if err := h.carts.ClearLines(c.Request().Context(), userID, req.ClearKey, snapshot); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func newCartResponse(snapshot domain.CartSnapshot) cartResponse {
	return cartResponse{Items: snapshot.Lines()}
}

// bindJSON разбирает тело запроса; ошибки разбора отдаются как ошибки валидации.
func bindJSON(c echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, dst); err != nil {
		return domain.NewValidationError("body", "must be a valid JSON object")
	}
	return nil
}
