// Package httpapi — HTTP API корзин и заказов на echo.
package httpapi

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
)

// Config описывает, какие поверхности API поднимает процесс. Nil-поля отключают маршруты.
type Config struct {
	Logger *log.Entry
	Carts  domain.CartStore
	Orders saga.Orchestrator
	Ledger domain.OrderLedger
	Guard  *idempotency.Guard
}

// NewServer собирает echo с middleware и маршрутами.
func NewServer(cfg Config) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware("checkout-http")))
	e.Use(requestLogger(logger))

	if cfg.Carts != nil {
		NewCartHandler(cfg.Carts).RegisterRoutes(e)
	}
	if cfg.Orders != nil {
		NewOrderHandler(cfg.Orders, cfg.Ledger, cfg.Guard).RegisterRoutes(e)
	}

	return e
}
