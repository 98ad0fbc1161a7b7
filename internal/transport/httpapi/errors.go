package httpapi

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// errorStatus сопоставляет доменную ошибку с HTTP-статусом и телом ответа.
func errorStatus(err error) (int, ErrorResponse) {
	var ve *domain.ValidationError
	var he *echo.HTTPError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field}
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusBadRequest, ErrorResponse{Error: "Cart is empty"}
	case errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, ErrorResponse{Error: "Idempotency-Key must not be blank"}
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: "Idempotency-Key is already used with a different request"}
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return http.StatusConflict, ErrorResponse{Error: "Request with the same Idempotency-Key is still processing"}
	case errors.Is(err, domain.ErrCommitUnknown):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "Order outcome unknown, retry with the same Idempotency-Key"}
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Failed to create order: upstream unavailable"}
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Order not found"}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return he.Code, ErrorResponse{Error: msg}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

func writeError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(c).WithError(err).WithField("status", status).Error("Request failed")
	}
	return c.JSON(status, body)
}

// httpErrorHandler отдаёт ошибки echo (404, 405, panic) в том же JSON-формате.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if werr := writeError(c, err); werr != nil {
		loggerFrom(c).WithError(werr).Warn("Failed to write error response")
	}
}
