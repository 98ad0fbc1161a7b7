// Package cartclient — HTTP-клиент сервиса корзин для роли order.
package cartclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/retry"
)

const (
	defaultTimeout          = 3 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerResetTime = 10 * time.Second
	maxErrorBody            = 4 << 10
)

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент (транспорт otelhttp при этом не добавляется).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry задаёт политику повторов для идемпотентных вызовов.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithCircuitBreaker задаёт circuit breaker.
func WithCircuitBreaker(cb *retry.CircuitBreaker) Option {
	return func(c *Client) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client реализует domain.CartStore поверх HTTP API сервиса корзин.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	retry   retry.Config
	breaker *retry.CircuitBreaker
	logger  *log.Entry
}

var _ domain.CartStore = (*Client)(nil)

type itemsResponse struct {
	Items []domain.CartLine `json:"items"`
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Qty       int64  `json:"qty"`
}

type clearLinesRequest struct {
	ClearKey string            `json:"clearKey"`
	Items    []domain.CartLine `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// New создаёт клиент сервиса корзин с базовым адресом baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse cart service url")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Errorf("cart service url %q must be absolute", baseURL)
	}

	logger := log.WithField("component", "cart-client")
	c := &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   retry.DefaultConfig(),
		breaker: retry.NewCircuitBreaker(defaultBreakerFailures, defaultBreakerResetTime, logger),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CircuitState возвращает состояние circuit breaker к сервису корзин.
func (c *Client) CircuitState() retry.CircuitState {
	return c.breaker.State()
}

// GetCart читает корзину пользователя.
func (c *Client) GetCart(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	var resp itemsResponse
	err := c.do(ctx, "get_cart", true, http.MethodGet, c.cartPath(userID, ""), nil, &resp)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	return domain.NewCartSnapshot(userID, resp.Items), nil
}

// AddItem увеличивает количество товара. Не повторяется автоматически: повтор может задвоить qty.
func (c *Client) AddItem(ctx context.Context, userID, productID string, qty int64) (domain.CartSnapshot, error) {
	var resp itemsResponse
	body := addItemRequest{ProductID: productID, Qty: qty}
	if err := c.do(ctx, "add_item", false, http.MethodPost, c.cartPath(userID, "add"), body, &resp); err != nil {
		return domain.CartSnapshot{}, err
	}
	return domain.NewCartSnapshot(userID, resp.Items), nil
}

// ClearCart удаляет все позиции пользователя.
func (c *Client) ClearCart(ctx context.Context, userID string) error {
	return c.do(ctx, "clear_cart", true, http.MethodPost, c.cartPath(userID, "clear"), nil, nil)
}

// ClearLines снимает позиции снимка. Повторы безопасны: сервис корзин применяет clearKey один раз.
func (c *Client) ClearLines(ctx context.Context, userID, clearKey string, snapshot domain.CartSnapshot) error {
	body := clearLinesRequest{ClearKey: clearKey, Items: snapshot.Lines()}
	return c.do(ctx, "clear_lines", true, http.MethodPost, c.cartPath(userID, "clear-lines"), body, nil)
}

func (c *Client) cartPath(userID, action string) string {
	suffix := ""
	if action != "" {
		suffix = "/" + action
	}
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + "/cart/" + url.PathEscape(userID) + suffix
	u.Path = c.baseURL.Path + "/cart/" + userID + suffix
	return u.String()
}

func (c *Client) do(ctx context.Context, op string, idempotent bool, method, target string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", op)
		}
	}

	cfg := c.retry
	if !idempotent {
		cfg.MaxAttempts = 1
	}

	logger := c.logger.WithField("operation", op)
	err := retry.Do(ctx, cfg, logger, op, func(ctx context.Context) error {
		// Ответ 4xx означает, что сервис корзин доступен: breaker его не считает.
		var rejected *statusError
		err := c.breaker.Execute(op, func() error {
			err := c.roundTrip(ctx, method, target, payload, out)
			if errors.As(err, &rejected) {
				return nil
			}
			return err
		})
		if rejected != nil {
			return retry.Permanent(rejected.domainError())
		}
		return err
	})
	if err == nil {
		return nil
	}

	switch {
	case domain.IsValidation(err):
		return err
	case errors.Is(err, retry.ErrCircuitOpen):
		return domain.Classify(op, domain.ErrUpstreamUnavailable, err)
	case domain.IsUpstreamUnavailable(err):
		return errors.Wrap(err, op)
	default:
		return domain.Classify(op, domain.ErrUpstreamUnavailable, err)
	}
}

// statusError — ответ сервиса корзин с кодом 4xx.
type statusError struct {
	status  int
	field   string
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("cart service responded %d: %s", e.status, e.message)
}

func (e *statusError) domainError() error {
	if e.status == http.StatusBadRequest {
		return domain.NewValidationError(e.field, e.message)
	}
	return e
}

// roundTrip выполняет один HTTP-вызов.
func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return errors.Errorf("cart service responded %d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func readStatusError(resp *http.Response) *statusError {
	var payload errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &payload)
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &statusError{status: resp.StatusCode, field: payload.Field, message: payload.Error}
}
