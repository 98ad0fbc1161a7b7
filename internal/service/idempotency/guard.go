package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// DefaultTTL — время жизни ключа идемпотентности.
const DefaultTTL = 24 * time.Hour

// ErrInProgress возвращается, пока первый запрос с тем же ключом ещё выполняется.
var ErrInProgress = errors.Wrap(domain.ErrIdempotencyKeyAlreadyExists, "request with the same idempotency key is still processing")

// Response — HTTP-ответ, который сохраняется под ключом и отдаётся при повторе.
type Response struct {
	Status int
	Body   []byte
}

// Result — итог выполнения запроса через Guard.
type Result struct {
	Response
	// Replayed выставляется, если ответ взят из хранилища без выполнения handler.
	Replayed bool
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт время жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithProcessingLease задаёт, сколько ключ может оставаться в processing. Запись, не
// обновлявшаяся дольше lease, считается брошенной упавшим процессом и перехватывается повтором.
// Без аренды такой ключ освобождается только по TTL.
func WithProcessingLease(lease time.Duration) GuardOption {
	return func(g *Guard) {
		if lease > 0 {
			g.lease = lease
		}
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Guard выполняет handler не более одного раза на ключ и запоминает его ответ.
//
// Ответы 2xx и 4xx отдаются повторно как есть. После 5xx или истечения аренды processing
// ключ можно переиспользовать: следующий запрос с тем же телом выполнится заново.
type Guard struct {
	repo   domain.IdempotencyRepository
	logger *log.Entry
	ttl    time.Duration
	lease  time.Duration
	now    func() time.Time
}

// NewGuard создаёт Guard поверх хранилища ключей.
func NewGuard(repo domain.IdempotencyRepository, logger *log.Entry, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	g := &Guard{
		repo:   repo,
		logger: logger,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HashRequest строит отпечаток запроса, по которому ловится переиспользование ключа с другим телом.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Execute выполняет handler под ключом key.
//
// Ошибки: domain.ErrIdempotencyHashMismatch, если ключ уже использован с другим запросом;
// ErrInProgress, если первый запрос ещё не завершился.
func (g *Guard) Execute(ctx context.Context, key, requestHash string, handler func(context.Context) Response) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, domain.ErrIdempotencyKeyRequired
	}
	logger := g.logger.WithField("idempotency_key", key)

	_, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		res, reclaimed, replayErr := g.replay(ctx, key, requestHash, err)
		if !reclaimed {
			return res, replayErr
		}
		logger.Info("Re-executing request under reclaimed idempotency key")
	}

	resp := handler(ctx)

	// Ответ сохраняется, даже если клиент уже отключился.
	storeCtx := context.WithoutCancel(ctx)
	if resp.Status >= http.StatusBadRequest {
		err = g.repo.MarkFailed(storeCtx, key, resp.Body, resp.Status)
	} else {
		err = g.repo.MarkDone(storeCtx, key, resp.Body, resp.Status)
	}
	if err != nil {
		logger.WithError(err).WithField("status", resp.Status).Warn("Failed to store idempotent response")
	}

	return Result{Response: resp}, nil
}

// replay разбирает конфликт CreateProcessing. reclaimed=true означает, что ключ снова
// в processing и запрос нужно выполнить.
func (g *Guard) replay(ctx context.Context, key, requestHash string, createErr error) (Result, bool, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Result{}, false, createErr
	case !errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		return Result{}, false, errors.Wrap(createErr, "create idempotency record")
	}

	record, err := g.repo.Get(ctx, key)
	if err != nil {
		return Result{}, false, errors.Wrap(err, "get idempotency record")
	}
	if record.RequestHash != requestHash {
		return Result{}, false, domain.ErrIdempotencyHashMismatch
	}

	staleBefore := g.staleBefore()
	switch {
	case record.Replayable():
		return stored(record), false, nil
	case record.Reclaimable(staleBefore):
		if record.Status == domain.IdempotencyStatusProcessing {
			g.logger.WithFields(log.Fields{
				"idempotency_key": key,
				"updated_at":      record.UpdatedAt,
			}).Warn("Taking over idempotency key stuck in processing")
		}
		if _, err := g.repo.Reclaim(ctx, key, requestHash, staleBefore, g.now().Add(g.ttl)); err != nil {
			if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
				// Ключ перехватил параллельный повтор.
				return Result{}, false, ErrInProgress
			}
			return Result{}, false, errors.Wrap(err, "reclaim idempotency record")
		}
		return Result{}, true, nil
	case record.Status == domain.IdempotencyStatusProcessing:
		return Result{}, false, ErrInProgress
	default:
		return Result{}, false, errors.Errorf("unknown idempotency record status %q", record.Status)
	}
}

func (g *Guard) staleBefore() time.Time {
	if g.lease <= 0 {
		return time.Time{}
	}
	return g.now().Add(-g.lease)
}

func stored(record domain.IdempotencyRecord) Result {
	body := make([]byte, len(record.ResponseBody))
	copy(body, record.ResponseBody)
	return Result{
		Response: Response{Status: record.HTTPStatus, Body: body},
		Replayed: true,
	}
}
