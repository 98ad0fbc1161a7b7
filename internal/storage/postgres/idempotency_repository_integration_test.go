package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestIdempotencyRepository_PostgresCreateGetAndMarkDone(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))

	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)
	created, err := repo.CreateProcessing(ctx, "idem-done", "req-hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone(ctx, "idem-done", []byte(`{"id":1}`), 201))

	got, err := repo.Get(ctx, "idem-done")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 201, got.HTTPStatus)
	require.JSONEq(t, `{"id":1}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl))
}

func TestIdempotencyRepository_PostgresConflictAndReclaim(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing(ctx, "idem-conflict", "hash-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, "idem-conflict", "hash-a", ttl)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists))
	_, err = repo.CreateProcessing(ctx, "idem-conflict", "hash-b", ttl)
	require.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch))

	_, err = repo.Reclaim(ctx, "idem-conflict", "hash-a", time.Time{}, ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	require.NoError(t, repo.MarkFailed(ctx, "idem-conflict", []byte(`{"error":"upstream"}`), 503))
	reclaimed, err := repo.Reclaim(ctx, "idem-conflict", "hash-a", time.Time{}, ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, reclaimed.Status)
	require.Zero(t, reclaimed.HTTPStatus)

	require.NoError(t, repo.MarkFailed(ctx, "idem-conflict", []byte(`{"error":"Cart is empty"}`), 400))
	_, err = repo.Reclaim(ctx, "idem-conflict", "hash-a", time.Time{}, ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
}

func TestIdempotencyRepository_PostgresReclaimStaleProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))
	ttl := time.Now().UTC().Add(time.Hour)

	created, err := repo.CreateProcessing(ctx, "idem-stale", "hash", ttl)
	require.NoError(t, err)

	_, err = repo.Reclaim(ctx, "idem-stale", "hash", created.UpdatedAt.Add(-time.Second), ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	reclaimed, err := repo.Reclaim(ctx, "idem-stale", "hash", created.UpdatedAt.Add(time.Second), ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, reclaimed.Status)
	require.False(t, reclaimed.UpdatedAt.Before(created.UpdatedAt))
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t))
	now := time.Now().UTC()

	_, err := repo.CreateProcessing(ctx, "idem-expired-1", "hash-1", now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, "idem-expired-2", "hash-2", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, "idem-active", "hash-3", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = repo.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "idem-active")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "idem-expired-2")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}
