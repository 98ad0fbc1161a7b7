package memory_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestOrderLedger_AppendAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewOrderLedger(nil)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 2}})

	first, err := ledger.Append(ctx, "u1", 2, snapshot, "")
	require.NoError(t, err)
	second, err := ledger.Append(ctx, "u1", 2, snapshot, "")
	require.NoError(t, err)

	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, int64(2), first.TotalItems)
	assert.False(t, first.CreatedAt.IsZero())
	assert.True(t, first.Snapshot().Equal(snapshot))
}

func TestOrderLedger_AppendWithRequestKeyReturnsExisting(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewOrderLedger(nil)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 1}})

	first, err := ledger.Append(ctx, "u1", 1, snapshot, "req-1")
	require.NoError(t, err)
	again, err := ledger.Append(ctx, "u1", 1, snapshot, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	otherUser, err := ledger.Append(ctx, "u2", 1, snapshot, "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, otherUser.ID)
}

func TestOrderLedger_FindByRequestKey(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewOrderLedger(nil)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 2}})

	_, err := ledger.Append(ctx, "u1", 2, snapshot, "")
	require.NoError(t, err)
	keyed, err := ledger.Append(ctx, "u1", 2, snapshot, "req-1")
	require.NoError(t, err)

	found, err := ledger.FindByRequestKey(ctx, "u1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, keyed.ID, found.ID)
	assert.True(t, found.Snapshot().Equal(snapshot))

	for _, tc := range []struct{ userID, key string }{{"u2", "req-1"}, {"u1", "req-2"}, {"u1", ""}} {
		_, err := ledger.FindByRequestKey(ctx, tc.userID, tc.key)
		assert.ErrorIs(t, err, domain.ErrOrderNotFound, "%s/%s", tc.userID, tc.key)
	}
}

func TestOrderLedger_ConcurrentAppendsAreUnique(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewOrderLedger(nil)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 1}})

	const workers = 32
	ids := make([]int64, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			order, err := ledger.Append(ctx, "u1", 1, snapshot, "")
			ids[i] = order.ID
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int64]struct{}, workers)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate order id %d", id)
		seen[id] = struct{}{}
	}
}

func TestOrderLedger_ListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewOrderLedger(nil)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 1}})

	var last int64
	for i := 0; i < 3; i++ {
		order, err := ledger.Append(ctx, "u1", int64(i+1), snapshot, "")
		require.NoError(t, err)
		last = order.ID
	}
	_, err := ledger.Append(ctx, "u2", 9, snapshot, "")
	require.NoError(t, err)

	orders, err := ledger.ListByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, last, orders[0].ID)
	for i := 1; i < len(orders); i++ {
		assert.Greater(t, orders[i-1].ID, orders[i].ID)
	}

	limited, err := ledger.ListByUser(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := ledger.ListByUser(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOrderLedger_GetAndOutboxEvent(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	ledger := memory.NewOrderLedger(outbox)
	snapshot := domain.NewCartSnapshot("u1", []domain.CartLine{{ProductID: "p1", Qty: 3}})

	order, err := ledger.Append(ctx, "u1", 3, snapshot, "")
	require.NoError(t, err)

	got, err := ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = ledger.Get(ctx, order.ID+100)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	pending := outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventOrderPlaced, pending[0].EventType)

	var event domain.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.Equal(t, order.ID, event.OrderID)
	assert.Equal(t, int64(3), event.TotalItems)
}
