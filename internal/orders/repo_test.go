package orders

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-smm-orders/internal/postgres"
)

// These run against a real database when PG_TEST_DSN is set.
func liveRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, dsn, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../postgres/schema.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return &Repo{DB: pool}
}

func liveOrder(t *testing.T, r *Repo, ext int64) *Order {
	t.Helper()
	ctx := context.Background()
	u := &User{Email: uuid.NewString() + "@example.com"}
	require.NoError(t, r.UpsertUser(ctx, u))
	o := &Order{UserID: u.ID, ServiceID: 1, Link: "https://x", Quantity: 100, TotalPrice: 12,
		Status: StatusPending, ExternalOrderID: ptr(ext)}
	require.NoError(t, r.CreateOrder(ctx, o))
	t.Cleanup(func() { _, _ = r.DB.Exec(context.Background(), `DELETE FROM orders WHERE id=$1`, o.ID) })
	return o
}

func TestRepo_UpdateOrderKeepsTerminalState_Live(t *testing.T) {
	r := liveRepo(t)
	ctx := context.Background()
	o := liveOrder(t, r, time.Now().UnixNano())

	o.Status = StatusCancelled
	require.NoError(t, r.UpdateOrder(ctx, o))

	late := *o
	late.Status = StatusCompleted
	late.RemainingCount = ptr(int64(0))
	assert.ErrorIs(t, r.UpdateOrder(ctx, &late), ErrTerminal)

	// same terminal status still accepts count updates
	o.RemainingCount = ptr(int64(3))
	require.NoError(t, r.UpdateOrder(ctx, o))

	got, err := r.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.RemainingCount)
	assert.Equal(t, int64(3), *got.RemainingCount)

	assert.ErrorIs(t, r.UpdateOrder(ctx, &Order{ID: -1, Status: StatusPending}), ErrNotFound)
}

func TestRepo_MarkPolledRotatesOpenOrders_Live(t *testing.T) {
	r := liveRepo(t)
	ctx := context.Background()
	// push every other open row behind ours
	_, err := r.DB.Exec(ctx, `UPDATE orders SET synced_at = now() + interval '1 hour'
		WHERE status IN ('pending','processing')`)
	require.NoError(t, err)

	base := time.Now().UnixNano()
	a := liveOrder(t, r, base)
	b := liveOrder(t, r, base+1)

	head := func() int64 {
		open, err := r.ListOpenOrders(ctx, 1)
		require.NoError(t, err)
		require.Len(t, open, 1)
		return open[0].ID
	}
	assert.Equal(t, a.ID, head())
	require.NoError(t, r.MarkPolled(ctx, []int64{a.ID}))
	assert.Equal(t, b.ID, head())
	require.NoError(t, r.MarkPolled(ctx, nil))
}
