package reconcile

import (
	"context"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBoardLeaderLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMemoryBoard()
	b.now = func() time.Time { return now }

	ok, err := b.AcquireLeader(ctx, "one", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = b.AcquireLeader(ctx, "two", time.Minute)
	assert.False(t, ok)
	ok, _ = b.AcquireLeader(ctx, "one", time.Minute)
	assert.True(t, ok, "holder may renew")

	now = now.Add(2 * time.Minute)
	ok, _ = b.AcquireLeader(ctx, "two", time.Minute)
	assert.True(t, ok, "expired lock is taken over")

	require.NoError(t, b.ReleaseLeader(ctx, "one"))
	ok, _ = b.AcquireLeader(ctx, "one", time.Minute)
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, b.ReleaseLeader(ctx, "two"))
	ok, _ = b.AcquireLeader(ctx, "one", time.Minute)
	assert.True(t, ok)
}

func TestMemoryBoardReports(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBoard()
	require.NoError(t, b.Publish(ctx, ShardReport{Shard: "b"}))
	require.NoError(t, b.Publish(ctx, ShardReport{Shard: "a"}))
	require.NoError(t, b.Publish(ctx, ShardReport{Shard: "a", NextEpoch: 4}))

	got, err := b.Reports(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Shard)
	assert.Equal(t, uint64(4), got[0].NextEpoch)

	require.NoError(t, b.Clear(ctx, "a"))
	got, _ = b.Reports(ctx)
	require.Len(t, got, 1)
}

func TestMemoryBoardPendingPlan(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBoard()
	_, ok, err := b.PendingPlan(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	p := Plan{Rate: math.NewInt(1_000_000), TotalYield: math.NewInt(5), Allocations: []Allocation{{Shard: "a", Yield: math.NewInt(5), Epoch: 2}}}
	require.NoError(t, b.SavePlan(ctx, p))
	p.Allocations[0].Shard = "changed"

	got, ok, err := b.PendingPlan(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Allocations[0].Shard)
	assert.Equal(t, uint64(2), got.Allocations[0].Epoch)

	require.NoError(t, b.ClearPlan(ctx))
	_, ok, _ = b.PendingPlan(ctx)
	assert.False(t, ok)
}

func TestNewRedisBoardUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisBoard(ctx, "not a url")
	assert.Error(t, err)

	_, err = NewRedisBoard(ctx, "redis://127.0.0.1:1/0")
	assert.Error(t, err)
}
