package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shareledger.dev/ysl/internal/custody"
	"shareledger.dev/ysl/internal/reconcile"
	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

const rebalancer types.Address = "rebalancer"

func report(shard string, deposits, yield int64) reconcile.ShardReport {
	return reconcile.ShardReport{
		Shard:      shard,
		Deposits:   math.NewInt(deposits),
		Yield:      math.NewInt(yield),
		NextEpoch:  1,
		ReportedAt: time.Now(),
	}
}

func TestComputeFairnessScenario(t *testing.T) {
	plan, err := reconcile.Compute([]reconcile.ShardReport{
		report("shard-b", 300_000, 3_000),
		report("shard-a", 500_000, 10_000),
	})
	require.NoError(t, err)

	assert.Equal(t, "1016250", plan.Rate.String())
	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, "shard-a", plan.Allocations[0].Shard)
	assert.Equal(t, "8125", plan.Allocations[0].Yield.String())
	assert.Equal(t, "4875", plan.Allocations[1].Yield.String())
	assert.Equal(t, "13000", plan.Allocations[0].Yield.Add(plan.Allocations[1].Yield).String())
	assert.Equal(t, "13000", plan.TotalYield.String())
}

func TestComputeAssignsRemainderToLargestShard(t *testing.T) {
	plan, err := reconcile.Compute([]reconcile.ShardReport{
		report("a", 100, 7),
		report("b", 300, 0),
		report("c", 200, 0),
	})
	require.NoError(t, err)

	got := map[string]string{}
	sum := math.ZeroInt()
	for _, a := range plan.Allocations {
		got[a.Shard] = a.Yield.String()
		sum = sum.Add(a.Yield)
	}
	assert.Equal(t, map[string]string{"a": "1", "b": "4", "c": "2"}, got)
	assert.Equal(t, "7", sum.String())
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := reconcile.Compute(nil)
	assert.ErrorIs(t, err, reconcile.ErrNoReports)

	_, err = reconcile.Compute([]reconcile.ShardReport{report("a", 0, 5)})
	assert.ErrorIs(t, err, reconcile.ErrNoDeposits)

	_, err = reconcile.Compute([]reconcile.ShardReport{report("a", 1, 1), report("a", 2, 2)})
	assert.ErrorIs(t, err, reconcile.ErrInvalidReport)

	_, err = reconcile.Compute([]reconcile.ShardReport{report("a", 10, -1)})
	assert.ErrorIs(t, err, reconcile.ErrInvalidReport)

	_, err = reconcile.Compute([]reconcile.ShardReport{{Shard: "a", Deposits: math.NewInt(1)}})
	assert.ErrorIs(t, err, reconcile.ErrInvalidReport)
}

type shard struct {
	v   *vault.Vault
	now time.Time
}

func newShard(t *testing.T, id string, deposit int64) *shard {
	t.Helper()
	s := &shard{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := custody.NewMemory("treasury")
	c.Credit("holder", math.NewInt(deposit))
	roles := vault.NewRoleTable()
	roles.Grant(types.RoleRebalancer, rebalancer)

	v, err := vault.New(id,
		vault.WithCustody(c),
		vault.WithAuthorizer(roles),
		vault.WithClock(func() time.Time { return s.now }))
	require.NoError(t, err)
	_, err = v.Deposit(context.Background(), "holder", math.NewInt(deposit), "holder")
	require.NoError(t, err)
	s.v = v
	return s
}

func TestRoundConvergesShardRates(t *testing.T) {
	shards := map[string]*shard{
		"shard-a": newShard(t, "shard-a", 500_000),
		"shard-b": newShard(t, "shard-b", 300_000),
	}
	board := reconcile.NewMemoryBoard()
	ctx := context.Background()
	require.NoError(t, board.Publish(ctx, report("shard-a", 500_000, 10_000)))
	require.NoError(t, board.Publish(ctx, report("shard-b", 300_000, 3_000)))

	submit := reconcile.SubmitterFunc(func(ctx context.Context, a reconcile.Allocation) error {
		_, err := shards[a.Shard].v.DistributeYield(ctx, rebalancer, a.Yield, math.ZeroInt(), a.Epoch, true)
		return err
	})
	plan, err := reconcile.New(board, submit, "node-1").Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1016250", plan.Rate.String())

	for _, s := range shards {
		assert.Equal(t, uint64(1), s.v.LastEpoch())
		s.now = s.now.Add(s.v.Params().VestingPeriod)
	}
	rateA := shards["shard-a"].v.ExchangeRate().Int64()
	rateB := shards["shard-b"].v.ExchangeRate().Int64()
	assert.InDelta(t, rateA, rateB, 1)
	assert.InDelta(t, 1_016_250, rateA, 1)

	left, err := board.Reports(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRoundRequiresLeaderLock(t *testing.T) {
	board := reconcile.NewMemoryBoard()
	ctx := context.Background()
	ok, err := board.AcquireLeader(ctx, "node-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	submit := reconcile.SubmitterFunc(func(context.Context, reconcile.Allocation) error {
		called = true
		return nil
	})
	_, err = reconcile.New(board, submit, "node-1").Round(ctx)
	assert.ErrorIs(t, err, reconcile.ErrNotLeader)
	assert.False(t, called)
}

func TestRoundRejectsStaleReports(t *testing.T) {
	board := reconcile.NewMemoryBoard()
	ctx := context.Background()
	old := report("shard-a", 100, 1)
	old.ReportedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, board.Publish(ctx, old))

	submit := reconcile.SubmitterFunc(func(context.Context, reconcile.Allocation) error { return nil })
	_, err := reconcile.New(board, submit, "node-1", reconcile.WithMaxReportAge(time.Hour)).Round(ctx)
	assert.ErrorIs(t, err, reconcile.ErrStaleReport)
}

func TestRoundRetriesFailedAllocationFromPlan(t *testing.T) {
	shards := map[string]*shard{
		"shard-a": newShard(t, "shard-a", 500_000),
		"shard-b": newShard(t, "shard-b", 300_000),
	}
	board := reconcile.NewMemoryBoard()
	ctx := context.Background()
	require.NoError(t, board.Publish(ctx, report("shard-a", 500_000, 10_000)))
	require.NoError(t, board.Publish(ctx, report("shard-b", 300_000, 3_000)))

	var mu sync.Mutex
	down := true
	credited := map[string]math.Int{}
	submit := reconcile.SubmitterFunc(func(ctx context.Context, a reconcile.Allocation) error {
		mu.Lock()
		defer mu.Unlock()
		if a.Shard == "shard-b" && down {
			return errors.New("rpc unavailable")
		}
		if _, err := shards[a.Shard].v.DistributeYield(ctx, rebalancer, a.Yield, math.ZeroInt(), a.Epoch, true); err != nil {
			return err
		}
		credited[a.Shard] = a.Yield
		return nil
	})
	r := reconcile.New(board, submit, "node-1")

	_, err := r.Round(ctx)
	require.Error(t, err)
	pending, ok, err := board.PendingPlan(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, pending.Allocations, 1)
	assert.Equal(t, "shard-b", pending.Allocations[0].Shard)
	assert.Equal(t, "1016250", pending.Rate.String())

	// a report published meanwhile waits for the pending plan to drain
	require.NoError(t, board.Publish(ctx, report("shard-a", 508_125, 50)))

	mu.Lock()
	down = false
	mu.Unlock()
	plan, err := r.Round(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)

	assert.Equal(t, "8125", credited["shard-a"].String())
	assert.Equal(t, "4875", credited["shard-b"].String())
	assert.Equal(t, "13000", credited["shard-a"].Add(credited["shard-b"]).String())
	assert.Equal(t, uint64(1), shards["shard-b"].v.LastEpoch())

	_, ok, err = board.PendingPlan(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	left, err := board.Reports(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "shard-a", left[0].Shard)
}

func TestRoundSkipsZeroAllocations(t *testing.T) {
	board := reconcile.NewMemoryBoard()
	ctx := context.Background()
	require.NoError(t, board.Publish(ctx, report("big", 1_000_000, 10_000)))
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		require.NoError(t, board.Publish(ctx, report(id, 1, 0)))
	}

	var mu sync.Mutex
	var calls []reconcile.Allocation
	submit := reconcile.SubmitterFunc(func(_ context.Context, a reconcile.Allocation) error {
		mu.Lock()
		calls = append(calls, a)
		mu.Unlock()
		return nil
	})
	plan, err := reconcile.New(board, submit, "node-1").Round(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 6)

	require.Len(t, calls, 1)
	assert.Equal(t, "big", calls[0].Shard)
	assert.Equal(t, "10000", calls[0].Yield.String())

	left, err := board.Reports(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	_, ok, err := board.PendingPlan(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	board := reconcile.NewMemoryBoard()
	rounds := make(chan struct{}, 8)
	require.NoError(t, board.Publish(context.Background(), report("shard-a", 100, 1)))
	submit := reconcile.SubmitterFunc(func(context.Context, reconcile.Allocation) error {
		rounds <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reconcile.New(board, submit, "node-1").Run(ctx, 5*time.Millisecond) }()

	select {
	case <-rounds:
	case <-time.After(2 * time.Second):
		t.Fatal("no round ran")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
