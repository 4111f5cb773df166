package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Board is where shards publish reports and where the reconciler takes
// its leader lock, so only one reconciler runs a round at a time. It also
// keeps the allocations of the current plan that are not yet applied.
type Board interface {
	Publish(ctx context.Context, r ShardReport) error
	Reports(ctx context.Context) ([]ShardReport, error)
	Clear(ctx context.Context, shards ...string) error
	SavePlan(ctx context.Context, p Plan) error
	// PendingPlan reports false when no plan is outstanding.
	PendingPlan(ctx context.Context) (Plan, bool, error)
	ClearPlan(ctx context.Context) error
	AcquireLeader(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLeader(ctx context.Context, owner string) error
}

// MemoryBoard is a Board for a single process.
type MemoryBoard struct {
	mu          sync.Mutex
	reports     map[string]ShardReport
	pending     *Plan
	leader      string
	leaderUntil time.Time
	now         func() time.Time
}

func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{reports: make(map[string]ShardReport), now: time.Now}
}

func (b *MemoryBoard) Publish(_ context.Context, r ShardReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports[r.Shard] = r
	return nil
}

func (b *MemoryBoard) Reports(_ context.Context) ([]ShardReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ShardReport, 0, len(b.reports))
	for _, r := range b.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

func (b *MemoryBoard) Clear(_ context.Context, shards ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range shards {
		delete(b.reports, s)
	}
	return nil
}

func (b *MemoryBoard) SavePlan(_ context.Context, p Plan) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Allocations = append([]Allocation(nil), p.Allocations...)
	b.pending = &p
	return nil
}

func (b *MemoryBoard) PendingPlan(_ context.Context) (Plan, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Plan{}, false, nil
	}
	p := *b.pending
	p.Allocations = append([]Allocation(nil), p.Allocations...)
	return p, true, nil
}

func (b *MemoryBoard) ClearPlan(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	return nil
}

func (b *MemoryBoard) AcquireLeader(_ context.Context, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.leader != "" && b.leader != owner && now.Before(b.leaderUntil) {
		return false, nil
	}
	b.leader, b.leaderUntil = owner, now.Add(ttl)
	return true, nil
}

func (b *MemoryBoard) ReleaseLeader(_ context.Context, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leader == owner {
		b.leader = ""
	}
	return nil
}
