package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotLeader   = errors.New("another reconciler holds the leader lock")
	ErrStaleReport = errors.New("shard report is stale")
)

// Submitter applies an allocation to its shard as a profit distribution.
type Submitter interface {
	SubmitYield(ctx context.Context, a Allocation) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(context.Context, Allocation) error

func (f SubmitterFunc) SubmitYield(ctx context.Context, a Allocation) error { return f(ctx, a) }

// Reconciler runs rounds against a Board.
type Reconciler struct {
	board   Board
	submit  Submitter
	owner   string
	lockTTL time.Duration
	maxAge  time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Reconciler)

func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithMaxReportAge rejects a round when any report is older than age.
// Zero accepts reports of any age.
func WithMaxReportAge(age time.Duration) Option { return func(r *Reconciler) { r.maxAge = age } }

func WithLockTTL(ttl time.Duration) Option { return func(r *Reconciler) { r.lockTTL = ttl } }

func New(board Board, submit Submitter, owner string, opts ...Option) *Reconciler {
	r := &Reconciler{
		board:   board,
		submit:  submit,
		owner:   owner,
		lockTTL: time.Minute,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Round takes the leader lock and submits allocations. A plan left
// pending by an earlier round is resubmitted first; otherwise a new plan
// is computed from the published reports, saved, and the reports it
// consumed are cleared. Allocations that fail stay in the pending plan
// for the next round, so a retried shard receives the amount computed
// together with the other shards rather than its own raw yield.
func (r *Reconciler) Round(ctx context.Context) (Plan, error) {
	ok, err := r.board.AcquireLeader(ctx, r.owner, r.lockTTL)
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		return Plan{}, ErrNotLeader
	}
	defer func() {
		if err := r.board.ReleaseLeader(context.Background(), r.owner); err != nil {
			r.logger.Warn("release leader lock", zap.Error(err))
		}
	}()

	plan, pending, err := r.board.PendingPlan(ctx)
	if err != nil {
		return Plan{}, err
	}
	if pending {
		r.logger.Info("resubmitting pending allocations", zap.Int("shards", len(plan.Allocations)))
	} else {
		if plan, err = r.plan(ctx); err != nil {
			return Plan{}, err
		}
	}

	failed, submitErr := r.submitAll(ctx, plan.Allocations)
	if len(failed) == 0 {
		if err := r.board.ClearPlan(context.Background()); err != nil {
			r.logger.Warn("clear pending plan", zap.Error(err))
		}
		return plan, nil
	}
	rest := plan
	rest.Allocations = failed
	if err := r.board.SavePlan(context.Background(), rest); err != nil {
		r.logger.Error("save pending plan", zap.Error(err))
	}
	return plan, submitErr
}

// plan computes a fresh plan and moves it from the reports to the
// pending slot.
func (r *Reconciler) plan(ctx context.Context) (Plan, error) {
	reports, err := r.board.Reports(ctx)
	if err != nil {
		return Plan{}, err
	}
	if r.maxAge > 0 {
		now := r.now()
		for _, rep := range reports {
			if age := now.Sub(rep.ReportedAt); age > r.maxAge {
				return Plan{}, fmt.Errorf("shard %s reported %s ago: %w", rep.Shard, age.Round(time.Second), ErrStaleReport)
			}
		}
	}
	plan, err := Compute(reports)
	if err != nil {
		return Plan{}, err
	}
	r.logger.Info("reconcile plan",
		zap.Stringer("rate", plan.Rate),
		zap.Stringer("total_yield", plan.TotalYield),
		zap.Int("shards", len(plan.Allocations)))

	if err := r.board.SavePlan(ctx, plan); err != nil {
		return Plan{}, err
	}
	shards := make([]string, len(reports))
	for i, rep := range reports {
		shards[i] = rep.Shard
	}
	if err := r.board.Clear(ctx, shards...); err != nil {
		r.logger.Warn("clear reports", zap.Error(err))
	}
	return plan, nil
}

// submitAll submits every non-zero allocation concurrently and returns
// the ones that failed. Each submission runs to completion; one failure
// does not cancel the others.
func (r *Reconciler) submitAll(ctx context.Context, allocs []Allocation) ([]Allocation, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []Allocation
	)
	for _, a := range allocs {
		a := a
		if a.Yield.IsZero() {
			continue
		}
		g.Go(func() error {
			if err := r.submit.SubmitYield(ctx, a); err != nil {
				mu.Lock()
				failed = append(failed, a)
				mu.Unlock()
				return fmt.Errorf("submit %s to %s: %w", a.Yield, a.Shard, err)
			}
			r.logger.Info("allocation submitted",
				zap.String("shard", a.Shard),
				zap.Uint64("epoch", a.Epoch),
				zap.Stringer("yield", a.Yield))
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i].Shard < failed[j].Shard })
	return failed, err
}

// Run executes a round every interval until ctx is cancelled. Failed
// rounds are logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Round(ctx); err != nil && !errors.Is(err, ErrNotLeader) && !errors.Is(err, ErrNoReports) {
				r.logger.Error("reconcile round failed", zap.Error(err))
			}
		}
	}
}
