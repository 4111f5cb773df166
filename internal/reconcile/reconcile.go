// Package reconcile keeps independently operated shards fair. Each shard
// reports its deposits and the yield it earned over a period; a single
// global rate is computed from all reports and every shard is sent the
// yield its deposits are owed at that rate, as an ordinary profit event
// with its next epoch.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"cosmossdk.io/math"
)

// Scale is the fixed-point scale of the global rate.
const Scale = 1_000_000

var (
	ErrNoReports     = errors.New("no shard reports")
	ErrNoDeposits    = errors.New("total deposits are zero")
	ErrInvalidReport = errors.New("invalid shard report")
)

// ShardReport is what a shard contributes to a round.
type ShardReport struct {
	Shard      string    `json:"shard"`
	Deposits   math.Int  `json:"deposits"`
	Yield      math.Int  `json:"yield"`
	NextEpoch  uint64    `json:"next_epoch"`
	ReportedAt time.Time `json:"reported_at"`
}

// Allocation is the yield to distribute on one shard.
type Allocation struct {
	Shard string   `json:"shard"`
	Yield math.Int `json:"yield"`
	Epoch uint64   `json:"epoch"`
}

// Plan is the outcome of one round.
type Plan struct {
	Rate        math.Int     `json:"rate"`
	TotalYield  math.Int     `json:"total_yield"`
	Allocations []Allocation `json:"allocations"`
}

// Compute derives the global rate R = (ΣD + ΣY) * Scale / ΣD and each
// shard's owed yield Vᵢ = R * Dᵢ / Scale − Dᵢ. Truncation leaves
// ΣY − ΣV undistributed; that remainder goes to the shard with the largest
// deposits so the allocations always sum to the reported yield.
// Allocations are ordered by shard id.
func Compute(reports []ShardReport) (Plan, error) {
	if len(reports) == 0 {
		return Plan{}, ErrNoReports
	}
	seen := make(map[string]bool, len(reports))
	sumD, sumY := math.ZeroInt(), math.ZeroInt()
	for _, r := range reports {
		switch {
		case r.Shard == "":
			return Plan{}, fmt.Errorf("empty shard id: %w", ErrInvalidReport)
		case seen[r.Shard]:
			return Plan{}, fmt.Errorf("shard %s reported twice: %w", r.Shard, ErrInvalidReport)
		case r.Deposits.IsNil() || r.Deposits.IsNegative():
			return Plan{}, fmt.Errorf("shard %s deposits: %w", r.Shard, ErrInvalidReport)
		case r.Yield.IsNil() || r.Yield.IsNegative():
			return Plan{}, fmt.Errorf("shard %s yield: %w", r.Shard, ErrInvalidReport)
		}
		seen[r.Shard] = true
		sumD = sumD.Add(r.Deposits)
		sumY = sumY.Add(r.Yield)
	}
	if sumD.IsZero() {
		return Plan{}, ErrNoDeposits
	}

	scale := math.NewInt(Scale)
	rate := sumD.Add(sumY).Mul(scale).Quo(sumD)

	sorted := append([]ShardReport(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Shard < sorted[j].Shard })

	plan := Plan{Rate: rate, TotalYield: sumY, Allocations: make([]Allocation, len(sorted))}
	distributed := math.ZeroInt()
	largest := 0
	for i, r := range sorted {
		owed := rate.Mul(r.Deposits).Quo(scale).Sub(r.Deposits)
		plan.Allocations[i] = Allocation{Shard: r.Shard, Yield: owed, Epoch: r.NextEpoch}
		distributed = distributed.Add(owed)
		if r.Deposits.GT(sorted[largest].Deposits) {
			largest = i
		}
	}
	if rest := sumY.Sub(distributed); !rest.IsZero() {
		a := &plan.Allocations[largest]
		a.Yield = a.Yield.Add(rest)
	}
	return plan, nil
}
