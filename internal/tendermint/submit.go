package tendermint

import (
	"context"
	"fmt"

	"cosmossdk.io/math"

	"shareledger.dev/ysl/internal/identity"
	"shareledger.dev/ysl/internal/reconcile"
	"shareledger.dev/ysl/internal/types"
)

// YieldSubmitter signs reconciled allocations as rebalancer transactions
// and commits them on the owning shard.
type YieldSubmitter struct {
	id      *identity.Identity
	clients map[string]*BroadcastClient
	feeBps  uint32
}

// NewYieldSubmitter maps shard ids to RPC addresses. feeBps of each
// allocation is charged as the performance fee.
func NewYieldSubmitter(id *identity.Identity, shards map[string]string, feeBps uint32) (*YieldSubmitter, error) {
	if id == nil {
		return nil, fmt.Errorf("rebalancer identity is required")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("fee of %d bps exceeds 100%%", feeBps)
	}
	clients := make(map[string]*BroadcastClient, len(shards))
	for shard, addr := range shards {
		clients[shard] = NewBroadcastClient(addr)
	}
	return &YieldSubmitter{id: id, clients: clients, feeBps: feeBps}, nil
}

// SubmitYield implements reconcile.Submitter.
func (s *YieldSubmitter) SubmitYield(ctx context.Context, a reconcile.Allocation) error {
	client, ok := s.clients[a.Shard]
	if !ok {
		return fmt.Errorf("no RPC address for shard %s", a.Shard)
	}
	fee := a.Yield.Mul(math.NewInt(int64(s.feeBps))).Quo(math.NewInt(10_000))
	tx, err := types.NewTransaction(types.TxDistributeYield, types.DistributeYieldPayload{
		Amount:    a.Yield,
		FeeAmount: fee,
		Epoch:     a.Epoch,
		IsProfit:  true,
	})
	if err != nil {
		return err
	}
	stx, err := tx.Sign(s.id)
	if err != nil {
		return err
	}
	if _, err := client.BroadcastSignedTransaction(ctx, stx, true); err != nil {
		return fmt.Errorf("distribute epoch %d: %w", a.Epoch, err)
	}
	return nil
}

var _ reconcile.Submitter = (*YieldSubmitter)(nil)
