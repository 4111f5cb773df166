package vault

import (
	"context"

	"cosmossdk.io/math"

	"shareledger.dev/ysl/internal/types"
)

// Custody holds the base asset on behalf of the ledger. Implementations
// must apply a PushTo call with several payouts all-or-nothing.
type Custody interface {
	// PullFrom moves amount of the base asset from a holder into custody.
	PullFrom(ctx context.Context, from types.Address, amount math.Int) error
	// PushTo pays out of custody.
	PushTo(ctx context.Context, payouts ...types.Payout) error
	// Recover sends a non-base asset that ended up in custody to an address.
	Recover(ctx context.Context, asset string, amount math.Int, to types.Address) error
	// Treasury is the only account fee shares are minted to or burned from.
	Treasury() types.Address
}
