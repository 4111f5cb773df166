// Package types defines the domain models shared across ysl: holder
// addresses, roles, redemption requests, distribution receipts and the
// events emitted by a shard ledger.
package types

import (
	"time"

	"cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Version is the current version of ysl
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// Address identifies a holder or privileged caller. Signed transactions use
// the hex-encoded ed25519 public key of the signer.
type Address string

// Empty reports whether the address is unset.
func (a Address) Empty() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Role is one of the closed set of capabilities checked by the ledger.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleRebalancer Role = "rebalancer"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleOperator, RoleRebalancer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// RedeemRequest is a pending burn-now/settle-later redemption. Assets is
// frozen at request time and is what settlement pays out.
type RedeemRequest struct {
	Shares    math.Int  `json:"shares"`
	Assets    math.Int  `json:"assets"`
	Timestamp time.Time `json:"timestamp"`
	Exists    bool      `json:"exists"`
}

// Distribution is the receipt of an accepted yield event.
type Distribution struct {
	Shard     string    `json:"shard"`
	Epoch     uint64    `json:"epoch"`
	Amount    math.Int  `json:"amount"`
	FeeAmount math.Int  `json:"fee_amount"`
	FeeShares math.Int  `json:"fee_shares"`
	IsProfit  bool      `json:"is_profit"`
	ProofHash string    `json:"proof_hash"`
	Time      time.Time `json:"time"`
}

// EventKind names a committed ledger transition.
type EventKind string

const (
	EventDeposit          EventKind = "deposit"
	EventTransfer         EventKind = "transfer"
	EventRedeemRequested  EventKind = "redeem_requested"
	EventRedeemSettled    EventKind = "redeem_settled"
	EventYieldDistributed EventKind = "yield_distributed"
	EventFeeMinted        EventKind = "fee_minted"
	EventFeeBurned        EventKind = "fee_burned"
	EventParamsUpdated    EventKind = "params_updated"
	EventPaused           EventKind = "paused"
	EventUnpaused         EventKind = "unpaused"
	EventEmergencyRecover EventKind = "emergency_recover"
)

// Event is emitted after a ledger transition commits.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Shard      string            `json:"shard"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FormatAmount renders an integer amount of base units as a decimal string
// with the given number of decimals, e.g. 1016250 with 6 decimals is
// "1.01625".
func FormatAmount(amount math.Int, decimals int32) string {
	if amount.IsNil() {
		return "0"
	}
	return decimal.NewFromBigInt(amount.BigInt(), -decimals).String()
}

// ParseAmount parses a decimal base-unit string.
func ParseAmount(s string) (math.Int, bool) {
	amt, ok := math.NewIntFromString(s)
	if !ok || amt.IsNegative() {
		return math.Int{}, false
	}
	return amt, true
}

// Payout is one transfer out of custody.
type Payout struct {
	To     Address  `json:"to"`
	Amount math.Int `json:"amount"`
}
