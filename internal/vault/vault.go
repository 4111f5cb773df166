// Package vault implements one shard of the yield-bearing share ledger:
// exchange-rate accounting with linear yield vesting, the two-phase
// redemption registry, the epoch-gated yield distribution engine and fee
// settlement against the treasury.
//
// A Vault is a single-threaded aggregate. Every mutating operation stages
// its changes on a copy of the state, performs custody transfers, and only
// then commits, so a failed call leaves no observable effect. Callers that
// share a Vault between goroutines must serialise access themselves.
package vault

import (
	"errors"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

// Params are the administrator-tunable settings of a shard.
type Params struct {
	DepositFeeBps           uint32        `json:"deposit_fee_bps" yaml:"deposit_fee_bps"`
	CooldownPeriod          time.Duration `json:"cooldown_period" yaml:"cooldown_period"`
	VestingPeriod           time.Duration `json:"vesting_period" yaml:"vesting_period"`
	MinDistributionInterval time.Duration `json:"min_distribution_interval" yaml:"min_distribution_interval"`
	MaxYieldBps             uint32        `json:"max_yield_bps" yaml:"max_yield_bps"`
	MaxFeeBps               uint32        `json:"max_fee_bps" yaml:"max_fee_bps"`
	MinShares               math.Int      `json:"min_shares" yaml:"-"`
	MaxRedeemCap            math.Int      `json:"max_redeem_cap" yaml:"-"`
}

const (
	MaxCooldownPeriod = 7 * 24 * time.Hour
	MaxVestingPeriod  = 30 * 24 * time.Hour
)

// DefaultParams returns the parameters of a freshly deployed shard.
func DefaultParams() Params {
	return Params{
		DepositFeeBps:           0,
		CooldownPeriod:          MaxCooldownPeriod,
		VestingPeriod:           8 * time.Hour,
		MinDistributionInterval: time.Hour,
		MaxYieldBps:             1_000,
		MaxFeeBps:               2_000,
		MinShares:               math.ZeroInt(),
		MaxRedeemCap:            math.ZeroInt(),
	}
}

// Validate checks every bound an administrator setter would enforce.
func (p Params) Validate() error {
	switch {
	case p.DepositFeeBps > MaxDepositFeeBps:
		return errorsmod.Wrapf(ErrFeeTooHigh, "deposit fee %d bps", p.DepositFeeBps)
	case p.CooldownPeriod < 0 || p.CooldownPeriod > MaxCooldownPeriod:
		return errorsmod.Wrapf(ErrPeriodTooLong, "cooldown %s", p.CooldownPeriod)
	case p.VestingPeriod < 0 || p.VestingPeriod > MaxVestingPeriod:
		return errorsmod.Wrapf(ErrPeriodTooLong, "vesting %s", p.VestingPeriod)
	case p.MinDistributionInterval < 0:
		return errorsmod.Wrapf(ErrInvalidParam, "min distribution interval %s", p.MinDistributionInterval)
	case p.MaxYieldBps > BasisPoints:
		return errorsmod.Wrapf(ErrPercentageTooHigh, "max yield %d bps", p.MaxYieldBps)
	case p.MaxFeeBps > BasisPoints:
		return errorsmod.Wrapf(ErrPercentageTooHigh, "max fee %d bps", p.MaxFeeBps)
	case p.MinShares.IsNil() || p.MinShares.IsNegative():
		return errorsmod.Wrap(ErrInvalidAmount, "min shares")
	case p.MaxRedeemCap.IsNil() || p.MaxRedeemCap.IsNegative():
		return errorsmod.Wrap(ErrInvalidAmount, "max redeem cap")
	}
	return nil
}

// State is the complete persisted state of one shard.
type State struct {
	ShardID string `json:"shard_id"`
	Params  Params `json:"params"`

	VirtualAssets             math.Int                   `json:"virtual_assets"`
	TotalShares               math.Int                   `json:"total_shares"`
	Balances                  map[types.Address]math.Int `json:"balances"`
	VestingAmount             math.Int                   `json:"vesting_amount"`
	LastDistributionTimestamp time.Time                  `json:"last_distribution_timestamp"`

	TotalRequestedAmount math.Int                              `json:"total_requested_amount"`
	Requests             map[types.Address]types.RedeemRequest `json:"requests"`

	LastEpoch            uint64          `json:"last_epoch"`
	ProofHashes          map[string]bool `json:"proof_hashes"`
	LastDistributionTime time.Time       `json:"last_distribution_time"`
	ProfitAccumulator    math.Int        `json:"profit_accumulator"`
	LossAccumulator      math.Int        `json:"loss_accumulator"`

	Paused bool `json:"paused"`
}

// NewState returns the empty state of a new shard.
func NewState(shardID string, params Params) State {
	return State{
		ShardID:              shardID,
		Params:               params,
		VirtualAssets:        math.ZeroInt(),
		TotalShares:          math.ZeroInt(),
		Balances:             make(map[types.Address]math.Int),
		VestingAmount:        math.ZeroInt(),
		TotalRequestedAmount: math.ZeroInt(),
		Requests:             make(map[types.Address]types.RedeemRequest),
		ProofHashes:          make(map[string]bool),
		ProfitAccumulator:    math.ZeroInt(),
		LossAccumulator:      math.ZeroInt(),
	}
}

func (s *State) clone() *State {
	c := *s
	c.Balances = make(map[types.Address]math.Int, len(s.Balances))
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	c.Requests = make(map[types.Address]types.RedeemRequest, len(s.Requests))
	for k, v := range s.Requests {
		c.Requests[k] = v
	}
	c.ProofHashes = make(map[string]bool, len(s.ProofHashes))
	for k, v := range s.ProofHashes {
		c.ProofHashes[k] = v
	}
	return &c
}

// Check verifies the bookkeeping cross-checks of a state: supply equals
// the sum of balances and the requested total equals the sum of open
// requests.
func (s *State) Check() error {
	sum := math.ZeroInt()
	for holder, bal := range s.Balances {
		if bal.IsNil() || !bal.IsPositive() {
			return fmt.Errorf("balance of %s is not positive", holder)
		}
		sum = sum.Add(bal)
	}
	if !sum.Equal(s.TotalShares) {
		return fmt.Errorf("total shares %s != sum of balances %s", s.TotalShares, sum)
	}
	requested := math.ZeroInt()
	for _, req := range s.Requests {
		requested = requested.Add(req.Assets)
	}
	if !requested.Equal(s.TotalRequestedAmount) {
		return fmt.Errorf("total requested %s != sum of requests %s", s.TotalRequestedAmount, requested)
	}
	if s.VirtualAssets.IsNegative() {
		return errors.New("virtual assets are negative")
	}
	return s.Params.Validate()
}

// EventSink receives events after the transition that produced them commits.
type EventSink interface {
	Emit(types.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(types.Event)

func (f EventSinkFunc) Emit(e types.Event) { f(e) }

// Vault is one shard's ledger.
type Vault struct {
	state     State
	baseAsset string
	logger    *zap.Logger
	now       func() time.Time
	auth      Authorizer
	custody   Custody
	sink      EventSink
	entered   bool
}

// Option configures a Vault.
type Option func(*Vault)

func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithClock replaces time.Now. The ABCI application passes the block time.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func WithAuthorizer(a Authorizer) Option {
	return func(v *Vault) { v.auth = a }
}

func WithCustody(c Custody) Option {
	return func(v *Vault) { v.custody = c }
}

func WithEventSink(s EventSink) Option {
	return func(v *Vault) { v.sink = s }
}

// WithBaseAsset names the asset held in custody; EmergencyRecover refuses it.
func WithBaseAsset(asset string) Option {
	return func(v *Vault) { v.baseAsset = asset }
}

// WithParams overrides DefaultParams for a new shard.
func WithParams(p Params) Option {
	return func(v *Vault) { v.state.Params = p }
}

// New builds an empty shard ledger.
func New(shardID string, opts ...Option) (*Vault, error) {
	if shardID == "" {
		return nil, errors.New("shard id is required")
	}
	v := &Vault{
		state:     NewState(shardID, DefaultParams()),
		baseAsset: "base",
		logger:    zap.NewNop(),
		now:       time.Now,
		auth:      NewRoleTable(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.custody == nil {
		return nil, errors.New("custody is required")
	}
	if err := v.state.Params.Validate(); err != nil {
		return nil, fmt.Errorf("validate params: %w", err)
	}
	v.logger = v.logger.With(zap.String("shard", shardID))
	return v, nil
}

// Export returns a deep copy of the state.
func (v *Vault) Export() State {
	return *v.state.clone()
}

// Restore replaces the state with a previously exported one.
func (v *Vault) Restore(s State) error {
	if s.ShardID != v.state.ShardID {
		return fmt.Errorf("snapshot belongs to shard %q, not %q", s.ShardID, v.state.ShardID)
	}
	if s.Balances == nil {
		s.Balances = make(map[types.Address]math.Int)
	}
	if s.Requests == nil {
		s.Requests = make(map[types.Address]types.RedeemRequest)
	}
	if s.ProofHashes == nil {
		s.ProofHashes = make(map[string]bool)
	}
	if err := s.Check(); err != nil {
		return fmt.Errorf("check snapshot: %w", err)
	}
	v.state = *s.clone()
	return nil
}

func (v *Vault) ShardID() string         { return v.state.ShardID }
func (v *Vault) BaseAsset() string       { return v.baseAsset }
func (v *Vault) Params() Params          { return v.state.Params }
func (v *Vault) Paused() bool            { return v.state.Paused }
func (v *Vault) LastEpoch() uint64       { return v.state.LastEpoch }
func (v *Vault) Treasury() types.Address { return v.custody.Treasury() }

// enter acquires the re-entry lock held for the duration of a mutating call.
func (v *Vault) enter() error {
	if v.entered {
		return ErrReentrantCall
	}
	v.entered = true
	return nil
}

func (v *Vault) exit() { v.entered = false }

func (v *Vault) whenNotPaused() error {
	if v.state.Paused {
		return ErrPaused
	}
	return nil
}

func (v *Vault) requireRole(role types.Role, caller types.Address, op string) error {
	if v.auth.HasRole(role, caller) {
		return nil
	}
	v.logger.Warn("rejected privileged call",
		zap.String("op", op),
		zap.String("caller", caller.String()),
		zap.String("role", string(role)))
	return errorsmod.Wrapf(ErrUnauthorized, "%s requires %s", op, role)
}

// txn is a staged transition: a copy of the state plus the events it will
// emit once committed.
type txn struct {
	st     *State
	now    time.Time
	fees   feeSettlement
	events []types.Event
}

func (v *Vault) begin() *txn {
	return &txn{
		st:   v.state.clone(),
		now:  v.now(),
		fees: feeSettlement{treasury: v.custody.Treasury()},
	}
}

func (t *txn) emit(kind types.EventKind, kv ...string) {
	attrs := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	t.events = append(t.events, types.Event{
		Kind:       kind,
		Shard:      t.st.ShardID,
		Time:       t.now,
		Attributes: attrs,
	})
}

func (v *Vault) commit(t *txn) {
	v.state = *t.st
	if v.sink == nil {
		return
	}
	for _, e := range t.events {
		v.sink.Emit(e)
	}
}
