// Package custody provides the in-process custody of the base asset used
// by a shard node: holder wallets, the pool held on behalf of the ledger
// and any stray assets sent to it.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cosmossdk.io/math"

	"shareledger.dev/ysl/internal/types"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Snapshot is the persisted form of a Memory custody.
type Snapshot struct {
	Wallets map[types.Address]math.Int `json:"wallets"`
	Held    math.Int                   `json:"held"`
	Stray   map[string]math.Int        `json:"stray,omitempty"`
}

// Memory keeps custody balances in memory. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	treasury types.Address
	wallets  map[types.Address]math.Int
	held     math.Int
	stray    map[string]math.Int
}

func NewMemory(treasury types.Address) *Memory {
	return &Memory{
		treasury: treasury,
		wallets:  make(map[types.Address]math.Int),
		held:     math.ZeroInt(),
		stray:    make(map[string]math.Int),
	}
}

func (m *Memory) Treasury() types.Address { return m.treasury }

// Credit adds base asset to a holder wallet.
func (m *Memory) Credit(addr types.Address, amount math.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[addr] = m.walletLocked(addr).Add(amount)
}

// Fund adds base asset directly to the pool, e.g. liquidity returned from
// deployed capital.
func (m *Memory) Fund(amount math.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = m.held.Add(amount)
}

// Receive records a non-base asset arriving in custody.
func (m *Memory) Receive(asset string, amount math.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.stray[asset]
	if !ok {
		bal = math.ZeroInt()
	}
	m.stray[asset] = bal.Add(amount)
}

func (m *Memory) Wallet(addr types.Address) math.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletLocked(addr)
}

func (m *Memory) Held() math.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *Memory) walletLocked(addr types.Address) math.Int {
	if bal, ok := m.wallets[addr]; ok {
		return bal
	}
	return math.ZeroInt()
}

func (m *Memory) PullFrom(ctx context.Context, from types.Address, amount math.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.walletLocked(from)
	if bal.LT(amount) {
		return fmt.Errorf("pull %s from %s holding %s: %w", amount, from, bal, ErrInsufficientFunds)
	}
	m.wallets[from] = bal.Sub(amount)
	m.held = m.held.Add(amount)
	return nil
}

// PushTo pays every payout or none of them.
func (m *Memory) PushTo(ctx context.Context, payouts ...types.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	total := math.ZeroInt()
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	if m.held.LT(total) {
		return fmt.Errorf("push %s holding %s: %w", total, m.held, ErrInsufficientFunds)
	}
	for _, p := range payouts {
		m.wallets[p.To] = m.walletLocked(p.To).Add(p.Amount)
	}
	m.held = m.held.Sub(total)
	return nil
}

func (m *Memory) Recover(ctx context.Context, asset string, amount math.Int, to types.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.stray[asset]
	if !ok || bal.LT(amount) {
		return fmt.Errorf("recover %s %s: %w", amount, asset, ErrInsufficientFunds)
	}
	if rest := bal.Sub(amount); rest.IsZero() {
		delete(m.stray, asset)
	} else {
		m.stray[asset] = rest
	}
	return nil
}

func (m *Memory) Export() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Wallets: make(map[types.Address]math.Int, len(m.wallets)),
		Held:    m.held,
		Stray:   make(map[string]math.Int, len(m.stray)),
	}
	for k, v := range m.wallets {
		s.Wallets[k] = v
	}
	for k, v := range m.stray {
		s.Stray[k] = v
	}
	return s
}

func (m *Memory) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = make(map[types.Address]math.Int, len(s.Wallets))
	for k, v := range s.Wallets {
		m.wallets[k] = v
	}
	m.stray = make(map[string]math.Int, len(s.Stray))
	for k, v := range s.Stray {
		m.stray[k] = v
	}
	m.held = math.ZeroInt()
	if !s.Held.IsNil() {
		m.held = s.Held
	}
}
