package vault

import (
	"context"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

var one = math.OneInt()

// convertToShares prices assets with one virtual share and one virtual
// asset unit so an empty ledger converts 1:1 and donations cannot move
// the rate far.
func (s *State) convertToShares(assets math.Int, now time.Time, r rounding) math.Int {
	return mulDiv(assets, s.TotalShares.Add(one), s.totalAssets(now).Add(one), r)
}

func (s *State) convertToAssets(shares math.Int, now time.Time, r rounding) math.Int {
	return mulDiv(shares, s.totalAssets(now).Add(one), s.TotalShares.Add(one), r)
}

func (s *State) balanceOf(addr types.Address) math.Int {
	if bal, ok := s.Balances[addr]; ok {
		return bal
	}
	return math.ZeroInt()
}

func (s *State) mint(to types.Address, shares math.Int) {
	s.Balances[to] = s.balanceOf(to).Add(shares)
	s.TotalShares = s.TotalShares.Add(shares)
}

func (s *State) burn(from types.Address, shares math.Int) error {
	bal := s.balanceOf(from)
	if bal.LT(shares) {
		return errorsmod.Wrapf(ErrInsufficientShares, "%s holds %s, needs %s", from, bal, shares)
	}
	if rest := bal.Sub(shares); rest.IsZero() {
		delete(s.Balances, from)
	} else {
		s.Balances[from] = rest
	}
	s.TotalShares = s.TotalShares.Sub(shares)
	return nil
}

func (s *State) previewDeposit(assets math.Int, now time.Time) (math.Int, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return math.Int{}, ErrInvalidAmount
	}
	net, _ := depositFee(s.convertToShares(assets, now, floor), s.Params.DepositFeeBps)
	return net, nil
}

func (s *State) previewMint(shares math.Int, now time.Time) (math.Int, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return math.Int{}, ErrInvalidAmount
	}
	gross := shares.Add(feeOnRaw(shares, s.Params.DepositFeeBps))
	return s.convertToAssets(gross, now, ceil), nil
}

func (s *State) previewRedeem(shares math.Int, now time.Time) (math.Int, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return math.Int{}, ErrInvalidAmount
	}
	net := shares.Sub(feeOnTotal(shares, s.Params.DepositFeeBps))
	return s.convertToAssets(net, now, floor), nil
}

func (s *State) previewWithdraw(assets math.Int, now time.Time) (math.Int, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return math.Int{}, ErrInvalidAmount
	}
	net := s.convertToShares(assets, now, ceil)
	return net.Add(feeOnRaw(net, s.Params.DepositFeeBps)), nil
}

// PreviewDeposit returns the net shares a deposit of assets would mint.
func (v *Vault) PreviewDeposit(assets math.Int) (math.Int, error) {
	return v.state.previewDeposit(assets, v.now())
}

// PreviewMint returns the assets needed for the receiver to get shares.
func (v *Vault) PreviewMint(shares math.Int) (math.Int, error) {
	return v.state.previewMint(shares, v.now())
}

// PreviewRedeem returns the assets a redemption of shares would freeze.
func (v *Vault) PreviewRedeem(shares math.Int) (math.Int, error) {
	return v.state.previewRedeem(shares, v.now())
}

// PreviewWithdraw returns the shares to burn to receive assets.
func (v *Vault) PreviewWithdraw(assets math.Int) (math.Int, error) {
	return v.state.previewWithdraw(assets, v.now())
}

func (v *Vault) TotalAssets() math.Int    { return v.state.totalAssets(v.now()) }
func (v *Vault) UnvestedAmount() math.Int { return v.state.unvestedAmount(v.now()) }
func (v *Vault) VirtualAssets() math.Int  { return v.state.VirtualAssets }
func (v *Vault) TotalSupply() math.Int    { return v.state.TotalShares }

func (v *Vault) TotalRequestedAmount() math.Int { return v.state.TotalRequestedAmount }

func (v *Vault) BalanceOf(addr types.Address) math.Int { return v.state.balanceOf(addr) }

// AssetsOf values the balance of addr at the current rate, rounded down.
func (v *Vault) AssetsOf(addr types.Address) math.Int {
	return v.state.convertToAssets(v.state.balanceOf(addr), v.now(), floor)
}

// ExchangeRate is the asset value of 10^ShareDecimals shares.
func (v *Vault) ExchangeRate() math.Int {
	return v.state.convertToAssets(math.NewIntWithDecimal(1, ShareDecimals), v.now(), floor)
}

// ExchangeRateScaled is the asset value of one share scaled by 1e18.
func (v *Vault) ExchangeRateScaled() math.Int {
	s := &v.state
	now := v.now()
	return mulDiv(RateScale, s.totalAssets(now).Add(one), s.TotalShares.Add(one), floor)
}

// Deposit pulls assets from caller into custody and mints the net shares
// to receiver. The deposit fee is minted to the treasury.
func (v *Vault) Deposit(ctx context.Context, caller types.Address, assets math.Int, receiver types.Address) (math.Int, error) {
	if err := v.enter(); err != nil {
		return math.Int{}, err
	}
	defer v.exit()
	if err := v.whenNotPaused(); err != nil {
		return math.Int{}, err
	}

	t := v.begin()
	shares, err := v.deposit(ctx, t, caller, assets, receiver, math.Int{})
	if err != nil {
		return math.Int{}, err
	}
	v.commit(t)
	v.logger.Info("deposit",
		zap.String("caller", caller.String()),
		zap.String("receiver", receiver.String()),
		zap.Stringer("assets", assets),
		zap.Stringer("shares", shares))
	return shares, nil
}

// Mint deposits whatever assets are needed for receiver to get exactly
// shares. It returns the assets pulled.
func (v *Vault) Mint(ctx context.Context, caller types.Address, shares math.Int, receiver types.Address) (math.Int, error) {
	if err := v.enter(); err != nil {
		return math.Int{}, err
	}
	defer v.exit()
	if err := v.whenNotPaused(); err != nil {
		return math.Int{}, err
	}

	t := v.begin()
	assets, err := t.st.previewMint(shares, t.now)
	if err != nil {
		return math.Int{}, err
	}
	if _, err := v.deposit(ctx, t, caller, assets, receiver, shares); err != nil {
		return math.Int{}, err
	}
	v.commit(t)
	v.logger.Info("mint",
		zap.String("caller", caller.String()),
		zap.String("receiver", receiver.String()),
		zap.Stringer("assets", assets),
		zap.Stringer("shares", shares))
	return assets, nil
}

// deposit stages a deposit. When exact is set the receiver gets exactly
// that many shares and the rest of the gross goes to the treasury.
func (v *Vault) deposit(ctx context.Context, t *txn, caller types.Address, assets math.Int, receiver types.Address, exact math.Int) (math.Int, error) {
	st := t.st
	if assets.IsNil() || !assets.IsPositive() {
		return math.Int{}, errorsmod.Wrap(ErrInvalidDeposit, "zero assets")
	}
	if receiver.Empty() {
		return math.Int{}, errorsmod.Wrap(ErrInvalidDeposit, "empty receiver")
	}

	gross := st.convertToShares(assets, t.now, floor)
	net, fee := depositFee(gross, st.Params.DepositFeeBps)
	if !exact.IsNil() {
		if gross.LT(exact) {
			return math.Int{}, errorsmod.Wrapf(ErrInvalidDeposit, "assets %s mint %s shares, want %s", assets, gross, exact)
		}
		net, fee = exact, gross.Sub(exact)
	}
	if net.IsZero() {
		return math.Int{}, errorsmod.Wrap(ErrInvalidDeposit, "zero shares")
	}
	if net.LT(st.Params.MinShares) {
		return math.Int{}, errorsmod.Wrapf(ErrInvalidMinShares, "%s < %s", net, st.Params.MinShares)
	}

	if err := v.custody.PullFrom(ctx, caller, assets); err != nil {
		return math.Int{}, errorsmod.Wrapf(ErrCustody, "pull %s from %s: %v", assets, caller, err)
	}

	st.VirtualAssets = st.VirtualAssets.Add(assets)
	st.mint(receiver, net)
	t.fees.mint(t, fee, "deposit")
	t.emit(types.EventDeposit,
		"caller", caller.String(),
		"receiver", receiver.String(),
		"assets", assets.String(),
		"shares", net.String(),
		"fee_shares", fee.String())
	v.logFee("deposit", fee)
	return net, nil
}

// Transfer moves shares between holders.
func (v *Vault) Transfer(ctx context.Context, caller, to types.Address, shares math.Int) error {
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	if err := v.whenNotPaused(); err != nil {
		return err
	}
	if to.Empty() {
		return errorsmod.Wrap(ErrInvalidAddress, "empty recipient")
	}
	if shares.IsNil() || !shares.IsPositive() {
		return ErrZeroAmount
	}

	t := v.begin()
	if err := t.st.burn(caller, shares); err != nil {
		return err
	}
	t.st.mint(to, shares)
	t.emit(types.EventTransfer,
		"from", caller.String(),
		"to", to.String(),
		"shares", shares.String())
	v.commit(t)
	v.logger.Info("transfer",
		zap.String("from", caller.String()),
		zap.String("to", to.String()),
		zap.Stringer("shares", shares))
	return nil
}
