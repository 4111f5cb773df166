package vault

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

// GetRedeemRequest returns the open request of holder, if any.
func (v *Vault) GetRedeemRequest(holder types.Address) (types.RedeemRequest, bool) {
	req, ok := v.state.Requests[holder]
	return req, ok
}

// CanExecuteRedeem reports whether the cooldown of holder's request is over.
func (v *Vault) CanExecuteRedeem(holder types.Address) bool {
	req, ok := v.state.Requests[holder]
	if !ok || !req.Exists {
		return false
	}
	return !v.now().Before(req.Timestamp.Add(v.state.Params.CooldownPeriod))
}

// RequestRedeem burns shares now and freezes the assets they are worth.
// The assets are paid out by Withdraw, Redeem or RedeemFor.
func (v *Vault) RequestRedeem(ctx context.Context, holder types.Address, shares math.Int) (types.RedeemRequest, error) {
	if err := v.enter(); err != nil {
		return types.RedeemRequest{}, err
	}
	defer v.exit()
	if err := v.whenNotPaused(); err != nil {
		return types.RedeemRequest{}, err
	}

	t := v.begin()
	st := t.st
	if _, ok := st.Requests[holder]; ok {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrRedemptionRequestAlreadyExists, "holder %s", holder)
	}
	if shares.IsNil() || !shares.IsPositive() {
		return types.RedeemRequest{}, ErrZeroAmount
	}
	if bal := st.balanceOf(holder); bal.LT(shares) {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrInsufficientShares, "%s holds %s, requested %s", holder, bal, shares)
	}

	fee := feeOnTotal(shares, st.Params.DepositFeeBps)
	assets := st.convertToAssets(shares.Sub(fee), t.now, floor)
	if total := st.totalAssets(t.now); assets.IsZero() || assets.GT(total) {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrInsufficientAssets, "redeem %s of %s", assets, total)
	}
	if limit := st.Params.MaxRedeemCap; limit.IsPositive() && assets.GT(limit) {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrMaxRedeemCapExceeded, "%s > %s", assets, limit)
	}

	if err := st.burn(holder, shares); err != nil {
		return types.RedeemRequest{}, err
	}
	t.fees.mint(t, fee, "redeem")
	st.VirtualAssets = st.VirtualAssets.Sub(assets)
	st.TotalRequestedAmount = st.TotalRequestedAmount.Add(assets)
	req := types.RedeemRequest{
		Shares:    shares,
		Assets:    assets,
		Timestamp: t.now,
		Exists:    true,
	}
	st.Requests[holder] = req
	t.emit(types.EventRedeemRequested,
		"holder", holder.String(),
		"shares", shares.String(),
		"assets", assets.String(),
		"fee_shares", fee.String())
	v.commit(t)

	v.logger.Info("redeem requested",
		zap.String("holder", holder.String()),
		zap.Stringer("shares", shares),
		zap.Stringer("assets", assets))
	v.logFee("redeem", fee)
	return req, nil
}

// Withdraw settles owner's request once the cooldown is over. assets must
// equal the frozen amount. It returns the shares that were burned.
func (v *Vault) Withdraw(ctx context.Context, caller types.Address, assets math.Int, receiver, owner types.Address) (math.Int, error) {
	req, err := v.settleByOwner(ctx, caller, receiver, owner, func(req types.RedeemRequest) bool {
		return !assets.IsNil() && assets.Equal(req.Assets)
	})
	if err != nil {
		return math.Int{}, err
	}
	return req.Shares, nil
}

// Redeem settles owner's request once the cooldown is over. shares must
// equal the burned amount. It returns the assets paid.
func (v *Vault) Redeem(ctx context.Context, caller types.Address, shares math.Int, receiver, owner types.Address) (math.Int, error) {
	req, err := v.settleByOwner(ctx, caller, receiver, owner, func(req types.RedeemRequest) bool {
		return !shares.IsNil() && shares.Equal(req.Shares)
	})
	if err != nil {
		return math.Int{}, err
	}
	return req.Assets, nil
}

func (v *Vault) settleByOwner(ctx context.Context, caller, receiver, owner types.Address, matches func(types.RedeemRequest) bool) (types.RedeemRequest, error) {
	if err := v.enter(); err != nil {
		return types.RedeemRequest{}, err
	}
	defer v.exit()
	if err := v.whenNotPaused(); err != nil {
		return types.RedeemRequest{}, err
	}
	if caller != owner {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrOnlyOwner, "caller %s, owner %s", caller, owner)
	}
	if receiver.Empty() {
		return types.RedeemRequest{}, errorsmod.Wrap(ErrInvalidAddress, "empty receiver")
	}

	t := v.begin()
	req, ok := t.st.Requests[owner]
	if !ok {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrNoRedemptionRequest, "owner %s", owner)
	}
	if unlock := req.Timestamp.Add(t.st.Params.CooldownPeriod); t.now.Before(unlock) {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrCooldownNotFinished, "settleable at %s", unlock.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if !matches(req) {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrInvalidWithdrawalRequest, "request is %s shares for %s assets", req.Shares, req.Assets)
	}

	v.settle(t, owner, receiver, req)
	if err := v.custody.PushTo(ctx, types.Payout{To: receiver, Amount: req.Assets}); err != nil {
		return types.RedeemRequest{}, errorsmod.Wrapf(ErrCustody, "pay %s to %s: %v", req.Assets, receiver, err)
	}
	v.commit(t)
	v.logger.Info("redeem settled",
		zap.String("owner", owner.String()),
		zap.String("receiver", receiver.String()),
		zap.Stringer("assets", req.Assets))
	return req, nil
}

// RedeemFor settles holder's request without waiting for the cooldown and
// pays the holder. Only an operator may call it; it works while paused.
func (v *Vault) RedeemFor(ctx context.Context, caller, holder types.Address) (math.Int, error) {
	if err := v.enter(); err != nil {
		return math.Int{}, err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleOperator, caller, "redeemFor"); err != nil {
		return math.Int{}, err
	}

	t := v.begin()
	req, ok := t.st.Requests[holder]
	if !ok {
		return math.Int{}, errorsmod.Wrapf(ErrNoRedemptionRequest, "holder %s", holder)
	}
	v.settle(t, holder, holder, req)
	if err := v.custody.PushTo(ctx, types.Payout{To: holder, Amount: req.Assets}); err != nil {
		return math.Int{}, errorsmod.Wrapf(ErrCustody, "pay %s to %s: %v", req.Assets, holder, err)
	}
	v.commit(t)
	v.logger.Info("redeem settled by operator",
		zap.String("operator", caller.String()),
		zap.String("holder", holder.String()),
		zap.Stringer("assets", req.Assets))
	return req.Assets, nil
}

// RedeemForBatch settles several holders at once. expected[i] must equal
// the frozen assets of holders[i]; any mismatch aborts the whole batch.
func (v *Vault) RedeemForBatch(ctx context.Context, caller types.Address, holders []types.Address, expected []math.Int) (math.Int, error) {
	if err := v.enter(); err != nil {
		return math.Int{}, err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleOperator, caller, "redeemForBatch"); err != nil {
		return math.Int{}, err
	}
	if len(holders) != len(expected) {
		return math.Int{}, errorsmod.Wrapf(ErrLengthMismatch, "%d holders, %d amounts", len(holders), len(expected))
	}
	if len(holders) == 0 {
		return math.Int{}, errorsmod.Wrap(ErrZeroAmount, "empty batch")
	}

	t := v.begin()
	total := math.ZeroInt()
	payouts := make([]types.Payout, 0, len(holders))
	for i, holder := range holders {
		req, ok := t.st.Requests[holder]
		if !ok {
			return math.Int{}, errorsmod.Wrapf(ErrNoRedemptionRequest, "holder %s", holder)
		}
		if expected[i].IsNil() || !expected[i].Equal(req.Assets) {
			return math.Int{}, errorsmod.Wrapf(ErrInvalidWithdrawalRequest, "holder %s: request is for %s assets", holder, req.Assets)
		}
		v.settle(t, holder, holder, req)
		payouts = append(payouts, types.Payout{To: holder, Amount: req.Assets})
		total = total.Add(req.Assets)
	}
	if err := v.custody.PushTo(ctx, payouts...); err != nil {
		return math.Int{}, errorsmod.Wrapf(ErrCustody, "pay batch of %d: %v", len(payouts), err)
	}
	v.commit(t)
	v.logger.Info("redeem batch settled by operator",
		zap.String("operator", caller.String()),
		zap.Int("holders", len(holders)),
		zap.Stringer("assets", total))
	return total, nil
}

// settle stages the removal of a request.
func (v *Vault) settle(t *txn, owner, receiver types.Address, req types.RedeemRequest) {
	t.st.TotalRequestedAmount = t.st.TotalRequestedAmount.Sub(req.Assets)
	delete(t.st.Requests, owner)
	t.emit(types.EventRedeemSettled,
		"owner", owner.String(),
		"receiver", receiver.String(),
		"shares", req.Shares.String(),
		"assets", req.Assets.String())
}
