package vault

import (
	"cosmossdk.io/math"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

// feeSettlement turns fee amounts into share mints and burns against the
// treasury, which is the only account it ever touches.
type feeSettlement struct {
	treasury types.Address
}

// mint issues fee shares to the treasury.
func (f feeSettlement) mint(t *txn, shares math.Int, reason string) {
	if !shares.IsPositive() {
		return
	}
	t.st.mint(f.treasury, shares)
	t.emit(types.EventFeeMinted,
		"treasury", f.treasury.String(),
		"shares", shares.String(),
		"reason", reason)
}

// burn removes up to shares from the treasury and returns what was burned.
// A treasury holding less than the requested amount is emptied.
func (f feeSettlement) burn(t *txn, shares math.Int, reason string) math.Int {
	bal := t.st.balanceOf(f.treasury)
	if !shares.IsPositive() || !bal.IsPositive() {
		return math.ZeroInt()
	}
	burned := math.MinInt(shares, bal)
	// burned never exceeds the balance
	_ = t.st.burn(f.treasury, burned)
	t.emit(types.EventFeeBurned,
		"treasury", f.treasury.String(),
		"shares", burned.String(),
		"requested", shares.String(),
		"reason", reason)
	return burned
}

// depositFee splits gross shares into the receiver's net and the fee.
func depositFee(gross math.Int, feeBps uint32) (net, fee math.Int) {
	fee = feeOnTotal(gross, feeBps)
	return gross.Sub(fee), fee
}

func (v *Vault) logFee(op string, shares math.Int) {
	if shares.IsPositive() {
		v.logger.Debug("fee settled", zap.String("op", op), zap.Stringer("shares", shares))
	}
}
