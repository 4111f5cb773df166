package vault

import (
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
)

// unvestedAmount is the part of the last profit injection not yet released.
// It decays linearly from VestingAmount to zero over VestingPeriod.
func (s *State) unvestedAmount(now time.Time) math.Int {
	period := s.Params.VestingPeriod
	elapsed := now.Sub(s.LastDistributionTimestamp)
	if period <= 0 || elapsed >= period || s.VestingAmount.IsZero() {
		return math.ZeroInt()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return mulDiv(s.VestingAmount, math.NewInt(int64(period-elapsed)), math.NewInt(int64(period)), floor)
}

// totalAssets is VirtualAssets less the unvested buffer.
func (s *State) totalAssets(now time.Time) math.Int {
	return s.VirtualAssets.Sub(s.unvestedAmount(now))
}

// applyVestingInjection books a yield event. Profit joins the vesting buffer
// together with whatever is still unvested and the decay restarts; loss is
// taken out of VirtualAssets at once. An immediate profit empties the
// buffer, so a later non-zero vesting period cannot revive it.
func (s *State) applyVestingInjection(now time.Time, amount math.Int, isProfit, vestImmediately bool) error {
	if !isProfit {
		if total := s.totalAssets(now); amount.GT(total) {
			return errorsmod.Wrapf(ErrInsufficientAssets, "loss %s exceeds total assets %s", amount, total)
		}
		s.VirtualAssets = s.VirtualAssets.Sub(amount)
		return nil
	}
	if vestImmediately {
		s.VestingAmount = math.ZeroInt()
	} else {
		s.VestingAmount = amount.Add(s.unvestedAmount(now))
	}
	s.LastDistributionTimestamp = now
	s.VirtualAssets = s.VirtualAssets.Add(amount)
	return nil
}
