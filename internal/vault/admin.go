package vault

import (
	"context"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"go.uber.org/zap"

	"shareledger.dev/ysl/internal/types"
)

// Parameter names accepted by UpdateParam.
const (
	ParamCooldownPeriod          = "cooldown_period"
	ParamVestingPeriod           = "vesting_period"
	ParamDepositFee              = "deposit_fee_bps"
	ParamMinDistributionInterval = "min_distribution_interval"
	ParamMaxYieldBps             = "max_yield_bps"
	ParamMaxFeeBps               = "max_fee_bps"
	ParamMinShares               = "min_shares"
	ParamMaxRedeemCap            = "max_redeem_cap"
)

// updateParams runs an administrator change to Params. Setters do not take
// the pause into account.
func (v *Vault) updateParams(caller types.Address, op string, apply func(*Params) error) error {
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleAdmin, caller, op); err != nil {
		return err
	}

	t := v.begin()
	if err := apply(&t.st.Params); err != nil {
		return err
	}
	if err := t.st.Params.Validate(); err != nil {
		return err
	}
	t.emit(types.EventParamsUpdated, "op", op, "caller", caller.String())
	v.commit(t)
	v.logger.Info("params updated", zap.String("op", op), zap.String("admin", caller.String()))
	return nil
}

func (v *Vault) SetCooldownPeriod(caller types.Address, d time.Duration) error {
	return v.updateParams(caller, "setCooldownPeriod", func(p *Params) error {
		if d > MaxCooldownPeriod {
			return errorsmod.Wrapf(ErrPeriodTooLong, "cooldown %s > %s", d, MaxCooldownPeriod)
		}
		p.CooldownPeriod = d
		return nil
	})
}

func (v *Vault) SetVestingPeriod(caller types.Address, d time.Duration) error {
	return v.updateParams(caller, "setVestingPeriod", func(p *Params) error {
		if d > MaxVestingPeriod {
			return errorsmod.Wrapf(ErrPeriodTooLong, "vesting %s > %s", d, MaxVestingPeriod)
		}
		p.VestingPeriod = d
		return nil
	})
}

func (v *Vault) SetFee(caller types.Address, bps uint32) error {
	return v.updateParams(caller, "setFee", func(p *Params) error {
		if bps > MaxDepositFeeBps {
			return errorsmod.Wrapf(ErrFeeTooHigh, "%d bps > %d", bps, MaxDepositFeeBps)
		}
		p.DepositFeeBps = bps
		return nil
	})
}

func (v *Vault) SetMinDistributionInterval(caller types.Address, d time.Duration) error {
	return v.updateParams(caller, "setMinDistributionInterval", func(p *Params) error {
		p.MinDistributionInterval = d
		return nil
	})
}

func (v *Vault) SetMaxYieldPercentage(caller types.Address, bps uint32) error {
	return v.updateParams(caller, "setMaxYieldPercentage", func(p *Params) error {
		if bps > BasisPoints {
			return errorsmod.Wrapf(ErrPercentageTooHigh, "%d bps", bps)
		}
		p.MaxYieldBps = bps
		return nil
	})
}

func (v *Vault) SetMaxFeePercentage(caller types.Address, bps uint32) error {
	return v.updateParams(caller, "setMaxFeePercentage", func(p *Params) error {
		if bps > BasisPoints {
			return errorsmod.Wrapf(ErrPercentageTooHigh, "%d bps", bps)
		}
		p.MaxFeeBps = bps
		return nil
	})
}

func (v *Vault) SetMinShares(caller types.Address, shares math.Int) error {
	return v.updateParams(caller, "setMinShares", func(p *Params) error {
		p.MinShares = shares
		return nil
	})
}

// SetMaxRedeemCap bounds the assets of a single redemption request; zero
// removes the bound.
func (v *Vault) SetMaxRedeemCap(caller types.Address, assets math.Int) error {
	return v.updateParams(caller, "setMaxRedeemCap", func(p *Params) error {
		p.MaxRedeemCap = assets
		return nil
	})
}

// UpdateParam sets a parameter from its string form. Durations use Go
// duration syntax; everything else is a base-10 integer.
func (v *Vault) UpdateParam(caller types.Address, name, value string) error {
	switch name {
	case ParamCooldownPeriod, ParamVestingPeriod, ParamMinDistributionInterval:
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return errorsmod.Wrapf(ErrInvalidParam, "%s: bad duration %q", name, value)
		}
		switch name {
		case ParamCooldownPeriod:
			return v.SetCooldownPeriod(caller, d)
		case ParamVestingPeriod:
			return v.SetVestingPeriod(caller, d)
		default:
			return v.SetMinDistributionInterval(caller, d)
		}
	case ParamDepositFee, ParamMaxYieldBps, ParamMaxFeeBps:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errorsmod.Wrapf(ErrInvalidParam, "%s: bad number %q", name, value)
		}
		switch name {
		case ParamDepositFee:
			return v.SetFee(caller, uint32(n))
		case ParamMaxYieldBps:
			return v.SetMaxYieldPercentage(caller, uint32(n))
		default:
			return v.SetMaxFeePercentage(caller, uint32(n))
		}
	case ParamMinShares, ParamMaxRedeemCap:
		amt, ok := types.ParseAmount(value)
		if !ok {
			return errorsmod.Wrapf(ErrInvalidParam, "%s: bad amount %q", name, value)
		}
		if name == ParamMinShares {
			return v.SetMinShares(caller, amt)
		}
		return v.SetMaxRedeemCap(caller, amt)
	}
	return errorsmod.Wrapf(ErrInvalidParam, "unknown parameter %q", name)
}

// Pause blocks holder operations until Unpause.
func (v *Vault) Pause(caller types.Address) error {
	return v.setPaused(caller, true)
}

func (v *Vault) Unpause(caller types.Address) error {
	return v.setPaused(caller, false)
}

func (v *Vault) setPaused(caller types.Address, paused bool) error {
	op, kind := "unpause", types.EventUnpaused
	if paused {
		op, kind = "pause", types.EventPaused
	}
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleAdmin, caller, op); err != nil {
		return err
	}

	t := v.begin()
	t.st.Paused = paused
	t.emit(kind, "caller", caller.String())
	v.commit(t)
	v.logger.Info(op, zap.String("admin", caller.String()))
	return nil
}

// EmergencyRecover sends a stray non-base asset out of custody. The base
// asset backs shares and cannot be recovered this way.
func (v *Vault) EmergencyRecover(ctx context.Context, caller types.Address, asset string, amount math.Int, to types.Address) error {
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleAdmin, caller, "emergencyRecover"); err != nil {
		return err
	}
	if asset == "" || asset == v.baseAsset {
		return errorsmod.Wrapf(ErrInvalidAsset, "cannot recover %q", asset)
	}
	if to.Empty() {
		return errorsmod.Wrap(ErrInvalidAddress, "empty recipient")
	}
	if amount.IsNil() || !amount.IsPositive() {
		return ErrZeroAmount
	}

	t := v.begin()
	if err := v.custody.Recover(ctx, asset, amount, to); err != nil {
		return errorsmod.Wrapf(ErrCustody, "recover %s %s: %v", amount, asset, err)
	}
	t.emit(types.EventEmergencyRecover,
		"asset", asset,
		"amount", amount.String(),
		"to", to.String())
	v.commit(t)
	v.logger.Warn("emergency recover",
		zap.String("admin", caller.String()),
		zap.String("asset", asset),
		zap.Stringer("amount", amount),
		zap.String("to", to.String()))
	return nil
}
