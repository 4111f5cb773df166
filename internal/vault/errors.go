package vault

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace is the ABCI codespace of ledger errors.
const Codespace = "vault"

// Access
var (
	ErrUnauthorized = errorsmod.Register(Codespace, 2, "caller lacks required role")
	ErrOnlyOwner    = errorsmod.Register(Codespace, 3, "caller is not the owner")
)

// Validation
var (
	ErrInvalidAmount     = errorsmod.Register(Codespace, 10, "invalid amount")
	ErrInvalidDeposit    = errorsmod.Register(Codespace, 11, "invalid deposit")
	ErrInvalidMinShares  = errorsmod.Register(Codespace, 12, "shares below minimum")
	ErrZeroAmount        = errorsmod.Register(Codespace, 13, "amount is zero")
	ErrInvalidAddress    = errorsmod.Register(Codespace, 14, "invalid address")
	ErrFeeTooHigh        = errorsmod.Register(Codespace, 15, "fee too high")
	ErrPeriodTooLong     = errorsmod.Register(Codespace, 16, "period too long")
	ErrPercentageTooHigh = errorsmod.Register(Codespace, 17, "percentage too high")
	ErrLengthMismatch    = errorsmod.Register(Codespace, 18, "length mismatch")
	ErrInvalidAsset      = errorsmod.Register(Codespace, 19, "invalid asset")
	ErrInvalidParam      = errorsmod.Register(Codespace, 20, "invalid parameter")
)

// State
var (
	ErrRedemptionRequestAlreadyExists = errorsmod.Register(Codespace, 30, "redemption request already exists")
	ErrNoRedemptionRequest            = errorsmod.Register(Codespace, 31, "no redemption request")
	ErrCooldownNotFinished            = errorsmod.Register(Codespace, 32, "cooldown not finished")
	ErrInvalidWithdrawalRequest       = errorsmod.Register(Codespace, 33, "amount does not match redemption request")
	ErrInvalidEpoch                   = errorsmod.Register(Codespace, 34, "invalid epoch")
	ErrDuplicateTransaction           = errorsmod.Register(Codespace, 35, "duplicate transaction")
	ErrDistributionTooFrequent        = errorsmod.Register(Codespace, 36, "distribution too frequent")
	ErrMaxRedeemCapExceeded           = errorsmod.Register(Codespace, 37, "max redeem cap exceeded")
	ErrInsufficientShares             = errorsmod.Register(Codespace, 38, "insufficient shares")
	ErrInsufficientAssets             = errorsmod.Register(Codespace, 39, "insufficient assets")
	ErrExcessiveYield                 = errorsmod.Register(Codespace, 40, "yield exceeds maximum percentage")
	ErrExcessiveFee                   = errorsmod.Register(Codespace, 41, "fee exceeds maximum percentage")
	ErrPaused                         = errorsmod.Register(Codespace, 42, "ledger is paused")
	ErrReentrantCall                  = errorsmod.Register(Codespace, 43, "reentrant call")
	ErrCustody                        = errorsmod.Register(Codespace, 44, "custody transfer failed")
)
