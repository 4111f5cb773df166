package vault

import (
	"math/big"

	"cosmossdk.io/math"
)

const (
	// BasisPoints is the denominator of every bps parameter.
	BasisPoints = 10_000
	// MaxDepositFeeBps caps the share fee at 1%.
	MaxDepositFeeBps = 100
	// ShareDecimals is the precision ExchangeRate reports in.
	ShareDecimals = 6
)

// RateScale is the fixed-point scale of ExchangeRateScaled.
var RateScale = math.NewIntWithDecimal(1, 18)

type rounding int

const (
	floor rounding = iota
	ceil
)

// mulDiv returns x*y/d rounded in the given direction. Intermediate
// products are computed on big.Int so they may exceed 256 bits.
func mulDiv(x, y, d math.Int, r rounding) math.Int {
	num := new(big.Int).Mul(x.BigInt(), y.BigInt())
	q, rem := new(big.Int).QuoRem(num, d.BigInt(), new(big.Int))
	if r == ceil && rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return math.NewIntFromBigInt(q)
}

// feeOnTotal is the fee portion already contained in a gross amount.
func feeOnTotal(x math.Int, feeBps uint32) math.Int {
	if feeBps == 0 {
		return math.ZeroInt()
	}
	return mulDiv(x, math.NewInt(int64(feeBps)), math.NewInt(BasisPoints), ceil)
}

// feeOnRaw is the fee to add on top of a net amount.
func feeOnRaw(x math.Int, feeBps uint32) math.Int {
	if feeBps == 0 {
		return math.ZeroInt()
	}
	return mulDiv(x, math.NewInt(int64(feeBps)), math.NewInt(BasisPoints-int64(feeBps)), ceil)
}

// bpsOf returns x*bps/10000 rounded down.
func bpsOf(x math.Int, bps uint32) math.Int {
	return mulDiv(x, math.NewInt(int64(bps)), math.NewInt(BasisPoints), floor)
}
