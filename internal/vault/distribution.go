package vault

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/math"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"shareledger.dev/ysl/internal/types"
)

// ProofHash is the Keccak-256 digest identifying a yield event:
// shard id, amount as a 32-byte big-endian word, epoch as 8 bytes and a
// profit flag byte.
func ProofHash(shard string, amount math.Int, epoch uint64, isProfit bool) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(shard))

	var word [32]byte
	amount.BigInt().FillBytes(word[:])
	h.Write(word[:])

	var e [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	h.Write(e[:])

	if isProfit {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DistributeYield applies the profit or loss of one epoch. Only a
// rebalancer may call it, epochs must arrive in sequence starting at 1, and
// consecutive distributions must be MinDistributionInterval apart. A
// profit vests over VestingPeriod and its fee is minted to the treasury at
// the post-injection rate; a loss applies at once and its fee is burned
// from the treasury at the post-loss rate.
func (v *Vault) DistributeYield(ctx context.Context, caller types.Address, amount, feeAmount math.Int, epoch uint64, isProfit bool) (types.Distribution, error) {
	if err := v.enter(); err != nil {
		return types.Distribution{}, err
	}
	defer v.exit()
	if err := v.requireRole(types.RoleRebalancer, caller, "distributeYield"); err != nil {
		return types.Distribution{}, err
	}
	if feeAmount.IsNil() {
		feeAmount = math.ZeroInt()
	}

	t := v.begin()
	st := t.st
	if amount.IsNil() || !amount.IsPositive() {
		return types.Distribution{}, ErrZeroAmount
	}
	if feeAmount.IsNegative() {
		return types.Distribution{}, errorsmod.Wrap(ErrInvalidAmount, "negative fee")
	}
	total := st.totalAssets(t.now)
	if maxYield := bpsOf(total, st.Params.MaxYieldBps); amount.GT(maxYield) {
		return types.Distribution{}, errorsmod.Wrapf(ErrExcessiveYield, "%s > %d bps of %s", amount, st.Params.MaxYieldBps, total)
	}
	if maxFee := bpsOf(amount, st.Params.MaxFeeBps); feeAmount.GT(maxFee) {
		return types.Distribution{}, errorsmod.Wrapf(ErrExcessiveFee, "%s > %d bps of %s", feeAmount, st.Params.MaxFeeBps, amount)
	}
	if epoch != st.LastEpoch+1 {
		return types.Distribution{}, errorsmod.Wrapf(ErrInvalidEpoch, "got %d, want %d", epoch, st.LastEpoch+1)
	}
	proof := ProofHash(st.ShardID, amount, epoch, isProfit)
	if st.ProofHashes[proof] {
		return types.Distribution{}, errorsmod.Wrapf(ErrDuplicateTransaction, "proof %s", proof)
	}
	if !st.LastDistributionTime.IsZero() {
		if elapsed := t.now.Sub(st.LastDistributionTime); elapsed < st.Params.MinDistributionInterval {
			return types.Distribution{}, errorsmod.Wrapf(ErrDistributionTooFrequent, "%s since last, minimum %s", elapsed, st.Params.MinDistributionInterval)
		}
	}

	st.LastEpoch = epoch
	st.ProofHashes[proof] = true
	st.LastDistributionTime = t.now

	if err := st.applyVestingInjection(t.now, amount, isProfit, st.Params.VestingPeriod == 0); err != nil {
		return types.Distribution{}, err
	}

	feeShares := math.ZeroInt()
	if isProfit {
		st.ProfitAccumulator = st.ProfitAccumulator.Add(amount)
		if feeAmount.IsPositive() {
			feeShares = st.convertToShares(feeAmount, t.now, floor)
			t.fees.mint(t, feeShares, "profit")
		}
	} else {
		st.LossAccumulator = st.LossAccumulator.Add(amount)
		if feeAmount.IsPositive() {
			feeShares = t.fees.burn(t, st.convertToShares(feeAmount, t.now, floor), "loss")
		}
	}

	d := types.Distribution{
		Shard:     st.ShardID,
		Epoch:     epoch,
		Amount:    amount,
		FeeAmount: feeAmount,
		FeeShares: feeShares,
		IsProfit:  isProfit,
		ProofHash: proof,
		Time:      t.now,
	}
	t.emit(types.EventYieldDistributed,
		"epoch", strconv.FormatUint(epoch, 10),
		"amount", amount.String(),
		"fee_amount", feeAmount.String(),
		"fee_shares", feeShares.String(),
		"is_profit", strconv.FormatBool(isProfit),
		"proof_hash", proof)
	v.commit(t)

	v.logger.Info("yield distributed",
		zap.String("rebalancer", caller.String()),
		zap.Uint64("epoch", epoch),
		zap.Stringer("amount", amount),
		zap.Bool("profit", isProfit),
		zap.Stringer("fee_shares", feeShares))
	return d, nil
}
