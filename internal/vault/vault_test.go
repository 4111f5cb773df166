package vault_test

import (
	"context"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shareledger.dev/ysl/internal/custody"
	"shareledger.dev/ysl/internal/types"
	"shareledger.dev/ysl/internal/vault"
)

const (
	admin      types.Address = "admin"
	operator   types.Address = "operator"
	rebalancer types.Address = "rebalancer"
	treasury   types.Address = "treasury"
	alice      types.Address = "alice"
	bob        types.Address = "bob"
)

var genesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func amt(n int64) math.Int { return math.NewInt(n) }

type fixture struct {
	t       *testing.T
	ctx     context.Context
	v       *vault.Vault
	custody *custody.Memory
	roles   *vault.RoleTable
	now     time.Time
	events  []types.Event
}

func newFixture(t *testing.T, opts ...vault.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		custody: custody.NewMemory(treasury),
		roles:   vault.NewRoleTable(),
		now:     genesis,
	}
	f.roles.Grant(types.RoleAdmin, admin)
	f.roles.Grant(types.RoleOperator, operator)
	f.roles.Grant(types.RoleRebalancer, rebalancer)
	f.custody.Credit(alice, amt(1_000_000_000))
	f.custody.Credit(bob, amt(1_000_000_000))

	base := []vault.Option{
		vault.WithCustody(f.custody),
		vault.WithAuthorizer(f.roles),
		vault.WithClock(func() time.Time { return f.now }),
		vault.WithEventSink(vault.EventSinkFunc(func(e types.Event) { f.events = append(f.events, e) })),
		vault.WithBaseAsset("usdc"),
	}
	v, err := vault.New("shard-a", append(base, opts...)...)
	require.NoError(t, err)
	f.v = v
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) deposit(who types.Address, assets int64) math.Int {
	f.t.Helper()
	shares, err := f.v.Deposit(f.ctx, who, amt(assets), who)
	require.NoError(f.t, err)
	return shares
}

func (f *fixture) distribute(amount, fee int64, isProfit bool) types.Distribution {
	f.t.Helper()
	d, err := f.v.DistributeYield(f.ctx, rebalancer, amt(amount), amt(fee), f.v.LastEpoch()+1, isProfit)
	require.NoError(f.t, err)
	return d
}

// unchanged fails the test if fn changes the exported state.
func (f *fixture) unchanged(fn func()) {
	f.t.Helper()
	before := f.v.Export()
	fn()
	if diff := cmp.Diff(before, f.v.Export()); diff != "" {
		f.t.Fatalf("state changed by failed call (-before +after):\n%s", diff)
	}
}

func TestNewRequiresCustody(t *testing.T) {
	_, err := vault.New("shard-a")
	assert.Error(t, err)

	_, err = vault.New("", vault.WithCustody(custody.NewMemory(treasury)))
	assert.Error(t, err)

	p := vault.DefaultParams()
	p.DepositFeeBps = 101
	_, err = vault.New("shard-a", vault.WithCustody(custody.NewMemory(treasury)), vault.WithParams(p))
	assert.ErrorIs(t, err, vault.ErrFeeTooHigh)
}

func TestEmptyVaultConvertsOneToOne(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "1000000", f.v.ExchangeRate().String())
	assert.True(t, f.v.ExchangeRateScaled().Equal(vault.RateScale))

	shares := f.deposit(alice, 1_000)
	assert.Equal(t, int64(1_000), shares.Int64())
	assert.Equal(t, int64(1_000), f.v.TotalAssets().Int64())
	assert.Equal(t, int64(1_000), f.v.BalanceOf(alice).Int64())
	assert.Equal(t, int64(1_000), f.custody.Held().Int64())
	assert.Equal(t, int64(1_000_000_000-1_000), f.custody.Wallet(alice).Int64())
}

func TestDepositFeeMintedToTreasury(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.v.SetFee(admin, 100))

	preview, err := f.v.PreviewDeposit(amt(10_000))
	require.NoError(t, err)
	shares := f.deposit(alice, 10_000)

	assert.Equal(t, preview.String(), shares.String())
	assert.Equal(t, int64(9_900), shares.Int64())
	assert.Equal(t, int64(100), f.v.BalanceOf(treasury).Int64())
	assert.Equal(t, int64(10_000), f.v.TotalSupply().Int64())
	st := f.v.Export()
	require.NoError(t, st.Check())
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)

	f.unchanged(func() {
		_, err := f.v.Deposit(f.ctx, alice, amt(0), alice)
		assert.ErrorIs(t, err, vault.ErrInvalidDeposit)

		_, err = f.v.Deposit(f.ctx, alice, amt(10), "")
		assert.ErrorIs(t, err, vault.ErrInvalidDeposit)

		_, err = f.v.Deposit(f.ctx, "pauper", amt(10), "pauper")
		assert.ErrorIs(t, err, vault.ErrCustody)

		_, err = f.v.PreviewDeposit(amt(0))
		assert.ErrorIs(t, err, vault.ErrInvalidAmount)
	})

	require.NoError(t, f.v.SetMinShares(admin, amt(500)))
	f.unchanged(func() {
		_, err := f.v.Deposit(f.ctx, alice, amt(499), alice)
		assert.ErrorIs(t, err, vault.ErrInvalidMinShares)
	})
	f.deposit(alice, 500)
}

func TestMintGivesExactShares(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.v.SetFee(admin, 37))
	f.deposit(bob, 1_000_000)
	f.distribute(13_337, 0, true)
	f.advance(8 * time.Hour)

	want, err := f.v.PreviewMint(amt(25_000))
	require.NoError(t, err)
	assets, err := f.v.Mint(f.ctx, alice, amt(25_000), alice)
	require.NoError(t, err)

	assert.Equal(t, want.String(), assets.String())
	assert.Equal(t, int64(25_000), f.v.BalanceOf(alice).Int64())
	assert.True(t, f.v.BalanceOf(treasury).IsPositive())
	st := f.v.Export()
	require.NoError(t, st.Check())
}

func TestFeeRoundTrip(t *testing.T) {
	for _, fee := range []uint32{0, 1, 37, 99, 100} {
		f := newFixture(t)
		f.deposit(bob, 1_000_000)
		f.distribute(13_337, 0, true)
		f.advance(8 * time.Hour)
		require.NoError(t, f.v.SetFee(admin, fee))

		for _, a := range []int64{1_000, 12_345, 999_999, 7_000_001} {
			shares, err := f.v.PreviewDeposit(amt(a))
			require.NoError(t, err)
			back, err := f.v.PreviewMint(shares)
			require.NoError(t, err)
			assert.InDelta(t, a, back.Int64(), 3, "fee %d assets %d", fee, a)
		}
		for _, s := range []int64{1_000, 54_321, 2_000_000} {
			assets, err := f.v.PreviewMint(amt(s))
			require.NoError(t, err)
			back, err := f.v.PreviewDeposit(assets)
			require.NoError(t, err)
			assert.InDelta(t, s, back.Int64(), 2, "fee %d shares %d", fee, s)
		}
	}
}

func TestVestingDecay(t *testing.T) {
	f := newFixture(t)
	period := f.v.Params().VestingPeriod
	f.deposit(alice, 1_000_000)

	f.distribute(10_000, 0, true)
	assert.Equal(t, int64(10_000), f.v.UnvestedAmount().Int64())
	assert.Equal(t, int64(1_000_000), f.v.TotalAssets().Int64())

	f.advance(period / 2)
	assert.Equal(t, int64(5_000), f.v.UnvestedAmount().Int64())
	assert.Equal(t, int64(1_005_000), f.v.TotalAssets().Int64())

	f.advance(period / 2)
	assert.True(t, f.v.UnvestedAmount().IsZero())
	assert.Equal(t, int64(1_010_000), f.v.TotalAssets().Int64())

	f.advance(period)
	assert.True(t, f.v.UnvestedAmount().IsZero())
}

func TestVestingRollsRemainderForward(t *testing.T) {
	f := newFixture(t)
	period := f.v.Params().VestingPeriod
	f.deposit(alice, 1_000_000)

	f.distribute(8_000, 0, true)
	f.advance(period / 4)
	assert.Equal(t, int64(6_000), f.v.UnvestedAmount().Int64())

	f.distribute(4_000, 0, true)
	assert.Equal(t, int64(10_000), f.v.UnvestedAmount().Int64())

	f.advance(period / 2)
	assert.Equal(t, int64(5_000), f.v.UnvestedAmount().Int64())
}

func TestImmediateVestingClearsBuffer(t *testing.T) {
	f := newFixture(t)
	period := f.v.Params().VestingPeriod
	f.deposit(alice, 1_000_000)
	f.distribute(10_000, 0, true)
	f.advance(time.Hour)

	require.NoError(t, f.v.SetVestingPeriod(admin, 0))
	f.distribute(5_000, 0, true)
	st := f.v.Export()
	assert.True(t, st.VestingAmount.IsZero())
	assert.Equal(t, f.now, st.LastDistributionTimestamp)

	require.NoError(t, f.v.SetVestingPeriod(admin, period))
	assert.True(t, f.v.UnvestedAmount().IsZero())
	assert.Equal(t, int64(1_015_000), f.v.TotalAssets().Int64())
}

func TestLossAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)
	f.distribute(10_000, 0, true)
	f.advance(time.Hour)
	unvested := f.v.UnvestedAmount()
	before := f.v.TotalAssets()

	f.distribute(50_000, 0, false)
	assert.Equal(t, before.Sub(amt(50_000)).String(), f.v.TotalAssets().String())
	assert.Equal(t, unvested.String(), f.v.UnvestedAmount().String())
	assert.Equal(t, "50000", f.v.Export().LossAccumulator.String())
}

func TestConservationAcrossOperations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.v.SetMinDistributionInterval(admin, 0))
	require.NoError(t, f.v.SetCooldownPeriod(admin, time.Hour))
	require.NoError(t, f.v.SetFee(admin, 50))

	check := func(step int) {
		assert.Equal(t, f.v.VirtualAssets().Sub(f.v.UnvestedAmount()).String(), f.v.TotalAssets().String(), "step %d", step)
		st := f.v.Export()
		require.NoError(t, st.Check(), "step %d", step)
	}

	holders := []types.Address{alice, bob}
	for step := 0; step < 200; step++ {
		who := holders[step%2]
		switch step % 5 {
		case 0, 1:
			_, _ = f.v.Deposit(f.ctx, who, amt(int64(1_000+step*317)), who)
		case 2:
			bal := f.v.BalanceOf(who)
			if bal.IsPositive() {
				_, _ = f.v.RequestRedeem(f.ctx, who, bal.QuoRaw(3).AddRaw(1))
			}
		case 3:
			isProfit := step%3 != 0
			amount := f.v.TotalAssets().QuoRaw(200).AddRaw(1)
			_, _ = f.v.DistributeYield(f.ctx, rebalancer, amount, amount.QuoRaw(10), f.v.LastEpoch()+1, isProfit)
		case 4:
			if req, ok := f.v.GetRedeemRequest(who); ok && f.v.CanExecuteRedeem(who) {
				_, _ = f.v.Withdraw(f.ctx, who, req.Assets, who, who)
			}
		}
		check(step)
		f.advance(time.Duration(step%7+1) * 11 * time.Minute)
	}
}

func TestRequestRedeemBurnsAndFreezes(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)

	req, err := f.v.RequestRedeem(f.ctx, alice, amt(400))
	require.NoError(t, err)
	assert.True(t, req.Exists)
	assert.Equal(t, int64(400), req.Assets.Int64())
	assert.Equal(t, genesis, req.Timestamp)

	assert.Equal(t, int64(600), f.v.BalanceOf(alice).Int64())
	assert.Equal(t, int64(600), f.v.VirtualAssets().Int64())
	assert.Equal(t, int64(400), f.v.TotalRequestedAmount().Int64())

	got, ok := f.v.GetRedeemRequest(alice)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestRequestRedeemWithFee(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 100_000)
	require.NoError(t, f.v.SetFee(admin, 100))

	preview, err := f.v.PreviewRedeem(amt(10_000))
	require.NoError(t, err)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(10_000))
	require.NoError(t, err)

	assert.Equal(t, preview.String(), req.Assets.String())
	assert.Equal(t, int64(9_900), req.Assets.Int64())
	assert.Equal(t, int64(100), f.v.BalanceOf(treasury).Int64())
	st := f.v.Export()
	require.NoError(t, st.Check())
}

func TestSinglePendingRequest(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	_, err := f.v.RequestRedeem(f.ctx, alice, amt(100))
	require.NoError(t, err)

	f.unchanged(func() {
		_, err := f.v.RequestRedeem(f.ctx, alice, amt(100))
		assert.ErrorIs(t, err, vault.ErrRedemptionRequestAlreadyExists)
	})
}

func TestRequestRedeemValidation(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	require.NoError(t, f.v.SetMaxRedeemCap(admin, amt(500)))

	f.unchanged(func() {
		_, err := f.v.RequestRedeem(f.ctx, alice, amt(0))
		assert.ErrorIs(t, err, vault.ErrZeroAmount)

		_, err = f.v.RequestRedeem(f.ctx, alice, amt(1_001))
		assert.ErrorIs(t, err, vault.ErrInsufficientShares)

		_, err = f.v.RequestRedeem(f.ctx, alice, amt(501))
		assert.ErrorIs(t, err, vault.ErrMaxRedeemCapExceeded)
	})

	_, err := f.v.RequestRedeem(f.ctx, alice, amt(500))
	require.NoError(t, err)
}

func TestCooldownEnforcement(t *testing.T) {
	f := newFixture(t)
	cooldown := f.v.Params().CooldownPeriod
	f.deposit(alice, 1_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(400))
	require.NoError(t, err)

	f.advance(cooldown - time.Nanosecond)
	assert.False(t, f.v.CanExecuteRedeem(alice))
	f.unchanged(func() {
		_, err := f.v.Withdraw(f.ctx, alice, req.Assets, alice, alice)
		assert.ErrorIs(t, err, vault.ErrCooldownNotFinished)
		_, err = f.v.Redeem(f.ctx, alice, req.Shares, alice, alice)
		assert.ErrorIs(t, err, vault.ErrCooldownNotFinished)
	})

	f.advance(time.Nanosecond)
	assert.True(t, f.v.CanExecuteRedeem(alice))
	shares, err := f.v.Withdraw(f.ctx, alice, req.Assets, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, req.Shares, shares)

	_, ok := f.v.GetRedeemRequest(alice)
	assert.False(t, ok)
	assert.True(t, f.v.TotalRequestedAmount().IsZero())
	assert.Equal(t, int64(1_000_000_000-600), f.custody.Wallet(alice).Int64())
}

func TestSettlementChecks(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(400))
	require.NoError(t, err)
	f.advance(f.v.Params().CooldownPeriod)

	f.unchanged(func() {
		_, err := f.v.Withdraw(f.ctx, bob, req.Assets, bob, alice)
		assert.ErrorIs(t, err, vault.ErrOnlyOwner)

		_, err = f.v.Withdraw(f.ctx, bob, req.Assets, bob, bob)
		assert.ErrorIs(t, err, vault.ErrNoRedemptionRequest)

		_, err = f.v.Withdraw(f.ctx, alice, req.Assets.AddRaw(1), alice, alice)
		assert.ErrorIs(t, err, vault.ErrInvalidWithdrawalRequest)

		_, err = f.v.Redeem(f.ctx, alice, req.Shares.SubRaw(1), alice, alice)
		assert.ErrorIs(t, err, vault.ErrInvalidWithdrawalRequest)

		_, err = f.v.Redeem(f.ctx, alice, req.Shares, "", alice)
		assert.ErrorIs(t, err, vault.ErrInvalidAddress)
	})
}

func TestRedeemPaysFrozenAssetsAfterRateMoves(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(100_000))
	require.NoError(t, err)
	require.Equal(t, int64(100_000), req.Assets.Int64())

	f.distribute(10_000, 0, true)
	f.advance(f.v.Params().CooldownPeriod)
	assert.Greater(t, f.v.ExchangeRate().Int64(), int64(1_000_000))

	assets, err := f.v.Redeem(f.ctx, alice, amt(100_000), bob, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), assets.Int64())
	assert.Equal(t, int64(1_000_000_000+100_000), f.custody.Wallet(bob).Int64())
}

func TestRedeemForSkipsCooldown(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(250))
	require.NoError(t, err)

	f.unchanged(func() {
		_, err := f.v.RedeemFor(f.ctx, alice, alice)
		assert.ErrorIs(t, err, vault.ErrUnauthorized)
		_, err = f.v.RedeemFor(f.ctx, operator, bob)
		assert.ErrorIs(t, err, vault.ErrNoRedemptionRequest)
	})

	assets, err := f.v.RedeemFor(f.ctx, operator, alice)
	require.NoError(t, err)
	assert.Equal(t, req.Assets, assets)
	_, ok := f.v.GetRedeemRequest(alice)
	assert.False(t, ok)
}

func TestRedeemForBatch(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	f.deposit(bob, 2_000)
	ra, err := f.v.RequestRedeem(f.ctx, alice, amt(300))
	require.NoError(t, err)
	rb, err := f.v.RequestRedeem(f.ctx, bob, amt(700))
	require.NoError(t, err)

	holders := []types.Address{alice, bob}
	f.unchanged(func() {
		_, err := f.v.RedeemForBatch(f.ctx, operator, holders, []math.Int{ra.Assets})
		assert.ErrorIs(t, err, vault.ErrLengthMismatch)

		_, err = f.v.RedeemForBatch(f.ctx, operator, holders, []math.Int{ra.Assets, rb.Assets.AddRaw(1)})
		assert.ErrorIs(t, err, vault.ErrInvalidWithdrawalRequest)

		_, err = f.v.RedeemForBatch(f.ctx, operator, []types.Address{alice, alice}, []math.Int{ra.Assets, ra.Assets})
		assert.ErrorIs(t, err, vault.ErrNoRedemptionRequest)
	})

	total, err := f.v.RedeemForBatch(f.ctx, operator, holders, []math.Int{ra.Assets, rb.Assets})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), total.Int64())
	assert.True(t, f.v.TotalRequestedAmount().IsZero())
}

func TestCustodyFailureRollsBackSettlement(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(1_000))
	require.NoError(t, err)
	f.advance(f.v.Params().CooldownPeriod)

	// drain custody so the payout cannot be made
	require.NoError(t, f.custody.PushTo(f.ctx, types.Payout{To: "elsewhere", Amount: amt(1_000)}))

	f.unchanged(func() {
		_, err := f.v.Withdraw(f.ctx, alice, req.Assets, alice, alice)
		assert.ErrorIs(t, err, vault.ErrCustody)
	})
	_, ok := f.v.GetRedeemRequest(alice)
	assert.True(t, ok)
}

func TestEpochMonotonicity(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)

	for _, isProfit := range []bool{true, false} {
		for _, epoch := range []uint64{0, 2, 100} {
			f.unchanged(func() {
				_, err := f.v.DistributeYield(f.ctx, rebalancer, amt(1_000), amt(0), epoch, isProfit)
				assert.ErrorIs(t, err, vault.ErrInvalidEpoch)
			})
		}
	}

	f.distribute(1_000, 0, true)
	assert.Equal(t, uint64(1), f.v.LastEpoch())
	f.advance(time.Hour)
	f.unchanged(func() {
		_, err := f.v.DistributeYield(f.ctx, rebalancer, amt(1_000), amt(0), 1, true)
		assert.ErrorIs(t, err, vault.ErrInvalidEpoch)
	})
}

func TestDuplicateProofRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)

	st := f.v.Export()
	st.ProofHashes[vault.ProofHash("shard-a", amt(1_000), 1, true)] = true
	require.NoError(t, f.v.Restore(st))

	_, err := f.v.DistributeYield(f.ctx, rebalancer, amt(1_000), amt(0), 1, true)
	assert.ErrorIs(t, err, vault.ErrDuplicateTransaction)

	_, err = f.v.DistributeYield(f.ctx, rebalancer, amt(1_000), amt(0), 1, false)
	assert.NoError(t, err)
}

func TestProofHashIsDeterministic(t *testing.T) {
	a := vault.ProofHash("shard-a", amt(8_125), 3, true)
	assert.Equal(t, a, vault.ProofHash("shard-a", amt(8_125), 3, true))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, vault.ProofHash("shard-b", amt(8_125), 3, true))
	assert.NotEqual(t, a, vault.ProofHash("shard-a", amt(8_125), 3, false))
	assert.NotEqual(t, a, vault.ProofHash("shard-a", amt(8_125), 4, true))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)
	f.distribute(1_000, 0, true)

	f.advance(30 * time.Minute)
	f.unchanged(func() {
		_, err := f.v.DistributeYield(f.ctx, rebalancer, amt(1_000), amt(0), 2, true)
		assert.ErrorIs(t, err, vault.ErrDistributionTooFrequent)
	})

	f.advance(30 * time.Minute)
	f.distribute(1_000, 0, true)
	assert.Equal(t, uint64(2), f.v.LastEpoch())
}

func TestDistributionValidationOrder(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)

	f.unchanged(func() {
		_, err := f.v.DistributeYield(f.ctx, alice, amt(1_000), amt(0), 1, true)
		assert.ErrorIs(t, err, vault.ErrUnauthorized)

		_, err = f.v.DistributeYield(f.ctx, rebalancer, amt(0), amt(0), 9, true)
		assert.ErrorIs(t, err, vault.ErrZeroAmount)

		_, err = f.v.DistributeYield(f.ctx, rebalancer, amt(100_001), amt(0), 9, true)
		assert.ErrorIs(t, err, vault.ErrExcessiveYield)

		_, err = f.v.DistributeYield(f.ctx, rebalancer, amt(10_000), amt(2_001), 9, true)
		assert.ErrorIs(t, err, vault.ErrExcessiveFee)
	})

	d, err := f.v.DistributeYield(f.ctx, rebalancer, amt(100_000), amt(20_000), 1, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Epoch)
	assert.Equal(t, vault.ProofHash("shard-a", amt(100_000), 1, true), d.ProofHash)
}

func TestProfitFeeMintedAtPostInjectionRate(t *testing.T) {
	t.Run("vesting", func(t *testing.T) {
		f := newFixture(t)
		f.deposit(alice, 1_000_000)
		d := f.distribute(10_000, 1_000, true)
		assert.Equal(t, int64(1_000), d.FeeShares.Int64())
		assert.Equal(t, int64(1_000), f.v.BalanceOf(treasury).Int64())
	})
	t.Run("immediate", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.v.SetVestingPeriod(admin, 0))
		f.deposit(alice, 1_000_000)
		d := f.distribute(10_000, 1_000, true)
		assert.Equal(t, int64(990), d.FeeShares.Int64())
		assert.Equal(t, int64(1_010_000), f.v.TotalAssets().Int64())
	})
}

func TestLossFeeBurnedFromTreasury(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.v.SetFee(admin, 100))
	f.deposit(alice, 1_000_000)
	require.Equal(t, int64(10_000), f.v.BalanceOf(treasury).Int64())

	d := f.distribute(10_000, 2_000, false)
	assert.Equal(t, int64(2_020), d.FeeShares.Int64())
	assert.Equal(t, int64(7_980), f.v.BalanceOf(treasury).Int64())
	assert.Equal(t, int64(997_980), f.v.TotalSupply().Int64())
	st := f.v.Export()
	require.NoError(t, st.Check())
}

func TestLossFeeBurnCappedAtTreasuryBalance(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)

	d := f.distribute(10_000, 1_000, false)
	assert.True(t, d.FeeShares.IsZero())
	assert.True(t, f.v.BalanceOf(treasury).IsZero())
	assert.Equal(t, int64(990_000), f.v.TotalAssets().Int64())
}

func TestPauseBlocksHolderOperations(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000_000)
	req, err := f.v.RequestRedeem(f.ctx, alice, amt(1_000))
	require.NoError(t, err)
	f.advance(f.v.Params().CooldownPeriod)

	assert.ErrorIs(t, f.v.Pause(alice), vault.ErrUnauthorized)
	require.NoError(t, f.v.Pause(admin))
	assert.True(t, f.v.Paused())

	f.unchanged(func() {
		_, err := f.v.Deposit(f.ctx, bob, amt(10), bob)
		assert.ErrorIs(t, err, vault.ErrPaused)
		_, err = f.v.Mint(f.ctx, bob, amt(10), bob)
		assert.ErrorIs(t, err, vault.ErrPaused)
		_, err = f.v.RequestRedeem(f.ctx, alice, amt(10))
		assert.ErrorIs(t, err, vault.ErrPaused)
		_, err = f.v.Withdraw(f.ctx, alice, req.Assets, alice, alice)
		assert.ErrorIs(t, err, vault.ErrPaused)
		_, err = f.v.Redeem(f.ctx, alice, req.Shares, alice, alice)
		assert.ErrorIs(t, err, vault.ErrPaused)
		assert.ErrorIs(t, f.v.Transfer(f.ctx, alice, bob, amt(1)), vault.ErrPaused)
	})

	// views, rebalancer, operator and admin paths stay open
	_, err = f.v.PreviewDeposit(amt(10))
	require.NoError(t, err)
	f.distribute(1_000, 0, true)
	_, err = f.v.RedeemFor(f.ctx, operator, alice)
	require.NoError(t, err)
	require.NoError(t, f.v.SetCooldownPeriod(admin, time.Hour))

	require.NoError(t, f.v.Unpause(admin))
	f.deposit(bob, 10)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)

	require.NoError(t, f.v.Transfer(f.ctx, alice, bob, amt(1_000)))
	assert.True(t, f.v.BalanceOf(alice).IsZero())
	assert.Equal(t, int64(1_000), f.v.BalanceOf(bob).Int64())

	f.unchanged(func() {
		assert.ErrorIs(t, f.v.Transfer(f.ctx, alice, bob, amt(1)), vault.ErrInsufficientShares)
		assert.ErrorIs(t, f.v.Transfer(f.ctx, bob, "", amt(1)), vault.ErrInvalidAddress)
		assert.ErrorIs(t, f.v.Transfer(f.ctx, bob, alice, amt(0)), vault.ErrZeroAmount)
	})
}

func TestAdminBounds(t *testing.T) {
	f := newFixture(t)

	f.unchanged(func() {
		assert.ErrorIs(t, f.v.SetCooldownPeriod(admin, vault.MaxCooldownPeriod+time.Second), vault.ErrPeriodTooLong)
		assert.ErrorIs(t, f.v.SetVestingPeriod(admin, vault.MaxVestingPeriod+time.Second), vault.ErrPeriodTooLong)
		assert.ErrorIs(t, f.v.SetFee(admin, 101), vault.ErrFeeTooHigh)
		assert.ErrorIs(t, f.v.SetMaxYieldPercentage(admin, 10_001), vault.ErrPercentageTooHigh)
		assert.ErrorIs(t, f.v.SetMaxFeePercentage(admin, 10_001), vault.ErrPercentageTooHigh)
		assert.ErrorIs(t, f.v.SetFee(operator, 1), vault.ErrUnauthorized)
		assert.ErrorIs(t, f.v.SetMinDistributionInterval(rebalancer, 0), vault.ErrUnauthorized)
		assert.ErrorIs(t, f.v.UpdateParam(admin, "unknown", "1"), vault.ErrInvalidParam)
		assert.ErrorIs(t, f.v.UpdateParam(admin, vault.ParamCooldownPeriod, "soon"), vault.ErrInvalidParam)
		assert.ErrorIs(t, f.v.UpdateParam(admin, vault.ParamMaxRedeemCap, "-5"), vault.ErrInvalidParam)
	})

	require.NoError(t, f.v.SetCooldownPeriod(admin, vault.MaxCooldownPeriod))
	require.NoError(t, f.v.SetVestingPeriod(admin, vault.MaxVestingPeriod))
	require.NoError(t, f.v.UpdateParam(admin, vault.ParamDepositFee, "100"))
	require.NoError(t, f.v.UpdateParam(admin, vault.ParamMinDistributionInterval, "90m"))
	require.NoError(t, f.v.UpdateParam(admin, vault.ParamMaxYieldBps, "10000"))
	require.NoError(t, f.v.UpdateParam(admin, vault.ParamMinShares, "42"))

	p := f.v.Params()
	assert.Equal(t, uint32(100), p.DepositFeeBps)
	assert.Equal(t, 90*time.Minute, p.MinDistributionInterval)
	assert.Equal(t, uint32(10_000), p.MaxYieldBps)
	assert.Equal(t, int64(42), p.MinShares.Int64())
}

func TestEmergencyRecover(t *testing.T) {
	f := newFixture(t)
	f.custody.Receive("weth", amt(5))

	assert.ErrorIs(t, f.v.EmergencyRecover(f.ctx, admin, "usdc", amt(1), admin), vault.ErrInvalidAsset)
	assert.ErrorIs(t, f.v.EmergencyRecover(f.ctx, operator, "weth", amt(1), admin), vault.ErrUnauthorized)
	assert.ErrorIs(t, f.v.EmergencyRecover(f.ctx, admin, "weth", amt(6), admin), vault.ErrCustody)
	require.NoError(t, f.v.EmergencyRecover(f.ctx, admin, "weth", amt(5), admin))
}

type reentrantCustody struct {
	*custody.Memory
	v        *vault.Vault
	innerErr error
}

func (c *reentrantCustody) PullFrom(ctx context.Context, from types.Address, amount math.Int) error {
	_, c.innerErr = c.v.Deposit(ctx, from, amount, from)
	return c.Memory.PullFrom(ctx, from, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	c := &reentrantCustody{Memory: custody.NewMemory(treasury)}
	c.Credit(alice, amt(1_000))
	v, err := vault.New("shard-a", vault.WithCustody(c))
	require.NoError(t, err)
	c.v = v

	shares, err := v.Deposit(context.Background(), alice, amt(100), alice)
	require.NoError(t, err)
	assert.ErrorIs(t, c.innerErr, vault.ErrReentrantCall)
	assert.Equal(t, int64(100), shares.Int64())
	assert.Equal(t, int64(100), v.TotalSupply().Int64())
}

func TestEventsFollowCommit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.v.SetFee(admin, 100))
	f.events = nil

	_, err := f.v.Deposit(f.ctx, alice, amt(0), alice)
	require.Error(t, err)
	assert.Empty(t, f.events)

	f.deposit(alice, 10_000)
	require.Len(t, f.events, 2)
	assert.Equal(t, types.EventFeeMinted, f.events[0].Kind)
	assert.Equal(t, types.EventDeposit, f.events[1].Kind)
	assert.Equal(t, "9900", f.events[1].Attributes["shares"])
	assert.Equal(t, "shard-a", f.events[1].Shard)
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1_000)

	st := f.v.Export()
	st.TotalShares = st.TotalShares.AddRaw(1)
	assert.Error(t, f.v.Restore(st))

	st = f.v.Export()
	st.ShardID = "shard-b"
	assert.Error(t, f.v.Restore(st))

	require.NoError(t, f.v.Restore(f.v.Export()))
}
