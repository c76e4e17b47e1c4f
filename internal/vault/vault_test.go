package vault

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/bondqueue"
	"github.com/alanyoungcy/perpvault/internal/book"
	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/fixedpoint"
	"github.com/alanyoungcy/perpvault/internal/issuer"
	"github.com/alanyoungcy/perpvault/internal/perp"
	"github.com/alanyoungcy/perpvault/internal/policy"
	"github.com/alanyoungcy/perpvault/internal/reserve"
)

var (
	underlying  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	claimTok    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	shareTok    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	reserveAddr = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	lp1         = common.HexToAddress("0x0000000000000000000000000000000000000111")
	lp2         = common.HexToAddress("0x0000000000000000000000000000000000000222")
	carol       = common.HexToAddress("0x0000000000000000000000000000000000000333")
)

// fix wires a vault over a claim engine, the in-memory book, and a two-
// tranche (20%/80%) bond series with a controllable clock.
type fix struct {
	t     *testing.T
	now   time.Time
	book  *book.Book
	iss   *issuer.Sequential
	eng   *perp.Engine
	v     *Vault
	class domain.ClassKey
	bonds []*domain.BondBatch
}

func newFix(t *testing.T, mut func(*Config)) *fix {
	f := &fix{t: t, now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.book = book.New()

	iss, err := issuer.New(issuer.Config{
		Collateral:    underlying,
		Ratios:        []uint32{200, 800},
		BondDuration:  4 * time.Hour,
		IssueInterval: time.Hour,
	}, f.book, clock, logger)
	require.NoError(t, err)
	f.iss = iss

	fees := policy.NewFlatFees(policy.FeeConfig{Decimals: fixedpoint.YieldScale})
	queue := bondqueue.New(bondqueue.Config{
		MinMaturity: time.Minute,
		MaxMaturity: 240 * time.Hour,
	}, iss)
	f.eng = perp.New(
		perp.Config{ClaimToken: claimTok, ReserveAddress: reserveAddr},
		queue, reserve.New(nil), perp.NewYieldBook(), policy.NewStaticPricing(),
		fees, iss, f.book, clock, logger,
	)

	cfg := Config{
		ShareToken:   shareTok,
		Underlying:   underlying,
		VaultAddress: vaultAddr,
	}
	if mut != nil {
		mut(&cfg)
	}
	f.v = New(cfg, reserve.New(nil), f.eng, iss, fees, f.book, clock, logger)

	b := f.issue()
	f.class = b.Class()
	par := new(big.Int).Set(fixedpoint.YieldOne)
	require.NoError(t, f.eng.Yields().Set(f.class, []*big.Int{par, new(big.Int).Set(par)}))
	return f
}

func (f *fix) issue() *domain.BondBatch {
	b, err := f.iss.Issue(context.Background())
	require.NoError(f.t, err)
	f.bonds = append(f.bonds, b)
	return b
}

func (f *fix) mintUnderlying(user common.Address, amt int64) {
	require.NoError(f.t, f.book.Mint(underlying, user, big.NewInt(amt)))
}

func shares(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestDepositSeedsAndTracksNAV(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 100)
	f.mintUnderlying(lp2, 50)

	got, err := f.v.Deposit(context.Background(), lp1, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, shares(100), got)

	tv, err := f.v.TotalValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), tv)

	// Second deposit mints pro rata against the pre-deposit NAV.
	got, err = f.v.Deposit(context.Background(), lp2, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, shares(50), got)
	assert.Equal(t, shares(150), f.v.ShareSupply())
}

func TestRedeemPaysProRataSlice(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 100)
	f.mintUnderlying(lp2, 50)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(100))
	require.NoError(t, err)
	_, err = f.v.Deposit(context.Background(), lp2, big.NewInt(50))
	require.NoError(t, err)

	payouts, err := f.v.Redeem(context.Background(), lp2, shares(50))
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, underlying, payouts[0].Asset)
	assert.Equal(t, big.NewInt(50), payouts[0].Amount)
	assert.Equal(t, shares(100), f.v.ShareSupply())
	assert.Equal(t, big.NewInt(50), f.book.BalanceOf(underlying, lp2))

	// Remaining holder's slice is untouched.
	tv, err := f.v.TotalValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), tv)
}

func TestDeploySplitsBySeniority(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 10)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)

	res, err := f.v.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), res.Deployed)
	require.Len(t, res.Minted, 2)
	assert.Equal(t, big.NewInt(2), res.Minted[0].Amount)
	assert.Equal(t, big.NewInt(8), res.Minted[1].Amount)
	// No off-queue reserve tranches exist yet, so nothing rolls.
	assert.Zero(t, res.Rolled.Sign())

	entries := f.v.ReserveEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, big.NewInt(2), entries[0].Amount)
	assert.Equal(t, big.NewInt(8), entries[1].Amount)
	assert.False(t, f.v.ledger.Has(underlying))

	// NAV is preserved across deployment at par pricing.
	tv, err := f.v.TotalValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), tv)
}

func TestDeployHonorsReservedFloor(t *testing.T) {
	f := newFix(t, func(c *Config) {
		c.MinReservedBalance = big.NewInt(40)
	})
	f.mintUnderlying(lp1, 100)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(100))
	require.NoError(t, err)

	res, err := f.v.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(60), res.Deployed)
	assert.Equal(t, big.NewInt(40), f.book.BalanceOf(underlying, vaultAddr))
}

func TestDeployBelowMinimumRejected(t *testing.T) {
	f := newFix(t, func(c *Config) {
		c.MinDeployment = big.NewInt(50)
	})
	f.mintUnderlying(lp1, 10)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)

	_, err = f.v.Deploy(context.Background())
	require.ErrorIs(t, err, domain.ErrInsufficientDeployment)
	// Rolled back: the underlying never left the vault.
	assert.Equal(t, big.NewInt(10), f.book.BalanceOf(underlying, vaultAddr))
}

func TestDeployRollsJuniorIntoOffQueueReserve(t *testing.T) {
	f := newFix(t, nil)
	b1 := f.bonds[0]

	// Seed the claim reserve with b1's junior tranche, then push b1 out of
	// the queue so it becomes a rollover target.
	f.mintUnderlying(carol, 100)
	minted, err := f.iss.Split(context.Background(), b1.Address, carol, big.NewInt(100))
	require.NoError(t, err)
	junior1 := minted[1]
	_, err = f.eng.Deposit(context.Background(), carol, junior1.Asset, junior1.Amount)
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Hour)
	_, err = f.eng.BurningBond(context.Background())
	require.NoError(t, err)
	f.issue() // b2 becomes the minting bond

	f.mintUnderlying(lp1, 10)
	_, err = f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)

	res, err := f.v.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(8), res.Rolled)

	// The vault ends up holding b1 junior instead of b2 junior.
	assert.Equal(t, big.NewInt(8), f.book.BalanceOf(junior1.Asset, vaultAddr))
	assert.True(t, f.v.ledger.Has(junior1.Asset))
	juniors2 := f.bonds[1].Tranches[1].Token
	assert.Zero(t, f.book.BalanceOf(juniors2, vaultAddr).Sign())
}

func TestRecoverReleasesMatureCollateral(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 10)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)
	_, err = f.v.Deploy(context.Background())
	require.NoError(t, err)

	// Nothing matures before the bond's maturity.
	res, err := f.v.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Recovered)

	f.now = f.now.Add(5 * time.Hour)
	res, err = f.v.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Recovered, 2)
	assert.Equal(t, big.NewInt(10), f.book.BalanceOf(underlying, vaultAddr))
	assert.True(t, f.v.ledger.Has(underlying))
	assert.Equal(t, 1, f.v.ledger.Len())
}

func TestRecoverAssetRejectsUnexpected(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 10)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)

	_, err = f.v.RecoverAsset(context.Background(), underlying)
	require.ErrorIs(t, err, domain.ErrUnexpectedAsset)
}

func TestRecoverAndRedeployRolls(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 10)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(10))
	require.NoError(t, err)
	_, err = f.v.Deploy(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Hour)
	f.issue() // fresh minting bond for the redeploy leg

	rres, dres, err := f.v.RecoverAndRedeploy(context.Background())
	require.NoError(t, err)
	require.Len(t, rres.Recovered, 2)
	assert.Equal(t, big.NewInt(10), dres.Deployed)
	require.Len(t, dres.Minted, 2)
	assert.Equal(t, big.NewInt(2), dres.Minted[0].Amount)
	assert.Equal(t, big.NewInt(8), dres.Minted[1].Amount)
}

func TestSwapUnderlyingForPerpsLeavesNoResidual(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(carol, 100)

	out, err := f.v.SwapUnderlyingForPerps(context.Background(), carol, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), out)
	assert.Equal(t, big.NewInt(100), f.book.BalanceOf(claimTok, carol))
	assert.Zero(t, f.book.BalanceOf(claimTok, vaultAddr).Sign())

	// Both tranches went into the claim reserve, valued 20/80.
	entries := f.eng.ReserveEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, big.NewInt(20), entries[0].Amount)
	assert.Equal(t, big.NewInt(80), entries[1].Amount)
}

func TestSwapPerpsForUnderlying(t *testing.T) {
	f := newFix(t, nil)
	f.mintUnderlying(lp1, 200)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(200))
	require.NoError(t, err)

	f.mintUnderlying(carol, 100)
	_, err = f.v.SwapUnderlyingForPerps(context.Background(), carol, big.NewInt(100))
	require.NoError(t, err)

	out, err := f.v.SwapPerpsForUnderlying(context.Background(), carol, big.NewInt(60))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(60), out)
	assert.Equal(t, big.NewInt(60), f.book.BalanceOf(underlying, carol))
	assert.Equal(t, big.NewInt(40), f.book.BalanceOf(claimTok, carol))
	// The redeemed tranches now back the vault instead of the claim supply.
	assert.Equal(t, big.NewInt(40), f.eng.ClaimSupply())
}

func TestSwapRespectsLiquidityBounds(t *testing.T) {
	f := newFix(t, func(c *Config) {
		c.MinUnderlyingBalance = big.NewInt(150)
	})
	f.mintUnderlying(lp1, 200)
	_, err := f.v.Deposit(context.Background(), lp1, big.NewInt(200))
	require.NoError(t, err)

	f.mintUnderlying(carol, 100)
	_, err = f.v.SwapUnderlyingForPerps(context.Background(), carol, big.NewInt(100))
	require.NoError(t, err)

	_, err = f.v.SwapPerpsForUnderlying(context.Background(), carol, big.NewInt(60))
	require.ErrorIs(t, err, domain.ErrLiquidityOutOfBounds)
	// Rolled back: carol keeps her claims, the vault keeps its underlying.
	assert.Equal(t, big.NewInt(100), f.book.BalanceOf(claimTok, carol))
	assert.Equal(t, big.NewInt(200), f.book.BalanceOf(underlying, vaultAddr))
}
