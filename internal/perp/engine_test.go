package perp

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
	"github.com/alanyoungcy/perpvault/internal/policy"
	"github.com/alanyoungcy/perpvault/internal/reserve"
)

var (
	collateral  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	claimTok    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	reserveAddr = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// fix wires an engine against the in-memory book and the sequential issuer
// with a single-tranche bond series and a controllable clock.
type fix struct {
	t     *testing.T
	now   time.Time
	book  *book.Book
	iss   *issuer.Sequential
	eng   *Engine
	class domain.ClassKey
	bonds []*domain.BondBatch
}

func zeroFees() policy.FeeConfig {
	return policy.FeeConfig{Decimals: fixedpoint.YieldScale}
}

func newFix(t *testing.T, fees policy.FeeConfig) *fix {
	f := &fix{t: t, now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.book = book.New()

	iss, err := issuer.New(issuer.Config{
		Collateral:    collateral,
		Ratios:        []uint32{domain.RatioGranularity},
		BondDuration:  4 * time.Hour,
		IssueInterval: time.Hour,
	}, f.book, clock, logger)
	require.NoError(t, err)
	f.iss = iss

	queue := bondqueue.New(bondqueue.Config{
		MinMaturity: time.Minute,
		MaxMaturity: 240 * time.Hour,
	}, iss)
	f.eng = New(
		Config{ClaimToken: claimTok, ReserveAddress: reserveAddr},
		queue, reserve.New(nil), NewYieldBook(), policy.NewStaticPricing(),
		policy.NewFlatFees(fees), iss, f.book, clock, logger,
	)
	return f
}

// issue mints the next bond and records the series class on first use.
func (f *fix) issue() *domain.BondBatch {
	b, err := f.iss.Issue(context.Background())
	require.NoError(f.t, err)
	if f.class == (domain.ClassKey{}) {
		f.class = b.Class()
	}
	f.bonds = append(f.bonds, b)
	return b
}

func (f *fix) setParYields() {
	require.NoError(f.t, f.eng.Yields().Set(f.class, []*big.Int{new(big.Int).Set(fixedpoint.YieldOne)}))
}

// fund mints collateral to the user and splits it through the bond, returning
// the tranche token.
func (f *fix) fund(user common.Address, bond *domain.BondBatch, amt int64) common.Address {
	a := big.NewInt(amt)
	require.NoError(f.t, f.book.Mint(collateral, user, a))
	minted, err := f.iss.Split(context.Background(), bond.Address, user, a)
	require.NoError(f.t, err)
	require.Len(f.t, minted, 1)
	return minted[0].Asset
}

func TestDepositMintsAtParity(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr := f.fund(alice, b1, 200)

	res, err := f.eng.Deposit(context.Background(), alice, tr, big.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), res.ClaimMinted)
	assert.Zero(t, res.Fee.Sign())
	assert.Equal(t, big.NewInt(200), f.eng.ClaimSupply())
	assert.Equal(t, big.NewInt(200), f.book.BalanceOf(claimTok, alice))

	entries := f.eng.ReserveEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, tr, entries[0].Asset)
	assert.Equal(t, big.NewInt(200), entries[0].Amount)
}

func TestDepositChargesMintFee(t *testing.T) {
	fees := zeroFees()
	fees.MintPerc = big.NewInt(25_000) // 2.5%
	f := newFix(t, fees)
	b1 := f.issue()
	f.setParYields()
	tr := f.fund(alice, b1, 200)

	res, err := f.eng.Deposit(context.Background(), alice, tr, big.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), res.ClaimMinted)
	assert.Equal(t, big.NewInt(5), res.Fee)
	assert.Equal(t, big.NewInt(195), f.book.BalanceOf(claimTok, alice))
	assert.Equal(t, big.NewInt(5), f.book.BalanceOf(claimTok, reserveAddr))
	// Fees redistribute the supply, they do not change it.
	assert.Equal(t, big.NewInt(200), f.eng.ClaimSupply())
}

func TestDepositRequiresMintingBondTranche(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr1 := f.fund(alice, b1, 100)

	f.now = f.now.Add(time.Hour)
	f.issue() // b2 is now the minting bond

	_, err := f.eng.Deposit(context.Background(), alice, tr1, big.NewInt(100))
	require.ErrorIs(t, err, domain.ErrUnacceptableDeposit)
	assert.Zero(t, f.eng.ClaimSupply().Sign())
}

func TestDepositZeroYieldRejected(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue() // no yields installed for the class
	tr := f.fund(alice, b1, 100)

	_, err := f.eng.Deposit(context.Background(), alice, tr, big.NewInt(100))
	require.ErrorIs(t, err, domain.ErrUnacceptableDeposit)
}

func TestYieldsFreezeAfterFirstMint(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr := f.fund(alice, b1, 10)

	_, err := f.eng.Deposit(context.Background(), alice, tr, big.NewInt(10))
	require.NoError(t, err)

	err = f.eng.Yields().Set(f.class, []*big.Int{big.NewInt(2_000_000)})
	require.ErrorIs(t, err, domain.ErrUnacceptableParams)
}

// fillQueue deposits the given amounts through four consecutive bonds, one
// deposit per bond while it is the minting bond.
func (f *fix) fillQueue(user common.Address, amounts []int64) []common.Address {
	tranches := make([]common.Address, 0, len(amounts))
	for i, amt := range amounts {
		if i > 0 {
			f.now = f.now.Add(time.Hour)
		}
		b := f.issue()
		if i == 0 {
			f.setParYields()
		}
		tr := f.fund(user, b, amt)
		_, err := f.eng.Deposit(context.Background(), user, tr, big.NewInt(amt))
		require.NoError(f.t, err)
		tranches = append(tranches, tr)
	}
	return tranches
}

func TestRedeemWalksQueueInOrder(t *testing.T) {
	f := newFix(t, zeroFees())
	tranches := f.fillQueue(alice, []int64{5, 5, 5, 200})
	require.Equal(t, big.NewInt(215), f.eng.ClaimSupply())

	res, err := f.eng.Redeem(context.Background(), alice, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), res.ClaimBurned)
	assert.Zero(t, res.Remainder.Sign())

	// Head bonds drain first; the last bond covers what remains.
	require.Len(t, res.Payouts, 4)
	want := []int64{5, 5, 5, 35}
	for i, p := range res.Payouts {
		assert.Equal(t, tranches[i], p.Asset)
		assert.Equal(t, big.NewInt(want[i]), p.Amount, "payout %d", i)
	}

	// Exhausted head bonds were dequeued.
	queued := f.eng.QueueBonds()
	require.Len(t, queued, 1)
	assert.Equal(t, f.bonds[3].Address, queued[0].Address)

	assert.Equal(t, big.NewInt(165), f.eng.ClaimSupply())
	entries := f.eng.ReserveEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, big.NewInt(165), entries[0].Amount)
}

func TestRedeemPartialWhenReserveShort(t *testing.T) {
	f := newFix(t, zeroFees())
	f.fillQueue(alice, []int64{5, 5, 5, 200})

	res, err := f.eng.Redeem(context.Background(), alice, big.NewInt(300))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(215), res.ClaimBurned)
	assert.Equal(t, big.NewInt(85), res.Remainder)
	assert.Equal(t, big.NewInt(85), f.book.BalanceOf(claimTok, alice))
	assert.Empty(t, f.eng.QueueBonds())
	assert.Empty(t, f.eng.ReserveEntries())
}

func TestRedeemRollsBackOnBurnFailure(t *testing.T) {
	f := newFix(t, zeroFees())
	f.fillQueue(alice, []int64{5, 200})

	// Bob holds no claims, so the burn at the end must fail and undo the
	// payouts and dequeues already performed.
	_, err := f.eng.Redeem(context.Background(), bob, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, big.NewInt(205), f.eng.ClaimSupply())
	assert.Len(t, f.eng.QueueBonds(), 2)
	entries := f.eng.ReserveEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, big.NewInt(5), entries[0].Amount)
	assert.Equal(t, big.NewInt(200), entries[1].Amount)
	for _, e := range entries {
		assert.Zero(t, f.book.BalanceOf(e.Asset, bob).Sign())
	}
}

func TestRedeemIcebox(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr := f.fund(alice, b1, 200)
	_, err := f.eng.Deposit(context.Background(), alice, tr, big.NewInt(200))
	require.NoError(t, err)

	// Queue still holds b1: the icebox path is gated shut.
	_, err = f.eng.RedeemIcebox(context.Background(), alice, tr, big.NewInt(50))
	require.ErrorIs(t, err, domain.ErrUnacceptableRedemption)

	// Past the maturity window b1 is evicted and the queue empties.
	f.now = f.now.Add(4 * time.Hour)
	res, err := f.eng.RedeemIcebox(context.Background(), alice, tr, big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), res.ClaimBurned)
	assert.Zero(t, res.Remainder.Sign())
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, big.NewInt(50), res.Payouts[0].Amount)
	assert.Equal(t, big.NewInt(150), f.eng.ClaimSupply())
	assert.Equal(t, big.NewInt(50), f.book.BalanceOf(tr, alice))
}

func TestRolloverExchangesForOffQueueTranche(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr1 := f.fund(alice, b1, 100)
	_, err := f.eng.Deposit(context.Background(), alice, tr1, big.NewInt(100))
	require.NoError(t, err)

	// While b1 is still queued the reserve's tr1 is not a valid target.
	f.now = f.now.Add(time.Hour)
	b2 := f.issue()
	tr2 := f.fund(bob, b2, 300)
	_, err = f.eng.Rollover(context.Background(), bob, tr2, tr1, big.NewInt(60), nil)
	require.ErrorIs(t, err, domain.ErrUnacceptableBond)

	// Evict b1 by moving past its window, then roll.
	f.now = f.now.Add(3 * time.Hour)
	_, err = f.eng.BurningBond(context.Background())
	require.NoError(t, err)

	res, err := f.eng.Rollover(context.Background(), bob, tr2, tr1, big.NewInt(60), nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(60), res.TrancheInUsed)
	assert.Equal(t, big.NewInt(60), res.TokenOutAmt)
	assert.Equal(t, big.NewInt(60), res.ClaimEquiv)
	assert.Equal(t, big.NewInt(60), f.book.BalanceOf(tr1, bob))
	assert.Equal(t, big.NewInt(40), f.book.BalanceOf(tr1, reserveAddr))
	assert.Equal(t, big.NewInt(60), f.book.BalanceOf(tr2, reserveAddr))
	// Supply is untouched: rollover swaps backing, not claims.
	assert.Equal(t, big.NewInt(100), f.eng.ClaimSupply())
}

func TestRolloverPartialFill(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	f.setParYields()
	tr1 := f.fund(alice, b1, 40)
	_, err := f.eng.Deposit(context.Background(), alice, tr1, big.NewInt(40))
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Hour)
	_, err = f.eng.BurningBond(context.Background())
	require.NoError(t, err)
	b2 := f.issue()
	tr2 := f.fund(bob, b2, 200)

	// The reserve only holds 40 of tr1, so only 40 of the input is consumed.
	res, err := f.eng.Rollover(context.Background(), bob, tr2, tr1, big.NewInt(200), nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(40), res.TrancheInUsed)
	assert.Equal(t, big.NewInt(40), res.TokenOutAmt)
	assert.Equal(t, big.NewInt(160), f.book.BalanceOf(tr2, bob))
	assert.Equal(t, big.NewInt(40), f.book.BalanceOf(tr1, bob))
}

func TestRolloverPartialFillNeverOverpays(t *testing.T) {
	f := newFix(t, zeroFees())
	b1 := f.issue()
	require.NoError(t, f.eng.Yields().Set(b1.Class(), []*big.Int{big.NewInt(900_000)}))
	tr1 := f.fund(alice, b1, 15)
	_, err := f.eng.Deposit(context.Background(), alice, tr1, big.NewInt(15))
	require.NoError(t, err)

	f.now = f.now.Add(4 * time.Hour)
	_, err = f.eng.BurningBond(context.Background())
	require.NoError(t, err)
	b2 := f.issue()
	tr2 := f.fund(bob, b2, 200)

	// The reserve holds 15 of tr1 worth 13 claims at 90% yield. The input
	// consumed must carry at least the value paid out: a naive cap would pay
	// all 15 units for input worth only 12 claims.
	res, err := f.eng.Rollover(context.Background(), bob, tr2, tr1, big.NewInt(200), nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(14), res.TrancheInUsed)
	assert.Equal(t, big.NewInt(12), res.ClaimEquiv)
	assert.Equal(t, big.NewInt(13), res.TokenOutAmt)

	// Value out never exceeds value in: 13 * 0.9 <= 14 * 0.9 floored.
	valIn, err := fixedpoint.TranchesToClaim(res.TrancheInUsed, big.NewInt(900_000), fixedpoint.PriceOne)
	require.NoError(t, err)
	valOut, err := fixedpoint.TranchesToClaim(res.TokenOutAmt, big.NewInt(900_000), fixedpoint.PriceOne)
	require.NoError(t, err)
	assert.LessOrEqual(t, valOut.Cmp(valIn), 0)

	assert.Equal(t, big.NewInt(13), f.book.BalanceOf(tr1, bob))
	assert.Equal(t, big.NewInt(2), f.book.BalanceOf(tr1, reserveAddr))
	assert.Equal(t, big.NewInt(14), f.book.BalanceOf(tr2, reserveAddr))
	assert.Equal(t, big.NewInt(186), f.book.BalanceOf(tr2, bob))
}
