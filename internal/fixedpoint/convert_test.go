package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestTranchesToClaim(t *testing.T) {
	tests := []struct {
		name  string
		amt   *big.Int
		yield *big.Int
		price *big.Int
		want  *big.Int
	}{
		{"unit yield and price", bi(200), YieldOne, PriceOne, bi(200)},
		{"half yield", bi(200), bi(500_000), PriceOne, bi(100)},
		{"half price", bi(200), YieldOne, new(big.Int).Quo(PriceOne, bi(2)), bi(100)},
		{"floors toward zero", bi(3), bi(333_333), PriceOne, bi(0)},
		{"zero amount is a no-op", bi(0), YieldOne, PriceOne, bi(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TranchesToClaim(tc.amt, tc.yield, tc.price)
			require.NoError(t, err)
			assert.Zero(t, tc.want.Cmp(got), "want %s got %s", tc.want, got)
		})
	}
}

func TestConvertRejectsZeroDivisors(t *testing.T) {
	_, err := TranchesToClaim(bi(10), bi(0), PriceOne)
	require.ErrorIs(t, err, domain.ErrUnacceptableParams)

	_, err = TranchesToClaim(bi(10), YieldOne, nil)
	require.ErrorIs(t, err, domain.ErrUnacceptableParams)

	_, err = ClaimToTranches(bi(10), YieldOne, bi(0))
	require.ErrorIs(t, err, domain.ErrUnacceptableParams)

	_, err = ClaimToTranches(bi(10), bi(-1), PriceOne)
	require.ErrorIs(t, err, domain.ErrUnacceptableParams)
}

// The round trip must never return more tranches than went in, for any
// combination of odd yields and prices.
func TestRoundTripNeverOverReturns(t *testing.T) {
	amounts := []int64{1, 2, 3, 7, 199, 200, 1_000_000, 123_456_789}
	yields := []int64{1, 3, 200_000, 333_333, 500_000, 1_000_000, 2_500_000}
	prices := []*big.Int{
		bi(1),
		bi(7),
		new(big.Int).Quo(PriceOne, bi(3)),
		PriceOne,
		new(big.Int).Mul(PriceOne, bi(5)),
	}
	for _, a := range amounts {
		for _, y := range yields {
			for _, p := range prices {
				claim, err := TranchesToClaim(bi(a), bi(y), p)
				require.NoError(t, err)
				back, err := ClaimToTranches(claim, bi(y), p)
				require.NoError(t, err)
				assert.LessOrEqual(t, back.Cmp(bi(a)), 0,
					"amt=%d yield=%d price=%s: got back %s", a, y, p, back)
			}
		}
	}
}

func TestPercOf(t *testing.T) {
	// 2.5% of 1000 at 6 decimals.
	fee := PercOf(bi(1000), bi(25_000), 6)
	assert.Zero(t, bi(25).Cmp(fee))

	// Negative percentage keeps its sign (reward paid to the caller).
	reward := PercOf(bi(1000), bi(-25_000), 6)
	assert.Zero(t, bi(-25).Cmp(reward))

	assert.Zero(t, PercOf(bi(0), bi(25_000), 6).Sign())
	assert.Zero(t, PercOf(bi(1000), bi(0), 6).Sign())
}
