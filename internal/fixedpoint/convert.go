// Package fixedpoint implements the tranche<->claim conversion math. All
// functions are pure integer fixed point with floor division, biased toward
// under-issuing claims and over-consuming tranches.
package fixedpoint

import (
	"math/big"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

const (
	// YieldScale is the number of fractional digits in a yield factor:
	// a yield of 10^YieldScale converts tranches 1:1.
	YieldScale = 6

	// PriceScale is the number of fractional digits in a tranche price:
	// a price of 10^PriceScale values one tranche unit at one unit of account.
	PriceScale = 18
)

var (
	// YieldOne is 100% yield (10^YieldScale).
	YieldOne = pow10(YieldScale)

	// PriceOne is a unit price (10^PriceScale).
	PriceOne = pow10(PriceScale)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

func invalid(v *big.Int) bool {
	return v == nil || v.Sign() <= 0
}

// TranchesToClaim converts a tranche amount into claim-token units:
//
//	claim = (amt * yield / 10^YieldScale) * price / 10^PriceScale
//
// Both divisions floor, so the result never overstates the claim. Returns
// ErrUnacceptableParams when yield or price is not positive; callers that
// treat zero-yield tranches as non-convertible must check before calling.
func TranchesToClaim(amt, yield, price *big.Int) (*big.Int, error) {
	if invalid(yield) || invalid(price) {
		return nil, domain.ErrUnacceptableParams
	}
	if amt == nil || amt.Sign() == 0 {
		return new(big.Int), nil
	}
	out := new(big.Int).Mul(amt, yield)
	out.Quo(out, YieldOne)
	out.Mul(out, price)
	out.Quo(out, PriceOne)
	return out, nil
}

// ClaimToTranches converts a claim amount into tranche units:
//
//	tranches = (claim * 10^PriceScale / price) * 10^YieldScale / yield
//
// Floor division on both steps guarantees the round trip
// ClaimToTranches(TranchesToClaim(x)) <= x for every positive yield and
// price, so a redemption can never return more tranches than were consumed.
func ClaimToTranches(amt, yield, price *big.Int) (*big.Int, error) {
	if invalid(yield) || invalid(price) {
		return nil, domain.ErrUnacceptableParams
	}
	if amt == nil || amt.Sign() == 0 {
		return new(big.Int), nil
	}
	out := new(big.Int).Mul(amt, PriceOne)
	out.Quo(out, price)
	out.Mul(out, YieldOne)
	out.Quo(out, yield)
	return out, nil
}

// PercOf applies a signed fixed-point percentage with decimals fractional
// digits to amt, flooring toward zero. Used for fee settlement.
func PercOf(amt, perc *big.Int, decimals uint8) *big.Int {
	if amt == nil || perc == nil || amt.Sign() == 0 || perc.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amt, perc)
	return out.Quo(out, pow10(int64(decimals)))
}
