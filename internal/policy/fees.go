// Package policy holds the reference fee schedule and pricing sources
// consumed by the engines. Both are swappable: the engines depend only on the
// domain interfaces, and a replacement takes effect on the next call.
package policy

import (
	"context"
	"math/big"

	"github.com/alanyoungcy/perpvault/internal/fixedpoint"
)

// FeeConfig holds flat fee percentages at Decimals fractional digits
// (100% == 10^Decimals). Negative values pay the caller from the reserve.
type FeeConfig struct {
	Decimals      uint8
	MintPerc      *big.Int
	BurnPerc      *big.Int
	RolloverPerc  *big.Int // charged when the system is balanced or claim-heavy
	RolloverRewrd *big.Int // paid (as a negative fee) when rollovers are needed
	VaultMintPerc *big.Int
	VaultBurnPerc *big.Int
}

// FlatFees implements domain.FeePolicy with flat percentages. The rollover
// percentage flips to the reward when the supplied deviation ratio is below
// one, i.e. the claim token is under-backed and rollers should be paid.
type FlatFees struct {
	cfg FeeConfig
	one *big.Int // deviation ratio of exactly 1 at cfg.Decimals
}

// NewFlatFees builds the policy; nil percentages default to zero.
func NewFlatFees(cfg FeeConfig) *FlatFees {
	z := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(v)
	}
	cfg.MintPerc = z(cfg.MintPerc)
	cfg.BurnPerc = z(cfg.BurnPerc)
	cfg.RolloverPerc = z(cfg.RolloverPerc)
	cfg.RolloverRewrd = z(cfg.RolloverRewrd)
	cfg.VaultMintPerc = z(cfg.VaultMintPerc)
	cfg.VaultBurnPerc = z(cfg.VaultBurnPerc)
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil)
	return &FlatFees{cfg: cfg, one: one}
}

func (f *FlatFees) Decimals() uint8 { return f.cfg.Decimals }

func (f *FlatFees) MintFeePerc(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.cfg.MintPerc), nil
}

func (f *FlatFees) BurnFeePerc(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.cfg.BurnPerc), nil
}

func (f *FlatFees) RolloverFeePerc(ctx context.Context, deviationRatio *big.Int) (*big.Int, error) {
	if deviationRatio != nil && deviationRatio.Sign() > 0 && deviationRatio.Cmp(f.one) < 0 {
		reward := new(big.Int).Set(f.cfg.RolloverRewrd)
		if reward.Sign() > 0 {
			reward.Neg(reward)
		}
		return reward, nil
	}
	return new(big.Int).Set(f.cfg.RolloverPerc), nil
}

func (f *FlatFees) VaultMintFeePerc(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.cfg.VaultMintPerc), nil
}

func (f *FlatFees) VaultBurnFeePerc(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.cfg.VaultBurnPerc), nil
}

// DefaultFeeConfig mirrors config.Defaults: 6 decimals, 2.5% mint/burn, 1%
// rollover with a 0.5% reward, no vault fees.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		Decimals:      fixedpoint.YieldScale,
		MintPerc:      big.NewInt(25_000),
		BurnPerc:      big.NewInt(25_000),
		RolloverPerc:  big.NewInt(10_000),
		RolloverRewrd: big.NewInt(5_000),
		VaultMintPerc: new(big.Int),
		VaultBurnPerc: new(big.Int),
	}
}
