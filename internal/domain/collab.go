package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Issuer is the external bond factory. The core never mints bonds itself; it
// only learns about them through the issuer and admits them into the queue.
type Issuer interface {
	// LastBond returns the most recently issued bond, or nil if none exists.
	LastBond(ctx context.Context) (*BondBatch, error)
	// IsInstance reports whether the bond was genuinely issued by this issuer.
	IsInstance(ctx context.Context, bond common.Address) (bool, error)
}

// BondController performs collateral<->tranche operations against a bond:
// splitting collateral into all seniorities at once and redeeming tranches of
// a mature bond back into collateral.
type BondController interface {
	// Split moves amount of the bond's collateral from holder into the bond
	// and credits holder with tranche tokens per the seniority ratios.
	// Returns the minted amount per tranche, most senior first.
	Split(ctx context.Context, bond common.Address, holder common.Address, amount *big.Int) ([]AssetAmount, error)
	// RedeemMature burns amount of a mature bond's tranche held by holder
	// and returns the released collateral amount.
	RedeemMature(ctx context.Context, bond common.Address, tranche common.Address, holder common.Address, amount *big.Int) (*big.Int, error)
	// Lookup resolves a bond address to its batch description.
	Lookup(ctx context.Context, bond common.Address) (*BondBatch, error)
	// TrancheOf resolves a tranche token to its parent bond, or ErrNotFound
	// if the token is not a tranche.
	TrancheOf(ctx context.Context, token common.Address) (*BondBatch, Tranche, error)
}

// FeePolicy supplies signed fee percentages for the core's operations. A
// positive percentage is collected from the caller; a negative one is paid to
// the caller from the reserve. Percentages are fixed point with Decimals()
// fractional digits, where 100% == 10^Decimals().
type FeePolicy interface {
	Decimals() uint8
	MintFeePerc(ctx context.Context) (*big.Int, error)
	BurnFeePerc(ctx context.Context) (*big.Int, error)
	// RolloverFeePerc is keyed off the deviation ratio between the claim
	// token's and the vault's total values, supplied by the caller.
	RolloverFeePerc(ctx context.Context, deviationRatio *big.Int) (*big.Int, error)
	VaultMintFeePerc(ctx context.Context) (*big.Int, error)
	VaultBurnFeePerc(ctx context.Context) (*big.Int, error)
}

// PricingSource supplies the fixed-point price of one tranche unit in the
// standard unit of account (scale fixedpoint.PriceScale).
type PricingSource interface {
	Price(ctx context.Context, tranche common.Address) (*big.Int, error)
}

// YieldTable maps bond class keys to per-seniority yield factors (scale
// fixedpoint.YieldScale). Administratively populated; read-only to the core
// at call time. A zero yield marks a seniority as non-convertible.
type YieldTable interface {
	Yield(class ClassKey, seniority int) *big.Int
	Yields(class ClassKey) []*big.Int
}

// TokenBook is the asset-transfer primitive. Implementations must apply each
// call atomically; the Journal hook lets an engine revert every mutation made
// since the checkpoint when a later sub-step of the same operation fails.
type TokenBook interface {
	BalanceOf(asset, holder common.Address) *big.Int
	Transfer(asset, from, to common.Address, amount *big.Int) error
	Mint(asset, to common.Address, amount *big.Int) error
	Burn(asset, from common.Address, amount *big.Int) error
	TotalSupply(asset common.Address) *big.Int
	// Checkpoint marks the current state; the returned revert function
	// restores it. Revert is a no-op after Discard.
	Checkpoint() (revert func(), discard func())
}

// Clock abstracts the current time so maturity-window checks are testable.
type Clock func() time.Time
