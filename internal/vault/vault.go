// Package vault implements the companion vault: proportional share issuance
// against the vault's multi-asset reserve (NAV engine), the rollover
// automaton that converts raw collateral into tranches and keeps them rolled
// forward, and the underlying<->claim swap surface.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/fixedpoint"
	"github.com/alanyoungcy/perpvault/internal/perp"
	"github.com/alanyoungcy/perpvault/internal/reserve"
)

// State is the automaton's phase. Transitions never overlap: a public
// operation owns the vault for its whole duration.
type State int

const (
	Idle State = iota
	Deploying
	Recovering
)

// Config holds the vault's token identities and deployment policy.
type Config struct {
	ShareToken   common.Address
	Underlying   common.Address
	VaultAddress common.Address

	// SeedShareScale is the shares-per-underlying ratio used when the share
	// supply is zero.
	SeedShareScale *big.Int

	// MinDeployment is the smallest usable collateral amount worth deploying.
	MinDeployment *big.Int
	// MaxDeployedAssets caps the vault ledger's tracked-asset count.
	MaxDeployedAssets int
	// MinReservedBalance and MinReservedPerc (scale fixedpoint.YieldScale)
	// define the underlying floor kept out of deployment; the larger wins.
	MinReservedBalance *big.Int
	MinReservedPerc    *big.Int

	// MinUnderlyingBalance / MaxUnderlyingBalance bound the vault's
	// underlying balance after a swap. Nil means unbounded.
	MinUnderlyingBalance *big.Int
	MaxUnderlyingBalance *big.Int
}

// Vault owns the vault-side reserve ledger and share supply. Like the claim
// engine, every public operation is a single atomic unit: on error the book,
// both ledgers, and the claim engine's queue are restored.
type Vault struct {
	mu    sync.Mutex
	state State

	cfg    Config
	ledger *reserve.Ledger
	engine *perp.Engine
	bonds  domain.BondController
	fees   domain.FeePolicy
	book   domain.TokenBook
	clock  domain.Clock
	logger *slog.Logger
}

// New wires a vault. A nil clock defaults to time.Now.
func New(
	cfg Config,
	ledger *reserve.Ledger,
	engine *perp.Engine,
	bonds domain.BondController,
	fees domain.FeePolicy,
	bk domain.TokenBook,
	clock domain.Clock,
	logger *slog.Logger,
) *Vault {
	if clock == nil {
		clock = time.Now
	}
	if cfg.SeedShareScale == nil || cfg.SeedShareScale.Sign() <= 0 {
		cfg.SeedShareScale = big.NewInt(1_000_000)
	}
	return &Vault{
		cfg:    cfg,
		ledger: ledger,
		engine: engine,
		bonds:  bonds,
		fees:   fees,
		book:   bk,
		clock:  clock,
		logger: logger.With(slog.String("component", "vault")),
	}
}

// atomically runs fn in the given automaton state with full rollback on
// error. The claim engine's own state is snapshotted too, because composed
// operations drive its rollover and deposit paths.
func (v *Vault) atomically(state State, fn func(now time.Time) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != Idle {
		return fmt.Errorf("vault: operation already in progress: %w", domain.ErrUnacceptableParams)
	}
	v.state = state
	defer func() { v.state = Idle }()

	now := v.clock()
	revertBook, discard := v.book.Checkpoint()
	revertLedger := v.ledger.Snapshot()
	revertEngine := v.engine.Snapshot()

	if err := fn(now); err != nil {
		revertBook()
		revertLedger()
		revertEngine()
		return err
	}
	discard()
	return nil
}

// ShareSupply returns the outstanding vault share supply.
func (v *Vault) ShareSupply() *big.Int {
	return v.book.TotalSupply(v.cfg.ShareToken)
}

// ReserveEntries returns the vault's tracked reserve in insertion order.
func (v *Vault) ReserveEntries() []domain.AssetAmount {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.Entries()
}

// valueOf prices one reserve balance in underlying units: raw collateral 1:1,
// tranches through their yield and price backing.
func (v *Vault) valueOf(ctx context.Context, asset common.Address, bal *big.Int) (*big.Int, error) {
	if asset == v.cfg.Underlying {
		return new(big.Int).Set(bal), nil
	}
	bond, tr, err := v.bonds.TrancheOf(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("vault: value of %s: %w", asset.Hex(), domain.ErrUnexpectedAsset)
	}
	yield := v.engine.Yields().Yield(bond.Class(), tr.Seniority)
	if yield.Sign() == 0 {
		return new(big.Int), nil
	}
	price, err := v.engine.PriceOf(ctx, asset)
	if err != nil {
		return nil, err
	}
	return fixedpoint.TranchesToClaim(bal, yield, price)
}

// totalValueLocked sums the tracked reserve's value. Caller holds v.mu.
func (v *Vault) totalValueLocked(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	for _, e := range v.ledger.Entries() {
		val, err := v.valueOf(ctx, e.Asset, e.Amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, val)
	}
	return total, nil
}

// TotalValue returns the vault reserve's aggregate value in underlying units.
func (v *Vault) TotalValue(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalValueLocked(ctx)
}

// ComputeMintAmt converts an underlying deposit into shares at the current
// NAV: the fixed seed ratio on first deposit, pro-rata afterwards.
func (v *Vault) ComputeMintAmt(ctx context.Context, amount *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.computeMintLocked(ctx, amount)
}

func (v *Vault) computeMintLocked(ctx context.Context, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	supply := v.book.TotalSupply(v.cfg.ShareToken)
	if supply.Sign() == 0 {
		return new(big.Int).Mul(amount, v.cfg.SeedShareScale), nil
	}
	total, err := v.totalValueLocked(ctx)
	if err != nil {
		return nil, err
	}
	if total.Sign() == 0 {
		return nil, fmt.Errorf("vault: shares outstanding against empty reserve: %w", domain.ErrUnacceptableParams)
	}
	out := new(big.Int).Mul(amount, supply)
	return out.Quo(out, total), nil
}

// Deposit pulls underlying into the vault reserve and mints shares at the
// pre-deposit NAV, net of the vault mint fee.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	shares := new(big.Int)
	err := v.atomically(Idle, func(now time.Time) error {
		minted, err := v.computeMintLocked(ctx, amount)
		if err != nil {
			return err
		}
		if minted.Sign() == 0 {
			return nil
		}
		if err := v.book.Transfer(v.cfg.Underlying, caller, v.cfg.VaultAddress, amount); err != nil {
			return err
		}
		v.syncLocked(v.cfg.Underlying)
		if err := v.book.Mint(v.cfg.ShareToken, caller, minted); err != nil {
			return err
		}
		perc, err := v.fees.VaultMintFeePerc(ctx)
		if err != nil {
			return fmt.Errorf("vault deposit: fee policy: %w", err)
		}
		fee := fixedpoint.PercOf(minted, perc, v.fees.Decimals())
		if err := v.settleShareFee(caller, fee); err != nil {
			return err
		}
		shares = minted
		v.logger.Info("vault deposit",
			slog.String("caller", caller.Hex()),
			slog.String("amount", amount.String()),
			slog.String("shares", minted.String()),
		)
		return nil
	})
	return shares, err
}

// ComputeRedemptionAmts slices the tracked reserve pro rata for a share
// amount, in insertion order. No queue walk, no remainder.
func (v *Vault) ComputeRedemptionAmts(ctx context.Context, shareAmt *big.Int) ([]domain.AssetAmount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.redemptionAmtsLocked(shareAmt)
}

func (v *Vault) redemptionAmtsLocked(shareAmt *big.Int) ([]domain.AssetAmount, error) {
	if shareAmt == nil || shareAmt.Sign() <= 0 {
		return nil, nil
	}
	supply := v.book.TotalSupply(v.cfg.ShareToken)
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("vault: no shares outstanding: %w", domain.ErrUnacceptableRedemption)
	}
	out := make([]domain.AssetAmount, 0, v.ledger.Len())
	for _, e := range v.ledger.Entries() {
		pay := new(big.Int).Mul(e.Amount, shareAmt)
		pay.Quo(pay, supply)
		out = append(out, domain.AssetAmount{Asset: e.Asset, Amount: pay})
	}
	return out, nil
}

// Redeem burns shares and pays out the pro-rata slice of every tracked asset,
// net of the vault burn fee.
func (v *Vault) Redeem(ctx context.Context, caller common.Address, shareAmt *big.Int) ([]domain.AssetAmount, error) {
	var payouts []domain.AssetAmount
	err := v.atomically(Idle, func(now time.Time) error {
		if shareAmt == nil || shareAmt.Sign() == 0 {
			return nil
		}
		perc, err := v.fees.VaultBurnFeePerc(ctx)
		if err != nil {
			return fmt.Errorf("vault redeem: fee policy: %w", err)
		}
		fee := fixedpoint.PercOf(shareAmt, perc, v.fees.Decimals())
		if err := v.settleShareFee(caller, fee); err != nil {
			return err
		}
		net := new(big.Int).Set(shareAmt)
		if fee.Sign() > 0 {
			net.Sub(net, fee)
		}
		payouts, err = v.redemptionAmtsLocked(net)
		if err != nil {
			return err
		}
		for _, p := range payouts {
			if p.Amount.Sign() == 0 {
				continue
			}
			if err := v.book.Transfer(p.Asset, v.cfg.VaultAddress, caller, p.Amount); err != nil {
				return err
			}
			v.syncLocked(p.Asset)
		}
		if err := v.book.Burn(v.cfg.ShareToken, caller, net); err != nil {
			return err
		}
		v.logger.Info("vault redeem",
			slog.String("caller", caller.Hex()),
			slog.String("shares", shareAmt.String()),
			slog.Int("payouts", len(payouts)),
		)
		return nil
	})
	return payouts, err
}

// syncLocked refreshes one asset's ledger entry from the book. Caller holds v.mu.
func (v *Vault) syncLocked(asset common.Address) {
	v.ledger.Sync(asset, v.book.BalanceOf(asset, v.cfg.VaultAddress))
}

// settleShareFee moves a signed fee in share tokens: positive from the caller
// to the vault, negative from the vault to the caller.
func (v *Vault) settleShareFee(caller common.Address, fee *big.Int) error {
	switch fee.Sign() {
	case 0:
		return nil
	case 1:
		return v.book.Transfer(v.cfg.ShareToken, caller, v.cfg.VaultAddress, fee)
	default:
		return v.book.Transfer(v.cfg.ShareToken, v.cfg.VaultAddress, caller, new(big.Int).Neg(fee))
	}
}
