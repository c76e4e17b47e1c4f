package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// SwapUnderlyingForPerps converts the caller's underlying into claim tokens:
// the underlying is tranched through the minting bond, every convertible
// tranche is deposited into the claim engine, and all minted claims are
// forwarded to the caller. The vault keeps only the non-convertible tranches
// and never retains a claim balance.
func (v *Vault) SwapUnderlyingForPerps(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	claimOut := new(big.Int)
	err := v.atomically(Idle, func(now time.Time) error {
		if amount == nil || amount.Sign() == 0 {
			return nil
		}
		if err := v.book.Transfer(v.cfg.Underlying, caller, v.cfg.VaultAddress, amount); err != nil {
			return err
		}
		minting, err := v.engine.MintingBond(ctx)
		if err != nil {
			return err
		}
		minted, err := v.bonds.Split(ctx, minting.Address, v.cfg.VaultAddress, amount)
		if err != nil {
			return err
		}
		v.syncLocked(v.cfg.Underlying)

		class := minting.Class()
		for _, m := range minted {
			tr, _ := minting.TrancheByToken(m.Asset)
			if v.engine.Yields().Yield(class, tr.Seniority).Sign() == 0 {
				// Non-convertible: stays in the vault reserve until maturity.
				v.syncLocked(m.Asset)
				continue
			}
			if _, err := v.engine.Deposit(ctx, v.cfg.VaultAddress, m.Asset, m.Amount); err != nil {
				return err
			}
			v.syncLocked(m.Asset)
		}

		// Forward the entire claim balance: the vault holds no residual.
		claims := v.book.BalanceOf(v.claimToken(), v.cfg.VaultAddress)
		if claims.Sign() > 0 {
			if err := v.book.Transfer(v.claimToken(), v.cfg.VaultAddress, caller, claims); err != nil {
				return err
			}
		}
		if err := v.checkLiquidityBounds(); err != nil {
			return err
		}
		claimOut.Set(claims)
		v.logger.Info("swap underlying for perps",
			slog.String("caller", caller.Hex()),
			slog.String("amount_in", amount.String()),
			slog.String("claims_out", claims.String()),
		)
		return nil
	})
	return claimOut, err
}

// SwapPerpsForUnderlying redeems the caller's claim tokens through the claim
// engine into the vault and pays out the realized value in underlying. Claims
// the queue could not service are returned to the caller untouched.
func (v *Vault) SwapPerpsForUnderlying(ctx context.Context, caller common.Address, claimAmt *big.Int) (*big.Int, error) {
	underlyingOut := new(big.Int)
	err := v.atomically(Idle, func(now time.Time) error {
		if claimAmt == nil || claimAmt.Sign() == 0 {
			return nil
		}
		if err := v.book.Transfer(v.claimToken(), caller, v.cfg.VaultAddress, claimAmt); err != nil {
			return err
		}
		rr, err := v.engine.Redeem(ctx, v.cfg.VaultAddress, claimAmt)
		if err != nil {
			return err
		}
		for _, p := range rr.Payouts {
			v.syncLocked(p.Asset)
		}
		if rr.Remainder.Sign() > 0 {
			if err := v.book.Transfer(v.claimToken(), v.cfg.VaultAddress, caller, rr.Remainder); err != nil {
				return err
			}
		}
		// Claims are denominated in the unit of account, so the realized
		// amount is paid 1:1 from the vault's underlying.
		if rr.ClaimBurned.Sign() > 0 {
			if err := v.book.Transfer(v.cfg.Underlying, v.cfg.VaultAddress, caller, rr.ClaimBurned); err != nil {
				return err
			}
			v.syncLocked(v.cfg.Underlying)
		}
		if err := v.checkLiquidityBounds(); err != nil {
			return err
		}
		underlyingOut.Set(rr.ClaimBurned)
		v.logger.Info("swap perps for underlying",
			slog.String("caller", caller.Hex()),
			slog.String("claims_in", claimAmt.String()),
			slog.String("underlying_out", underlyingOut.String()),
		)
		return nil
	})
	return underlyingOut, err
}

// checkLiquidityBounds enforces the configured post-swap underlying band.
func (v *Vault) checkLiquidityBounds() error {
	bal := v.book.BalanceOf(v.cfg.Underlying, v.cfg.VaultAddress)
	if v.cfg.MinUnderlyingBalance != nil && bal.Cmp(v.cfg.MinUnderlyingBalance) < 0 {
		return fmt.Errorf("vault swap: underlying %s below floor %s: %w",
			bal, v.cfg.MinUnderlyingBalance, domain.ErrLiquidityOutOfBounds)
	}
	if v.cfg.MaxUnderlyingBalance != nil && bal.Cmp(v.cfg.MaxUnderlyingBalance) > 0 {
		return fmt.Errorf("vault swap: underlying %s above ceiling %s: %w",
			bal, v.cfg.MaxUnderlyingBalance, domain.ErrLiquidityOutOfBounds)
	}
	return nil
}

// claimToken resolves the claim engine's token identity.
func (v *Vault) claimToken() common.Address { return v.engine.ClaimToken() }
