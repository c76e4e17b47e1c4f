// Package perp implements the claim issuance engine: deposit (mint), queue-
// ordered redemption (burn), icebox redemption, and tranche rollover against
// the multi-asset reserve.
package perp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/bondqueue"
	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/fixedpoint"
	"github.com/alanyoungcy/perpvault/internal/reserve"
)

// Config holds the engine's token identities.
type Config struct {
	// ClaimToken is the perpetual claim token minted against the reserve.
	ClaimToken common.Address
	// ReserveAddress is the holder address of the reserve; collected fees
	// also accumulate here.
	ReserveAddress common.Address
}

// DepositResult reports a completed deposit.
type DepositResult struct {
	ClaimMinted *big.Int
	Fee         *big.Int
}

// RedeemResult reports a completed redemption.
type RedeemResult struct {
	ClaimBurned *big.Int
	Fee         *big.Int
	Payouts     []domain.AssetAmount
	Remainder   *big.Int
}

// RolloverResult reports a completed rollover.
type RolloverResult struct {
	TrancheInUsed *big.Int
	TokenOutAmt   *big.Int
	ClaimEquiv    *big.Int
	Fee           *big.Int
}

// Engine owns the bond queue, the reserve ledger, and the claim supply. Every
// public operation runs as a single atomic unit under one mutex: on any error
// the book, queue, and ledger are restored to their pre-call state.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	queue   *bondqueue.Queue
	ledger  *reserve.Ledger
	yields  *YieldBook
	pricing domain.PricingSource
	fees    domain.FeePolicy
	bonds   domain.BondController
	book    domain.TokenBook
	clock   domain.Clock
	logger  *slog.Logger
}

// New wires an engine from its collaborators. A nil clock defaults to
// time.Now.
func New(
	cfg Config,
	queue *bondqueue.Queue,
	ledger *reserve.Ledger,
	yields *YieldBook,
	pricing domain.PricingSource,
	fees domain.FeePolicy,
	bonds domain.BondController,
	bk domain.TokenBook,
	clock domain.Clock,
	logger *slog.Logger,
) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:     cfg,
		queue:   queue,
		ledger:  ledger,
		yields:  yields,
		pricing: pricing,
		fees:    fees,
		bonds:   bonds,
		book:    bk,
		clock:   clock,
		logger:  logger.With(slog.String("component", "perp_engine")),
	}
}

// atomically runs fn under the engine mutex with full rollback on error.
func (e *Engine) atomically(fn func(now time.Time) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	revertBook, discard := e.book.Checkpoint()
	revertQueue := e.queue.Snapshot()
	revertLedger := e.ledger.Snapshot()

	if err := fn(now); err != nil {
		revertBook()
		revertQueue()
		revertLedger()
		return err
	}
	discard()
	return nil
}

// Snapshot captures the engine's queue and ledger state and returns a restore
// function. The vault uses it to make a composed operation (one deploy
// driving several rollovers) all-or-nothing; the book's own checkpoint covers
// the balances. Callers rely on the serial execution model: no other writer
// runs between Snapshot and restore.
func (e *Engine) Snapshot() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	rq := e.queue.Snapshot()
	rl := e.ledger.Snapshot()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		rq()
		rl()
	}
}

// RestoreQueue seeds the bond queue from persisted state. Call before the
// first operation; bonds must be in strictly increasing maturity order.
func (e *Engine) RestoreQueue(bonds []domain.BondBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Restore(bonds)
}

// ClaimToken returns the claim token's identity.
func (e *Engine) ClaimToken() common.Address { return e.cfg.ClaimToken }

// ClaimSupply returns the outstanding claim-token supply.
func (e *Engine) ClaimSupply() *big.Int {
	return e.book.TotalSupply(e.cfg.ClaimToken)
}

// ReserveEntries returns the tracked reserve in insertion order.
func (e *Engine) ReserveEntries() []domain.AssetAmount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Entries()
}

// QueueBonds returns the queued bonds, head first.
func (e *Engine) QueueBonds() []domain.BondBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Bonds()
}

// Yields exposes the yield table for administration and persistence.
func (e *Engine) Yields() *YieldBook { return e.yields }

// PriceOf exposes the engine's pricing source, so the vault values tranches
// with the same prices the engine converts at.
func (e *Engine) PriceOf(ctx context.Context, tranche common.Address) (*big.Int, error) {
	return e.pricing.Price(ctx, tranche)
}

// MintingBond returns the current minting bond (queue tail), admitting the
// issuer's latest bond if needed.
func (e *Engine) MintingBond(ctx context.Context) (*domain.BondBatch, error) {
	var out *domain.BondBatch
	err := e.atomically(func(now time.Time) error {
		b, err := e.queue.MintingBond(ctx, now)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// BurningBond returns the current burning bond (queue head) after evicting
// bonds that have left the maturity window. Nil when the queue is empty.
func (e *Engine) BurningBond(ctx context.Context) (*domain.BondBatch, error) {
	var out *domain.BondBatch
	err := e.atomically(func(now time.Time) error {
		out = e.queue.BurningBond(now)
		return nil
	})
	return out, err
}

// Deposit pulls amount of trancheIn into the reserve and mints the converted
// claim amount to the caller, net of the signed mint fee. The tranche must
// belong to the current minting bond. A conversion that floors to zero is an
// explicit no-op, not an error.
func (e *Engine) Deposit(ctx context.Context, caller, trancheIn common.Address, amount *big.Int) (DepositResult, error) {
	res := DepositResult{ClaimMinted: new(big.Int), Fee: new(big.Int)}
	err := e.atomically(func(now time.Time) error {
		minting, err := e.queue.MintingBond(ctx, now)
		if err != nil {
			return err
		}
		tr, ok := minting.TrancheByToken(trancheIn)
		if !ok {
			return fmt.Errorf("deposit: %s not part of minting bond: %w", trancheIn.Hex(), domain.ErrUnacceptableDeposit)
		}
		class := minting.Class()
		yield := e.yields.Yield(class, tr.Seniority)
		if yield.Sign() == 0 {
			return fmt.Errorf("deposit: zero yield for seniority %d: %w", tr.Seniority, domain.ErrUnacceptableDeposit)
		}
		price, err := e.pricing.Price(ctx, trancheIn)
		if err != nil {
			return fmt.Errorf("deposit: price: %w", err)
		}
		claimAmt, err := fixedpoint.TranchesToClaim(amount, yield, price)
		if err != nil {
			return err
		}
		if claimAmt.Sign() == 0 {
			return nil
		}

		if err := e.book.Transfer(trancheIn, caller, e.cfg.ReserveAddress, amount); err != nil {
			return err
		}
		e.ledger.Sync(trancheIn, e.book.BalanceOf(trancheIn, e.cfg.ReserveAddress))
		e.yields.markUsed(class)

		if err := e.book.Mint(e.cfg.ClaimToken, caller, claimAmt); err != nil {
			return err
		}
		perc, err := e.fees.MintFeePerc(ctx)
		if err != nil {
			return fmt.Errorf("deposit: fee policy: %w", err)
		}
		fee := fixedpoint.PercOf(claimAmt, perc, e.fees.Decimals())
		if err := e.settleFee(caller, fee); err != nil {
			return err
		}

		res.ClaimMinted = claimAmt
		res.Fee = fee
		e.logger.Info("deposit",
			slog.String("caller", caller.Hex()),
			slog.String("tranche", trancheIn.Hex()),
			slog.String("amount", amount.String()),
			slog.String("claim_minted", claimAmt.String()),
			slog.String("fee", fee.String()),
		)
		return nil
	})
	return res, err
}

// Redeem burns up to requested claim units against the reserve, walking the
// queue head-first and each bond's tranches in increasing seniority index.
// For each tranche the amount actually paid is capped by the reserve balance
// and the outstanding remainder shrinks by the fraction satisfied. Exhausted
// head bonds are dequeued. The untouched remainder is returned, not an error.
func (e *Engine) Redeem(ctx context.Context, caller common.Address, requested *big.Int) (RedeemResult, error) {
	res := RedeemResult{
		ClaimBurned: new(big.Int),
		Fee:         new(big.Int),
		Remainder:   new(big.Int).Set(requested),
	}
	if requested == nil || requested.Sign() == 0 {
		res.Remainder = new(big.Int)
		return res, nil
	}
	if requested.Sign() < 0 {
		return res, domain.ErrUnacceptableParams
	}
	err := e.atomically(func(now time.Time) error {
		remainder := new(big.Int).Set(requested)

		for remainder.Sign() > 0 {
			bond := e.queue.BurningBond(now)
			if bond == nil {
				break
			}
			if err := e.redeemFromBond(ctx, caller, bond, remainder, &res.Payouts); err != nil {
				return err
			}
			if remainder.Sign() > 0 {
				e.queue.Dequeue()
			}
		}

		burned := new(big.Int).Sub(requested, remainder)
		if burned.Sign() > 0 {
			if err := e.book.Burn(e.cfg.ClaimToken, caller, burned); err != nil {
				return err
			}
			perc, err := e.fees.BurnFeePerc(ctx)
			if err != nil {
				return fmt.Errorf("redeem: fee policy: %w", err)
			}
			res.Fee = fixedpoint.PercOf(burned, perc, e.fees.Decimals())
			if err := e.settleFee(caller, res.Fee); err != nil {
				return err
			}
		}
		res.ClaimBurned = burned
		res.Remainder = remainder
		e.logger.Info("redeem",
			slog.String("caller", caller.Hex()),
			slog.String("requested", requested.String()),
			slog.String("burned", burned.String()),
			slog.String("remainder", remainder.String()),
			slog.Int("payouts", len(res.Payouts)),
		)
		return nil
	})
	return res, err
}

// redeemFromBond pays out the bond's tranches in seniority order against the
// outstanding remainder, shrinking it in place.
func (e *Engine) redeemFromBond(ctx context.Context, caller common.Address, bond *domain.BondBatch, remainder *big.Int, payouts *[]domain.AssetAmount) error {
	class := bond.Class()
	for _, tr := range bond.Tranches {
		if remainder.Sign() == 0 {
			return nil
		}
		yield := e.yields.Yield(class, tr.Seniority)
		if yield.Sign() == 0 {
			continue
		}
		bal := e.ledger.Balance(tr.Token)
		if bal.Sign() == 0 {
			continue
		}
		price, err := e.pricing.Price(ctx, tr.Token)
		if err != nil {
			return fmt.Errorf("redeem: price %s: %w", tr.Token.Hex(), err)
		}
		computed, err := fixedpoint.ClaimToTranches(remainder, yield, price)
		if err != nil {
			return err
		}
		if computed.Sign() == 0 {
			continue
		}
		used := computed
		if bal.Cmp(computed) < 0 {
			used = bal
		}
		if err := e.book.Transfer(tr.Token, e.cfg.ReserveAddress, caller, used); err != nil {
			return err
		}
		e.ledger.Sync(tr.Token, e.book.BalanceOf(tr.Token, e.cfg.ReserveAddress))
		*payouts = append(*payouts, domain.AssetAmount{Asset: tr.Token, Amount: new(big.Int).Set(used)})

		// remainder *= (computed - used) / computed
		left := new(big.Int).Sub(computed, used)
		remainder.Mul(remainder, left)
		remainder.Quo(remainder, computed)
	}
	return nil
}

// RedeemIcebox redeems a single off-queue tranche. Only permitted once the
// queue is fully empty, so it can never bypass queue-ordered redemption.
func (e *Engine) RedeemIcebox(ctx context.Context, caller, trancheTok common.Address, requested *big.Int) (RedeemResult, error) {
	res := RedeemResult{
		ClaimBurned: new(big.Int),
		Fee:         new(big.Int),
		Remainder:   new(big.Int).Set(requested),
	}
	if requested == nil || requested.Sign() == 0 {
		res.Remainder = new(big.Int)
		return res, nil
	}
	err := e.atomically(func(now time.Time) error {
		if e.queue.BurningBond(now) != nil {
			return fmt.Errorf("redeem icebox: queue not empty: %w", domain.ErrUnacceptableRedemption)
		}
		bond, tr, err := e.bonds.TrancheOf(ctx, trancheTok)
		if err != nil {
			return fmt.Errorf("redeem icebox: %s: %w", trancheTok.Hex(), domain.ErrUnacceptableRedemption)
		}
		yield := e.yields.Yield(bond.Class(), tr.Seniority)
		if yield.Sign() == 0 {
			return fmt.Errorf("redeem icebox: zero yield: %w", domain.ErrUnacceptableRedemption)
		}
		bal := e.ledger.Balance(trancheTok)
		if bal.Sign() == 0 {
			return fmt.Errorf("redeem icebox: not held in reserve: %w", domain.ErrUnacceptableRedemption)
		}
		price, err := e.pricing.Price(ctx, trancheTok)
		if err != nil {
			return fmt.Errorf("redeem icebox: price: %w", err)
		}
		computed, err := fixedpoint.ClaimToTranches(requested, yield, price)
		if err != nil {
			return err
		}
		if computed.Sign() == 0 {
			return nil
		}
		used := computed
		if bal.Cmp(computed) < 0 {
			used = bal
		}
		if err := e.book.Transfer(trancheTok, e.cfg.ReserveAddress, caller, used); err != nil {
			return err
		}
		e.ledger.Sync(trancheTok, e.book.BalanceOf(trancheTok, e.cfg.ReserveAddress))

		remainder := new(big.Int).Sub(computed, used)
		remainder.Mul(remainder, requested)
		remainder.Quo(remainder, computed)
		burned := new(big.Int).Sub(requested, remainder)
		if burned.Sign() > 0 {
			if err := e.book.Burn(e.cfg.ClaimToken, caller, burned); err != nil {
				return err
			}
			perc, err := e.fees.BurnFeePerc(ctx)
			if err != nil {
				return fmt.Errorf("redeem icebox: fee policy: %w", err)
			}
			res.Fee = fixedpoint.PercOf(burned, perc, e.fees.Decimals())
			if err := e.settleFee(caller, res.Fee); err != nil {
				return err
			}
		}
		res.ClaimBurned = burned
		res.Remainder = remainder
		res.Payouts = []domain.AssetAmount{{Asset: trancheTok, Amount: used}}
		return nil
	})
	return res, err
}

// Rollover exchanges trancheIn (which must belong to the minting bond) for an
// equivalently valued amount of tokenOut (whose bond must be off-queue) held
// by the reserve. When the reserve cannot cover the full conversion, the
// input consumed scales down to the fraction covered. The signed rollover
// reward settles off the claim equivalent; claim supply is unchanged.
func (e *Engine) Rollover(ctx context.Context, caller, trancheIn, tokenOut common.Address, amtIn, deviationRatio *big.Int) (RolloverResult, error) {
	res := RolloverResult{
		TrancheInUsed: new(big.Int),
		TokenOutAmt:   new(big.Int),
		ClaimEquiv:    new(big.Int),
		Fee:           new(big.Int),
	}
	if amtIn == nil || amtIn.Sign() == 0 {
		return res, nil
	}
	err := e.atomically(func(now time.Time) error {
		minting, err := e.queue.MintingBond(ctx, now)
		if err != nil {
			return err
		}
		trIn, ok := minting.TrancheByToken(trancheIn)
		if !ok {
			return fmt.Errorf("rollover: %s not part of minting bond: %w", trancheIn.Hex(), domain.ErrUnacceptableDeposit)
		}
		outBond, trOut, err := e.bonds.TrancheOf(ctx, tokenOut)
		if err != nil {
			return fmt.Errorf("rollover: token out %s: %w", tokenOut.Hex(), domain.ErrUnexpectedAsset)
		}
		if e.queue.Contains(outBond.Address) {
			return fmt.Errorf("rollover: token out bond still queued: %w", domain.ErrUnacceptableBond)
		}

		yieldIn := e.yields.Yield(minting.Class(), trIn.Seniority)
		yieldOut := e.yields.Yield(outBond.Class(), trOut.Seniority)
		if yieldIn.Sign() == 0 || yieldOut.Sign() == 0 {
			return fmt.Errorf("rollover: zero yield: %w", domain.ErrUnacceptableParams)
		}
		priceIn, err := e.pricing.Price(ctx, trancheIn)
		if err != nil {
			return fmt.Errorf("rollover: price in: %w", err)
		}
		priceOut, err := e.pricing.Price(ctx, tokenOut)
		if err != nil {
			return fmt.Errorf("rollover: price out: %w", err)
		}

		claimEq, err := fixedpoint.TranchesToClaim(amtIn, yieldIn, priceIn)
		if err != nil {
			return err
		}
		if claimEq.Sign() == 0 {
			return nil
		}
		tokenOutAmt, err := fixedpoint.ClaimToTranches(claimEq, yieldOut, priceOut)
		if err != nil {
			return err
		}

		used := new(big.Int).Set(amtIn)
		available := e.ledger.Balance(tokenOut)
		if tokenOutAmt.Cmp(available) > 0 {
			// Partial fill: cap the input at the reserve's capacity, then
			// reprice the payout from the capped input so truncation never
			// pays out more value than came in.
			capEq, err := fixedpoint.TranchesToClaim(available, yieldOut, priceOut)
			if err != nil {
				return err
			}
			used, err = fixedpoint.ClaimToTranches(capEq, yieldIn, priceIn)
			if err != nil {
				return err
			}
			if used.Cmp(amtIn) > 0 {
				used = new(big.Int).Set(amtIn)
			}
			claimEq, err = fixedpoint.TranchesToClaim(used, yieldIn, priceIn)
			if err != nil {
				return err
			}
			tokenOutAmt, err = fixedpoint.ClaimToTranches(claimEq, yieldOut, priceOut)
			if err != nil {
				return err
			}
		}
		if tokenOutAmt.Sign() == 0 || used.Sign() == 0 {
			return nil
		}

		if err := e.book.Transfer(trancheIn, caller, e.cfg.ReserveAddress, used); err != nil {
			return err
		}
		if err := e.book.Transfer(tokenOut, e.cfg.ReserveAddress, caller, tokenOutAmt); err != nil {
			return err
		}
		e.ledger.Sync(trancheIn, e.book.BalanceOf(trancheIn, e.cfg.ReserveAddress))
		e.ledger.Sync(tokenOut, e.book.BalanceOf(tokenOut, e.cfg.ReserveAddress))

		perc, err := e.fees.RolloverFeePerc(ctx, deviationRatio)
		if err != nil {
			return fmt.Errorf("rollover: fee policy: %w", err)
		}
		fee := fixedpoint.PercOf(claimEq, perc, e.fees.Decimals())
		if err := e.settleFee(caller, fee); err != nil {
			return err
		}

		res.TrancheInUsed = used
		res.TokenOutAmt = tokenOutAmt
		res.ClaimEquiv = claimEq
		res.Fee = fee
		e.logger.Info("rollover",
			slog.String("caller", caller.Hex()),
			slog.String("tranche_in", trancheIn.Hex()),
			slog.String("token_out", tokenOut.Hex()),
			slog.String("used", used.String()),
			slog.String("token_out_amt", tokenOutAmt.String()),
			slog.String("fee", fee.String()),
		)
		return nil
	})
	return res, err
}

// settleFee moves a signed fee in claim tokens: positive from the caller to
// the reserve, negative from the reserve to the caller.
func (e *Engine) settleFee(caller common.Address, fee *big.Int) error {
	switch fee.Sign() {
	case 0:
		return nil
	case 1:
		return e.book.Transfer(e.cfg.ClaimToken, caller, e.cfg.ReserveAddress, fee)
	default:
		return e.book.Transfer(e.cfg.ClaimToken, e.cfg.ReserveAddress, caller, new(big.Int).Neg(fee))
	}
}
