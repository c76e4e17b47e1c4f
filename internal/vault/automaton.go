package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
)

// DeployResult reports one deploy pass.
type DeployResult struct {
	Deployed *big.Int             // collateral split into tranches
	Minted   []domain.AssetAmount // tranche amounts minted, most senior first
	Rolled   *big.Int             // junior tranche amount rolled into the claim reserve
}

// RecoverResult reports one recovery pass.
type RecoverResult struct {
	Recovered []domain.AssetAmount // collateral released per mature tranche
}

// Deploy converts usable collateral (balance minus the reserved floor) into
// tranches via the minting bond and rolls the most junior minted tranche into
// the claim engine's reserve, walking its off-queue tranches nearest maturity
// first until the input is exhausted or no targets remain.
func (v *Vault) Deploy(ctx context.Context) (DeployResult, error) {
	res := DeployResult{Deployed: new(big.Int), Rolled: new(big.Int)}
	err := v.atomically(Deploying, func(now time.Time) error {
		return v.deployLocked(ctx, now, &res)
	})
	return res, err
}

func (v *Vault) deployLocked(ctx context.Context, now time.Time, res *DeployResult) error {
	balance := v.book.BalanceOf(v.cfg.Underlying, v.cfg.VaultAddress)
	usable := new(big.Int).Sub(balance, v.reservedFloor(balance))
	if v.cfg.MinDeployment != nil && usable.Cmp(v.cfg.MinDeployment) < 0 {
		return fmt.Errorf("vault deploy: usable %s below floor: %w", usable, domain.ErrInsufficientDeployment)
	}

	minting, err := v.engine.MintingBond(ctx)
	if err != nil {
		return err
	}
	minted, err := v.bonds.Split(ctx, minting.Address, v.cfg.VaultAddress, usable)
	if err != nil {
		return err
	}
	v.syncLocked(v.cfg.Underlying)
	for _, m := range minted {
		v.syncLocked(m.Asset)
	}
	res.Deployed = usable
	res.Minted = minted

	if len(minted) > 0 {
		junior := minted[len(minted)-1]
		rolled, err := v.rollJunior(ctx, junior.Asset, junior.Amount)
		if err != nil {
			return err
		}
		res.Rolled = rolled
		v.syncLocked(junior.Asset)
	}

	if v.cfg.MaxDeployedAssets > 0 && v.ledger.Len() > v.cfg.MaxDeployedAssets {
		return fmt.Errorf("vault deploy: %d tracked assets exceed limit %d: %w",
			v.ledger.Len(), v.cfg.MaxDeployedAssets, domain.ErrDeployedCountOverLimit)
	}
	v.logger.Info("deploy",
		slog.String("deployed", res.Deployed.String()),
		slog.String("rolled", res.Rolled.String()),
		slog.Int("tracked_assets", v.ledger.Len()),
	)
	return nil
}

// reservedFloor returns the underlying amount kept out of deployment: the
// larger of the absolute floor and the percentage floor.
func (v *Vault) reservedFloor(balance *big.Int) *big.Int {
	floor := new(big.Int)
	if v.cfg.MinReservedBalance != nil {
		floor.Set(v.cfg.MinReservedBalance)
	}
	if v.cfg.MinReservedPerc != nil && v.cfg.MinReservedPerc.Sign() > 0 {
		perc := new(big.Int).Mul(balance, v.cfg.MinReservedPerc)
		perc.Quo(perc, big.NewInt(1_000_000))
		if perc.Cmp(floor) > 0 {
			floor = perc
		}
	}
	return floor
}

// rolloverTarget is a claim-reserve tranche eligible as a rollover exchange.
type rolloverTarget struct {
	token    common.Address
	maturity time.Time
}

// rollJunior exchanges the junior tranche for the claim reserve's off-queue
// tranches, one rollover per target, until amt is consumed. One input tranche
// may fan out across several targets when a single target cannot absorb it.
func (v *Vault) rollJunior(ctx context.Context, junior common.Address, amt *big.Int) (*big.Int, error) {
	targets, err := v.rolloverTargets(ctx)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Set(amt)
	rolled := new(big.Int)
	for _, tgt := range targets {
		if remaining.Sign() == 0 {
			break
		}
		rr, err := v.engine.Rollover(ctx, v.cfg.VaultAddress, junior, tgt.token, remaining, nil)
		if err != nil {
			return nil, err
		}
		if rr.TrancheInUsed.Sign() == 0 {
			continue
		}
		remaining.Sub(remaining, rr.TrancheInUsed)
		rolled.Add(rolled, rr.TrancheInUsed)
		v.syncLocked(tgt.token)
	}
	return rolled, nil
}

// rolloverTargets lists claim-reserve tranches whose parent bond has left the
// queue, nearest maturity first.
func (v *Vault) rolloverTargets(ctx context.Context) ([]rolloverTarget, error) {
	queued := make(map[common.Address]bool)
	for _, b := range v.engine.QueueBonds() {
		queued[b.Address] = true
	}
	var targets []rolloverTarget
	for _, e := range v.engine.ReserveEntries() {
		bond, _, err := v.bonds.TrancheOf(ctx, e.Asset)
		if err != nil {
			continue // not a tranche: raw collateral in the claim reserve
		}
		if queued[bond.Address] {
			continue
		}
		targets = append(targets, rolloverTarget{token: e.Asset, maturity: bond.Maturity})
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].maturity.Before(targets[j].maturity)
	})
	return targets, nil
}

// Recover redeems every deployed tranche whose parent bond has matured back
// into underlying collateral.
func (v *Vault) Recover(ctx context.Context) (RecoverResult, error) {
	res := RecoverResult{}
	err := v.atomically(Recovering, func(now time.Time) error {
		return v.recoverLocked(ctx, now, nil, &res)
	})
	return res, err
}

// RecoverAsset is the single-asset form: only the given tranche is scanned,
// and an asset that is not a recognized deployed tranche is rejected.
func (v *Vault) RecoverAsset(ctx context.Context, asset common.Address) (RecoverResult, error) {
	res := RecoverResult{}
	err := v.atomically(Recovering, func(now time.Time) error {
		if asset == v.cfg.Underlying || !v.ledger.Has(asset) {
			return fmt.Errorf("vault recover: %s: %w", asset.Hex(), domain.ErrUnexpectedAsset)
		}
		return v.recoverLocked(ctx, now, &asset, &res)
	})
	return res, err
}

// RecoverAndRedeploy runs a recovery pass followed by a deploy as one atomic
// unit.
func (v *Vault) RecoverAndRedeploy(ctx context.Context) (RecoverResult, DeployResult, error) {
	rres := RecoverResult{}
	dres := DeployResult{Deployed: new(big.Int), Rolled: new(big.Int)}
	err := v.atomically(Recovering, func(now time.Time) error {
		if err := v.recoverLocked(ctx, now, nil, &rres); err != nil {
			return err
		}
		return v.deployLocked(ctx, now, &dres)
	})
	return rres, dres, err
}

// recoverLocked redeems mature deployed tranches. A nil only scans all
// tracked assets. Caller holds v.mu.
func (v *Vault) recoverLocked(ctx context.Context, now time.Time, only *common.Address, res *RecoverResult) error {
	for _, e := range v.ledger.Entries() {
		if e.Asset == v.cfg.Underlying {
			continue
		}
		if only != nil && e.Asset != *only {
			continue
		}
		bond, _, err := v.bonds.TrancheOf(ctx, e.Asset)
		if err != nil {
			if only != nil {
				return fmt.Errorf("vault recover: %s: %w", e.Asset.Hex(), domain.ErrUnexpectedAsset)
			}
			continue
		}
		if !bond.IsMature(now) {
			continue
		}
		released, err := v.bonds.RedeemMature(ctx, bond.Address, e.Asset, v.cfg.VaultAddress, e.Amount)
		if err != nil {
			return err
		}
		v.syncLocked(e.Asset)
		v.syncLocked(v.cfg.Underlying)
		res.Recovered = append(res.Recovered, domain.AssetAmount{Asset: e.Asset, Amount: released})
		v.logger.Info("recovered",
			slog.String("tranche", e.Asset.Hex()),
			slog.String("released", released.String()),
		)
	}
	return nil
}
