package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/bondqueue"
	"github.com/alanyoungcy/perpvault/internal/book"
	"github.com/alanyoungcy/perpvault/internal/config"
	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/issuer"
	"github.com/alanyoungcy/perpvault/internal/perp"
	"github.com/alanyoungcy/perpvault/internal/policy"
	"github.com/alanyoungcy/perpvault/internal/reserve"
	"github.com/alanyoungcy/perpvault/internal/vault"
)

// Core bundles the in-memory domain objects: the balance book, the bond
// issuer, the claim engine, and the companion vault. One Core instance is
// shared by the HTTP server and the keeper loop.
type Core struct {
	Book   *book.Book
	Issuer *issuer.Sequential
	Engine *perp.Engine
	Vault  *vault.Vault
	Yields *perp.YieldBook
}

// buildCore constructs the domain core from configuration and restores
// persisted state (bond queue, yield table) from the stores.
func buildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, error) {
	bk := book.New()

	ratios := make([]uint32, len(cfg.Issuer.Ratios))
	for i, r := range cfg.Issuer.Ratios {
		ratios[i] = uint32(r)
	}
	iss, err := issuer.New(issuer.Config{
		Collateral:    common.HexToAddress(cfg.Issuer.Collateral),
		Ratios:        ratios,
		BondDuration:  cfg.Issuer.BondDuration.Duration,
		IssueInterval: cfg.Issuer.IssueInterval.Duration,
	}, bk, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("core: issuer: %w", err)
	}

	queue := bondqueue.New(bondqueue.Config{
		MinMaturity: cfg.Perp.MinMaturity.Duration,
		MaxMaturity: cfg.Perp.MaxMaturity.Duration,
	}, iss)

	yields := perp.NewYieldBook()

	pricing := policy.NewCachedPricing(
		policy.NewStaticPricing(),
		deps.PriceCache,
		cfg.Perp.PriceMaxAge.Duration,
		nil,
		logger,
	)

	fees := policy.NewFlatFees(policy.FeeConfig{
		Decimals:      uint8(cfg.Fees.Decimals),
		MintPerc:      big.NewInt(cfg.Fees.MintPerc),
		BurnPerc:      big.NewInt(cfg.Fees.BurnPerc),
		RolloverPerc:  big.NewInt(cfg.Fees.RolloverPerc),
		RolloverRewrd: big.NewInt(cfg.Fees.RolloverReward),
		VaultMintPerc: big.NewInt(cfg.Fees.VaultMintPerc),
		VaultBurnPerc: big.NewInt(cfg.Fees.VaultBurnPerc),
	})

	engine := perp.New(perp.Config{
		ClaimToken:     common.HexToAddress(cfg.Perp.ClaimToken),
		ReserveAddress: common.HexToAddress(cfg.Perp.ReserveAddress),
	}, queue, reserve.New(big.NewInt(cfg.Perp.DustFloor)), yields, pricing, fees, iss, bk, nil, logger)

	vlt := vault.New(vault.Config{
		ShareToken:           common.HexToAddress(cfg.Vault.ShareToken),
		Underlying:           common.HexToAddress(cfg.Vault.Underlying),
		VaultAddress:         common.HexToAddress(cfg.Vault.VaultAddress),
		SeedShareScale:       big.NewInt(cfg.Vault.SeedShareScale),
		MinDeployment:        big.NewInt(cfg.Vault.MinDeployment),
		MaxDeployedAssets:    cfg.Vault.MaxDeployedAssets,
		MinReservedBalance:   big.NewInt(cfg.Vault.MinReservedBalance),
		MinReservedPerc:      big.NewInt(cfg.Vault.MinReservedPerc),
		MinUnderlyingBalance: bigOrNil(cfg.Vault.MinUnderlyingBalance),
		MaxUnderlyingBalance: bigOrNil(cfg.Vault.MaxUnderlyingBalance),
	}, reserve.New(nil), engine, iss, fees, bk, nil, logger)

	core := &Core{
		Book:   bk,
		Issuer: iss,
		Engine: engine,
		Vault:  vlt,
		Yields: yields,
	}

	if err := core.restore(ctx, deps, logger); err != nil {
		return nil, err
	}
	return core, nil
}

// bigOrNil maps a zero config value to nil ("unbounded").
func bigOrNil(v int64) *big.Int {
	if v <= 0 {
		return nil
	}
	return big.NewInt(v)
}

// restore reloads the persisted bond queue and yield table. A missing
// snapshot is a clean first start, not an error.
func (c *Core) restore(ctx context.Context, deps *Dependencies, logger *slog.Logger) error {
	bonds, err := deps.BondStore.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("core: load bond queue: %w", err)
	}
	if len(bonds) > 0 {
		c.Issuer.Restore(bonds)
		if err := c.Engine.RestoreQueue(bonds); err != nil {
			return fmt.Errorf("core: restore bond queue: %w", err)
		}
		logger.InfoContext(ctx, "bond queue restored",
			slog.Int("bonds", len(bonds)),
		)
	}

	table, err := deps.YieldStore.List(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("core: load yields: %w", err)
	}
	for class, factors := range table {
		if err := c.Yields.Set(class, factors); err != nil {
			return fmt.Errorf("core: restore yields for %s: %w", class.Hex(), err)
		}
	}
	if len(table) > 0 {
		logger.InfoContext(ctx, "yield table restored",
			slog.Int("classes", len(table)),
		)
	}

	return nil
}

// CurrentSnapshot captures the live accounting state. It serves both periodic
// persistence and the S3 archiver.
func (c *Core) CurrentSnapshot(ctx context.Context) (domain.ReserveSnapshot, error) {
	return domain.ReserveSnapshot{
		TakenAt:     time.Now().UTC(),
		PerpAssets:  c.Engine.ReserveEntries(),
		VaultAssets: c.Vault.ReserveEntries(),
		ClaimSupply: c.Engine.ClaimSupply(),
		ShareSupply: c.Vault.ShareSupply(),
	}, nil
}

// saveState persists the bond queue and an accounting snapshot. Failures are
// logged, not fatal: the in-memory state stays authoritative until the next
// pass.
func (c *Core) saveState(ctx context.Context, deps *Dependencies, logger *slog.Logger) {
	if err := deps.BondStore.SaveQueue(ctx, c.Engine.QueueBonds()); err != nil {
		logger.ErrorContext(ctx, "persist bond queue failed",
			slog.String("error", err.Error()),
		)
	}

	snap, _ := c.CurrentSnapshot(ctx)
	if err := deps.ReserveStore.SaveSnapshot(ctx, snap); err != nil {
		logger.ErrorContext(ctx, "persist reserve snapshot failed",
			slog.String("error", err.Error()),
		)
	}
}
