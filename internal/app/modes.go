package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/perpvault/internal/blob/s3"
	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/server"
	"github.com/alanyoungcy/perpvault/internal/server/handler"
	"github.com/alanyoungcy/perpvault/internal/server/ws"
)

// automatonLockKey is the distributed lock serializing keeper passes across
// replicas.
const automatonLockKey = "automaton"

// snapshotRetention is how long archived S3 snapshots are kept before the
// prune pass removes them.
const snapshotRetention = 90 * 24 * time.Hour

// ServerMode runs the HTTP + WebSocket API only. Deployment and recovery are
// left to a separate keeper replica.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	core, err := buildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

// KeeperMode runs the issue/recover/deploy automaton and periodic persistence
// without the HTTP surface.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	core, err := buildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps, core)
	a.startArchiver(ctx, g, deps, core)
	return g.Wait()
}

// FullMode runs the API server and the keeper in one process, sharing a
// single domain core.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	core, err := buildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, core)
	a.startKeeper(ctx, g, deps, core)
	a.startArchiver(ctx, g, deps, core)
	return g.Wait()
}

// startHTTPServer wires the handlers, the WebSocket hub, and the server
// itself onto the errgroup, including a graceful-shutdown watcher.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by config")
		return
	}

	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, startedAt, core.Engine, core.Vault),
		Bonds:  handler.NewBondHandler(core.Engine, core.Yields, deps.YieldStore, a.logger),
		Perp:   handler.NewPerpHandler(core.Engine, deps.SignalBus, a.logger),
		Vault:  handler.NewVaultHandler(core.Vault, deps.SignalBus, a.logger),
		Audit:  handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startKeeper runs the automaton loop: each pass issues a bond when due,
// recovers mature deployments, redeploys idle collateral, and persists state.
// A distributed lock keeps the pass single-writer across replicas.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	if !a.cfg.Automaton.Enabled {
		a.logger.InfoContext(ctx, "automaton disabled by config")
		return
	}

	interval := a.cfg.Automaton.Interval.Duration
	lockTTL := a.cfg.Automaton.LockTTL.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.keeperPass(ctx, deps, core, lockTTL)
			}
		}
	})
}

// keeperPass runs one automaton pass under the distributed lock. Errors are
// logged and the pass retried on the next tick; a held lock means another
// replica is working and is not an error.
func (a *App) keeperPass(ctx context.Context, deps *Dependencies, core *Core, lockTTL time.Duration) {
	unlock, err := deps.LockManager.Acquire(ctx, automatonLockKey, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return
		}
		a.logger.WarnContext(ctx, "keeper: lock acquire failed",
			slog.String("error", err.Error()),
		)
		return
	}
	defer unlock()

	// Issue the next bond when the interval has elapsed, then let the queue
	// admit it.
	bond, err := core.Issuer.MaybeIssue(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "keeper: issue failed",
			slog.String("error", err.Error()),
		)
	} else if bond != nil {
		if _, err := core.Engine.MintingBond(ctx); err != nil &&
			!errors.Is(err, domain.ErrUnacceptableBond) {
			a.logger.WarnContext(ctx, "keeper: queue admission failed",
				slog.String("bond", bond.Address.Hex()),
				slog.String("error", err.Error()),
			)
		}
		a.announceBond(ctx, deps, bond)
	}

	// Recover mature deployments and redeploy idle collateral in one atomic
	// unit. Nothing to do is the common case, not a failure.
	rec, dep, err := core.Vault.RecoverAndRedeploy(ctx)
	switch {
	case err == nil:
		a.logger.InfoContext(ctx, "keeper: pass complete",
			slog.Int("recovered_assets", len(rec.Recovered)),
			slog.String("deployed", dep.Deployed.String()),
			slog.String("rolled", dep.Rolled.String()),
		)
	case errors.Is(err, domain.ErrInsufficientDeployment),
		errors.Is(err, domain.ErrUnacceptableBond):
		// Below the deployment floor, or no admissible bond yet.
	default:
		a.logger.ErrorContext(ctx, "keeper: recover/redeploy failed",
			slog.String("error", err.Error()),
		)
	}

	core.saveState(ctx, deps, a.logger)
}

// announceBond publishes a new bond on the signal bus and the audit log.
func (a *App) announceBond(ctx context.Context, deps *Dependencies, bond *domain.BondBatch) {
	payload, err := json.Marshal(map[string]any{
		"type": "bond_issued",
		"payload": map[string]any{
			"address":    bond.Address.Hex(),
			"collateral": bond.Collateral.Hex(),
			"maturity":   bond.Maturity.UTC(),
			"tranches":   len(bond.Tranches),
		},
	})
	if err == nil {
		if err := deps.SignalBus.Publish(ctx, "bonds", payload); err != nil {
			a.logger.WarnContext(ctx, "keeper: publish bond event failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if err := deps.AuditStore.Log(ctx, "bond.issued", map[string]any{
		"address":  bond.Address.Hex(),
		"maturity": bond.Maturity.UTC().Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "keeper: audit bond issue failed",
			slog.String("error", err.Error()),
		)
	}
}

// startArchiver periodically uploads accounting snapshots to object storage
// and prunes expired ones. Requires S3 to be enabled and wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	if !a.cfg.S3.Enabled || deps.BlobWriter == nil {
		return
	}

	archiver := s3blob.NewArchiver(
		deps.BlobWriter,
		deps.BlobReader,
		deps.BlobDeleter,
		core,
		deps.AuditStore,
		a.cfg.S3.SnapshotPrefix,
	)
	interval := a.cfg.S3.SnapshotInterval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				path, err := archiver.ArchiveSnapshot(ctx)
				if err != nil {
					a.logger.ErrorContext(ctx, "archiver: snapshot failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				a.logger.InfoContext(ctx, "archiver: snapshot uploaded",
					slog.String("path", path),
				)

				if n, err := archiver.Prune(ctx, time.Now().Add(-snapshotRetention)); err != nil {
					a.logger.WarnContext(ctx, "archiver: prune failed",
						slog.String("error", err.Error()),
					)
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archiver: pruned snapshots",
						slog.Int64("count", n),
					)
				}
			}
		}
	})
}
