package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/proposalbond/internal/crypto"
	"github.com/alanyoungcy/proposalbond/internal/server"
	"github.com/alanyoungcy/proposalbond/internal/server/handler"
	"github.com/alanyoungcy/proposalbond/internal/server/ws"
	"github.com/alanyoungcy/proposalbond/internal/service"
)

// ServerMode serves the HTTP API and WebSocket hub until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the settlement sweep and, when object storage is wired,
// periodic ledger snapshots.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the HTTP server and the keeper side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	if a.cfg.Keeper.Enabled {
		a.startKeeper(ctx, g, deps)
	}
	return g.Wait()
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	keeper := service.NewKeeper(
		deps.Controller,
		a.cfg.Keeper.Interval.Duration,
		a.cfg.Keeper.BatchSize,
		a.cfg.Keeper.Concurrency,
		a.logger,
	)
	g.Go(func() error {
		return ignoreCanceled(keeper.Run(ctx))
	})

	if deps.BlobWriter == nil || a.cfg.Keeper.SnapshotInterval.Duration <= 0 {
		a.logger.InfoContext(ctx, "ledger snapshots disabled")
		return
	}
	snap := service.NewSnapshotter(deps.Ledger, deps.BlobWriter, deps.Price, a.logger)
	g.Go(func() error {
		return ignoreCanceled(snap.Run(ctx, a.cfg.Keeper.SnapshotInterval.Duration))
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	ctrl := deps.Controller

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Channels:       []string{service.BondChannel},
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Status: func(ctx context.Context) (any, error) {
			bal, err := ctrl.Balances(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"mode":             a.cfg.Mode,
				"price_per_target": ctrl.PricePerTarget().Dec(),
				"balances":         bal,
			}, nil
		},
	})
	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: handler.NewStatusHandler(handler.StatusInfo{
			Mode:            a.cfg.Mode,
			LedgerBackend:   a.cfg.Ledger.Backend,
			GovernorBackend: a.cfg.Governor.Backend,
			Custodian:       deps.Custodian.Hex(),
			PricePerTarget:  deps.Price.Dec(),
			StartedAt:       a.startedAt,
		}, ctrl, a.logger),
		Bonds:     handler.NewBondHandler(ctrl, a.logger),
		Proposals: handler.NewProposalHandler(ctrl, crypto.NewProposalVerifier(a.cfg.Bond.ChainID, deps.Custodian), a.logger),
		Events:    handler.NewEventHandler(deps.Events, a.logger),
	}
	if deps.SimGovernor != nil {
		handlers.Sim = handler.NewSimHandler(deps.SimGovernor, deps.SimToken, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

// ignoreCanceled maps a context cancellation to a clean exit so shutdown does
// not surface as a failure from errgroup.Wait.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
