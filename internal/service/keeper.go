package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// BondSettler is the part of the bond controller the keeper drives.
type BondSettler interface {
	ListBonds(ctx context.Context, filter domain.BondFilter) ([]domain.BondRecord, error)
	Settle(ctx context.Context, id domain.ProposalID) (domain.Resolution, domain.BondRecord, error)
}

// SweepReport summarises one keeper pass.
type SweepReport struct {
	Scanned   int
	Refunded  int
	Forfeited int
	// Skipped counts bonds still in voting, resolved elsewhere, or locked by
	// another process.
	Skipped int
	Failed  int
}

// Keeper periodically settles every unresolved bond whose proposal has left
// voting. Resolution is permissionless, so the keeper needs no privileges
// beyond access to the controller.
type Keeper struct {
	bonds       BondSettler
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// NewKeeper creates a Keeper. Non-positive settings fall back to a one minute
// interval, batches of 100 and four concurrent settlements.
func NewKeeper(bonds BondSettler, interval time.Duration, batchSize, concurrency int, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Keeper{
		bonds:       bonds,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "keeper")),
	}
}

// Run sweeps on every tick until ctx is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := k.Sweep(ctx)
			if err != nil {
				k.logger.ErrorContext(ctx, "keeper sweep failed", slog.String("error", err.Error()))
				continue
			}
			if report.Refunded+report.Forfeited+report.Failed > 0 {
				k.logger.InfoContext(ctx, "keeper sweep complete",
					slog.Int("scanned", report.Scanned),
					slog.Int("refunded", report.Refunded),
					slog.Int("forfeited", report.Forfeited),
					slog.Int("skipped", report.Skipped),
					slog.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Sweep walks the unresolved bonds in batches and settles each one it can.
func (k *Keeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	offset := 0
	for {
		page, err := k.bonds.ListBonds(ctx, domain.BondFilter{
			UnresolvedOnly: true,
			ListOpts:       domain.ListOpts{Limit: k.batchSize, Offset: offset},
		})
		if err != nil {
			return report, fmt.Errorf("service: keeper list: %w", err)
		}

		batch, err := k.settleBatch(ctx, page)
		report.Scanned += batch.Scanned
		report.Refunded += batch.Refunded
		report.Forfeited += batch.Forfeited
		report.Skipped += batch.Skipped
		report.Failed += batch.Failed
		if err != nil {
			return report, err
		}

		if len(page) < k.batchSize {
			return report, nil
		}
		// Resolved bonds drop out of the unresolved listing.
		offset += len(page) - batch.Refunded - batch.Forfeited
	}
}

func (k *Keeper) settleBatch(ctx context.Context, page []domain.BondRecord) (SweepReport, error) {
	var (
		mu     sync.Mutex
		report = SweepReport{Scanned: len(page)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.concurrency)
	for _, rec := range page {
		id := rec.ProposalID
		g.Go(func() error {
			res, _, err := k.bonds.Settle(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res == domain.ResolutionRefund:
				report.Refunded++
			case err == nil:
				report.Forfeited++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case errors.Is(err, domain.ErrInvalidProposalStatus),
				errors.Is(err, domain.ErrBondAlreadyResolved),
				errors.Is(err, domain.ErrResolutionBusy):
				report.Skipped++
			default:
				report.Failed++
				k.logger.WarnContext(gctx, "keeper settle failed",
					slog.String("proposal_id", id.Hex()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("service: keeper settle: %w", err)
	}
	return report, nil
}
