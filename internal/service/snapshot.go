package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/bond"
	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// snapshotAttempts bounds retries when the ledger changes mid-read.
const snapshotAttempts = 3

// Snapshot is the archived form of the whole ledger at one instant.
type Snapshot struct {
	TakenAt        time.Time           `json:"taken_at"`
	PricePerTarget string              `json:"price_per_target"`
	Balances       domain.PoolBalances `json:"balances"`
	Bonds          []domain.BondRecord `json:"bonds"`

	// Drift is set when the recorded balances disagree with the records.
	Drift string `json:"drift,omitempty"`
}

// Snapshotter verifies the pooled balances against the ledger records and
// archives the result to blob storage.
type Snapshotter struct {
	ledger domain.BondLedger
	price  string
	blob   domain.BlobWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotter creates a Snapshotter. blob may be nil, in which case Take
// verifies without archiving. price is recorded in every snapshot.
func NewSnapshotter(ledger domain.BondLedger, blob domain.BlobWriter, price *uint256.Int, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		ledger: ledger,
		price:  price.Dec(),
		blob:   blob,
		logger: logger.With(slog.String("component", "snapshotter")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SnapshotPath returns the object path for a snapshot taken at t.
func SnapshotPath(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("snapshots/%04d/%02d/%02d/%d.json", t.Year(), t.Month(), t.Day(), t.Unix())
}

// Run takes a snapshot on every tick until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Take(ctx); err != nil {
				s.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Take reads a consistent view of the ledger, checks the pooled balances and
// archives the snapshot. It returns the snapshot, the object path (empty when
// no blob store is configured) and any read or upload error. Drift is
// reported inside the snapshot, not as an error.
func (s *Snapshotter) Take(ctx context.Context) (Snapshot, string, error) {
	snap, err := s.read(ctx)
	if err != nil {
		return Snapshot{}, "", err
	}

	if err := bond.VerifyPool(snap.Bonds, snap.Balances); err != nil {
		var drift *bond.PoolDrift
		if !errors.As(err, &drift) {
			return Snapshot{}, "", fmt.Errorf("service: snapshot verify: %w", err)
		}
		snap.Drift = drift.Error()
		s.logger.ErrorContext(ctx, "pool drift detected",
			slog.String("locked_recorded", drift.Recorded.Locked.Dec()),
			slog.String("locked_recomputed", drift.Recomputed.Locked.Dec()),
			slog.String("forfeited_recorded", drift.Recorded.Forfeited.Dec()),
			slog.String("forfeited_recomputed", drift.Recomputed.Forfeited.Dec()),
		)
	}

	if s.blob == nil {
		return snap, "", nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, "", fmt.Errorf("service: marshal snapshot: %w", err)
	}
	path := SnapshotPath(snap.TakenAt)
	if err := s.blob.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return snap, "", fmt.Errorf("service: upload snapshot: %w", err)
	}
	s.logger.InfoContext(ctx, "snapshot archived",
		slog.String("path", path),
		slog.Int("bonds", len(snap.Bonds)),
	)
	return snap, path, nil
}

// read lists every record between two balance reads and retries when the
// balances moved in between.
func (s *Snapshotter) read(ctx context.Context) (Snapshot, error) {
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		before, err := s.ledger.Balances(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("service: snapshot balances: %w", err)
		}
		records, err := s.ledger.List(ctx, domain.BondFilter{})
		if err != nil {
			return Snapshot{}, fmt.Errorf("service: snapshot list: %w", err)
		}
		after, err := s.ledger.Balances(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("service: snapshot balances: %w", err)
		}
		if before.Locked.Eq(&after.Locked) && before.Forfeited.Eq(&after.Forfeited) {
			if records == nil {
				records = []domain.BondRecord{}
			}
			return Snapshot{TakenAt: s.now(), PricePerTarget: s.price, Balances: after, Bonds: records}, nil
		}
	}
	return Snapshot{}, fmt.Errorf("service: snapshot: ledger kept changing after %d attempts", snapshotAttempts)
}
