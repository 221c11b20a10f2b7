package bond

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// MemoryLedger is an in-process domain.BondLedger. Resolutions of the same
// proposal are serialised with a per-key mutex; the settle callback runs
// while only that key is held.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[domain.ProposalID]domain.BondRecord
	order   []domain.ProposalID
	pool    domain.PoolBalances
	keys    keyedMutex
	now     func() time.Time
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[domain.ProposalID]domain.BondRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create implements domain.BondLedger.
func (l *MemoryLedger) Create(_ context.Context, rec domain.BondRecord) error {
	if !rec.Exists() {
		return fmt.Errorf("bond: create %s: %w: proposer must be set", rec.ProposalID.Hex(), domain.ErrInvalidProposal)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[rec.ProposalID]; ok && existing.Exists() {
		return fmt.Errorf("bond: create %s: %w", rec.ProposalID.Hex(), domain.ErrAlreadyExists)
	}
	pool, err := ApplyCreate(l.pool, &rec.Amount)
	if err != nil {
		return err
	}

	rec.Refunded, rec.Forfeited, rec.ResolvedAt = false, false, nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	l.records[rec.ProposalID] = rec
	l.order = append(l.order, rec.ProposalID)
	l.pool = pool
	return nil
}

// Get implements domain.BondLedger.
func (l *MemoryLedger) Get(_ context.Context, id domain.ProposalID) (domain.BondRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return domain.BondRecord{ProposalID: id}, nil
	}
	return rec, nil
}

// Resolve implements domain.BondLedger.
func (l *MemoryLedger) Resolve(ctx context.Context, id domain.ProposalID, res domain.Resolution, settle domain.SettleFunc) (domain.BondRecord, error) {
	unlock := l.keys.Lock(id)
	defer unlock()

	l.mu.RLock()
	rec, ok := l.records[id]
	pool := l.pool
	l.mu.RUnlock()
	if !ok {
		rec = domain.BondRecord{ProposalID: id}
	}
	if err := CheckResolvable(rec); err != nil {
		return rec, err
	}
	if _, err := ApplyResolution(pool, &rec.Amount, res); err != nil {
		return rec, err
	}

	if settle != nil {
		if err := settle(ctx, rec); err != nil {
			return rec, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Other proposals may have moved the pool while settle ran.
	next, err := ApplyResolution(l.pool, &rec.Amount, res)
	if err != nil {
		return rec, err
	}
	rec = MarkResolved(rec, res)
	at := l.now()
	rec.ResolvedAt = &at
	l.records[id] = rec
	l.pool = next
	return rec, nil
}

// Balances implements domain.BondLedger.
func (l *MemoryLedger) Balances(_ context.Context) (domain.PoolBalances, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pool, nil
}

// List implements domain.BondLedger. Records are returned in creation order.
func (l *MemoryLedger) List(_ context.Context, filter domain.BondFilter) ([]domain.BondRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.BondRecord, 0, len(l.order))
	for _, id := range l.order {
		rec := l.records[id]
		if filter.UnresolvedOnly && rec.Resolved() {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && rec.CreatedAt.After(*filter.Until) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.BondRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.BondLedger = (*MemoryLedger)(nil)
