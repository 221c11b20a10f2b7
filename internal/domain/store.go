package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BondFilter narrows bond listings.
type BondFilter struct {
	UnresolvedOnly bool
	ListOpts
}

// SettleFunc runs inside a ledger resolution after every guard has passed
// and before the record or counters change. A non-nil error aborts the
// resolution with no state change.
type SettleFunc func(ctx context.Context, rec BondRecord) error

// BondLedger persists bond records and the pooled balances. Implementations
// must apply Create and Resolve atomically with their counter updates.
type BondLedger interface {
	// Create stores a new record and adds its amount to the locked pool.
	// It returns ErrAlreadyExists when a bond is already recorded for the
	// proposal.
	Create(ctx context.Context, rec BondRecord) error
	// Get returns the record for id. A missing record is returned as the zero
	// BondRecord (Exists() == false) with a nil error.
	Get(ctx context.Context, id ProposalID) (BondRecord, error)
	// Resolve moves the record to the given resolution exactly once.
	Resolve(ctx context.Context, id ProposalID, res Resolution, settle SettleFunc) (BondRecord, error)
	Balances(ctx context.Context) (PoolBalances, error)
	List(ctx context.Context, filter BondFilter) ([]BondRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows audit listings. An empty Event matches every entry.
type AuditFilter struct {
	Event string
	ListOpts
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
