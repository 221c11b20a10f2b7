package domain

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BondRecord is the escrowed bond attached to a single proposal.
type BondRecord struct {
	ProposalID ProposalID
	Proposer   common.Address
	Amount     uint256.Int
	Refunded   bool
	Forfeited  bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Exists reports whether a bond was ever posted for the proposal. The zero
// proposer address means no bond.
func (b BondRecord) Exists() bool {
	return b.Proposer != (common.Address{})
}

// Resolved reports whether the bond has been refunded or forfeited.
func (b BondRecord) Resolved() bool {
	return b.Refunded || b.Forfeited
}

// Status returns a display label for the record.
func (b BondRecord) Status() BondStatus {
	switch {
	case !b.Exists():
		return BondNone
	case b.Refunded:
		return BondRefunded
	case b.Forfeited:
		return BondForfeited
	default:
		return BondLocked
	}
}

// BondStatus is the display state of a bond record.
type BondStatus string

const (
	BondNone      BondStatus = "none"
	BondLocked    BondStatus = "locked"
	BondRefunded  BondStatus = "refunded"
	BondForfeited BondStatus = "forfeited"
)

// Resolution selects which terminal state a bond moves to.
type Resolution int

const (
	ResolutionRefund Resolution = iota + 1
	ResolutionForfeit
)

func (r Resolution) String() string {
	switch r {
	case ResolutionRefund:
		return "refund"
	case ResolutionForfeit:
		return "forfeit"
	default:
		return "unknown"
	}
}

// PoolBalances are the two pooled counters kept alongside the ledger.
// Locked is the sum of unresolved bond amounts; Forfeited only grows.
type PoolBalances struct {
	Locked    uint256.Int
	Forfeited uint256.Int
}

type bondRecordJSON struct {
	ProposalID string     `json:"proposal_id"`
	Proposer   string     `json:"proposer"`
	Amount     string     `json:"amount"`
	Status     BondStatus `json:"status"`
	Refunded   bool       `json:"refunded"`
	Forfeited  bool       `json:"forfeited"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// MarshalJSON renders amounts as decimal strings so 256-bit values survive
// JSON consumers that parse numbers as float64.
func (b BondRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(bondRecordJSON{
		ProposalID: b.ProposalID.Hex(),
		Proposer:   b.Proposer.Hex(),
		Amount:     b.Amount.Dec(),
		Status:     b.Status(),
		Refunded:   b.Refunded,
		Forfeited:  b.Forfeited,
		CreatedAt:  b.CreatedAt,
		ResolvedAt: b.ResolvedAt,
	})
}

// MarshalJSON renders both counters as decimal strings.
func (p PoolBalances) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"locked":    p.Locked.Dec(),
		"forfeited": p.Forfeited.Dec(),
	})
}
