package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BondEventType names a bond lifecycle notification.
type BondEventType string

const (
	EventBondCreated   BondEventType = "bond_created"
	EventBondRefunded  BondEventType = "bond_refunded"
	EventBondForfeited BondEventType = "bond_forfeited"
)

// BondEvent is emitted after a ledger transition commits.
type BondEvent struct {
	ID         string
	Type       BondEventType
	ProposalID ProposalID
	Proposer   common.Address
	Amount     uint256.Int
	At         time.Time
}

// EventPublisher delivers bond events to observers.
type EventPublisher interface {
	PublishBondEvent(ctx context.Context, ev BondEvent) error
}

// MarshalJSON is the wire form shared by the event bus, the stream and
// websocket clients.
func (e BondEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID         string        `json:"id"`
		Type       BondEventType `json:"type"`
		ProposalID string        `json:"proposal_id"`
		Proposer   string        `json:"proposer"`
		Amount     string        `json:"amount"`
		At         time.Time     `json:"at"`
	}{
		ID:         e.ID,
		Type:       e.Type,
		ProposalID: e.ProposalID.Hex(),
		Proposer:   e.Proposer.Hex(),
		Amount:     e.Amount.Dec(),
		At:         e.At,
	})
}
