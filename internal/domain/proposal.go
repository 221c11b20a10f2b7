package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// ProposalID is the proposal engine's 256-bit handle for a proposal.
type ProposalID = common.Hash

// ParseProposalID accepts either a 0x-prefixed 32-byte hex string or a
// uint256 decimal.
func ParseProposalID(s string) (ProposalID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ProposalID{}, fmt.Errorf("%w: empty proposal id", ErrInvalidProposal)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.Decode("0x" + s[2:])
		if err != nil {
			return ProposalID{}, fmt.Errorf("%w: proposal id %q: %v", ErrInvalidProposal, s, err)
		}
		if len(b) != common.HashLength {
			return ProposalID{}, fmt.Errorf("%w: proposal id %q must be 32 bytes", ErrInvalidProposal, s)
		}
		return common.BytesToHash(b), nil
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return ProposalID{}, fmt.Errorf("%w: proposal id %q: %v", ErrInvalidProposal, s, err)
	}
	return common.Hash(n.Bytes32()), nil
}

// ProposalState mirrors the external engine's lifecycle. The numeric order
// matches the OpenZeppelin Governor enum.
type ProposalState int

const (
	ProposalPending ProposalState = iota
	ProposalActive
	ProposalCanceled
	ProposalDefeated
	ProposalSucceeded
	ProposalQueued
	ProposalExpired
	ProposalExecuted
)

var proposalStateNames = [...]string{
	"Pending", "Active", "Canceled", "Defeated", "Succeeded", "Queued", "Expired", "Executed",
}

func (s ProposalState) String() string {
	if s < 0 || int(s) >= len(proposalStateNames) {
		return fmt.Sprintf("ProposalState(%d)", int(s))
	}
	return proposalStateNames[s]
}

// ParseProposalState converts a state name (case-insensitive) to a ProposalState.
func ParseProposalState(name string) (ProposalState, error) {
	for i, n := range proposalStateNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return ProposalState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown proposal state %q", name)
}

// InVoting reports whether the proposal has not yet left its pre-resolution
// phase.
func (s ProposalState) InVoting() bool {
	return s == ProposalPending || s == ProposalActive
}

// VoteTally is the four-way vote breakdown reported by the oracle.
type VoteTally struct {
	AgainstWithoutBondReturn uint256.Int
	Against                  uint256.Int
	For                      uint256.Int
	Abstain                  uint256.Int
}

// RefundAllowed applies the bond policy: refund when against-without-
// bond-return votes are at least the ordinary against votes (ties refund).
// Forfeiture is the strict complement.
func (t VoteTally) RefundAllowed() bool {
	return !t.AgainstWithoutBondReturn.Lt(&t.Against)
}

// ProposalRequest is a proposal submission that carries a bond.
type ProposalRequest struct {
	Proposer    common.Address
	Targets     []common.Address
	Values      []*uint256.Int
	Calldatas   [][]byte
	Description string
}

// Validate checks the shape the proposal engine requires.
func (r ProposalRequest) Validate() error {
	if r.Proposer == (common.Address{}) {
		return fmt.Errorf("%w: proposer must be set", ErrInvalidProposal)
	}
	if len(r.Values) != len(r.Targets) || len(r.Calldatas) != len(r.Targets) {
		return fmt.Errorf("%w: targets=%d values=%d calldatas=%d",
			ErrInvalidProposal, len(r.Targets), len(r.Values), len(r.Calldatas))
	}
	for i, v := range r.Values {
		if v == nil {
			return fmt.Errorf("%w: value %d is nil", ErrInvalidProposal, i)
		}
	}
	return nil
}
