// Package governor is an in-memory proposal engine and status oracle. It
// follows the OpenZeppelin Governor lifecycle with an extra vote type that
// marks a dissenting vote as also denying the proposer's bond refund.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// VoteType is the support value of a cast vote.
type VoteType uint8

const (
	VoteAgainst VoteType = iota
	VoteFor
	VoteAbstain
	VoteAgainstWithoutBondReturn
)

func (v VoteType) String() string {
	switch v {
	case VoteAgainst:
		return "against"
	case VoteFor:
		return "for"
	case VoteAbstain:
		return "abstain"
	case VoteAgainstWithoutBondReturn:
		return "against_without_bond_return"
	default:
		return fmt.Sprintf("VoteType(%d)", uint8(v))
	}
}

// ParseVoteType accepts the names returned by VoteType.String.
func ParseVoteType(s string) (VoteType, error) {
	for v := VoteAgainst; v <= VoteAgainstWithoutBondReturn; v++ {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("governor: unknown vote type %q", s)
}

// Proposal is a snapshot of a proposal held by the Governor.
type Proposal struct {
	ID              domain.ProposalID
	Proposer        common.Address
	DescriptionHash common.Hash
	Targets         int
	State           domain.ProposalState
	Votes           domain.VoteTally
	CreatedAt       time.Time
}

type proposal struct {
	Proposal
	voters map[common.Address]VoteType
}

// Governor implements domain.ProposalEngine and domain.ProposalOracle.
// Lifecycle transitions are driven explicitly through its methods.
type Governor struct {
	mu        sync.RWMutex
	proposals map[domain.ProposalID]*proposal
	quorum    uint256.Int
	now       func() time.Time
}

// New creates a Governor. A proposal succeeds when for votes exceed all
// against votes and for+abstain reaches quorum.
func New(quorum *uint256.Int) *Governor {
	g := &Governor{
		proposals: make(map[domain.ProposalID]*proposal),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if quorum != nil {
		g.quorum.Set(quorum)
	}
	return g
}

// Propose implements domain.ProposalEngine.
func (g *Governor) Propose(_ context.Context, req domain.ProposalRequest) (domain.ProposalID, error) {
	if err := req.Validate(); err != nil {
		return domain.ProposalID{}, err
	}
	descHash := DescriptionHash(req.Description)
	id, err := HashProposal(req.Targets, req.Values, req.Calldatas, descHash)
	if err != nil {
		return domain.ProposalID{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.proposals[id]; ok {
		return domain.ProposalID{}, fmt.Errorf("governor: proposal %s: %w", id.Hex(), domain.ErrAlreadyExists)
	}
	g.proposals[id] = &proposal{
		Proposal: Proposal{
			ID:              id,
			Proposer:        req.Proposer,
			DescriptionHash: descHash,
			Targets:         len(req.Targets),
			State:           domain.ProposalPending,
			CreatedAt:       g.now(),
		},
		voters: make(map[common.Address]VoteType),
	}
	return id, nil
}

// State implements domain.ProposalOracle.
func (g *Governor) State(_ context.Context, id domain.ProposalID) (domain.ProposalState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, err := g.get(id)
	if err != nil {
		return 0, err
	}
	return p.State, nil
}

// VoteTally implements domain.ProposalOracle.
func (g *Governor) VoteTally(_ context.Context, id domain.ProposalID) (domain.VoteTally, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, err := g.get(id)
	if err != nil {
		return domain.VoteTally{}, err
	}
	return p.Votes, nil
}

// Get returns a snapshot of the proposal.
func (g *Governor) Get(id domain.ProposalID) (Proposal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, err := g.get(id)
	if err != nil {
		return Proposal{}, err
	}
	return p.Proposal, nil
}

// Activate opens voting on a pending proposal.
func (g *Governor) Activate(id domain.ProposalID) error {
	return g.transition(id, domain.ProposalActive, domain.ProposalPending)
}

// CastVote records weight for voter on an active proposal. Each voter may
// vote once.
func (g *Governor) CastVote(id domain.ProposalID, voter common.Address, support VoteType, weight *uint256.Int) error {
	if weight == nil {
		weight = new(uint256.Int)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, err := g.get(id)
	if err != nil {
		return err
	}
	if p.State != domain.ProposalActive {
		return fmt.Errorf("governor: vote on %s: %w: proposal is %s", id.Hex(), domain.ErrInvalidProposalStatus, p.State)
	}
	if prev, ok := p.voters[voter]; ok {
		return fmt.Errorf("governor: %s already voted %s on %s: %w", voter.Hex(), prev, id.Hex(), domain.ErrAlreadyExists)
	}

	var bucket *uint256.Int
	switch support {
	case VoteAgainst:
		bucket = &p.Votes.Against
	case VoteFor:
		bucket = &p.Votes.For
	case VoteAbstain:
		bucket = &p.Votes.Abstain
	case VoteAgainstWithoutBondReturn:
		bucket = &p.Votes.AgainstWithoutBondReturn
	default:
		return fmt.Errorf("governor: vote on %s: unknown vote type %d", id.Hex(), support)
	}
	if _, overflow := bucket.AddOverflow(bucket, weight); overflow {
		return fmt.Errorf("governor: vote on %s: %w", id.Hex(), domain.ErrArithmeticOverflow)
	}
	p.voters[voter] = support
	return nil
}

// CloseVoting ends voting and moves the proposal to Succeeded or Defeated.
func (g *Governor) CloseVoting(id domain.ProposalID) (domain.ProposalState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, err := g.get(id)
	if err != nil {
		return 0, err
	}
	if p.State != domain.ProposalActive {
		return p.State, fmt.Errorf("governor: close %s: %w: proposal is %s", id.Hex(), domain.ErrInvalidProposalStatus, p.State)
	}

	var against, turnout uint256.Int
	against.Add(&p.Votes.Against, &p.Votes.AgainstWithoutBondReturn)
	turnout.Add(&p.Votes.For, &p.Votes.Abstain)
	if p.Votes.For.Gt(&against) && !turnout.Lt(&g.quorum) {
		p.State = domain.ProposalSucceeded
	} else {
		p.State = domain.ProposalDefeated
	}
	return p.State, nil
}

// Cancel withdraws a proposal that has not started voting.
func (g *Governor) Cancel(id domain.ProposalID) error {
	return g.transition(id, domain.ProposalCanceled, domain.ProposalPending)
}

// Queue moves a succeeded proposal into the execution queue.
func (g *Governor) Queue(id domain.ProposalID) error {
	return g.transition(id, domain.ProposalQueued, domain.ProposalSucceeded)
}

// Execute marks a succeeded or queued proposal as executed.
func (g *Governor) Execute(id domain.ProposalID) error {
	return g.transition(id, domain.ProposalExecuted, domain.ProposalSucceeded, domain.ProposalQueued)
}

// Expire marks a queued proposal whose execution window lapsed.
func (g *Governor) Expire(id domain.ProposalID) error {
	return g.transition(id, domain.ProposalExpired, domain.ProposalQueued)
}

func (g *Governor) transition(id domain.ProposalID, to domain.ProposalState, from ...domain.ProposalState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, err := g.get(id)
	if err != nil {
		return err
	}
	for _, f := range from {
		if p.State == f {
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("governor: %s -> %s for %s: %w", p.State, to, id.Hex(), domain.ErrInvalidProposalStatus)
}

// get must be called with g.mu held.
func (g *Governor) get(id domain.ProposalID) (*proposal, error) {
	p, ok := g.proposals[id]
	if !ok {
		return nil, fmt.Errorf("governor: proposal %s: %w", id.Hex(), domain.ErrNotFound)
	}
	return p, nil
}

// Compile-time interface checks.
var (
	_ domain.ProposalEngine = (*Governor)(nil)
	_ domain.ProposalOracle = (*Governor)(nil)
)
