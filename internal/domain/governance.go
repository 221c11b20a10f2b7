package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ProposalEngine creates proposals on the external governance engine.
type ProposalEngine interface {
	Propose(ctx context.Context, req ProposalRequest) (ProposalID, error)
}

// ProposalOracle reports proposal lifecycle state and the vote breakdown.
type ProposalOracle interface {
	State(ctx context.Context, id ProposalID) (ProposalState, error)
	VoteTally(ctx context.Context, id ProposalID) (VoteTally, error)
}

// EscrowGateway moves value between accounts. Pulling funds from an account
// other than the custodian requires a prior allowance to the custodian.
// A transfer repeated with the same idempotency key moves value at most once.
type EscrowGateway interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, idempotencyKey string) error
}
