package govnode

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// APIProposeRequest is the body of POST /proposals.
type APIProposeRequest struct {
	Proposer    string   `json:"proposer"`
	Targets     []string `json:"targets"`
	Values      []string `json:"values"`
	Calldatas   []string `json:"calldatas"`
	Description string   `json:"description"`
}

// APIProposeResponse is returned by POST /proposals.
type APIProposeResponse struct {
	ProposalID string `json:"proposal_id"`
}

// APIState is returned by GET /proposals/{id}/state.
type APIState struct {
	State string `json:"state"`
}

// APIVotes is returned by GET /proposals/{id}/votes. Weights are decimal
// strings.
type APIVotes struct {
	AgainstWithoutBondReturn string `json:"against_without_bond_return"`
	Against                  string `json:"against"`
	For                      string `json:"for"`
	Abstain                  string `json:"abstain"`
}

// APITransferRequest is the body of POST /token/transfer.
type APITransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// APIError is the error envelope returned by the node.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toAPIPropose(req domain.ProposalRequest) APIProposeRequest {
	out := APIProposeRequest{
		Proposer:    req.Proposer.Hex(),
		Targets:     make([]string, len(req.Targets)),
		Values:      make([]string, len(req.Values)),
		Calldatas:   make([]string, len(req.Calldatas)),
		Description: req.Description,
	}
	for i, t := range req.Targets {
		out.Targets[i] = t.Hex()
	}
	for i, v := range req.Values {
		out.Values[i] = v.Dec()
	}
	for i, c := range req.Calldatas {
		out.Calldatas[i] = hexutil.Encode(c)
	}
	return out
}

// ToDomain converts the wire tally into a domain.VoteTally.
func (v APIVotes) ToDomain() (domain.VoteTally, error) {
	var t domain.VoteTally
	fields := []struct {
		name string
		raw  string
		dst  *uint256.Int
	}{
		{"against_without_bond_return", v.AgainstWithoutBondReturn, &t.AgainstWithoutBondReturn},
		{"against", v.Against, &t.Against},
		{"for", v.For, &t.For},
		{"abstain", v.Abstain, &t.Abstain},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := f.dst.SetFromDecimal(f.raw); err != nil {
			return domain.VoteTally{}, fmt.Errorf("govnode: decode %s votes %q: %w", f.name, f.raw, err)
		}
	}
	return t, nil
}
