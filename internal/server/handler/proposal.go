package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// ProposalService creates bonded proposals.
type ProposalService interface {
	ProposeWithBond(ctx context.Context, req domain.ProposalRequest) (domain.ProposalID, error)
	CalculateBond(targetCount int) (*uint256.Int, error)
}

// ProposerVerifier proves that the proposer signed a proposal request.
type ProposerVerifier interface {
	Verify(req domain.ProposalRequest, deadline uint64, sig []byte) error
}

// ProposalHandler serves proposal submission.
type ProposalHandler struct {
	proposals ProposalService
	verifier  ProposerVerifier
	logger    *slog.Logger
}

// NewProposalHandler creates a ProposalHandler. Every submission must carry
// the proposer's signature as checked by verifier.
func NewProposalHandler(proposals ProposalService, verifier ProposerVerifier, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{proposals: proposals, verifier: verifier, logger: logger}
}

// proposeRequest is the JSON body of POST /api/proposals. Values are base-10
// strings, calldatas and signature 0x-prefixed hex, and deadline a Unix time
// in seconds after which the signature is no longer accepted.
type proposeRequest struct {
	Proposer    string   `json:"proposer"`
	Targets     []string `json:"targets"`
	Values      []string `json:"values"`
	Calldatas   []string `json:"calldatas"`
	Description string   `json:"description"`
	Deadline    uint64   `json:"deadline"`
	Signature   string   `json:"signature"`
}

func (p proposeRequest) toDomain() (domain.ProposalRequest, error) {
	proposer, ok := parseAddress(p.Proposer)
	if !ok {
		return domain.ProposalRequest{}, fmt.Errorf("invalid proposer address %q", p.Proposer)
	}
	req := domain.ProposalRequest{
		Proposer:    proposer,
		Targets:     make([]common.Address, len(p.Targets)),
		Values:      make([]*uint256.Int, len(p.Values)),
		Calldatas:   make([][]byte, len(p.Calldatas)),
		Description: p.Description,
	}
	for i, t := range p.Targets {
		addr, ok := parseAddress(t)
		if !ok {
			return domain.ProposalRequest{}, fmt.Errorf("invalid target %d: %q", i, t)
		}
		req.Targets[i] = addr
	}
	for i, v := range p.Values {
		n, ok := parseAmount(v)
		if !ok {
			return domain.ProposalRequest{}, fmt.Errorf("invalid value %d: %q", i, v)
		}
		req.Values[i] = n
	}
	for i, c := range p.Calldatas {
		data, err := hexutil.Decode(c)
		if err != nil {
			return domain.ProposalRequest{}, fmt.Errorf("invalid calldata %d: %w", i, err)
		}
		req.Calldatas[i] = data
	}
	return req, nil
}

// Propose checks the proposer's signature, escrows the bond and creates the
// proposal. The bond is only ever taken from the account that signed.
// POST /api/proposals
func (h *ProposalHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var body proposeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := hexutil.Decode(body.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding: "+err.Error())
		return
	}
	if err := h.verifier.Verify(req, body.Deadline, sig); err != nil {
		writeDomainError(w, r, h.logger, "propose", err)
		return
	}

	id, err := h.proposals.ProposeWithBond(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "propose", err)
		return
	}

	resp := map[string]string{"proposal_id": id.Hex()}
	if amount, err := h.proposals.CalculateBond(len(req.Targets)); err == nil {
		resp["bond"] = amount.Dec()
	}
	writeJSON(w, http.StatusCreated, resp)
}
