package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/alanyoungcy/proposalbond/internal/governor"
)

// GovernorSim drives the in-memory governor's lifecycle.
type GovernorSim interface {
	Get(id domain.ProposalID) (governor.Proposal, error)
	Activate(id domain.ProposalID) error
	CastVote(id domain.ProposalID, voter common.Address, support governor.VoteType, weight *uint256.Int) error
	CloseVoting(id domain.ProposalID) (domain.ProposalState, error)
	Cancel(id domain.ProposalID) error
	Queue(id domain.ProposalID) error
	Execute(id domain.ProposalID) error
	Expire(id domain.ProposalID) error
}

// TokenSim manages balances and allowances of the in-memory escrow token.
type TokenSim interface {
	Mint(account common.Address, amount *uint256.Int) error
	BalanceOf(account common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int)
	Allowance(owner, spender common.Address) *uint256.Int
}

// SimHandler exposes the simulated governor and token so a local deployment
// can be driven end to end. Routes are only registered in sim mode.
type SimHandler struct {
	gov    GovernorSim
	token  TokenSim
	logger *slog.Logger
}

// NewSimHandler creates a SimHandler.
func NewSimHandler(gov GovernorSim, token TokenSim, logger *slog.Logger) *SimHandler {
	return &SimHandler{gov: gov, token: token, logger: logger}
}

func proposalJSON(p governor.Proposal) map[string]any {
	return map[string]any{
		"proposal_id":      p.ID.Hex(),
		"proposer":         p.Proposer.Hex(),
		"description_hash": p.DescriptionHash.Hex(),
		"targets":          p.Targets,
		"state":            p.State.String(),
		"votes": map[string]string{
			"against":                     p.Votes.Against.Dec(),
			"for":                         p.Votes.For.Dec(),
			"abstain":                     p.Votes.Abstain.Dec(),
			"against_without_bond_return": p.Votes.AgainstWithoutBondReturn.Dec(),
		},
		"created_at": p.CreatedAt,
	}
}

// GetProposal returns the simulated proposal with its tally.
// GET /api/sim/proposals/{id}
func (h *SimHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeProposal(w, r, id)
}

func (h *SimHandler) writeProposal(w http.ResponseWriter, r *http.Request, id domain.ProposalID) {
	p, err := h.gov.Get(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, proposalJSON(p))
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Support string `json:"support"`
	Weight  string `json:"weight"`
}

// CastVote records a vote on an active proposal.
// POST /api/sim/proposals/{id}/votes
func (h *SimHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	id, err := proposalIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body voteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	voter, ok := parseAddress(body.Voter)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid voter address")
		return
	}
	support, err := governor.ParseVoteType(body.Support)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	weight, ok := parseAmount(body.Weight)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid weight")
		return
	}
	if err := h.gov.CastVote(id, voter, support, weight); err != nil {
		writeDomainError(w, r, h.logger, "cast vote", err)
		return
	}
	h.writeProposal(w, r, id)
}

// Transition applies one lifecycle action to a proposal.
// POST /api/sim/proposals/{id}/{action}
// action is one of activate, close, cancel, queue, execute, expire.
func (h *SimHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := proposalIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	action := r.PathValue("action")
	switch action {
	case "activate":
		err = h.gov.Activate(id)
	case "close":
		_, err = h.gov.CloseVoting(id)
	case "cancel":
		err = h.gov.Cancel(id)
	case "queue":
		err = h.gov.Queue(id)
	case "execute":
		err = h.gov.Execute(id)
	case "expire":
		err = h.gov.Expire(id)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, action+" proposal", err)
		return
	}
	h.writeProposal(w, r, id)
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Mint credits new tokens to an account.
// POST /api/sim/token/mint
func (h *SimHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var body mintRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	account, ok := parseAddress(body.Account)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := h.token.Mint(account, amount); err != nil {
		writeDomainError(w, r, h.logger, "mint", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": h.token.BalanceOf(account).Dec(),
	})
}

type approveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// Approve sets the allowance owner grants to spender.
// POST /api/sim/token/approve
func (h *SimHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	owner, ok := parseAddress(body.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	spender, ok := parseAddress(body.Spender)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid spender address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	h.token.Approve(owner, spender, amount)
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": h.token.Allowance(owner, spender).Dec(),
	})
}

// Balance reports an account's token balance.
// GET /api/sim/token/balances/{account}
func (h *SimHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddress(r.PathValue("account"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": h.token.BalanceOf(account).Dec(),
	})
}
