package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// BondService defines the methods that the bond handler requires.
type BondService interface {
	CalculateBond(targetCount int) (*uint256.Int, error)
	PricePerTarget() *uint256.Int
	Custodian() common.Address
	Balances(ctx context.Context) (domain.PoolBalances, error)
	GetBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error)
	ListBonds(ctx context.Context, filter domain.BondFilter) ([]domain.BondRecord, error)
	RefundBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error)
	CheckAndForfeitBond(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error)
	Settle(ctx context.Context, id domain.ProposalID) (domain.Resolution, domain.BondRecord, error)
}

// BondHandler serves the bond ledger endpoints.
type BondHandler struct {
	bonds  BondService
	logger *slog.Logger
}

// NewBondHandler creates a BondHandler with the given service and logger.
func NewBondHandler(bonds BondService, logger *slog.Logger) *BondHandler {
	return &BondHandler{bonds: bonds, logger: logger}
}

// Price returns the configured price per target and the custodian that
// proposers must approve.
// GET /api/bonds/price
func (h *BondHandler) Price(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"price_per_target": h.bonds.PricePerTarget().Dec(),
		"custodian":        h.bonds.Custodian().Hex(),
	})
}

// Calculate quotes the bond for a number of targets.
// GET /api/bonds/calculate?targets=n
func (h *BondHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("targets"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "targets must be a non-negative integer")
		return
	}
	amount, err := h.bonds.CalculateBond(n)
	if err != nil {
		writeDomainError(w, r, h.logger, "calculate bond", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": n,
		"bond":    amount.Dec(),
	})
}

// Balances returns the locked and forfeited pool totals.
// GET /api/bonds/balances
func (h *BondHandler) Balances(w http.ResponseWriter, r *http.Request) {
	b, err := h.bonds.Balances(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "read balances", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListBonds returns a page of bond records, oldest first.
// GET /api/bonds?unresolved=true&limit=50&offset=0
func (h *BondHandler) ListBonds(w http.ResponseWriter, r *http.Request) {
	unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved"))
	filter := domain.BondFilter{
		UnresolvedOnly: unresolved,
		ListOpts:       parseListOpts(r),
	}

	records, err := h.bonds.ListBonds(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, "list bonds", err)
		return
	}
	if records == nil {
		records = []domain.BondRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bonds": records,
		"count": len(records),
	})
}

// GetBond returns the bond record of one proposal.
// GET /api/bonds/{id}
func (h *BondHandler) GetBond(w http.ResponseWriter, r *http.Request) {
	id, err := proposalIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.bonds.GetBond(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get bond", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Refund returns a bond to its proposer.
// POST /api/bonds/{id}/refund
func (h *BondHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "refund bond", h.bonds.RefundBond)
}

// Forfeit moves a bond to the forfeited pool.
// POST /api/bonds/{id}/forfeit
func (h *BondHandler) Forfeit(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "forfeit bond", h.bonds.CheckAndForfeitBond)
}

// Settle applies whichever resolution the final tally allows.
// POST /api/bonds/{id}/settle
func (h *BondHandler) Settle(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, "settle bond", func(ctx context.Context, id domain.ProposalID) (domain.BondRecord, error) {
		_, rec, err := h.bonds.Settle(ctx, id)
		return rec, err
	})
}

func (h *BondHandler) resolve(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, domain.ProposalID) (domain.BondRecord, error)) {
	id, err := proposalIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := fn(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
