package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps a domain error to its HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBondNotActive):
		return http.StatusNotFound, "bond_not_active"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidProposalStatus):
		return http.StatusConflict, "invalid_proposal_status"
	case errors.Is(err, domain.ErrBondNotEligibleForRefund):
		return http.StatusConflict, "bond_not_eligible_for_refund"
	case errors.Is(err, domain.ErrBondNotEligibleForForfeiture):
		return http.StatusConflict, "bond_not_eligible_for_forfeiture"
	case errors.Is(err, domain.ErrBondAlreadyResolved):
		return http.StatusConflict, "bond_already_resolved"
	case errors.Is(err, domain.ErrResolutionBusy):
		return http.StatusConflict, "resolution_busy"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity, "insufficient_allowance"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, domain.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity, "arithmetic_overflow"
	case errors.Is(err, domain.ErrInvalidProposal):
		return http.StatusBadRequest, "invalid_proposal"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusBadGateway, "upstream_unauthorized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeDomainError writes err with its mapped status. Server-side failures
// are logged; client errors are returned with their message.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, map[string]string{"error": op + " failed", "code": code})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// proposalIDParam parses the {id} path value.
func proposalIDParam(r *http.Request) (domain.ProposalID, error) {
	return domain.ParseProposalID(r.PathValue("id"))
}

// parseAddress accepts a 0x-prefixed 20-byte hex address.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseAmount accepts a base-10 amount.
func parseAmount(s string) (*uint256.Int, bool) {
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return n, true
}
