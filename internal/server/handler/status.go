package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// StatusInfo is the static runtime description reported by /api/status.
type StatusInfo struct {
	Mode            string    `json:"mode"`
	LedgerBackend   string    `json:"ledger_backend"`
	GovernorBackend string    `json:"governor_backend"`
	Custodian       string    `json:"custodian"`
	PricePerTarget  string    `json:"price_per_target"`
	StartedAt       time.Time `json:"started_at"`
}

// BalanceReader reads the pooled balances.
type BalanceReader interface {
	Balances(ctx context.Context) (domain.PoolBalances, error)
}

// StatusHandler serves the backend status for dashboards.
type StatusHandler struct {
	info     StatusInfo
	balances BalanceReader
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(info StatusInfo, balances BalanceReader, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{info: info, balances: balances, logger: logger}
}

// GetStatus responds with the runtime configuration, pool balances and
// uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	b, err := h.balances.Balances(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "read balances", err)
		return
	}
	uptime := int64(time.Since(h.info.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	writeJSON(w, http.StatusOK, struct {
		StatusInfo
		Balances      domain.PoolBalances `json:"balances"`
		UptimeSeconds int64               `json:"uptime_seconds"`
	}{h.info, b, uptime})
}
