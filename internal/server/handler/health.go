package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheckFunc checks one backing service.
type HealthCheckFunc func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler that runs the named checks on each
// request. A nil map reports only liveness.
func NewHealthHandler(checks map[string]HealthCheckFunc, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthCheck responds 200 when every dependency answers and 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
