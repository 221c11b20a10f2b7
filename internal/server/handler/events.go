package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// EventSource replays recent bond events.
type EventSource interface {
	RecentEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler serves the bond event history.
type EventHandler struct {
	events EventSource
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventSource, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

type streamEvent struct {
	StreamID string          `json:"stream_id"`
	Event    json.RawMessage `json:"event"`
}

// ListEvents returns events recorded after the given stream ID.
// GET /api/events?after=0&count=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}
	msgs, err := h.events.RecentEvents(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEvent{StreamID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}
