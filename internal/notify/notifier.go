// Package notify forwards bond lifecycle events to chat channels (Telegram,
// Discord). Operators can narrow delivery to a subset of event types.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches bond events to one or more Senders, keeping only the
// event types it was configured for.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, every event type is forwarded.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is registered.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// NotifyBondEvent renders ev and sends it to every sender, unless its type
// is filtered out.
func (n *Notifier) NotifyBondEvent(ctx context.Context, ev domain.BondEvent) error {
	if len(n.events) > 0 && !n.events[string(ev.Type)] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(ev.Type)),
		)
		return nil
	}
	title, message := formatBondEvent(ev)
	return n.dispatch(ctx, title, message)
}

func formatBondEvent(ev domain.BondEvent) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventBondCreated:
		title = "Bond locked"
	case domain.EventBondRefunded:
		title = "Bond refunded"
	case domain.EventBondForfeited:
		title = "Bond forfeited"
	default:
		title = string(ev.Type)
	}
	message := fmt.Sprintf("proposal %s\nproposer %s\namount %s",
		ev.ProposalID.Hex(), ev.Proposer.Hex(), ev.Amount.Dec())
	return title, message
}

// dispatch sends to every sender. A failing sender does not stop delivery to
// the rest; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
