package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

const (
	// BondChannel carries every bond event as it happens.
	BondChannel = "ch:bond"
	// BondStream keeps a bounded, replayable history of bond events.
	BondStream = "stream:bond_events"
)

// BondNotifier is the subset of notify.Notifier the fan-out needs.
type BondNotifier interface {
	NotifyBondEvent(ctx context.Context, ev domain.BondEvent) error
}

// EventFanout implements domain.EventPublisher by delivering each bond event
// to the signal bus, the audit log and chat notifications. Every sink is
// optional.
type EventFanout struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier BondNotifier
	logger   *slog.Logger
}

// NewEventFanout creates an EventFanout. Nil sinks are skipped.
func NewEventFanout(bus domain.SignalBus, audit domain.AuditStore, notifier BondNotifier, logger *slog.Logger) *EventFanout {
	return &EventFanout{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_fanout")),
	}
}

// PublishBondEvent delivers ev to every configured sink. A failing sink does
// not stop the others; failures are joined.
func (f *EventFanout) PublishBondEvent(ctx context.Context, ev domain.BondEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("service: marshal bond event: %w", err)
	}

	var errs []error
	if f.bus != nil {
		if err := f.bus.Publish(ctx, BondChannel, payload); err != nil {
			errs = append(errs, err)
		}
		if err := f.bus.StreamAppend(ctx, BondStream, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if f.audit != nil {
		detail := map[string]any{
			"event_id":    ev.ID,
			"proposal_id": ev.ProposalID.Hex(),
			"proposer":    ev.Proposer.Hex(),
			"amount":      ev.Amount.Dec(),
		}
		if err := f.audit.Log(ctx, string(ev.Type), detail); err != nil {
			errs = append(errs, err)
		}
	}
	if f.notifier != nil {
		if err := f.notifier.NotifyBondEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("service: publish %s: %w", ev.Type, errors.Join(errs...))
	}
	f.logger.DebugContext(ctx, "bond event published",
		slog.String("event", string(ev.Type)),
		slog.String("proposal_id", ev.ProposalID.Hex()),
	)
	return nil
}

// RecentEvents returns up to count events from the bond stream that follow
// lastID. It returns nil when no bus is configured.
func (f *EventFanout) RecentEvents(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if f.bus == nil {
		return nil, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := f.bus.StreamRead(ctx, BondStream, lastID, count)
	if err != nil {
		return nil, fmt.Errorf("service: read bond stream: %w", err)
	}
	return msgs, nil
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventFanout)(nil)
