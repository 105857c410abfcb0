package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Bus channel and stream names for core events.
const (
	EventsChannel = "events"
	EventsStream  = "events:log"
)

// EventRouter fans an event out to every sink. A failing sink never stops
// delivery to the others.
type EventRouter struct {
	sinks  []domain.EventPublisher
	logger *slog.Logger
}

// NewEventRouter creates a router over the given sinks. Nil sinks are
// skipped.
func NewEventRouter(logger *slog.Logger, sinks ...domain.EventPublisher) *EventRouter {
	r := &EventRouter{logger: logger.With(slog.String("component", "event_router"))}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

var _ domain.EventPublisher = (*EventRouter)(nil)

// Publish delivers ev to every sink and joins their errors.
func (r *EventRouter) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
			r.logger.WarnContext(ctx, "event sink failed",
				slog.String("type", string(ev.Type)),
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return errors.Join(errs...)
}

// BusPublisher writes events to the pub/sub channel for live consumers and
// to the durable stream for replay.
type BusPublisher struct {
	bus domain.SignalBus
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// Publish implements domain.EventPublisher.
func (p *BusPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("service: marshal event %s: %w", ev.Type, err)
	}
	if err := p.bus.Publish(ctx, EventsChannel, payload); err != nil {
		return fmt.Errorf("service: publish event %s: %w", ev.Type, err)
	}
	if err := p.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
		return fmt.Errorf("service: append event %s: %w", ev.Type, err)
	}
	return nil
}

// AuditPublisher records events in the audit log.
type AuditPublisher struct {
	audit domain.AuditStore
}

// NewAuditPublisher creates an AuditPublisher.
func NewAuditPublisher(audit domain.AuditStore) *AuditPublisher {
	return &AuditPublisher{audit: audit}
}

// Publish implements domain.EventPublisher.
func (p *AuditPublisher) Publish(ctx context.Context, ev domain.Event) error {
	detail := make(map[string]any, len(ev.Details)+1)
	for k, v := range ev.Details {
		detail[k] = v
	}
	if ev.Symbol != "" {
		detail["symbol"] = ev.Symbol
	}
	if err := p.audit.Log(ctx, string(ev.Type), detail); err != nil {
		return fmt.Errorf("service: audit event %s: %w", ev.Type, err)
	}
	return nil
}
