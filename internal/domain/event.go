package domain

import (
	"context"
	"time"
)

// EventType names a downstream notification.
type EventType string

const (
	EventOrderFilled          EventType = "order_filled"
	EventOrderCanceled        EventType = "order_canceled"
	EventOrderRejected        EventType = "order_rejected"
	EventPositionOpened       EventType = "position_opened"
	EventPositionContribution EventType = "position_contribution"
	EventPositionClosed       EventType = "position_closed"
	EventPositionAbandoned    EventType = "position_abandoned"
	EventOrphanReconciled     EventType = "orphan_reconciled"
	EventUntrackedPosition    EventType = "untracked_exchange_position"
	EventReconcileReport      EventType = "reconciliation_report"
	EventAdmissionRejected    EventType = "admission_rejected"
	EventCriticalAlert        EventType = "critical_alert"
)

// Event is a structured record emitted by the core for downstream consumers.
type Event struct {
	Type    EventType      `json:"type"`
	Symbol  string         `json:"symbol,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Time    time.Time      `json:"time"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, symbol string, details map[string]any) Event {
	return Event{Type: t, Symbol: symbol, Details: details, Time: time.Now().UTC()}
}

// EventPublisher delivers events downstream. Implementations must be safe for
// concurrent use.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
