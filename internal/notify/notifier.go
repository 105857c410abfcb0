// Package notify delivers core events to human operators over chat channels.
// Every configured sender receives each event that passes the type filter.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a message with the given title and body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs (e.g. "telegram").
	Name() string
}

// Notifier fans events out to Senders. Only event types in the allowed set
// are forwarded; critical alerts always pass. Publish only queues; Run does
// the network calls so event producers never wait on a chat API.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	queue   chan domain.Event
	logger  *slog.Logger
}

const queueSize = 256

var _ domain.EventPublisher = (*Notifier)(nil)

// NewNotifier creates a Notifier delivering to senders. An empty events list
// allows every event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan domain.Event, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether the notifier has at least one sender.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Allows reports whether events of type t are forwarded.
func (n *Notifier) Allows(t domain.EventType) bool {
	if t == domain.EventCriticalAlert || len(n.events) == 0 {
		return true
	}
	return n.events[t]
}

// Publish implements domain.EventPublisher. Filtered events are dropped and
// a full queue drops the event with a warning.
func (n *Notifier) Publish(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() || !n.Allows(ev.Type) {
		return nil
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.WarnContext(ctx, "notification queue full, dropping event", slog.String("type", string(ev.Type)))
	}
	return nil
}

// Run delivers queued events until ctx is done. Sender failures are logged.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_ = n.Deliver(sendCtx, ev)
			cancel()
		}
	}
}

// Deliver formats ev and sends it to every sender now.
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) error {
	if !n.Allows(ev.Type) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("type", string(ev.Type)))
		return nil
	}
	return n.Send(ctx, FormatTitle(ev), FormatMessage(ev))
}

// Send delivers a free-form message to every sender regardless of filter.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

var titles = map[domain.EventType]string{
	domain.EventOrderFilled:          "Order filled",
	domain.EventOrderCanceled:        "Order canceled",
	domain.EventOrderRejected:        "Order rejected",
	domain.EventPositionOpened:       "Position opened",
	domain.EventPositionContribution: "Position increased",
	domain.EventPositionClosed:       "Position closed",
	domain.EventPositionAbandoned:    "Position abandoned",
	domain.EventOrphanReconciled:     "Orphan position reconciled",
	domain.EventUntrackedPosition:    "Untracked exchange position",
	domain.EventReconcileReport:      "Reconciliation report",
	domain.EventAdmissionRejected:    "Signal rejected",
	domain.EventCriticalAlert:        "CRITICAL",
}

// FormatTitle renders the headline for ev.
func FormatTitle(ev domain.Event) string {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.Symbol != "" {
		title += " " + ev.Symbol
	}
	return title
}

// FormatMessage renders ev's details as sorted "key: value" lines followed by
// the event time.
func FormatMessage(ev domain.Event) string {
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(ev.Details[k]))
	}
	if !ev.Time.IsZero() {
		b.WriteString(ev.Time.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.6g", x)
	case float32:
		return fmt.Sprintf("%.6g", x)
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprint(x)
	}
}
