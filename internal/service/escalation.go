package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
)

// Escalator turns a run of consecutive failures of one operation into a
// single critical alert.
type Escalator struct {
	mu        sync.Mutex
	streaks   map[string]int
	threshold int
	events    domain.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEscalator creates an Escalator that alerts on the threshold-th
// consecutive failure.
func NewEscalator(threshold int, events domain.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Escalator {
	if threshold < 1 {
		threshold = 1
	}
	return &Escalator{
		streaks:   make(map[string]int),
		threshold: threshold,
		events:    events,
		metrics:   m,
		logger:    logger.With(slog.String("component", "escalator")),
	}
}

// Failure records a failure of key. It returns true when this failure raised
// the alert; later failures in the same streak stay quiet.
func (e *Escalator) Failure(ctx context.Context, key string, err error) bool {
	e.mu.Lock()
	e.streaks[key]++
	n := e.streaks[key]
	e.mu.Unlock()

	if n != e.threshold {
		return false
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.logger.ErrorContext(ctx, "repeated failure escalated",
		slog.String("key", key),
		slog.Int("consecutive", n),
		slog.String("error", msg),
	)
	e.metrics.Escalation(key)
	if e.events != nil {
		ev := domain.NewEvent(domain.EventCriticalAlert, "", map[string]any{
			"operation":   key,
			"consecutive": n,
			"error":       msg,
		})
		if pubErr := e.events.Publish(ctx, ev); pubErr != nil {
			e.logger.WarnContext(ctx, "critical alert publish failed", slog.String("error", pubErr.Error()))
		}
	}
	return true
}

// Success ends the failure streak of key.
func (e *Escalator) Success(key string) {
	e.mu.Lock()
	delete(e.streaks, key)
	e.mu.Unlock()
}

// Streak returns the current consecutive failure count of key.
func (e *Escalator) Streak(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaks[key]
}
