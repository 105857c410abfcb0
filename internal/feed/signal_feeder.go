package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SignalSubmitter accepts decoded signals, normally the executor.
type SignalSubmitter interface {
	Submit(ctx context.Context, sig domain.Signal) error
}

const signalBatch = 32

// SignalFeeder reads JSON signals from a Redis stream and submits them to the
// executor in stream order.
type SignalFeeder struct {
	bus    domain.SignalBus
	stream string
	sink   SignalSubmitter
	lastID string
	logger *slog.Logger
}

// NewSignalFeeder creates a SignalFeeder on stream. It starts at "$", so
// only entries appended after startup are consumed.
func NewSignalFeeder(bus domain.SignalBus, stream string, sink SignalSubmitter, logger *slog.Logger) *SignalFeeder {
	return &SignalFeeder{
		bus:    bus,
		stream: stream,
		sink:   sink,
		lastID: "$",
		logger: logger.With(slog.String("component", "signal_feeder"), slog.String("stream", stream)),
	}
}

// Run consumes the stream until ctx is done.
func (f *SignalFeeder) Run(ctx context.Context) error {
	f.logger.Info("signal feeder started")
	defer f.logger.Info("signal feeder stopped")

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := f.bus.StreamRead(ctx, f.stream, f.lastID, signalBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.Duration()
			f.logger.WarnContext(ctx, "signal stream read failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for _, msg := range msgs {
			f.lastID = msg.ID
			if err := f.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle decodes and submits one entry. Only a cancelled context is
// returned; bad payloads are logged and skipped.
func (f *SignalFeeder) handle(ctx context.Context, msg domain.StreamMessage) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		f.logger.WarnContext(ctx, "undecodable signal skipped",
			slog.String("entry_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := f.sink.Submit(ctx, sig); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.ErrorContext(ctx, "signal submit failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
