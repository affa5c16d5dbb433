// Package notifier delivers cycle events to operators. Delivery is best
// effort: failures are logged by the caller and never fail a tick.
package notifier

import (
	"context"

	"go.uber.org/zap"

	"upcycle/internal/domain"
)

// Notifier publishes a single structured event.
type Notifier interface {
	Publish(ctx context.Context, event domain.Event) error
}

// ZapNotifier writes events to the structured log. It doubles as the
// fallback sink when no external notifier is configured.
type ZapNotifier struct {
	logger *zap.Logger
}

func NewZapNotifier(logger *zap.Logger) *ZapNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapNotifier{logger: logger}
}

func (n *ZapNotifier) Publish(_ context.Context, event domain.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("market", event.Market),
		zap.Time("at", event.At),
	}
	if event.Cycle != nil {
		fields = append(fields,
			zap.String("cycle_id", event.Cycle.CycleID),
			zap.String("status", string(event.Cycle.Status)),
			zap.Int("round", event.Cycle.Round))
	}

	if event.Kind == domain.EventTickFailed {
		n.logger.Warn(event.Summary, fields...)
	} else {
		n.logger.Info(event.Summary, fields...)
	}
	return nil
}

// Fanout publishes to every configured notifier and reports the first
// failure; the caller only logs it.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var firstErr error
	for _, n := range f {
		if err := n.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
