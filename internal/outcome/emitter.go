package outcome

import (
	"context"
	"log/slog"

	"github.com/jeremylongshore/moat/internal/platform/metrics"
)

// Publisher delivers events to wherever the trust scorer reads from.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter decouples the pipeline from the publisher with a bounded buffer.
// Emit never blocks: a full buffer drops the event and bumps the drop
// counter. The pipeline's receipt return is never affected by emission.
type Emitter struct {
	buffer  chan Event
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEmitter(pub Publisher, bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Emitter {
	return &Emitter{
		buffer:  make(chan Event, bufferSize),
		pub:     pub,
		logger:  logger,
		metrics: m,
	}
}

// Emit enqueues the event, dropping on a full buffer.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.buffer <- ev:
	default:
		e.metrics.OutcomeDropsTotal.Inc()
		e.logger.Warn("outcome event dropped, buffer full",
			"receipt_id", ev.ReceiptID.String(),
			"capability_id", ev.CapabilityID.String(),
		)
	}
}

// Run drains the buffer until ctx is cancelled. Publisher failures are
// counted and logged, never propagated.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.buffer:
			if err := e.pub.Publish(ctx, ev); err != nil {
				e.metrics.PublishErrors.Inc()
				e.logger.Warn("outcome event publish failed",
					"error", err,
					"receipt_id", ev.ReceiptID.String(),
				)
			}
		}
	}
}
