// Package publisher defines the on-chain receipt publisher port. The chain
// client is an external collaborator; the core only fans receipts out to it
// best-effort.
package publisher

import (
	"context"
	"log/slog"

	"github.com/jeremylongshore/moat/internal/platform/metrics"
	"github.com/jeremylongshore/moat/internal/receipt"
)

// Publisher receives every written receipt. Failures are logged and
// counted, never retried by the core and never surfaced to the caller.
type Publisher interface {
	Publish(ctx context.Context, r receipt.Receipt) error
}

// Noop is used when no publisher is configured.
type Noop struct{}

func (Noop) Publish(context.Context, receipt.Receipt) error { return nil }

// Hook wraps a Publisher with the fire-and-forget semantics the pipeline
// needs: a bounded buffer drained by one worker.
type Hook struct {
	buffer  chan receipt.Receipt
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHook(pub Publisher, bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Hook {
	return &Hook{
		buffer:  make(chan receipt.Receipt, bufferSize),
		pub:     pub,
		logger:  logger,
		metrics: m,
	}
}

// Post enqueues the receipt without blocking; a full buffer drops it.
func (h *Hook) Post(r receipt.Receipt) {
	select {
	case h.buffer <- r:
	default:
		h.metrics.PublishErrors.Inc()
		h.logger.Warn("receipt publish dropped, buffer full", "receipt_id", r.ID.String())
	}
}

// Run drains the buffer until ctx is cancelled.
func (h *Hook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-h.buffer:
			if err := h.pub.Publish(ctx, r); err != nil {
				h.metrics.PublishErrors.Inc()
				h.logger.Warn("receipt publish failed", "error", err, "receipt_id", r.ID.String())
			}
		}
	}
}
