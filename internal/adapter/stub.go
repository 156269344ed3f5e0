package adapter

import (
	"context"
	"math/rand"
	"time"

	"github.com/jeremylongshore/moat/internal/errcode"
)

// Stub is the development fallback adapter: a synthetic success with
// simulated latency, clearly annotated so receipts can never be mistaken
// for real executions.
type Stub struct {
	minLatency time.Duration
	maxLatency time.Duration
}

func NewStub() *Stub {
	return &Stub{minLatency: 100 * time.Millisecond, maxLatency: 500 * time.Millisecond}
}

// NewStubWithLatency lets tests collapse the simulated delay.
func NewStubWithLatency(min, max time.Duration) *Stub {
	return &Stub{minLatency: min, maxLatency: max}
}

func (s *Stub) Provider() string { return "stub" }

func (s *Stub) Execute(ctx context.Context, inv Invocation) Result {
	delay := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return Result{Err: &Error{Code: errcode.Timeout, Detail: "stub cancelled"}}
	}
	return Result{
		Output: map[string]any{
			"ok":         true,
			"capability": inv.Manifest.ID.String(),
			"echo":       inv.Params,
		},
		Annotation: "stub",
	}
}
