package trust

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/outcome"
)

// taxonomyWeights maps each included error taxonomy to its score weight.
// GATEWAY_ERROR and POLICY_DENIED are excluded from scoring entirely: they
// say nothing about the provider's reliability.
var taxonomyWeights = map[errcode.Code]float64{
	errcode.ProviderRateLimited:  0.5,
	errcode.ProviderInvalidInput: 0.7,
	errcode.ProviderNotFound:     0.2,
	errcode.ProviderServerError:  0.0,
	errcode.Timeout:              0.0,
	errcode.NetworkError:         0.0,
	errcode.ProviderAuthFailure:  0.0,
}

func eventWeight(ev outcome.Event) (weight float64, included bool) {
	if ev.Success {
		return 1.0, true
	}
	w, ok := taxonomyWeights[ev.ErrorTaxonomy]
	return w, ok
}

// Scorer recomputes CapabilityStats from the event window. Deterministic
// and idempotent: the same event set always produces the same snapshots.
type Scorer struct {
	events    EventStore
	stats     StatsStore
	window    time.Duration
	minVolume int
	poolSize  int
	logger    *slog.Logger
	now       func() time.Time
}

type ScorerOption func(*Scorer)

// WithScorerClock overrides the scorer's time source.
func WithScorerClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) { s.now = now }
}

// WithScorerPoolSize bounds the per-capability fan-out.
func WithScorerPoolSize(n int) ScorerOption {
	return func(s *Scorer) { s.poolSize = n }
}

func NewScorer(events EventStore, stats StatsStore, window time.Duration, minVolume int, logger *slog.Logger, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		events:    events,
		stats:     stats,
		window:    window,
		minVolume: minVolume,
		poolSize:  8,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce recomputes stats for every capability with events in the window.
// Capabilities fan out over a bounded worker pool; one capability's failure
// is logged and does not block the others.
func (s *Scorer) RunOnce(ctx context.Context) error {
	now := s.now()
	cutoff := now.Add(-s.window)

	keys, err := s.events.Capabilities(ctx, cutoff)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)
	for _, key := range keys {
		g.Go(func() error {
			if err := s.scoreOne(ctx, key, cutoff, now); err != nil {
				s.logger.Warn("scoring failed for capability",
					"capability_id", key.CapabilityID.String(),
					"version", key.Version,
					"error", err,
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scorer) scoreOne(ctx context.Context, key CapabilityKey, cutoff, now time.Time) error {
	events, err := s.events.EventsSince(ctx, key, cutoff)
	if err != nil {
		return err
	}

	st := Stats{Key: key, ComputedAt: now.UTC()}
	var weightSum float64
	var latencies []float64

	for _, ev := range events {
		if ev.IsSynthetic {
			if ev.Timestamp.After(st.LastSyntheticCheckAt) {
				st.LastSyntheticCheckAt = ev.Timestamp
				if ev.Success {
					st.LastSyntheticStatus = "success"
				} else {
					st.LastSyntheticStatus = "failure"
				}
			}
		}
		weight, included := eventWeight(ev)
		if !included {
			continue
		}
		weightSum += weight
		latencies = append(latencies, ev.LatencyMS)
		st.TotalCalls++
	}

	if st.TotalCalls > 0 {
		st.WeightedSuccessRate = weightSum / float64(st.TotalCalls)
		sort.Float64s(latencies)
		st.P50LatencyMS = percentile(latencies, 50)
		st.P95LatencyMS = percentile(latencies, 95)
	}
	st.Scored = st.TotalCalls >= s.minVolume

	return s.stats.Upsert(ctx, st)
}

// percentile computes the pct-th percentile of a sorted slice with linear
// interpolation.
func percentile(sorted []float64, pct int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	k := float64(len(sorted)-1) * float64(pct) / 100
	lo := int(k)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := k - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
