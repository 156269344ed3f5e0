package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/pkg/domain"
	"github.com/jeremylongshore/moat/internal/platform/logger"
)

var capKey = CapabilityKey{CapabilityID: "acme.search", Version: "1.0.0"}

func seedEvent(t *testing.T, store EventStore, success bool, taxonomy errcode.Code, latencyMS float64, at time.Time, synthetic bool) {
	t.Helper()
	err := store.Record(context.Background(), outcome.Event{
		ID:                domain.NewEventID(),
		ReceiptID:         domain.NewReceiptID(),
		CapabilityID:      capKey.CapabilityID,
		CapabilityVersion: capKey.Version,
		Success:           success,
		LatencyMS:         latencyMS,
		ErrorTaxonomy:     taxonomy,
		IsSynthetic:       synthetic,
		Timestamp:         at,
	})
	require.NoError(t, err)
}

func newScorer(events EventStore, stats StatsStore, now time.Time) *Scorer {
	return NewScorer(events, stats, 7*24*time.Hour, 10, logger.NewText(),
		WithScorerClock(func() time.Time { return now }))
}

func TestWeightedSuccessRate(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	// 85 zero-weight timeouts and 15 successes → 15/100 = 0.15.
	for range 85 {
		seedEvent(t, events, false, errcode.Timeout, 50, now.Add(-time.Hour), false)
	}
	for range 15 {
		seedEvent(t, events, true, "", 50, now.Add(-time.Hour), false)
	}

	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, err := stats.Get(context.Background(), capKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.InDelta(t, 0.15, st.WeightedSuccessRate, 1e-9)
	assert.Equal(t, 100, st.TotalCalls)
	assert.True(t, st.Scored)
}

func TestPartialWeights(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	// 5 successes (1.0), 5 rate-limited (0.5), 5 invalid-input (0.7),
	// 5 not-found (0.2) → (5 + 2.5 + 3.5 + 1) / 20 = 0.6.
	for range 5 {
		seedEvent(t, events, true, "", 100, now.Add(-time.Hour), false)
		seedEvent(t, events, false, errcode.ProviderRateLimited, 100, now.Add(-time.Hour), false)
		seedEvent(t, events, false, errcode.ProviderInvalidInput, 100, now.Add(-time.Hour), false)
		seedEvent(t, events, false, errcode.ProviderNotFound, 100, now.Add(-time.Hour), false)
	}

	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.InDelta(t, 0.6, st.WeightedSuccessRate, 1e-9)
	assert.GreaterOrEqual(t, st.WeightedSuccessRate, 0.0)
	assert.LessOrEqual(t, st.WeightedSuccessRate, 1.0)
}

func TestExcludedTaxonomiesDoNotAffectScore(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	for range 10 {
		seedEvent(t, events, true, "", 100, now.Add(-time.Hour), false)
	}
	// Gateway faults and policy denials say nothing about the provider.
	for range 50 {
		seedEvent(t, events, false, errcode.GatewayError, 5, now.Add(-time.Hour), false)
		seedEvent(t, events, false, errcode.PolicyDenied, 5, now.Add(-time.Hour), false)
	}

	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.Equal(t, 10, st.TotalCalls)
	assert.InDelta(t, 1.0, st.WeightedSuccessRate, 1e-9)
}

func TestPercentiles(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	for i := 1; i <= 100; i++ {
		seedEvent(t, events, true, "", float64(i*10), now.Add(-time.Hour), false)
	}
	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.GreaterOrEqual(t, st.P95LatencyMS, st.P50LatencyMS)
	assert.InDelta(t, 505, st.P50LatencyMS, 1)
	assert.InDelta(t, 950.5, st.P95LatencyMS, 1)
}

func TestMinVolumeNotScored(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	for range 9 {
		seedEvent(t, events, false, errcode.Timeout, 50, now.Add(-time.Hour), false)
	}
	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.False(t, st.Scored)
}

func TestWindowExcludesOldEvents(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	for range 20 {
		seedEvent(t, events, false, errcode.Timeout, 50, now.Add(-8*24*time.Hour), false)
	}
	for range 12 {
		seedEvent(t, events, true, "", 50, now.Add(-time.Hour), false)
	}
	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.Equal(t, 12, st.TotalCalls)
	assert.InDelta(t, 1.0, st.WeightedSuccessRate, 1e-9)
}

func TestSyntheticTracking(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	seedEvent(t, events, true, "", 50, now.Add(-3*time.Hour), true)
	seedEvent(t, events, false, errcode.Timeout, 50, now.Add(-time.Hour), true)
	for range 10 {
		seedEvent(t, events, true, "", 50, now.Add(-time.Hour), false)
	}
	require.NoError(t, newScorer(events, stats, now).RunOnce(context.Background()))

	st, _ := stats.Get(context.Background(), capKey)
	require.NotNil(t, st)
	assert.Equal(t, "failure", st.LastSyntheticStatus)
	assert.Equal(t, now.Add(-time.Hour), st.LastSyntheticCheckAt)
}

// Re-running the scorer over the same events must produce identical output.
func TestScorerIdempotent(t *testing.T) {
	events := NewMemoryEventStore()
	stats := NewMemoryStatsStore()
	now := time.Now().UTC()

	for i := range 30 {
		seedEvent(t, events, i%3 != 0, errcode.ProviderServerError, float64(100+i), now.Add(-time.Hour), false)
	}
	scorer := newScorer(events, stats, now)
	require.NoError(t, scorer.RunOnce(context.Background()))
	first, _ := stats.Get(context.Background(), capKey)
	require.NoError(t, scorer.RunOnce(context.Background()))
	second, _ := stats.Get(context.Background(), capKey)
	assert.Equal(t, first, second)
}
