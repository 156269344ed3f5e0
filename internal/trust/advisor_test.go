package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/platform/logger"
	"github.com/jeremylongshore/moat/internal/platform/metrics"
)

var testMetrics = metrics.New()

type AdvisorSuite struct {
	suite.Suite

	now      time.Time
	events   *MemoryEventStore
	stats    *MemoryStatsStore
	registry *capability.MemoryRegistry
	scorer   *Scorer
	advisor  *Advisor
}

func TestAdvisorSuite(t *testing.T) {
	suite.Run(t, new(AdvisorSuite))
}

func (s *AdvisorSuite) SetupTest() {
	s.now = time.Now().UTC()
	s.events = NewMemoryEventStore()
	s.stats = NewMemoryStatsStore()
	s.registry = capability.NewMemoryRegistry()

	require.NoError(s.T(), s.registry.Publish(capability.Manifest{
		ID:              capKey.CapabilityID,
		Version:         capKey.Version,
		Provider:        "acme",
		Scopes:          []string{"acme.search"},
		RiskClass:       capability.RiskLow,
		DomainAllowlist: []string{"api.acme.com"},
		Status:          capability.StatusPublished,
		RoutingStatus:   capability.RoutingActive,
	}))

	log := logger.NewText()
	s.scorer = NewScorer(s.events, s.stats, 7*24*time.Hour, 10, log,
		WithScorerClock(func() time.Time { return s.now }))
	s.advisor = NewAdvisor(s.stats, s.registry, s.registry, AdvisorConfig{
		HideSuccessThreshold:      0.80,
		HideSustained:             24 * time.Hour,
		SyntheticFailureAge:       2 * time.Hour,
		ThrottleP95MS:             10000,
		PreferredSuccessThreshold: 0.99,
		PreferredP95MS:            2000,
	}, log, testMetrics, WithAdvisorClock(func() time.Time { return s.now }))
}

func (s *AdvisorSuite) runBatch() {
	require.NoError(s.T(), s.scorer.RunOnce(context.Background()))
	require.NoError(s.T(), s.advisor.Apply(context.Background()))
}

func (s *AdvisorSuite) routingStatus() capability.RoutingStatus {
	m, err := s.registry.GetManifest(context.Background(), capKey.CapabilityID, capKey.Version)
	require.NoError(s.T(), err)
	return m.RoutingStatus
}

func (s *AdvisorSuite) seed(success, failures int, taxonomy errcode.Code, latencyMS float64) {
	for range success {
		seedEvent(s.T(), s.events, true, "", latencyMS, s.now.Add(-time.Minute), false)
	}
	for range failures {
		seedEvent(s.T(), s.events, false, taxonomy, latencyMS, s.now.Add(-time.Minute), false)
	}
}

// Scenario: 85 timeouts + 15 successes → 0.15 rate; hidden only after the
// low rate has been sustained 24h; once the failures leave the window, 200
// fresh successes and a passing synthetic probe sustained 24h recover it.
func (s *AdvisorSuite) TestHideAndRecovery() {
	s.seed(15, 85, errcode.Timeout, 50)

	s.runBatch()
	s.Equal(capability.RoutingActive, s.routingStatus(), "first batch starts the sustained clock")

	s.now = s.now.Add(24 * time.Hour)
	s.seed(15, 85, errcode.Timeout, 50) // keep the window populated
	s.runBatch()
	s.Equal(capability.RoutingHidden, s.routingStatus())

	// Recovery: once the failures age out of the 7d window, healthy traffic
	// plus a passing synthetic probe must still hold for 24h.
	s.now = s.now.Add(7 * 24 * time.Hour)
	s.seed(200, 0, "", 50)
	seedEvent(s.T(), s.events, true, "", 50, s.now.Add(-time.Minute), true)
	s.runBatch()
	s.Equal(capability.RoutingHidden, s.routingStatus(), "recovery needs sustained health")

	s.now = s.now.Add(24 * time.Hour)
	seedEvent(s.T(), s.events, true, "", 50, s.now.Add(-time.Minute), true)
	s.runBatch()
	s.Equal(capability.RoutingActive, s.routingStatus())
}

func (s *AdvisorSuite) TestBelowMinVolumeStaysActive() {
	s.seed(0, 9, errcode.Timeout, 50000)
	s.runBatch()
	s.now = s.now.Add(25 * time.Hour)
	s.runBatch()
	s.Equal(capability.RoutingActive, s.routingStatus())
}

func (s *AdvisorSuite) TestSyntheticFailureHides() {
	s.seed(20, 0, "", 50)
	// A probe failure recorded 3h ago (older than the 2h staleness gate).
	seedEvent(s.T(), s.events, false, errcode.Timeout, 50, s.now.Add(-3*time.Hour), true)
	s.runBatch()
	s.Equal(capability.RoutingHidden, s.routingStatus())
}

func (s *AdvisorSuite) TestThrottleHighLatency() {
	s.seed(20, 0, "", 60000)
	s.runBatch()
	s.Equal(capability.RoutingThrottled, s.routingStatus())
}

func (s *AdvisorSuite) TestPreferredVerifiedHealthy() {
	// Re-publish as verified.
	s.registry = capability.NewMemoryRegistry()
	require.NoError(s.T(), s.registry.Publish(capability.Manifest{
		ID:              capKey.CapabilityID,
		Version:         capKey.Version,
		Provider:        "acme",
		Scopes:          []string{"acme.search"},
		RiskClass:       capability.RiskLow,
		DomainAllowlist: []string{"api.acme.com"},
		Status:          capability.StatusPublished,
		RoutingStatus:   capability.RoutingActive,
		Verified:        true,
	}))
	log := logger.NewText()
	s.advisor = NewAdvisor(s.stats, s.registry, s.registry, AdvisorConfig{
		HideSuccessThreshold:      0.80,
		HideSustained:             24 * time.Hour,
		SyntheticFailureAge:       2 * time.Hour,
		ThrottleP95MS:             10000,
		PreferredSuccessThreshold: 0.99,
		PreferredP95MS:            2000,
	}, log, testMetrics, WithAdvisorClock(func() time.Time { return s.now }))

	s.seed(50, 0, "", 100)
	s.runBatch()
	s.Equal(capability.RoutingPreferred, s.routingStatus())
}

func (s *AdvisorSuite) TestHealthyUnverifiedStaysActive() {
	s.seed(50, 0, "", 100)
	s.runBatch()
	s.Equal(capability.RoutingActive, s.routingStatus())
}
