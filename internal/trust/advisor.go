package trust

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/platform/metrics"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// RoutingUpdater is the write path for routing status. The manifest
// registry owns the row; the advisor drives the transitions.
type RoutingUpdater interface {
	SetRoutingStatus(id domain.CapabilityID, version string, rs capability.RoutingStatus) error
}

// RoutingReader supplies current status and verification for the rules.
type RoutingReader interface {
	GetManifest(ctx context.Context, id domain.CapabilityID, version string) (capability.Manifest, error)
}

// AdvisorConfig carries the threshold rules' tunables.
type AdvisorConfig struct {
	HideSuccessThreshold      float64
	HideSustained             time.Duration
	SyntheticFailureAge       time.Duration
	ThrottleP95MS             float64
	PreferredSuccessThreshold float64
	PreferredP95MS            float64
}

// capState tracks how long a capability has been continuously below (or
// above) the hide threshold, for the sustained-24h clauses.
type capState struct {
	lowSince     time.Time
	healthySince time.Time
}

// Advisor applies the threshold rules after each scorer batch. Rules are
// ordered; first match wins. Transitions are written through the updater
// and logged as audit events.
type Advisor struct {
	stats    StatsStore
	reader   RoutingReader
	updater  RoutingUpdater
	cfg      AdvisorConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onChange func(key CapabilityKey, from, to capability.RoutingStatus)

	mu    sync.Mutex
	state map[CapabilityKey]*capState
}

type AdvisorOption func(*Advisor)

func WithAdvisorClock(now func() time.Time) AdvisorOption {
	return func(a *Advisor) { a.now = now }
}

// WithTransitionHook observes applied transitions (the capability cache
// invalidation hangs off this).
func WithTransitionHook(fn func(key CapabilityKey, from, to capability.RoutingStatus)) AdvisorOption {
	return func(a *Advisor) { a.onChange = fn }
}

func NewAdvisor(stats StatsStore, reader RoutingReader, updater RoutingUpdater, cfg AdvisorConfig, logger *slog.Logger, m *metrics.Metrics, opts ...AdvisorOption) *Advisor {
	a := &Advisor{
		stats:   stats,
		reader:  reader,
		updater: updater,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		state:   make(map[CapabilityKey]*capState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply evaluates every scored capability against the rules and writes the
// resulting routing status.
func (a *Advisor) Apply(ctx context.Context) error {
	all, err := a.stats.All(ctx)
	if err != nil {
		return err
	}
	for _, st := range all {
		a.applyOne(ctx, st)
	}
	return nil
}

func (a *Advisor) applyOne(ctx context.Context, st Stats) {
	manifest, err := a.reader.GetManifest(ctx, st.Key.CapabilityID, st.Key.Version)
	if err != nil {
		a.logger.Warn("advisor could not read manifest",
			"capability_id", st.Key.CapabilityID.String(),
			"version", st.Key.Version,
			"error", err,
		)
		return
	}

	next := a.decide(st, manifest)
	if next == manifest.RoutingStatus {
		return
	}
	if err := a.updater.SetRoutingStatus(st.Key.CapabilityID, st.Key.Version, next); err != nil {
		a.logger.Error("routing transition failed",
			"capability_id", st.Key.CapabilityID.String(),
			"version", st.Key.Version,
			"error", err,
		)
		return
	}

	a.metrics.RoutingTransitions.WithLabelValues(string(manifest.RoutingStatus), string(next)).Inc()
	a.logger.Info("routing status transition",
		"capability_id", st.Key.CapabilityID.String(),
		"version", st.Key.Version,
		"from", string(manifest.RoutingStatus),
		"to", string(next),
		"weighted_success_rate", st.WeightedSuccessRate,
		"p95_latency_ms", st.P95LatencyMS,
		"total_calls", st.TotalCalls,
	)
	if a.onChange != nil {
		a.onChange(st.Key, manifest.RoutingStatus, next)
	}
}

// decide runs the ordered rule chain for one capability.
func (a *Advisor) decide(st Stats, manifest capability.Manifest) capability.RoutingStatus {
	now := a.now()
	state := a.stateFor(st.Key)

	// Below minimum volume there is no scored verdict: active regardless.
	if !st.Scored {
		state.lowSince = time.Time{}
		state.healthySince = time.Time{}
		return capability.RoutingActive
	}

	low := st.WeightedSuccessRate < a.cfg.HideSuccessThreshold
	if low {
		if state.lowSince.IsZero() {
			state.lowSince = now
		}
		state.healthySince = time.Time{}
	} else {
		if state.healthySince.IsZero() {
			state.healthySince = now
		}
		state.lowSince = time.Time{}
	}

	// Recovery gate: a hidden capability stays hidden until the rate has
	// held above threshold for the sustained window and the last synthetic
	// probe passed.
	if manifest.RoutingStatus == capability.RoutingHidden {
		// A recorded synthetic failure blocks recovery; absent probe data
		// does not (capabilities without a prober can still recover).
		recovered := !low &&
			!state.healthySince.IsZero() &&
			now.Sub(state.healthySince) >= a.cfg.HideSustained &&
			st.LastSyntheticStatus != "failure"
		if !recovered {
			return capability.RoutingHidden
		}
		// Fall through to the normal rules for the recovered state.
	}

	// 1. HIDE_LOW_SUCCESS_RATE
	if low && now.Sub(state.lowSince) >= a.cfg.HideSustained {
		return capability.RoutingHidden
	}
	// 2. HIDE_SYNTHETIC_FAILURE
	if st.LastSyntheticStatus == "failure" &&
		!st.LastSyntheticCheckAt.IsZero() &&
		now.Sub(st.LastSyntheticCheckAt) >= a.cfg.SyntheticFailureAge {
		return capability.RoutingHidden
	}
	// 3. THROTTLE_HIGH_LATENCY
	if st.P95LatencyMS > a.cfg.ThrottleP95MS {
		return capability.RoutingThrottled
	}
	// 4. PREFERRED_VERIFIED_HEALTHY
	if manifest.Verified &&
		st.WeightedSuccessRate >= a.cfg.PreferredSuccessThreshold &&
		st.P95LatencyMS <= a.cfg.PreferredP95MS {
		return capability.RoutingPreferred
	}
	// 5. default
	return capability.RoutingActive
}

func (a *Advisor) stateFor(key CapabilityKey) *capState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.state[key]
	if !ok {
		s = &capState{}
		a.state[key] = s
	}
	return s
}
