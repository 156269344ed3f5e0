package execute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/jeremylongshore/moat/internal/adapter"
	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/idempotency"
	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/internal/platform/logger"
	"github.com/jeremylongshore/moat/internal/platform/metrics"
	"github.com/jeremylongshore/moat/internal/policy"
	"github.com/jeremylongshore/moat/internal/publisher"
	"github.com/jeremylongshore/moat/internal/receipt"
	"github.com/jeremylongshore/moat/internal/vault"
	"github.com/jeremylongshore/moat/pkg/domain"
)

var testMetrics = metrics.New()

// fakeAdapter counts invocations and returns a configurable result after an
// optional delay, honouring cancellation.
type fakeAdapter struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	result adapter.Result
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		result: adapter.Result{Output: map[string]any{"ok": true, "ts": "1.0"}},
	}
}

func (f *fakeAdapter) Provider() string { return "slack" }

func (f *fakeAdapter) Execute(ctx context.Context, _ adapter.Invocation) adapter.Result {
	f.mu.Lock()
	f.calls++
	delay, result := f.delay, f.result
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return adapter.Result{Err: &adapter.Error{Code: errcode.Timeout, Detail: "cancelled"}}
		}
	}
	return result
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// captureReceiptPublisher records receipts handed to the on-chain hook.
type captureReceiptPublisher struct {
	mu       sync.Mutex
	receipts []receipt.Receipt
}

func (c *captureReceiptPublisher) Publish(_ context.Context, r receipt.Receipt) error {
	c.mu.Lock()
	c.receipts = append(c.receipts, r)
	c.mu.Unlock()
	return nil
}

func (c *captureReceiptPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receipts)
}

func (c *captureReceiptPublisher) last() receipt.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[len(c.receipts)-1]
}

// capturePublisher records outcome events synchronously.
type capturePublisher struct {
	mu     sync.Mutex
	events []outcome.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev outcome.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capturePublisher) last() outcome.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type PipelineSuite struct {
	suite.Suite

	ctx        context.Context
	cancel     context.CancelFunc
	clock      time.Time
	clockMu    sync.Mutex
	registry   *capability.MemoryRegistry
	cache      *capability.Cache
	bundles    *policy.MemoryBundleStore
	decisions  *policy.MemoryDecisionStore
	counters   *policy.MemoryCounters
	idem       *idempotency.MemoryStore
	receipts   *receipt.MemoryStore
	adapters   *adapter.Registry
	fake       *fakeAdapter
	published  *capturePublisher
	posted     *captureReceiptPublisher
	connections *vault.MemoryConnections
	pipeline   *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) nowUTC() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.clock
}

func (s *PipelineSuite) advance(d time.Duration) {
	s.clockMu.Lock()
	s.clock = s.clock.Add(d)
	s.clockMu.Unlock()
}

func (s *PipelineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clock = time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	log := logger.NewText()
	s.registry = capability.NewMemoryRegistry()
	require.NoError(s.T(), s.registry.Publish(capability.Manifest{
		ID:       "slack.post_message",
		Version:  "1.0.0",
		Provider: "slack",
		Method:   "POST /api/chat.postMessage",
		Scopes:   []string{"slack.post_message"},
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"channel", "text"},
			"properties": map[string]any{
				"channel": map[string]any{"type": "string"},
				"text":    map[string]any{"type": "string"},
			},
		},
		RiskClass:       capability.RiskLow,
		DomainAllowlist: []string{"api.slack.com"},
		Status:          capability.StatusPublished,
		RoutingStatus:   capability.RoutingActive,
	}))

	s.cache = capability.NewCache(s.registry, 5*time.Minute, 30*time.Second)
	s.bundles = policy.NewMemoryBundleStore()
	s.bundles.Provision(&policy.Bundle{
		TenantID:        "t1",
		CapabilityID:    "slack.post_message",
		GrantedScopes:   []string{"slack.post_message"},
		DailyCallsLimit: int64ptr(5),
		HardLimit:       true,
	})
	s.decisions = policy.NewMemoryDecisionStore()
	s.counters = policy.NewMemoryCounters(policy.WithCountersClock(s.nowUTC))
	s.idem = idempotency.NewMemoryStore()
	s.receipts = receipt.NewMemoryStore()
	s.fake = newFakeAdapter()
	s.adapters = adapter.NewRegistry(log)
	s.adapters.Register(s.fake)
	s.published = &capturePublisher{}
	s.connections = vault.NewMemoryConnections()

	emitter := outcome.NewEmitter(s.published, 64, log, testMetrics)
	go emitter.Run(s.ctx)

	s.posted = &captureReceiptPublisher{}
	hook := publisher.NewHook(s.posted, 64, log, testMetrics)
	go hook.Run(s.ctx)

	s.pipeline = New(
		s.cache, s.bundles, s.decisions, s.counters, s.idem, s.receipts,
		s.adapters, s.connections, vault.NewMemoryResolver(), emitter,
		Config{
			AdapterTimeout:        time.Second,
			IdempotencyTTLSuccess: 24 * time.Hour,
			IdempotencyTTLFailure: 0,
		},
		log, testMetrics,
		WithReceiptHook(hook),
	)
}

func (s *PipelineSuite) TearDownTest() {
	s.cancel()
}

func int64ptr(v int64) *int64 { return &v }

func (s *PipelineSuite) request(key string) Request {
	return Request{
		CapabilityID:   "slack.post_message",
		TenantID:       "t1",
		Params:         map[string]any{"channel": "#g", "text": "hi"},
		IdempotencyKey: key,
		RequestID:      domain.RequestID("req-" + key),
		AuthTenant:     "t1",
	}
}

func (s *PipelineSuite) waitEvents(n int) {
	s.Require().Eventually(func() bool { return s.published.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

// Scenario 1: fresh success.
func (s *PipelineSuite) TestFreshSuccess() {
	res, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	s.Require().NotNil(res.Receipt)

	r := res.Receipt
	s.Equal(receipt.StatusSuccess, r.Status)
	s.NotEmpty(r.InputHash)
	s.NotEmpty(r.OutputHash)
	s.Nil(r.ErrorCode)
	s.Equal(1, s.fake.callCount())

	// Exactly one decision, referenced by the receipt, and it exists.
	d, err := s.decisions.Get(s.ctx, r.PolicyDecisionID)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.True(d.Allowed)
	s.Len(s.decisions.All(), 1)

	// Spend recorded.
	snap, err := s.counters.Snapshot(s.ctx, "t1", "slack.post_message")
	s.Require().NoError(err)
	s.Equal(int64(1), snap.DailyCallsUsed)

	// Outcome event emitted with success=true.
	s.waitEvents(1)
	ev := s.published.last()
	s.True(ev.Success)
	s.Equal(r.ID, ev.ReceiptID)
}

// Scenario 2: idempotent replay returns the stored receipt, burns no
// budget, and emits no second outcome event.
func (s *PipelineSuite) TestIdempotentReplay() {
	first, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	s.waitEvents(1)

	second, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	s.Require().NotNil(second.Receipt)

	s.Equal(receipt.StatusIdempotentHit, second.Receipt.Status)
	s.Equal(first.Receipt.OutputHash, second.Receipt.OutputHash)
	s.Equal(first.Receipt.ID, second.Receipt.ID)
	s.Equal(first.Receipt.PolicyDecisionID, second.Receipt.PolicyDecisionID)
	s.Equal(1, s.fake.callCount())

	snap, _ := s.counters.Snapshot(s.ctx, "t1", "slack.post_message")
	s.Equal(int64(1), snap.DailyCallsUsed)

	// No second outcome event.
	time.Sleep(50 * time.Millisecond)
	s.Equal(1, s.published.count())
}

// Scenario 3: scope denial — no receipt, no adapter call.
func (s *PipelineSuite) TestPolicyDenyScope() {
	s.bundles.Provision(&policy.Bundle{
		TenantID:      "t1",
		CapabilityID:  "slack.post_message",
		GrantedScopes: []string{"other.scope"},
		HardLimit:     true,
	})

	res, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	s.Require().NotNil(res.PolicyDenied)
	s.Nil(res.Receipt)
	s.Equal(policy.RuleScopeNotGranted, res.PolicyDenied.RuleHit)
	s.Equal(0, s.fake.callCount())
	s.Empty(s.receipts.All())

	// The denial itself is persisted.
	s.Len(s.decisions.All(), 1)
	s.False(s.decisions.All()[0].Allowed)
}

// Scenario 4: budget exhaustion, then UTC-midnight rollover.
func (s *PipelineSuite) TestBudgetExhaustionAndRollover() {
	s.bundles.Provision(&policy.Bundle{
		TenantID:        "t1",
		CapabilityID:    "slack.post_message",
		GrantedScopes:   []string{"slack.post_message"},
		DailyCallsLimit: int64ptr(2),
		HardLimit:       true,
	})

	for _, key := range []string{"k1", "k2"} {
		res, err := s.pipeline.Execute(s.ctx, s.request(key))
		s.Require().NoError(err)
		s.Require().NotNil(res.Receipt)
		s.Equal(receipt.StatusSuccess, res.Receipt.Status)
	}

	res, err := s.pipeline.Execute(s.ctx, s.request("k3"))
	s.Require().NoError(err)
	s.Require().NotNil(res.PolicyDenied)
	s.Equal(policy.RuleBudgetDailyCalls, res.PolicyDenied.RuleHit)
	s.Equal(int64(2), res.PolicyDenied.BudgetState.DailyCallsUsed)

	// Past UTC midnight the daily counter resets.
	s.advance(13 * time.Hour)
	res, err = s.pipeline.Execute(s.ctx, s.request("k4"))
	s.Require().NoError(err)
	s.Require().NotNil(res.Receipt)
	s.Equal(receipt.StatusSuccess, res.Receipt.Status)
}

// Scenario 5: adapter timeout produces a failure receipt that is not
// cached, so a retry with the same key re-executes.
func (s *PipelineSuite) TestAdapterTimeout() {
	s.fake.mu.Lock()
	s.fake.delay = 3 * time.Second
	s.fake.mu.Unlock()

	res, err := s.pipeline.Execute(s.ctx, s.request("k2"))
	s.Require().NoError(err)
	s.Require().NotNil(res.Receipt)

	r := res.Receipt
	s.Equal(receipt.StatusFailure, r.Status)
	s.Require().NotNil(r.ErrorCode)
	s.Equal(errcode.Timeout, *r.ErrorCode)
	s.GreaterOrEqual(r.LatencyMS, 1000.0)
	s.Less(r.LatencyMS, 2000.0)
	s.Empty(r.OutputHash)

	// Failure entries are deleted immediately (ttl 0).
	s.Equal(0, s.idem.Size())

	// Retry with the same key re-executes.
	s.fake.mu.Lock()
	s.fake.delay = 0
	s.fake.mu.Unlock()
	res, err = s.pipeline.Execute(s.ctx, s.request("k2"))
	s.Require().NoError(err)
	s.Equal(receipt.StatusSuccess, res.Receipt.Status)
	s.Equal(2, s.fake.callCount())
}

// Scenario 6: concurrent single-flight — one adapter call, both callers
// observe the same receipt.
func (s *PipelineSuite) TestConcurrentSingleFlight() {
	s.fake.mu.Lock()
	s.fake.delay = 150 * time.Millisecond
	s.fake.mu.Unlock()

	type callResult struct {
		res Result
		err error
	}
	results := make(chan callResult, 2)
	for range 2 {
		go func() {
			res, err := s.pipeline.Execute(s.ctx, s.request("kshared"))
			results <- callResult{res, err}
		}()
	}

	var receipts []*receipt.Receipt
	for range 2 {
		out := <-results
		s.Require().NoError(out.err)
		s.Require().NotNil(out.res.Receipt)
		receipts = append(receipts, out.res.Receipt)
	}

	s.Equal(1, s.fake.callCount())
	s.Equal(receipts[0].ID, receipts[1].ID)
	s.Equal(receipts[0].OutputHash, receipts[1].OutputHash)

	statuses := map[receipt.Status]int{}
	for _, r := range receipts {
		statuses[r.Status]++
	}
	s.Equal(1, statuses[receipt.StatusSuccess])
	s.Equal(1, statuses[receipt.StatusIdempotentHit])
}

func (s *PipelineSuite) TestTenantMismatchUnauthorized() {
	req := s.request("k1")
	req.AuthTenant = "t2"
	_, err := s.pipeline.Execute(s.ctx, req)
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.Unauthorized, fault.Code)
	s.Empty(s.decisions.All(), "no decision before the tenant guard passes")
	s.Equal(0, s.fake.callCount())
}

func (s *PipelineSuite) TestHiddenCapabilityRejected() {
	require.NoError(s.T(), s.registry.SetRoutingStatus("slack.post_message", "1.0.0", capability.RoutingHidden))
	s.cache.Invalidate("slack.post_message")

	_, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.CapabilityHidden, fault.Code)
}

func (s *PipelineSuite) TestUnpublishedCapabilityRejected() {
	deprecated := capability.Manifest{
		ID:              "slack.old_method",
		Version:         "0.9.0",
		Provider:        "slack",
		Scopes:          []string{"slack.old_method"},
		RiskClass:       capability.RiskLow,
		DomainAllowlist: []string{"api.slack.com"},
		Status:          capability.StatusDeprecated,
		RoutingStatus:   capability.RoutingActive,
	}
	require.NoError(s.T(), s.registry.Publish(deprecated))

	req := s.request("k1")
	req.CapabilityID = "slack.old_method"
	req.CapabilityVersion = "0.9.0"
	_, err := s.pipeline.Execute(s.ctx, req)
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.CapabilityNotPublished, fault.Code)
}

func (s *PipelineSuite) TestUnknownCapability() {
	req := s.request("k1")
	req.CapabilityID = "ghost.cap"
	_, err := s.pipeline.Execute(s.ctx, req)
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.CapabilityNotPublished, fault.Code)
}

func (s *PipelineSuite) TestSchemaViolation() {
	req := s.request("k1")
	req.Params = map[string]any{"channel": "#g"} // text missing
	_, err := s.pipeline.Execute(s.ctx, req)
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.ParamsSchemaViolation, fault.Code)
	s.Equal(0, s.fake.callCount())
	s.Empty(s.receipts.All())
}

func (s *PipelineSuite) TestMissingIdempotencyKeyRejected() {
	req := s.request("")
	_, err := s.pipeline.Execute(s.ctx, req)
	var fault *Fault
	s.Require().ErrorAs(err, &fault)
	s.Equal(errcode.GatewayError, fault.Code)
}

func (s *PipelineSuite) TestSyntheticSkipsSpend() {
	req := s.request("k1")
	req.IsSynthetic = true
	res, err := s.pipeline.Execute(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(receipt.StatusSuccess, res.Receipt.Status)
	s.True(res.Receipt.IsSynthetic)

	snap, _ := s.counters.Snapshot(s.ctx, "t1", "slack.post_message")
	s.Equal(int64(0), snap.DailyCallsUsed)

	// The synthetic flag rides the outcome event into scoring.
	s.waitEvents(1)
	s.True(s.published.last().IsSynthetic)
}

// Every written receipt — success or failure — reaches the on-chain hook;
// idempotent hits and policy denials do not.
func (s *PipelineSuite) TestReceiptHookPosts() {
	res, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	s.Require().NotNil(res.Receipt)

	s.Require().Eventually(func() bool { return s.posted.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	s.Equal(res.Receipt.ID, s.posted.last().ID)
	s.Equal(receipt.StatusSuccess, s.posted.last().Status)

	// Replay: the stored receipt is returned but not re-posted.
	_, err = s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	time.Sleep(50 * time.Millisecond)
	s.Equal(1, s.posted.count())

	// A failure receipt is posted too.
	s.fake.mu.Lock()
	s.fake.result = adapter.Result{Err: &adapter.Error{Code: errcode.ProviderServerError, Detail: "boom"}}
	s.fake.mu.Unlock()
	_, err = s.pipeline.Execute(s.ctx, s.request("k2"))
	s.Require().NoError(err)
	s.Require().Eventually(func() bool { return s.posted.count() == 2 },
		2*time.Second, 5*time.Millisecond)
	s.Equal(receipt.StatusFailure, s.posted.last().Status)
}

func (s *PipelineSuite) TestNoBundleDefaultDeny() {
	req := s.request("k1")
	req.TenantID = "t2"
	req.AuthTenant = "t2"
	res, err := s.pipeline.Execute(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NotNil(res.PolicyDenied)
	s.Equal(policy.RuleNoPolicyBundle, res.PolicyDenied.RuleHit)
}

func (s *PipelineSuite) TestAdapterFailureMapsTaxonomy() {
	s.fake.mu.Lock()
	s.fake.result = adapter.Result{Err: &adapter.Error{Code: errcode.ProviderRateLimited, HTTPStatus: 429, Detail: "slow down"}}
	s.fake.mu.Unlock()

	res, err := s.pipeline.Execute(s.ctx, s.request("k1"))
	s.Require().NoError(err)
	r := res.Receipt
	s.Equal(receipt.StatusFailure, r.Status)
	s.Equal(errcode.ProviderRateLimited, *r.ErrorCode)
	s.Equal("slow down", r.ErrorDetail)

	// Failed calls burn no budget.
	snap, _ := s.counters.Snapshot(s.ctx, "t1", "slack.post_message")
	s.Equal(int64(0), snap.DailyCallsUsed)

	s.waitEvents(1)
	ev := s.published.last()
	s.False(ev.Success)
	s.Equal(errcode.ProviderRateLimited, ev.ErrorTaxonomy)
}

// Redaction invariant: two requests whose params differ only in a
// denylisted value produce the same input hash.
func (s *PipelineSuite) TestInputHashRedacted() {
	req := s.request("k1")
	req.Params = map[string]any{"channel": "#g", "text": "hi", "token": "secret-a"}
	res1, err := s.pipeline.Execute(s.ctx, req)
	s.Require().NoError(err)

	req2 := s.request("k2")
	req2.Params = map[string]any{"channel": "#g", "text": "hi", "token": "secret-b"}
	res2, err := s.pipeline.Execute(s.ctx, req2)
	s.Require().NoError(err)

	s.Equal(res1.Receipt.InputHash, res2.Receipt.InputHash)
	s.NotContains(res1.Receipt.InputHash, "secret-a")
}

// Cancellation after the marker is installed must not prevent the receipt.
func (s *PipelineSuite) TestCancellationAfterMarkerStillWritesReceipt() {
	s.fake.mu.Lock()
	s.fake.delay = 100 * time.Millisecond
	s.fake.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan Result, 1)
	go func() {
		res, err := s.pipeline.Execute(ctx, s.request("k1"))
		s.NoError(err)
		done <- res
	}()
	time.Sleep(30 * time.Millisecond) // adapter in flight
	cancel()

	res := <-done
	s.Require().NotNil(res.Receipt)
	s.Equal(receipt.StatusSuccess, res.Receipt.Status)
	s.Len(s.receipts.All(), 1)
}
