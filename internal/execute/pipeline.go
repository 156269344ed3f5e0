package execute

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeremylongshore/moat/internal/adapter"
	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/idempotency"
	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/internal/platform/metrics"
	"github.com/jeremylongshore/moat/internal/policy"
	"github.com/jeremylongshore/moat/internal/publisher"
	"github.com/jeremylongshore/moat/internal/receipt"
	"github.com/jeremylongshore/moat/internal/redact"
	"github.com/jeremylongshore/moat/internal/schema"
	"github.com/jeremylongshore/moat/internal/vault"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// CostFn prices one successful call for budget accounting. The default
// prices everything at zero until a pricing table exists, which leaves cost
// rules effectively skipped.
type CostFn func(m capability.Manifest) float64

// Config carries the pipeline's tunables.
type Config struct {
	AdapterTimeout       time.Duration
	IdempotencyTTLSuccess time.Duration
	IdempotencyTTLFailure time.Duration
}

// Pipeline wires the execute choke-point. All dependencies are shared
// process singletons safe for concurrent use; per-request state stays on
// the stack.
type Pipeline struct {
	cache       *capability.Cache
	bundles     policy.BundleStore
	engine      *policy.Engine
	decisions   policy.DecisionStore
	counters    policy.Counters
	idem        idempotency.Store
	receipts    receipt.Store
	adapters    *adapter.Registry
	connections vault.Connections
	vault       vault.Resolver
	emitter     *outcome.Emitter
	hook        *publisher.Hook

	cfg     Config
	costFn  CostFn
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Pipeline)

// WithCostFn installs a pricing function for budget accounting.
func WithCostFn(fn CostFn) Option {
	return func(p *Pipeline) { p.costFn = fn }
}

// WithClock overrides the pipeline's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithReceiptHook installs the best-effort on-chain receipt publisher.
func WithReceiptHook(h *publisher.Hook) Option {
	return func(p *Pipeline) { p.hook = h }
}

func New(
	cache *capability.Cache,
	bundles policy.BundleStore,
	decisions policy.DecisionStore,
	counters policy.Counters,
	idem idempotency.Store,
	receipts receipt.Store,
	adapters *adapter.Registry,
	connections vault.Connections,
	vaultResolver vault.Resolver,
	emitter *outcome.Emitter,
	cfg Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		cache:       cache,
		bundles:     bundles,
		engine:      policy.NewEngine(),
		decisions:   decisions,
		counters:    counters,
		idem:        idem,
		receipts:    receipts,
		adapters:    adapters,
		connections: connections,
		vault:       vaultResolver,
		emitter:     emitter,
		cfg:         cfg,
		costFn:      func(capability.Manifest) float64 { return 0 },
		logger:      logger,
		metrics:     m,
		tracer:      otel.Tracer("moat/execute"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs the ordered pipeline. It returns a Result (receipt or policy
// denial) or a *Fault for failures that yield no Receipt (pre-policy faults
// and idempotency-gate faults). Once the idempotency marker
// is installed, a Receipt is always produced — including on caller
// cancellation and adapter panics.
func (p *Pipeline) Execute(ctx context.Context, req Request) (Result, error) {
	entry := p.now()
	ctx, span := p.tracer.Start(ctx, "moat.execute", trace.WithAttributes(
		attribute.String("capability_id", req.CapabilityID.String()),
		attribute.String("tenant_id", req.TenantID.String()),
		attribute.String("request_id", req.RequestID.String()),
	))
	defer span.End()

	// Step 1: resolve manifest. Registry unreachable with no cached entry is
	// a pre-policy fault: no principal identified, no decision written.
	manifest, stale, err := p.cache.Resolve(ctx, req.CapabilityID, req.CapabilityVersion)
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			return Result{}, &Fault{Code: errcode.CapabilityNotPublished, Message: "capability not found", RequestID: req.RequestID}
		}
		return Result{}, &Fault{Code: errcode.GatewayError, Message: "capability registry unavailable", RequestID: req.RequestID}
	}

	// Step 2: liveness guard.
	if manifest.Status != capability.StatusPublished {
		return Result{}, &Fault{Code: errcode.CapabilityNotPublished, Message: "capability is not published", RequestID: req.RequestID}
	}
	if manifest.RoutingStatus == capability.RoutingHidden {
		return Result{}, &Fault{Code: errcode.CapabilityHidden, Message: "capability is hidden by routing policy", RequestID: req.RequestID}
	}

	// Step 3: tenant identity guard (confused-deputy defense). Last check
	// before policy evaluation.
	if req.AuthTenant.IsEmpty() || req.AuthTenant != req.TenantID {
		return Result{}, &Fault{Code: errcode.Unauthorized, Message: "tenant_id does not match authenticated tenant", RequestID: req.RequestID}
	}

	// Input schema gate: malformed params never reach the provider.
	if err := schema.Validate(manifest.InputSchema, req.Params); err != nil {
		return Result{}, &Fault{Code: errcode.ParamsSchemaViolation, Message: "params failed input schema validation", RequestID: req.RequestID}
	}

	// Step 4: policy evaluation. The decision is persisted unconditionally;
	// engine faults come back as denials (fail closed) and are treated
	// identically.
	bundle, err := p.bundles.GetBundle(ctx, req.TenantID, req.CapabilityID, manifest.Version)
	if err != nil {
		bundle = nil // engine denies: default-deny covers an unreadable bundle
	}
	snapshot, snapErr := p.counters.Snapshot(ctx, req.TenantID, req.CapabilityID)
	if snapErr != nil {
		snapshot = policy.BudgetSnapshot{Err: snapErr}
	}
	decision := p.engine.Evaluate(bundle, manifest, policy.Input{
		TenantID:          req.TenantID,
		CapabilityVersion: manifest.Version,
		RequestID:         req.RequestID,
		ApprovalToken:     req.ApprovalToken,
		Stale:             stale,
	}, snapshot)
	if err := p.decisions.Append(ctx, decision); err != nil {
		return Result{}, &Fault{Code: errcode.GatewayError, Message: "could not persist policy decision", RequestID: req.RequestID}
	}
	if !decision.Allowed {
		p.metrics.PolicyDenialsTotal.WithLabelValues(string(decision.RuleHit)).Inc()
		span.SetAttributes(attribute.String("rule_hit", string(decision.RuleHit)))
		return Result{PolicyDenied: &decision}, nil
	}

	// Step 5: idempotency gate. Installing the marker commits us to writing
	// a Receipt; before this point cancellation aborts with no side effects
	// beyond the decision.
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return Result{}, &Fault{Code: errcode.GatewayError, Message: err.Error(), RequestID: req.RequestID}
	}
	deadline := p.now().Add(p.cfg.AdapterTimeout + 5*time.Second)

	for attempt := 0; ; attempt++ {
		if attempt >= 3 {
			return Result{}, &Fault{Code: errcode.GatewayError, Message: "idempotency gate did not converge", RequestID: req.RequestID}
		}
		ticket, err := p.idem.Begin(ctx, req.TenantID, req.IdempotencyKey, deadline)
		if err != nil {
			// No best-effort fallback: running without idempotency violates a
			// core invariant.
			return Result{}, &Fault{Code: errcode.GatewayError, Message: "idempotency store unavailable", RequestID: req.RequestID}
		}

		switch {
		case ticket.Started:
			return p.execute(ctx, req, manifest, decision)

		case !ticket.ReceiptID.IsNil():
			return p.idempotentHit(ctx, req, ticket.ReceiptID, entry)

		default:
			rid, err := ticket.Waiter.Wait(ctx)
			if err != nil {
				return Result{}, &Fault{Code: errcode.GatewayError, Message: "idempotency barrier wait failed", RequestID: req.RequestID}
			}
			if !rid.IsNil() {
				return p.idempotentHit(ctx, req, rid, entry)
			}
			// The holder abandoned or its failure receipt was not cached;
			// loop and contend for the marker.
		}
	}
}

// idempotentHit returns the stored receipt re-stamped as a hit. The
// original PolicyDecision stays referenced; no new OutcomeEvent is emitted.
func (p *Pipeline) idempotentHit(ctx context.Context, req Request, rid domain.ReceiptID, entry time.Time) (Result, error) {
	stored, err := p.receipts.Get(ctx, rid)
	if err != nil || stored == nil {
		return Result{}, &Fault{Code: errcode.GatewayError, Message: "stored receipt unavailable", RequestID: req.RequestID}
	}
	hit := stored.WithStatus(receipt.StatusIdempotentHit, p.sinceMS(entry))
	p.metrics.IdempotentHits.Inc()
	p.metrics.ExecuteTotal.WithLabelValues(string(receipt.StatusIdempotentHit), "").Inc()
	return Result{Receipt: &hit}, nil
}

// execute runs steps 6-11 for the request that won the idempotency gate.
// From here a Receipt must be produced on every path, so the caller's
// cancellation no longer applies.
func (p *Pipeline) execute(parent context.Context, req Request, manifest capability.Manifest, decision policy.Decision) (Result, error) {
	// Cancellation of the caller does not unwind the execution contract.
	ctx := context.WithoutCancel(parent)

	inputHash, err := redact.HashRedacted(req.Params, nil)
	if err != nil {
		return p.finishFailure(ctx, req, manifest, decision, &adapter.Error{
			Code: errcode.GatewayError, Detail: "input hashing failed",
		}, 0)
	}

	// Step 6: credential resolution. The raw credential lives only inside
	// this frame and the adapter call.
	var cred vault.Credential
	secretRef, err := p.connections.SecretRef(ctx, req.TenantID.String(), manifest.Provider)
	if err == nil && secretRef != "" {
		cred, err = p.vault.Resolve(ctx, secretRef)
	}
	if err != nil {
		res := p.buildAndCommit(ctx, req, manifest, decision, inputHash, adapter.Result{
			Err: &adapter.Error{Code: errcode.GatewayError, Detail: "credential resolution failed"},
		}, 0)
		return res, nil
	}

	// Step 7: adapter dispatch under a hard deadline. A panicking adapter
	// still produces a failure receipt.
	started := p.now()
	result := p.dispatch(ctx, manifest, req.Params, cred)
	latencyMS := p.sinceMS(started)
	p.metrics.AdapterLatency.WithLabelValues(manifest.Provider).Observe(latencyMS)

	// Steps 8-11.
	res := p.buildAndCommit(ctx, req, manifest, decision, inputHash, result, latencyMS)
	return res, nil
}

func (p *Pipeline) dispatch(ctx context.Context, manifest capability.Manifest, params map[string]any, cred vault.Credential) (result adapter.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("adapter panicked", "provider", manifest.Provider, "panic", r)
			result = adapter.Result{Err: &adapter.Error{Code: errcode.GatewayError, Detail: "adapter panicked"}}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	defer cancel()

	a := p.adapters.Get(manifest.Provider)
	done := make(chan adapter.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- adapter.Result{Err: &adapter.Error{Code: errcode.GatewayError, Detail: "adapter panicked"}}
			}
		}()
		done <- a.Execute(ctx, adapter.Invocation{Manifest: manifest, Params: params, Credential: cred})
	}()

	select {
	case result = <-done:
		if result.Err == nil && ctx.Err() != nil {
			result = adapter.Result{Err: &adapter.Error{Code: errcode.Timeout, Detail: "adapter deadline exceeded"}}
		}
		return result
	case <-ctx.Done():
		// The adapter goroutine is cancelled via ctx; its late result is
		// discarded through the buffered channel.
		return adapter.Result{Err: &adapter.Error{Code: errcode.Timeout, Detail: "adapter deadline exceeded"}}
	}
}

func (p *Pipeline) finishFailure(ctx context.Context, req Request, manifest capability.Manifest, decision policy.Decision, aerr *adapter.Error, latencyMS float64) (Result, error) {
	res := p.buildAndCommit(ctx, req, manifest, decision, "", adapter.Result{Err: aerr}, latencyMS)
	return res, nil
}

// buildAndCommit performs steps 8-11: build and write the Receipt, commit
// idempotency, emit the outcome event, and record spend.
func (p *Pipeline) buildAndCommit(
	ctx context.Context,
	req Request,
	manifest capability.Manifest,
	decision policy.Decision,
	inputHash string,
	result adapter.Result,
	latencyMS float64,
) Result {
	// Step 8: build the Receipt.
	r := receipt.Receipt{
		ID:                domain.NewReceiptID(),
		CapabilityID:      req.CapabilityID,
		CapabilityVersion: manifest.Version,
		TenantID:          req.TenantID,
		RequestID:         req.RequestID,
		IdempotencyKey:    req.IdempotencyKey,
		InputHash:         inputHash,
		LatencyMS:         latencyMS,
		PolicyDecisionID:  decision.ID,
		IsSynthetic:       req.IsSynthetic,
		Timestamp:         p.now().UTC(),
	}
	if result.Err == nil {
		outputHash, err := redact.HashRedacted(result.Output, nil)
		if err != nil {
			result = adapter.Result{Err: &adapter.Error{Code: errcode.GatewayError, Detail: "output hashing failed"}}
		} else {
			r.Status = receipt.StatusSuccess
			r.OutputHash = outputHash
			r.OutputAnnotation = result.Annotation
		}
	}
	if result.Err != nil {
		r.Status = receipt.StatusFailure
		code := result.Err.Code
		r.ErrorCode = &code
		r.ErrorDetail = result.Err.Detail
	}

	if err := p.receipts.Append(ctx, r); err != nil {
		// The receipt could not be persisted: do not cache a receipt id that
		// cannot be fetched. Clear the marker so retries re-execute.
		p.logger.Error("receipt write failed", "error", err, "request_id", req.RequestID.String())
		_ = p.idem.Abandon(ctx, req.TenantID, req.IdempotencyKey)
		code := errcode.GatewayError
		r.Status = receipt.StatusFailure
		r.ErrorCode = &code
		r.ErrorDetail = "receipt persistence failed"
		return Result{Receipt: &r}
	}

	// Step 9: commit idempotency. Success caches for the success TTL;
	// failure commits with ttl 0 (delete) so retries re-execute. Waiters on
	// the barrier are released either way.
	ttl := p.cfg.IdempotencyTTLSuccess
	if r.Status == receipt.StatusFailure {
		ttl = p.cfg.IdempotencyTTLFailure
	}
	if err := p.idem.Commit(ctx, req.TenantID, req.IdempotencyKey, r.ID, ttl); err != nil {
		p.logger.Error("idempotency commit failed", "error", err, "request_id", req.RequestID.String())
	}

	// Step 10: emit the outcome event; delivery is not awaited.
	var taxonomy errcode.Code
	if r.ErrorCode != nil {
		taxonomy = *r.ErrorCode
	}
	p.emitter.Emit(outcome.Event{
		ID:                domain.NewEventID(),
		ReceiptID:         r.ID,
		CapabilityID:      r.CapabilityID,
		CapabilityVersion: r.CapabilityVersion,
		Success:           r.Status == receipt.StatusSuccess,
		LatencyMS:         r.LatencyMS,
		ErrorTaxonomy:     taxonomy,
		IsSynthetic:       r.IsSynthetic,
		Timestamp:         r.Timestamp,
	})
	if p.hook != nil {
		p.hook.Post(r)
	}

	// Step 11: record spend. Synthetic traffic is never billed.
	if r.Status == receipt.StatusSuccess && !req.IsSynthetic {
		if err := p.counters.RecordSpend(ctx, req.TenantID, req.CapabilityID, p.costFn(manifest)); err != nil {
			p.logger.Warn("spend recording failed", "error", err, "request_id", req.RequestID.String())
		}
	}

	errLabel := ""
	if r.ErrorCode != nil {
		errLabel = string(*r.ErrorCode)
	}
	p.metrics.ExecuteTotal.WithLabelValues(string(r.Status), errLabel).Inc()
	p.logger.InfoContext(ctx, "capability executed",
		"capability_id", r.CapabilityID.String(),
		"tenant_id", r.TenantID.String(),
		"provider", manifest.Provider,
		"status", string(r.Status),
		"latency_ms", r.LatencyMS,
		"request_id", r.RequestID.String(),
	)
	return Result{Receipt: &r}
}

func (p *Pipeline) sinceMS(t time.Time) float64 {
	return float64(p.now().Sub(t).Microseconds()) / 1000.0
}
