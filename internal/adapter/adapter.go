// Package adapter hosts the provider adapter contract, the typed registry
// the pipeline dispatches through, and the shared outbound host guard.
package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jeremylongshore/moat/internal/capability"
	"github.com/jeremylongshore/moat/internal/errcode"
	"github.com/jeremylongshore/moat/internal/vault"
)

// Invocation carries everything one adapter call needs. The credential is
// request-scoped; adapters must never log or persist its value.
type Invocation struct {
	Manifest   capability.Manifest
	Params     map[string]any
	Credential vault.Credential
}

// Error is the taxonomy-mapped adapter failure.
type Error struct {
	Code       errcode.Code
	HTTPStatus int
	Detail     string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Detail }

// Result is the adapter outcome: Output on success, Err otherwise.
// Annotation marks non-standard outputs (the stub adapter sets it).
type Result struct {
	Output     map[string]any
	Annotation string
	Err        *Error
}

// Adapter wraps one external provider behind a uniform execute call.
// Implementations must be re-entrant: one shared instance serves all
// concurrent pipeline tasks.
type Adapter interface {
	Provider() string
	Execute(ctx context.Context, inv Invocation) Result
}

// Registry maps provider names to adapter singletons.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		fallback: NewStub(),
		logger:   logger,
	}
}

// Register installs an adapter under its provider name, replacing any
// existing registration (tests hot-swap counting fakes this way).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Provider()]; exists {
		r.logger.Warn("replacing existing adapter", "provider", a.Provider())
	}
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for provider, falling back to the stub for
// providers with no registered adapter (development fallback; the stub
// marks its receipts).
func (r *Registry) Get(provider string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[provider]; ok {
		return a
	}
	r.logger.Warn("no adapter registered for provider, using stub", "provider", provider)
	return r.fallback
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
