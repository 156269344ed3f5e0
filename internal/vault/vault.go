// Package vault defines the credential resolution port. The vault itself is
// an external collaborator; the core only holds the interface and a
// development resolver. Raw credentials exist in request-scoped memory
// only: they are never logged, hashed, or persisted.
package vault

import (
	"context"
	"os"
	"strings"
	"sync"

	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"
)

// Credential is an opaque secret holder. The value is reachable only
// through Use, so it cannot be assigned into a struct field and carried
// past the dispatch call.
type Credential struct {
	value string
}

// NewCredential wraps a raw secret. Only resolvers and tests construct one.
func NewCredential(value string) Credential {
	return Credential{value: value}
}

// IsZero reports whether no credential was resolved (capabilities whose
// provider needs none).
func (c Credential) IsZero() bool { return c.value == "" }

// Use hands the raw value to fn for the duration of the call. fn must not
// retain it.
func (c Credential) Use(fn func(raw string) error) error {
	return fn(c.value)
}

// String keeps the secret out of format verbs and logs.
func (c Credential) String() string { return "[CREDENTIAL]" }

// Resolver resolves an opaque secret_ref to a raw credential at call time.
type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (Credential, error)
}

// EnvResolver is the development resolver: secret refs of the form
// "env:NAME" read from the process environment. Production deployments
// plug the real vault client in behind the same port.
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, secretRef string) (Credential, error) {
	if secretRef == "" {
		return Credential{}, nil
	}
	name, ok := strings.CutPrefix(secretRef, "env:")
	if !ok {
		return Credential{}, derrors.Newf(derrors.CodeBadRequest, "unsupported secret_ref scheme %q", secretRef)
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return Credential{}, derrors.Newf(derrors.CodeNotFound, "secret %q not found", secretRef)
	}
	return Credential{value: value}, nil
}

// MemoryResolver is the test resolver.
type MemoryResolver struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{secrets: make(map[string]string)}
}

func (r *MemoryResolver) Put(secretRef, value string) {
	r.mu.Lock()
	r.secrets[secretRef] = value
	r.mu.Unlock()
}

func (r *MemoryResolver) Resolve(_ context.Context, secretRef string) (Credential, error) {
	if secretRef == "" {
		return Credential{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.secrets[secretRef]
	if !ok {
		return Credential{}, derrors.Newf(derrors.CodeNotFound, "secret %q not found", secretRef)
	}
	return Credential{value: value}, nil
}

// Connections maps (tenant, provider) to the secret_ref recorded when the
// tenant connected the provider. Owned by the control plane; the core reads
// it at pipeline step 6.
type Connections interface {
	SecretRef(ctx context.Context, tenantID, provider string) (string, error)
}

// MemoryConnections is the in-process connection table.
type MemoryConnections struct {
	mu   sync.RWMutex
	refs map[string]string
}

func NewMemoryConnections() *MemoryConnections {
	return &MemoryConnections{refs: make(map[string]string)}
}

func (c *MemoryConnections) Connect(tenantID, provider, secretRef string) {
	c.mu.Lock()
	c.refs[tenantID+":"+provider] = secretRef
	c.mu.Unlock()
}

// SecretRef returns "" for tenants with no connection row; providers that
// need no credential execute with the zero credential.
func (c *MemoryConnections) SecretRef(_ context.Context, tenantID, provider string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refs[tenantID+":"+provider], nil
}
