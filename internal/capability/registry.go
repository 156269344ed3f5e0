package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"

	"github.com/jeremylongshore/moat/pkg/domain"
)

// ErrNotFound marks a registry miss so the cache can distinguish "no such
// capability" (cacheable negative) from "registry unreachable".
var ErrNotFound = derrors.New(derrors.CodeNotFound, "capability not found")

// Registry is the external manifest registry port. version == "" means
// latest published.
type Registry interface {
	GetManifest(ctx context.Context, id domain.CapabilityID, version string) (Manifest, error)
}

// HTTPRegistry is the production registry client.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type manifestPayload struct {
	ID              string         `json:"id"`
	Version         string         `json:"version"`
	Provider        string         `json:"provider"`
	Method          string         `json:"method"`
	Scopes          []string       `json:"scopes"`
	InputSchema     map[string]any `json:"input_schema"`
	OutputSchema    map[string]any `json:"output_schema"`
	RiskClass       string         `json:"risk_class"`
	DomainAllowlist []string       `json:"domain_allowlist"`
	Status          string         `json:"status"`
	RoutingStatus   string         `json:"routing_status"`
	Verified        bool           `json:"verified"`
}

func (p manifestPayload) toManifest() Manifest {
	return Manifest{
		ID:              domain.CapabilityID(p.ID),
		Version:         p.Version,
		Provider:        p.Provider,
		Method:          p.Method,
		Scopes:          p.Scopes,
		InputSchema:     p.InputSchema,
		OutputSchema:    p.OutputSchema,
		RiskClass:       RiskClass(p.RiskClass),
		DomainAllowlist: p.DomainAllowlist,
		Status:          Status(p.Status),
		RoutingStatus:   RoutingStatus(p.RoutingStatus),
		Verified:        p.Verified,
	}
}

func (r *HTTPRegistry) GetManifest(ctx context.Context, id domain.CapabilityID, version string) (Manifest, error) {
	endpoint := fmt.Sprintf("%s/v1/capabilities/%s", r.baseURL, url.PathEscape(id.String()))
	if version != "" {
		endpoint += "?version=" + url.QueryEscape(version)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Manifest{}, derrors.Wrap(err, derrors.CodeInternal, "build registry request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Manifest{}, derrors.Wrap(err, derrors.CodeUnavailable, "registry unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Manifest{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return Manifest{}, derrors.Newf(derrors.CodeUnavailable, "registry returned %d", resp.StatusCode)
	}

	var payload manifestPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Manifest{}, derrors.Wrap(err, derrors.CodeUnavailable, "decode registry response")
	}
	return payload.toManifest(), nil
}

// SetRoutingStatus pushes a routing transition to the registry, which owns
// the capability row.
func (r *HTTPRegistry) SetRoutingStatus(id domain.CapabilityID, version string, rs RoutingStatus) error {
	endpoint := fmt.Sprintf("%s/v1/capabilities/%s/routing?version=%s",
		r.baseURL, url.PathEscape(id.String()), url.QueryEscape(version))
	body := strings.NewReader(fmt.Sprintf(`{"routing_status":%q}`, string(rs)))
	req, err := http.NewRequest(http.MethodPatch, endpoint, body)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeInternal, "build routing update request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "registry unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return derrors.Newf(derrors.CodeUnavailable, "registry returned %d", resp.StatusCode)
	}
	return nil
}

// MemoryRegistry is the in-process registry used by tests and single-binary
// deployments. Publish makes a manifest resolvable; latest-published
// resolution picks the highest semver with status published.
type MemoryRegistry struct {
	mu        sync.RWMutex
	manifests map[domain.CapabilityID]map[string]Manifest
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{manifests: make(map[domain.CapabilityID]map[string]Manifest)}
}

// Publish registers a manifest version. Validation mirrors the real
// registry's write path so tests exercise the same grammar.
func (r *MemoryRegistry) Publish(m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion := r.manifests[m.ID]
	if byVersion == nil {
		byVersion = make(map[string]Manifest)
		r.manifests[m.ID] = byVersion
	}
	if existing, ok := byVersion[m.Version]; ok && existing.Status != StatusDraft {
		return derrors.Newf(derrors.CodeConflict, "manifest %s@%s is frozen", m.ID, m.Version)
	}
	byVersion[m.Version] = m
	return nil
}

// SetRoutingStatus updates the routing status of one version. This is the
// write path the routing advisor drives.
func (r *MemoryRegistry) SetRoutingStatus(id domain.CapabilityID, version string, rs RoutingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.manifests[id]
	if !ok {
		return ErrNotFound
	}
	m, ok := byVersion[version]
	if !ok {
		return ErrNotFound
	}
	m.RoutingStatus = rs
	byVersion[version] = m
	return nil
}

func (r *MemoryRegistry) GetManifest(_ context.Context, id domain.CapabilityID, version string) (Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.manifests[id]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	if version != "" {
		m, ok := byVersion[version]
		if !ok {
			return Manifest{}, ErrNotFound
		}
		return m, nil
	}

	var published []Manifest
	for _, m := range byVersion {
		if m.Status == StatusPublished {
			published = append(published, m)
		}
	}
	if len(published) == 0 {
		return Manifest{}, ErrNotFound
	}
	sort.Slice(published, func(i, j int) bool {
		return CompareVersions(published[i].Version, published[j].Version) > 0
	})
	return published[0], nil
}
