// Package capability holds the manifest model and the read-through lookup
// cache over the external registry. Manifests are owned by the registry;
// the core treats them as immutable snapshots.
package capability

import (
	"fmt"
	"net"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/jeremylongshore/moat/pkg/domain"
)

// RiskClass grades the blast radius of a capability.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Status is the manifest lifecycle state. Only published capabilities are
// executable; a manifest with any other status is immutable history.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPublished  Status = "published"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// RoutingStatus is derived from trust stats and gates visibility and
// executability at pipeline step 2.
type RoutingStatus string

const (
	RoutingActive    RoutingStatus = "active"
	RoutingPreferred RoutingStatus = "preferred"
	RoutingThrottled RoutingStatus = "throttled"
	RoutingHidden    RoutingStatus = "hidden"
)

// Manifest is the method-level contract of one capability version.
// Constructed once, never mutated.
type Manifest struct {
	ID              domain.CapabilityID
	Version         string
	Provider        string
	Method          string
	Scopes          []string
	InputSchema     map[string]any
	OutputSchema    map[string]any
	RiskClass       RiskClass
	DomainAllowlist []string
	Status          Status
	RoutingStatus   RoutingStatus
	Verified        bool
}

// Validate enforces the manifest grammar: provider.action id, strict semver
// version, non-empty scopes, and an allowlist with no wildcards or IP
// literals.
func (m Manifest) Validate() error {
	if !m.ID.Valid() {
		return fmt.Errorf("capability id %q must match provider.action", m.ID)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("capability version %q is not strict semver: %w", m.Version, err)
	}
	if len(m.Scopes) == 0 {
		return fmt.Errorf("capability %s has no scopes", m.ID)
	}
	if len(m.DomainAllowlist) == 0 {
		return fmt.Errorf("capability %s has an empty domain allowlist", m.ID)
	}
	for _, d := range m.DomainAllowlist {
		if strings.Contains(d, "*") {
			return fmt.Errorf("domain allowlist entry %q contains a wildcard", d)
		}
		if net.ParseIP(d) != nil {
			return fmt.Errorf("domain allowlist entry %q is an IP literal", d)
		}
	}
	return nil
}

// AllowsDomain reports whether host is in the allowlist (exact,
// case-insensitive match; no glob expansion).
func (m Manifest) AllowsDomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range m.DomainAllowlist {
		if strings.ToLower(d) == host {
			return true
		}
	}
	return false
}

// CompareVersions orders two strict semver strings; invalid versions sort
// first so latest-published resolution never picks them.
func CompareVersions(a, b string) int {
	va, errA := semver.StrictNewVersion(a)
	vb, errB := semver.StrictNewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
