package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremylongshore/moat/pkg/domain"
	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"
)

const latestKey = "latest-published"

// Clock lets tests drive TTL expiry without sleeping.
type Clock func() time.Time

type cacheEntry struct {
	manifest Manifest
	negative bool
	fetched  time.Time
}

// Cache is the read-through manifest cache. Positive entries live for ttl,
// negative entries for negTTL. When the registry is unreachable and a
// (possibly expired) positive entry exists, the stale entry is served with
// stale=true so the policy decision can be annotated.
type Cache struct {
	registry Registry
	ttl      time.Duration
	negTTL   time.Duration
	now      Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type CacheOption func(*Cache)

// WithClock overrides the cache's time source.
func WithClock(now Clock) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(registry Registry, ttl, negTTL time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		registry: registry,
		ttl:      ttl,
		negTTL:   negTTL,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(id domain.CapabilityID, version string) string {
	if version == "" {
		return id.String() + "@" + latestKey
	}
	return id.String() + "@" + version
}

// Resolve returns the manifest for (id, version), version "" meaning latest
// published. stale is true when the entry was served past its TTL because
// the registry was unreachable.
func (c *Cache) Resolve(ctx context.Context, id domain.CapabilityID, version string) (m Manifest, stale bool, err error) {
	key := cacheKey(id, version)
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		age := now.Sub(entry.fetched)
		switch {
		case entry.negative && age < c.negTTL:
			return Manifest{}, false, ErrNotFound
		case !entry.negative && age < c.ttl:
			return entry.manifest, false, nil
		}
	}

	// Concurrent misses for the same key coalesce into one registry fetch.
	res, err, _ := c.group.Do(key, func() (any, error) {
		manifest, err := c.registry.GetManifest(ctx, id, version)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.store(key, cacheEntry{negative: true, fetched: c.now()})
			}
			return nil, err
		}
		c.store(key, cacheEntry{manifest: manifest, fetched: c.now()})
		// A versioned fetch also satisfies future latest lookups only via its
		// own key; latest resolution stays registry-driven.
		return manifest, nil
	})
	if err == nil {
		return res.(Manifest), false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Manifest{}, false, err
	}

	// Registry unreachable: serve stale if we have anything positive.
	if ok && !entry.negative {
		return entry.manifest, true, nil
	}
	return Manifest{}, false, derrors.Wrap(err, derrors.CodeUnavailable, "capability registry unavailable")
}

func (c *Cache) store(key string, entry cacheEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Invalidate drops cached entries for one capability id (all versions and
// the latest alias). The advisor calls this after a routing transition so
// step 2 sees the new status within one request rather than one TTL.
func (c *Cache) Invalidate(id domain.CapabilityID) {
	prefix := id.String() + "@"
	c.mu.Lock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
