// Package trust aggregates outcome events into rolling reliability stats
// and drives the routing status the execute pipeline reads at step 2.
package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeremylongshore/moat/internal/outcome"
	"github.com/jeremylongshore/moat/pkg/domain"
)

// CapabilityKey addresses one scored capability version.
type CapabilityKey struct {
	CapabilityID domain.CapabilityID
	Version      string
}

// EventStore persists outcome events for windowed aggregation. Append-only,
// partition-by-month friendly.
type EventStore interface {
	Record(ctx context.Context, ev outcome.Event) error
	// EventsSince returns events for one capability version with
	// timestamp >= since, oldest first.
	EventsSince(ctx context.Context, key CapabilityKey, since time.Time) ([]outcome.Event, error)
	// Capabilities lists every key with at least one event since the cutoff.
	Capabilities(ctx context.Context, since time.Time) ([]CapabilityKey, error)
}

// Stats is the rolling aggregate snapshot for one capability version.
type Stats struct {
	Key                 CapabilityKey
	WeightedSuccessRate float64
	P50LatencyMS        float64
	P95LatencyMS        float64
	TotalCalls          int
	// Scored is false below the minimum volume; the advisor then treats the
	// capability as active regardless of thresholds.
	Scored bool

	LastSyntheticCheckAt time.Time
	LastSyntheticStatus  string // "success" | "failure" | ""

	ComputedAt time.Time
}

// StatsStore holds the scorer's snapshots. The scorer is the only writer.
type StatsStore interface {
	Upsert(ctx context.Context, s Stats) error
	Get(ctx context.Context, key CapabilityKey) (*Stats, error)
	All(ctx context.Context) ([]Stats, error)
}

// MemoryEventStore is the in-process event store.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[CapabilityKey][]outcome.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[CapabilityKey][]outcome.Event)}
}

func (s *MemoryEventStore) Record(_ context.Context, ev outcome.Event) error {
	key := CapabilityKey{CapabilityID: ev.CapabilityID, Version: ev.CapabilityVersion}
	s.mu.Lock()
	s.events[key] = append(s.events[key], ev)
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) EventsSince(_ context.Context, key CapabilityKey, since time.Time) ([]outcome.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outcome.Event
	for _, ev := range s.events[key] {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryEventStore) Capabilities(_ context.Context, since time.Time) ([]CapabilityKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []CapabilityKey
	for key, evs := range s.events {
		for _, ev := range evs {
			if !ev.Timestamp.Before(since) {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CapabilityID != keys[j].CapabilityID {
			return keys[i].CapabilityID < keys[j].CapabilityID
		}
		return keys[i].Version < keys[j].Version
	})
	return keys, nil
}

// MemoryStatsStore is the in-process stats store.
type MemoryStatsStore struct {
	mu    sync.RWMutex
	stats map[CapabilityKey]Stats
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{stats: make(map[CapabilityKey]Stats)}
}

func (s *MemoryStatsStore) Upsert(_ context.Context, st Stats) error {
	s.mu.Lock()
	s.stats[st.Key] = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryStatsStore) Get(_ context.Context, key CapabilityKey) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[key]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStatsStore) All(_ context.Context) ([]Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.CapabilityID != out[j].Key.CapabilityID {
			return out[i].Key.CapabilityID < out[j].Key.CapabilityID
		}
		return out[i].Key.Version < out[j].Key.Version
	})
	return out, nil
}

// StorePublisher adapts the event store to the outcome.Publisher port for
// single-process deployments where the scorer reads the same store the
// gateway writes.
type StorePublisher struct {
	store EventStore
}

func NewStorePublisher(store EventStore) *StorePublisher {
	return &StorePublisher{store: store}
}

func (p *StorePublisher) Publish(ctx context.Context, ev outcome.Event) error {
	return p.store.Record(ctx, ev)
}
