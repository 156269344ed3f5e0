package policy

import (
	"context"
	"sync"
	"time"

	"github.com/jeremylongshore/moat/pkg/domain"
)

// Counters is the budget counter store port. Counters live in the fast
// store, keyed by (tenant_id, capability_id, period_key) with period keys
// YYYY-MM-DD and YYYY-MM in UTC. Reads are snapshot-consistent, not
// linearizable across a scale-out; bounded over-spend by concurrent
// in-flight calls is accepted.
type Counters interface {
	// Snapshot returns the counter values at read time.
	Snapshot(ctx context.Context, tenant domain.TenantID, cap domain.CapabilityID) (BudgetSnapshot, error)
	// RecordSpend atomically increments the daily and monthly call counts
	// by one and the cost counters by costUSD. Called only after a
	// successful execution.
	RecordSpend(ctx context.Context, tenant domain.TenantID, cap domain.CapabilityID, costUSD float64) error
}

// DayKey and MonthKey format the UTC period keys. Reset boundaries fall out
// of the key rollover: a new UTC day or month reads fresh counters.
func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// MemoryCounters is the in-process counter store used by tests and
// single-binary deployments.
type MemoryCounters struct {
	now func() time.Time

	mu    sync.Mutex
	calls map[string]int64
	costs map[string]float64
}

type MemoryCountersOption func(*MemoryCounters)

// WithCountersClock overrides the time source (tests advance it across UTC
// midnight to exercise rollover).
func WithCountersClock(now func() time.Time) MemoryCountersOption {
	return func(c *MemoryCounters) { c.now = now }
}

func NewMemoryCounters(opts ...MemoryCountersOption) *MemoryCounters {
	c := &MemoryCounters{
		now:   time.Now,
		calls: make(map[string]int64),
		costs: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func counterKey(tenant domain.TenantID, cap domain.CapabilityID, period string) string {
	return tenant.String() + ":" + cap.String() + ":" + period
}

func (c *MemoryCounters) Snapshot(_ context.Context, tenant domain.TenantID, cap domain.CapabilityID) (BudgetSnapshot, error) {
	now := c.now()
	day := counterKey(tenant, cap, DayKey(now))
	month := counterKey(tenant, cap, MonthKey(now))

	c.mu.Lock()
	defer c.mu.Unlock()
	return BudgetSnapshot{
		DailyCallsUsed:   c.calls[day],
		MonthlyCallsUsed: c.calls[month],
		DailyCostUsed:    c.costs[day],
		MonthlyCostUsed:  c.costs[month],
	}, nil
}

func (c *MemoryCounters) RecordSpend(_ context.Context, tenant domain.TenantID, cap domain.CapabilityID, costUSD float64) error {
	now := c.now()
	day := counterKey(tenant, cap, DayKey(now))
	month := counterKey(tenant, cap, MonthKey(now))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[day]++
	c.calls[month]++
	c.costs[day] += costUSD
	c.costs[month] += costUSD
	return nil
}
