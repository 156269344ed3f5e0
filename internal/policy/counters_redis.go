package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremylongshore/moat/pkg/domain"
	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"
)

const (
	callsKeyPrefix = "budget:calls:"
	costKeyPrefix  = "budget:cost:"

	// Counter keys outlive their period by a day so a snapshot taken just
	// before rollover still reads a live key.
	counterSlack = 24 * time.Hour
)

// RedisCounters is the production budget counter store. Increments use a
// pipeline so the four counters move together; reads use MGET for one
// round trip.
type RedisCounters struct {
	client redis.Cmdable
	now    func() time.Time
}

type RedisCountersOption func(*RedisCounters)

func WithRedisCountersClock(now func() time.Time) RedisCountersOption {
	return func(c *RedisCounters) { c.now = now }
}

func NewRedisCounters(client redis.Cmdable, opts ...RedisCountersOption) *RedisCounters {
	c := &RedisCounters{client: client, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCounters) keys(tenant domain.TenantID, cap domain.CapabilityID) (dayCalls, monthCalls, dayCost, monthCost string) {
	now := c.now()
	day := counterKey(tenant, cap, DayKey(now))
	month := counterKey(tenant, cap, MonthKey(now))
	return callsKeyPrefix + day, callsKeyPrefix + month, costKeyPrefix + day, costKeyPrefix + month
}

func (c *RedisCounters) Snapshot(ctx context.Context, tenant domain.TenantID, cap domain.CapabilityID) (BudgetSnapshot, error) {
	dayCalls, monthCalls, dayCost, monthCost := c.keys(tenant, cap)

	vals, err := c.client.MGet(ctx, dayCalls, monthCalls, dayCost, monthCost).Result()
	if err != nil {
		return BudgetSnapshot{}, derrors.Wrap(err, derrors.CodeUnavailable, "read budget counters")
	}

	snap := BudgetSnapshot{}
	snap.DailyCallsUsed = parseInt(vals[0])
	snap.MonthlyCallsUsed = parseInt(vals[1])
	snap.DailyCostUsed = parseFloat(vals[2])
	snap.MonthlyCostUsed = parseFloat(vals[3])
	return snap, nil
}

func (c *RedisCounters) RecordSpend(ctx context.Context, tenant domain.TenantID, cap domain.CapabilityID, costUSD float64) error {
	dayCalls, monthCalls, dayCost, monthCost := c.keys(tenant, cap)

	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, dayCalls)
	pipe.Incr(ctx, monthCalls)
	pipe.IncrByFloat(ctx, dayCost, costUSD)
	pipe.IncrByFloat(ctx, monthCost, costUSD)
	pipe.Expire(ctx, dayCalls, 24*time.Hour+counterSlack)
	pipe.Expire(ctx, dayCost, 24*time.Hour+counterSlack)
	pipe.Expire(ctx, monthCalls, 32*24*time.Hour+counterSlack)
	pipe.Expire(ctx, monthCost, 32*24*time.Hour+counterSlack)
	if _, err := pipe.Exec(ctx); err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "record spend")
	}
	return nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}

func parseFloat(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0
	}
	return f
}
