package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremylongshore/moat/pkg/domain"
	derrors "github.com/jeremylongshore/moat/pkg/domain-errors"
)

const (
	redisKeyPrefix  = "idem:"
	inflightPrefix  = "inflight:"
	completedPrefix = "receipt:"

	// pollInterval paces cross-process waiters. The fast store is expected
	// sub-5ms, so a short poll keeps join latency low without hammering.
	pollInterval = 25 * time.Millisecond
)

// RedisStore is the production idempotency store. The single-flight marker
// is a SET NX key whose value encodes state: "inflight:<deadline-rfc3339>"
// or "receipt:<receipt-id>". Cross-process waiters poll the key until it
// transitions.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenant domain.TenantID, key string) string {
	return redisKeyPrefix + tenant.String() + ":" + key
}

type redisWaiter struct {
	store    *RedisStore
	key      string
	deadline time.Time
}

func (w *redisWaiter) Wait(ctx context.Context) (domain.ReceiptID, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(time.Until(w.deadline) + time.Second)
	defer timeout.Stop()

	for {
		val, err := w.store.client.Get(ctx, w.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// Holder abandoned or committed with ttl 0; no cached receipt.
			return domain.ReceiptID{}, nil
		case err != nil:
			return domain.ReceiptID{}, derrors.Wrap(err, derrors.CodeUnavailable, "poll idempotency barrier")
		}
		if id, ok := strings.CutPrefix(val, completedPrefix); ok {
			rid, err := domain.ParseReceiptID(id)
			if err != nil {
				return domain.ReceiptID{}, derrors.Wrap(err, derrors.CodeInternal, "malformed idempotency entry")
			}
			return rid, nil
		}

		select {
		case <-ctx.Done():
			return domain.ReceiptID{}, ctx.Err()
		case <-timeout.C:
			return domain.ReceiptID{}, ErrBarrierTimeout
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) Begin(ctx context.Context, tenant domain.TenantID, key string, deadline time.Time) (Ticket, error) {
	k := redisKey(tenant, key)
	markerTTL := time.Until(deadline)
	if markerTTL <= 0 {
		return Ticket{}, derrors.New(derrors.CodeBadRequest, "idempotency deadline already passed")
	}

	// The marker's own TTL is its deadline: if the holder never commits or
	// abandons, Redis expires the key and later requests re-execute.
	marker := inflightPrefix + deadline.UTC().Format(time.RFC3339Nano)
	ok, err := s.client.SetNX(ctx, k, marker, markerTTL).Result()
	if err != nil {
		return Ticket{}, derrors.Wrap(err, derrors.CodeUnavailable, "install idempotency marker")
	}
	if ok {
		return Ticket{Started: true}, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Raced with an expiry or deletion between SETNX and GET; try once
		// more to take the marker.
		ok, err := s.client.SetNX(ctx, k, marker, markerTTL).Result()
		if err != nil {
			return Ticket{}, derrors.Wrap(err, derrors.CodeUnavailable, "install idempotency marker")
		}
		if ok {
			return Ticket{Started: true}, nil
		}
		return Ticket{Waiter: &redisWaiter{store: s, key: k, deadline: deadline}}, nil
	}
	if err != nil {
		return Ticket{}, derrors.Wrap(err, derrors.CodeUnavailable, "read idempotency entry")
	}

	if id, found := strings.CutPrefix(val, completedPrefix); found {
		rid, err := domain.ParseReceiptID(id)
		if err != nil {
			return Ticket{}, derrors.Wrap(err, derrors.CodeInternal, "malformed idempotency entry")
		}
		return Ticket{ReceiptID: rid}, nil
	}
	return Ticket{Waiter: &redisWaiter{store: s, key: k, deadline: deadline}}, nil
}

func (s *RedisStore) Commit(ctx context.Context, tenant domain.TenantID, key string, receiptID domain.ReceiptID, ttl time.Duration) error {
	k := redisKey(tenant, key)
	if ttl <= 0 {
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return derrors.Wrap(err, derrors.CodeUnavailable, "delete idempotency entry")
		}
		return nil
	}
	if err := s.client.Set(ctx, k, completedPrefix+receiptID.String(), ttl).Err(); err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "commit idempotency entry")
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, tenant domain.TenantID, key string) error {
	if err := s.client.Del(ctx, redisKey(tenant, key)).Err(); err != nil {
		return derrors.Wrap(err, derrors.CodeUnavailable, "abandon idempotency entry")
	}
	return nil
}
