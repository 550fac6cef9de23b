// Package enforce implements the enforcement gate: per-invocation
// validation of execution requests against the session's token and
// frozen contract, invocation limits, and the contract's violation
// policy.
package enforce

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// CounterStore tracks the shared max_invocations_total counter. Unlike
// the per-actor counter, which lives inside the owning session's state,
// this counter is shared across processes and needs atomic-increment
// discipline.
type CounterStore interface {
	// Increment atomically bumps the counter for key and reports whether
	// the new value is within limit. A limit of zero means untracked and
	// always allows.
	Increment(ctx context.Context, key string, limit int) (bool, error)
}

// InMemoryCounterStore is a single-process CounterStore.
type InMemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewInMemoryCounterStore creates an empty counter store.
func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{counts: make(map[string]int)}
}

// Increment implements CounterStore.
func (s *InMemoryCounterStore) Increment(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key]+1 > limit {
		return false, nil
	}
	s.counts[key]++
	return true, nil
}

// redisCounterScript increments and rolls back in one round trip so two
// gates never both consume the final invocation.
var redisCounterScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if tonumber(ARGV[1]) > 0 and v > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[1])
    return 0
end
return 1
`)

// RedisCounterStore is a CounterStore shared between gate processes.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects a counter store to Redis.
func NewRedisCounterStore(addr, password string, db int) *RedisCounterStore {
	return &RedisCounterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Increment implements CounterStore.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := redisCounterScript.Run(ctx, s.client, []string{"invocations:" + key}, limit).Result()
	if err != nil {
		return false, fmt.Errorf("redis counter error: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid response from counter script")
	}
	return allowed == 1, nil
}
