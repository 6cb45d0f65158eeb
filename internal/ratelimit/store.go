package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Counter is one fixed-window counter checked during admission.
type Counter struct {
	Key     string
	Ceiling int
	TTL     time.Duration
}

// CounterStore performs the conditional increment of a set of counters as a
// single atomic step: if any counter is at or above its ceiling nothing is
// written and Admit returns false, otherwise every counter is incremented.
// TTL is applied when a counter is created.
type CounterStore interface {
	Admit(ctx context.Context, counters []Counter) (bool, error)
}

var admitScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local ceiling = tonumber(ARGV[(i - 1) * 2 + 1])
  local current = tonumber(redis.call('GET', key) or '0')
  if current >= ceiling then
    return 0
  end
end
for i, key in ipairs(KEYS) do
  local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
  local current = redis.call('INCR', key)
  if current == 1 and ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
end
return 1
`)

// RedisCounterStore keeps counters in Redis.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore constructs a Redis-backed store.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Admit implements CounterStore.
func (s *RedisCounterStore) Admit(ctx context.Context, counters []Counter) (bool, error) {
	if len(counters) == 0 {
		return true, nil
	}
	keys := make([]string, 0, len(counters))
	args := make([]any, 0, len(counters)*2)
	for _, c := range counters {
		keys = append(keys, c.Key)
		args = append(args, c.Ceiling, c.TTL.Milliseconds())
	}

	res, err := admitScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: admit: %w", err)
	}
	return res == 1, nil
}

type memoryCounter struct {
	value     int
	expiresAt time.Time
}

// MemoryCounterStore keeps counters in process memory. It is the store used in
// tests and single-instance deployments without Redis.
type MemoryCounterStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memoryCounter
}

// NewMemoryCounterStore constructs an in-memory store. A nil clock uses time.Now.
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounterStore{now: now, counters: make(map[string]*memoryCounter)}
}

// Admit implements CounterStore.
func (s *MemoryCounterStore) Admit(_ context.Context, counters []Counter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, c := range counters {
		if s.current(c.Key, now) >= c.Ceiling {
			return false, nil
		}
	}
	for _, c := range counters {
		entry, ok := s.counters[c.Key]
		if !ok || s.expired(entry, now) {
			entry = &memoryCounter{}
			if c.TTL > 0 {
				entry.expiresAt = now.Add(c.TTL)
			}
			s.counters[c.Key] = entry
		}
		entry.value++
	}
	s.sweep(now)
	return true, nil
}

// Value returns the live value of a counter.
func (s *MemoryCounterStore) Value(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(key, s.now())
}

func (s *MemoryCounterStore) current(key string, now time.Time) int {
	entry, ok := s.counters[key]
	if !ok || s.expired(entry, now) {
		return 0
	}
	return entry.value
}

func (s *MemoryCounterStore) expired(entry *memoryCounter, now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}

func (s *MemoryCounterStore) sweep(now time.Time) {
	for key, entry := range s.counters {
		if s.expired(entry, now) {
			delete(s.counters, key)
		}
	}
}
