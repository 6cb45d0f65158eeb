package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func newRedisCounters(t *testing.T) (*RedisCounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounterStore(client), mr
}

func TestRedisCounterStoreAdmitsUpToCeiling(t *testing.T) {
	store, mr := newRedisCounters(t)
	ctx := context.Background()
	counters := []Counter{{Key: "rl:minute", Ceiling: 2, TTL: time.Minute}}

	for i := 0; i < 2; i++ {
		ok, err := store.Admit(ctx, counters)
		if err != nil || !ok {
			t.Fatalf("admit %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := store.Admit(ctx, counters)
	if err != nil || ok {
		t.Fatalf("expected rejection at the ceiling, ok=%v err=%v", ok, err)
	}
	if got, _ := mr.Get("rl:minute"); got != "2" {
		t.Fatalf("rejection must not increment, counter=%s", got)
	}
	if ttl := mr.TTL("rl:minute"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window ttl, got %v", ttl)
	}

	mr.FastForward(time.Minute)
	if ok, _ := store.Admit(ctx, counters); !ok {
		t.Fatalf("expected admission once the window expired")
	}
}

func TestRedisCounterStoreIsAllOrNothing(t *testing.T) {
	store, mr := newRedisCounters(t)
	ctx := context.Background()
	counters := []Counter{
		{Key: "rl:minute", Ceiling: 5, TTL: time.Minute},
		{Key: "rl:hour", Ceiling: 1, TTL: time.Hour},
	}

	if ok, err := store.Admit(ctx, counters); err != nil || !ok {
		t.Fatalf("first admit: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Admit(ctx, counters); ok {
		t.Fatalf("expected the hour ceiling to reject")
	}
	if got, _ := mr.Get("rl:minute"); got != "1" {
		t.Fatalf("a rejected admission must not touch any counter, minute=%s", got)
	}
}

func TestLimiterOnRedisCounters(t *testing.T) {
	store, _ := newRedisCounters(t)
	now := time.Date(2024, 3, 4, 10, 0, 5, 0, time.UTC)
	limiter := NewLimiter(store, Limits{MessagesPerMinute: 3, MessagesPerHour: 100}, nil, WithClock(func() time.Time { return now }))
	org, other := uuid.New(), uuid.New()
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		if limiter.TryAdmit(ctx, org) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admissions, got %d", admitted)
	}
	if !limiter.TryAdmit(ctx, other) {
		t.Fatalf("organizations must not share counters")
	}
}

func TestRedisCounterStoreFailsClosed(t *testing.T) {
	store, mr := newRedisCounters(t)
	mr.Close()

	now := time.Date(2024, 3, 4, 10, 0, 5, 0, time.UTC)
	limiter := NewLimiter(store, DefaultLimits, nil, WithClock(func() time.Time { return now }))
	if limiter.TryAdmit(context.Background(), uuid.New()) {
		t.Fatalf("expected rejection when the counter store is unreachable")
	}
}
