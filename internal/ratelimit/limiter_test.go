package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limits Limits) (*Limiter, *MemoryCounterStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 4, 10, 0, 5, 0, time.UTC)}
	store := NewMemoryCounterStore(clock.Now)
	return NewLimiter(store, limits, nil, WithClock(clock.Now)), store, clock
}

func TestTryAdmitStopsAtMinuteCeiling(t *testing.T) {
	limiter, store, clock := newTestLimiter(Limits{MessagesPerMinute: 3, MessagesPerHour: 100})
	org := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.TryAdmit(ctx, org) {
			t.Fatalf("admit %d: expected admission", i)
		}
	}
	if limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected rejection once minute ceiling reached")
	}

	minuteKey := WindowKey(org, "minute", time.Minute, clock.Now())
	hourKey := WindowKey(org, "hour", time.Hour, clock.Now())
	if got := store.Value(minuteKey); got != 3 {
		t.Fatalf("rejection must not increment the minute counter, got %d", got)
	}
	if got := store.Value(hourKey); got != 3 {
		t.Fatalf("rejection must not increment the hour counter, got %d", got)
	}
}

func TestTryAdmitRollsOverWindow(t *testing.T) {
	limiter, _, clock := newTestLimiter(Limits{MessagesPerMinute: 2, MessagesPerHour: 100})
	org := uuid.New()
	ctx := context.Background()

	limiter.TryAdmit(ctx, org)
	limiter.TryAdmit(ctx, org)
	if limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected rejection in full window")
	}

	clock.Advance(time.Minute)
	if !limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected admission in the next minute window")
	}
}

func TestTryAdmitHourCeilingSpansMinutes(t *testing.T) {
	limiter, _, clock := newTestLimiter(Limits{MessagesPerMinute: 10, MessagesPerHour: 3})
	org := uuid.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.TryAdmit(ctx, org) {
			t.Fatalf("admit %d: expected admission", i)
		}
		clock.Advance(time.Minute)
	}
	if limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected hour ceiling to reject")
	}
}

func TestTryAdmitIsolatesOrganizations(t *testing.T) {
	limiter, _, _ := newTestLimiter(Limits{MessagesPerMinute: 1, MessagesPerHour: 10})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if !limiter.TryAdmit(ctx, a) || !limiter.TryAdmit(ctx, b) {
		t.Fatalf("expected first admission for both organizations")
	}
	if limiter.TryAdmit(ctx, a) {
		t.Fatalf("expected org a to be limited")
	}
}

func TestTryAdmitConcurrentNeverExceedsCeiling(t *testing.T) {
	limiter, _, _ := newTestLimiter(Limits{MessagesPerMinute: 5, MessagesPerHour: 100})
	org := uuid.New()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAdmit(ctx, org) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Fatalf("expected exactly 5 admissions, got %d", admitted)
	}
}

type failingStore struct{}

func (failingStore) Admit(context.Context, []Counter) (bool, error) {
	return false, errors.New("connection refused")
}

func TestTryAdmitFailsClosed(t *testing.T) {
	limiter := NewLimiter(failingStore{}, DefaultLimits, nil)
	if limiter.TryAdmit(context.Background(), uuid.New()) {
		t.Fatalf("expected store failure to reject")
	}
}

func TestUpdateConfigAppliesToNextCheck(t *testing.T) {
	limiter, _, _ := newTestLimiter(Limits{MessagesPerMinute: 1, MessagesPerHour: 100})
	org := uuid.New()
	ctx := context.Background()

	limiter.TryAdmit(ctx, org)
	if limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected rejection at ceiling 1")
	}

	limiter.UpdateConfig(Limits{MessagesPerMinute: 2, MessagesPerHour: 100})
	if !limiter.TryAdmit(ctx, org) {
		t.Fatalf("expected admission after raising the ceiling")
	}
	if got := limiter.Config(org); got.MessagesPerMinute != 2 {
		t.Fatalf("expected effective ceiling 2, got %d", got.MessagesPerMinute)
	}
}

func TestOrganizationOverride(t *testing.T) {
	limiter, _, _ := newTestLimiter(Limits{MessagesPerMinute: 1, MessagesPerHour: 100})
	ctx := context.Background()
	vip := uuid.New()

	limiter.SetOrganizationLimits(vip, Limits{MessagesPerMinute: 2})
	if got := limiter.Config(vip); got.MessagesPerHour != DefaultLimits.MessagesPerHour {
		t.Fatalf("expected missing hour ceiling to default, got %d", got.MessagesPerHour)
	}
	if !limiter.TryAdmit(ctx, vip) || !limiter.TryAdmit(ctx, vip) {
		t.Fatalf("expected override to allow two sends")
	}
	if limiter.TryAdmit(ctx, vip) {
		t.Fatalf("expected override ceiling to reject the third send")
	}

	limiter.ClearOrganizationLimits(vip)
	if got := limiter.Config(vip); got.MessagesPerMinute != 1 {
		t.Fatalf("expected defaults after clearing override, got %d", got.MessagesPerMinute)
	}
}

func TestWindowCounterTTLEndsWithWindow(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 45, 0, time.UTC)
	c := windowCounter(uuid.New(), "minute", time.Minute, 5, now)
	if c.TTL != 15*time.Second {
		t.Fatalf("expected ttl to the end of the minute, got %v", c.TTL)
	}
}
