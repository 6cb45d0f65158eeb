package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLocalLimiterBoundsPerOrganization(t *testing.T) {
	l := NewLocalLimiter(1)
	orgA, orgB := uuid.New(), uuid.New()

	if !l.TryAcquire(orgA) {
		t.Fatalf("expected first slot for org A")
	}
	if l.TryAcquire(orgA) {
		t.Fatalf("expected org A to be saturated")
	}
	if !l.TryAcquire(orgB) {
		t.Fatalf("expected org B to be independent of org A")
	}

	l.Release(context.Background(), orgA)
	if !l.TryAcquire(orgA) {
		t.Fatalf("expected slot after release")
	}
}

func TestLocalLimiterAcquireHonoursContext(t *testing.T) {
	l := NewLocalLimiter(2)
	org := uuid.New()
	ctx := context.Background()

	if err := l.Acquire(ctx, org); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire(ctx, org); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(waitCtx, org); err == nil {
		t.Fatalf("expected acquire to fail once the context expires")
	}
}
