package concurrency

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// LocalLimiter bounds in-flight jobs per organization within one process.
type LocalLimiter struct {
	mu    sync.Mutex
	limit int64
	sems  map[uuid.UUID]*semaphore.Weighted
}

// NewLocalLimiter returns a limiter allowing limit concurrent jobs per
// organization.
func NewLocalLimiter(limit int) *LocalLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &LocalLimiter{limit: int64(limit), sems: make(map[uuid.UUID]*semaphore.Weighted)}
}

func (l *LocalLimiter) Acquire(ctx context.Context, organizationID uuid.UUID) error {
	return l.semaphore(organizationID).Acquire(ctx, 1)
}

// TryAcquire reserves a slot without blocking.
func (l *LocalLimiter) TryAcquire(organizationID uuid.UUID) bool {
	return l.semaphore(organizationID).TryAcquire(1)
}

func (l *LocalLimiter) Release(_ context.Context, organizationID uuid.UUID) {
	l.semaphore(organizationID).Release(1)
}

func (l *LocalLimiter) semaphore(organizationID uuid.UUID) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[organizationID]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.sems[organizationID] = sem
	}
	return sem
}
