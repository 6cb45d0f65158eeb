package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Limits are the per-organization admission ceilings.
type Limits struct {
	MessagesPerMinute int `json:"messages_per_minute"`
	MessagesPerHour   int `json:"messages_per_hour"`
}

// DefaultLimits mirrors the provider's conservative tier.
var DefaultLimits = Limits{MessagesPerMinute: 60, MessagesPerHour: 1000}

func (l Limits) normalize() Limits {
	if l.MessagesPerMinute <= 0 {
		l.MessagesPerMinute = DefaultLimits.MessagesPerMinute
	}
	if l.MessagesPerHour <= 0 {
		l.MessagesPerHour = DefaultLimits.MessagesPerHour
	}
	return l
}

// Limiter admits or rejects sends per organization over minute and hour
// fixed windows.
type Limiter struct {
	store CounterStore
	log   *logger.Logger
	now   func() time.Time

	mu        sync.RWMutex
	defaults  Limits
	overrides map[uuid.UUID]Limits
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used to compute windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter constructs a limiter over the given counter store.
func NewLimiter(store CounterStore, defaults Limits, log *logger.Logger, opts ...Option) *Limiter {
	if log == nil {
		log = logger.NewNop()
	}
	l := &Limiter{
		store:     store,
		log:       log,
		now:       time.Now,
		defaults:  defaults.normalize(),
		overrides: make(map[uuid.UUID]Limits),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAdmit reports whether the organization may send one more message now.
// On admission both window counters are incremented; on rejection nothing
// changes. Store failures reject.
func (l *Limiter) TryAdmit(ctx context.Context, organizationID uuid.UUID) bool {
	limits := l.Config(organizationID)
	now := l.now()

	counters := []Counter{
		windowCounter(organizationID, "minute", time.Minute, limits.MessagesPerMinute, now),
		windowCounter(organizationID, "hour", time.Hour, limits.MessagesPerHour, now),
	}

	ok, err := l.store.Admit(ctx, counters)
	if err != nil {
		l.log.Error("rate limiter: admission check failed, rejecting",
			zap.String("organization_id", organizationID.String()),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		l.log.Debug("rate limiter: ceiling reached",
			zap.String("organization_id", organizationID.String()),
		)
	}
	return ok
}

// UpdateConfig replaces the default ceilings used by subsequent checks.
// Counters of the live windows are kept as they are.
func (l *Limiter) UpdateConfig(limits Limits) {
	l.mu.Lock()
	l.defaults = limits.normalize()
	l.mu.Unlock()
	l.log.Info("rate limiter: defaults updated",
		zap.Int("per_minute", limits.MessagesPerMinute),
		zap.Int("per_hour", limits.MessagesPerHour),
	)
}

// SetOrganizationLimits installs an override for one organization.
func (l *Limiter) SetOrganizationLimits(organizationID uuid.UUID, limits Limits) {
	l.mu.Lock()
	l.overrides[organizationID] = limits.normalize()
	l.mu.Unlock()
}

// ClearOrganizationLimits drops an organization override.
func (l *Limiter) ClearOrganizationLimits(organizationID uuid.UUID) {
	l.mu.Lock()
	delete(l.overrides, organizationID)
	l.mu.Unlock()
}

// Defaults returns the default ceilings.
func (l *Limiter) Defaults() Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.defaults
}

// Config returns the effective ceilings of an organization.
func (l *Limiter) Config(organizationID uuid.UUID) Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limits, ok := l.overrides[organizationID]; ok {
		return limits
	}
	return l.defaults
}

// WindowKey returns the counter key of the window containing now.
func WindowKey(organizationID uuid.UUID, window string, length time.Duration, now time.Time) string {
	index := now.UnixMilli() / length.Milliseconds()
	return fmt.Sprintf("rate_limit:%s:%s:%d", organizationID, window, index)
}

func windowCounter(organizationID uuid.UUID, window string, length time.Duration, ceiling int, now time.Time) Counter {
	index := now.UnixMilli() / length.Milliseconds()
	end := time.UnixMilli((index + 1) * length.Milliseconds())
	return Counter{
		Key:     WindowKey(organizationID, window, length, now),
		Ceiling: ceiling,
		TTL:     end.Sub(now),
	}
}
