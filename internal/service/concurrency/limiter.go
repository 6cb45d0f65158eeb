package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter bounds in-flight jobs per organization across every broadcaster
// process sharing the Redis instance. Slots expire after ttl so a crashed
// process cannot hold them forever.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
	poll   time.Duration
	log    *logger.Logger
}

// NewLimiter constructs a Redis-backed slot limiter.
func NewLimiter(client *redis.Client, prefix string, limit int, ttl time.Duration, log *logger.Logger) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "broadcast"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Limiter{client: client, prefix: prefix, limit: limit, ttl: ttl, poll: 50 * time.Millisecond, log: log}
}

// TryAcquire attempts to reserve a slot for the organization.
func (l *Limiter) TryAcquire(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(organizationID)}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, organizationID uuid.UUID) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx, organizationID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, organizationID uuid.UUID) {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(organizationID)}).Int(); err != nil {
		l.log.Warn("concurrency release failed",
			zap.String("organization_id", organizationID.String()),
			zap.Error(err))
	}
}

func (l *Limiter) key(organizationID uuid.UUID) string {
	return fmt.Sprintf("%s:org:%s:active", l.prefix, organizationID.String())
}
