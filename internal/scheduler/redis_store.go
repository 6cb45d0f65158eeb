package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

var claimScript = redis.NewScript(`
local recovered = 0
if ARGV[3] ~= '' then
  for _, m in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])) do
    redis.call('ZREM', KEYS[2], m)
    redis.call('ZADD', KEYS[1], ARGV[1], m)
    recovered = recovered + 1
  end
end
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
local out = {tostring(recovered)}
for i = 1, #members, 2 do
  local m = members[i]
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[1], m)
  table.insert(out, m)
  table.insert(out, redis.call('HGET', KEYS[3], m) or '')
end
return out
`)

var finishScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[2])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[3]) - 1)
redis.call('HINCRBY', KEYS[4], ARGV[4], 1)
redis.call('HINCRBY', KEYS[6], ARGV[4], 1)
return 1
`)

var rescheduleScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
if ARGV[4] == '1' or redis.call('EXISTS', KEYS[4]) == 1 then
  local seq = tonumber(string.sub(ARGV[1], 1, 19))
  redis.call('SREM', KEYS[5], ARGV[1])
  redis.call('ZADD', KEYS[6], seq, ARGV[1])
  redis.call('ZADD', KEYS[7], seq, ARGV[1])
  return 2
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var removeScript = redis.NewScript(`
local out = {}
local now = tonumber(ARGV[1])
for _, m in ipairs(redis.call('SMEMBERS', KEYS[4])) do
  local kind = nil
  local score = redis.call('ZSCORE', KEYS[1], m)
  if score then
    if tonumber(score) <= now then
      if ARGV[2] == '1' then kind = 'waiting' end
    elseif ARGV[3] == '1' then
      kind = 'delayed'
    end
    if kind then redis.call('ZREM', KEYS[1], m) end
  elseif ARGV[4] == '1' and redis.call('ZREM', KEYS[2], m) == 1 then
    kind = 'active'
  end
  if kind then
    table.insert(out, m)
    table.insert(out, redis.call('HGET', KEYS[3], m) or '')
    table.insert(out, kind)
    redis.call('HDEL', KEYS[3], m)
    redis.call('SREM', KEYS[4], m)
  end
end
if ARGV[5] == '1' then
  for _, m in ipairs(redis.call('ZRANGE', KEYS[5], 0, -1)) do
    table.insert(out, m)
    table.insert(out, redis.call('HGET', KEYS[3], m) or '')
    table.insert(out, 'parked')
    redis.call('HDEL', KEYS[3], m)
    redis.call('ZREM', KEYS[6], m)
  end
  redis.call('DEL', KEYS[5], KEYS[7])
end
return out
`)

var parkScript = redis.NewScript(`
redis.call('SET', KEYS[5], '1')
local n = 0
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('SREM', KEYS[2], m)
    local seq = tonumber(string.sub(m, 1, 19))
    redis.call('ZADD', KEYS[3], seq, m)
    redis.call('ZADD', KEYS[4], seq, m)
    n = n + 1
  end
end
return n
`)

var unparkScript = redis.NewScript(`
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local start = tonumber(ARGV[1])
local spacing = tonumber(ARGV[2])
for i, m in ipairs(members) do
  redis.call('ZADD', KEYS[2], start + (i - 1) * spacing, m)
  redis.call('SADD', KEYS[3], m)
  redis.call('ZREM', KEYS[4], m)
end
redis.call('DEL', KEYS[1], KEYS[5])
return #members
`)

var campaignCountScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local waiting, delayed, active = 0, 0, 0
for _, m in ipairs(redis.call('SMEMBERS', KEYS[3])) do
  local score = redis.call('ZSCORE', KEYS[1], m)
  if score then
    if tonumber(score) <= now then waiting = waiting + 1 else delayed = delayed + 1 end
  elseif redis.call('ZSCORE', KEYS[2], m) then
    active = active + 1
  end
end
local parked = redis.call('ZCARD', KEYS[4])
local completed = tonumber(redis.call('HGET', KEYS[5], 'completed') or '0')
local failed = tonumber(redis.call('HGET', KEYS[5], 'failed') or '0')
return {waiting, delayed, active, parked, completed, failed}
`)

// RedisStore is a Store on Redis. Job records live in one hash keyed by
// "<seq>:<id>" so that equal due times in the pending sorted set break ties
// in enqueue order. The active sorted set is scored by claim time.
type RedisStore struct {
	client          *redis.Client
	prefix          string
	retainCompleted int
	retainFailed    int
	stallTimeout    time.Duration
	onStalled       func(n int)
}

// RedisStoreOption customises a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithStallTimeout makes ClaimDue return jobs claimed longer than d ago to
// pending first, so jobs of a crashed dispatcher run again. Zero disables it.
func WithStallTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.stallTimeout = d }
}

// WithStalledHook is called with the number of jobs recovered by a claim.
func WithStalledHook(fn func(n int)) RedisStoreOption {
	return func(s *RedisStore) { s.onStalled = fn }
}

// NewRedisStore constructs a Redis-backed store under the given key prefix.
func NewRedisStore(client *redis.Client, prefix string, retainCompleted, retainFailed int, opts ...RedisStoreOption) *RedisStore {
	if prefix == "" {
		prefix = "broadcast"
	}
	s := &RedisStore{
		client:          client,
		prefix:          prefix + ":queue",
		retainCompleted: retainCompleted,
		retainFailed:    retainFailed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("scheduler store: ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, jobs []*domain.BroadcastJob) error {
	if len(jobs) == 0 {
		return nil
	}

	last, err := s.client.IncrBy(ctx, s.key("seq"), int64(len(jobs))).Result()
	if err != nil {
		return fmt.Errorf("scheduler store: allocate sequence: %w", err)
	}
	first := last - int64(len(jobs)) + 1

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range jobs {
			job.Seq = first + int64(i)
			payload, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("scheduler store: marshal job: %w", err)
			}
			m := member(job)
			pipe.HSet(ctx, s.key("jobs"), m, payload)
			pipe.ZAdd(ctx, s.key("pending"), redis.Z{Score: float64(job.DueAt().UnixMilli()), Member: m})
			pipe.SAdd(ctx, s.campaignKey(job.Data.CampaignID, "jobs"), m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduler store: add: %w", err)
	}
	return nil
}

func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error) {
	if limit <= 0 {
		limit = 50
	}
	stalledBefore := ""
	if s.stallTimeout > 0 {
		stalledBefore = strconv.FormatInt(now.Add(-s.stallTimeout).UnixMilli(), 10)
	}
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.key("pending"), s.key("active"), s.key("jobs")},
		now.UnixMilli(), limit, stalledBefore,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("scheduler store: claim: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("scheduler store: claim: empty reply")
	}
	if n, _ := strconv.Atoi(res[0]); n > 0 && s.onStalled != nil {
		s.onStalled(n)
	}

	jobs := make([]*domain.BroadcastJob, 0, len(res)/2)
	for i := 1; i+1 < len(res); i += 2 {
		if res[i+1] == "" {
			continue
		}
		job, err := decodeJob(res[i+1])
		if err != nil {
			return nil, err
		}
		job.State = domain.Active(now)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Complete(ctx context.Context, job *domain.BroadcastJob) (bool, error) {
	return s.finish(ctx, job, "completed", s.retainCompleted)
}

func (s *RedisStore) Fail(ctx context.Context, job *domain.BroadcastJob) (bool, error) {
	return s.finish(ctx, job, "failed", s.retainFailed)
}

func (s *RedisStore) finish(ctx context.Context, job *domain.BroadcastJob, field string, retain int) (bool, error) {
	if retain <= 0 {
		retain = 100
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("scheduler store: marshal job: %w", err)
	}
	res, err := finishScript.Run(ctx, s.client,
		[]string{
			s.key("active"), s.key("jobs"), s.key(field), s.key("counts"),
			s.campaignKey(job.Data.CampaignID, "jobs"), s.campaignKey(job.Data.CampaignID, "counts"),
		},
		member(job), payload, retain, field,
	).Int()
	if err != nil {
		return false, fmt.Errorf("scheduler store: %s: %w", field, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Reschedule(ctx context.Context, job *domain.BroadcastJob, dueAt time.Time) (bool, error) {
	return s.putBack(ctx, job, dueAt, false)
}

func (s *RedisStore) ParkJob(ctx context.Context, job *domain.BroadcastJob) (bool, error) {
	return s.putBack(ctx, job, time.Time{}, true)
}

func (s *RedisStore) putBack(ctx context.Context, job *domain.BroadcastJob, dueAt time.Time, park bool) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("scheduler store: marshal job: %w", err)
	}
	campaignID := job.Data.CampaignID
	res, err := rescheduleScript.Run(ctx, s.client,
		[]string{
			s.key("active"), s.key("pending"), s.key("jobs"),
			s.campaignKey(campaignID, "paused"), s.campaignKey(campaignID, "jobs"),
			s.campaignKey(campaignID, "parked"), s.key("parked"),
		},
		member(job), payload, dueAt.UnixMilli(), flag(park),
	).Int()
	if err != nil {
		return false, fmt.Errorf("scheduler store: reschedule: %w", err)
	}
	return res > 0, nil
}

func (s *RedisStore) RemoveByCampaign(ctx context.Context, campaignID uuid.UUID, states []domain.JobStateKind, now time.Time) ([]*domain.BroadcastJob, error) {
	res, err := removeScript.Run(ctx, s.client,
		[]string{
			s.key("pending"), s.key("active"), s.key("jobs"),
			s.campaignKey(campaignID, "jobs"), s.campaignKey(campaignID, "parked"), s.key("parked"),
			s.campaignKey(campaignID, "paused"),
		},
		now.UnixMilli(),
		flag(includes(states, domain.JobWaiting)),
		flag(includes(states, domain.JobDelayed)),
		flag(includes(states, domain.JobActive)),
		flag(includes(states, domain.JobParked)),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("scheduler store: remove: %w", err)
	}

	jobs := make([]*domain.BroadcastJob, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		if res[i+1] == "" {
			continue
		}
		job, err := decodeJob(res[i+1])
		if err != nil {
			return nil, err
		}
		job.State = domain.JobState{Kind: domain.JobStateKind(res[i+2])}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Park(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n, err := parkScript.Run(ctx, s.client,
		[]string{
			s.key("pending"), s.campaignKey(campaignID, "jobs"), s.campaignKey(campaignID, "parked"),
			s.key("parked"), s.campaignKey(campaignID, "paused"),
		},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("scheduler store: park: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Unpark(ctx context.Context, campaignID uuid.UUID, start time.Time, spacing time.Duration) (int, error) {
	n, err := unparkScript.Run(ctx, s.client,
		[]string{
			s.campaignKey(campaignID, "parked"), s.key("pending"), s.campaignKey(campaignID, "jobs"),
			s.key("parked"), s.campaignKey(campaignID, "paused"),
		},
		start.UnixMilli(), spacing.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("scheduler store: unpark: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Counts(ctx context.Context, campaignID *uuid.UUID, now time.Time) (domain.QueueStats, error) {
	if campaignID != nil {
		return s.campaignCounts(ctx, *campaignID, now)
	}

	nowScore := strconv.FormatInt(now.UnixMilli(), 10)
	var (
		waiting, delayed, active, parked *redis.IntCmd
		history                          *redis.SliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCount(ctx, s.key("pending"), "-inf", nowScore)
		delayed = pipe.ZCount(ctx, s.key("pending"), "("+nowScore, "+inf")
		active = pipe.ZCard(ctx, s.key("active"))
		parked = pipe.ZCard(ctx, s.key("parked"))
		history = pipe.HMGet(ctx, s.key("counts"), "completed", "failed")
		return nil
	})
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("scheduler store: counts: %w", err)
	}

	stats := domain.QueueStats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Parked:  parked.Val(),
	}
	vals := history.Val()
	stats.Completed = parseCount(vals, 0)
	stats.Failed = parseCount(vals, 1)
	stats.Total = stats.Waiting + stats.Delayed + stats.Active + stats.Parked + stats.Completed + stats.Failed
	return stats, nil
}

func (s *RedisStore) campaignCounts(ctx context.Context, campaignID uuid.UUID, now time.Time) (domain.QueueStats, error) {
	vals, err := campaignCountScript.Run(ctx, s.client,
		[]string{
			s.key("pending"), s.key("active"), s.campaignKey(campaignID, "jobs"),
			s.campaignKey(campaignID, "parked"), s.campaignKey(campaignID, "counts"),
		},
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("scheduler store: campaign counts: %w", err)
	}
	if len(vals) != 6 {
		return domain.QueueStats{}, fmt.Errorf("scheduler store: campaign counts: unexpected reply of %d values", len(vals))
	}

	stats := domain.QueueStats{
		Waiting:   vals[0],
		Delayed:   vals[1],
		Active:    vals[2],
		Parked:    vals[3],
		Completed: vals[4],
		Failed:    vals[5],
	}
	stats.Total = stats.Waiting + stats.Delayed + stats.Active + stats.Parked + stats.Completed + stats.Failed
	return stats, nil
}

func (s *RedisStore) RecentFailures(ctx context.Context, limit int) ([]*domain.BroadcastJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler store: recent failures: %w", err)
	}
	jobs := make([]*domain.BroadcastJob, 0, len(raw))
	for _, r := range raw {
		job, err := decodeJob(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) campaignKey(campaignID uuid.UUID, name string) string {
	return s.prefix + ":campaign:" + campaignID.String() + ":" + name
}

func member(job *domain.BroadcastJob) string {
	return fmt.Sprintf("%019d:%s", job.Seq, job.ID)
}

func decodeJob(raw string) (*domain.BroadcastJob, error) {
	var job domain.BroadcastJob
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(&job); err != nil {
		return nil, fmt.Errorf("scheduler store: decode job: %w", err)
	}
	return &job, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseCount(vals []any, idx int) int64 {
	if idx >= len(vals) || vals[idx] == nil {
		return 0
	}
	str, ok := vals[idx].(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}
