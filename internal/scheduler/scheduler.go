package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// OutcomeKind enumerates what the processor decided for a job.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeSkipped
	OutcomeRetry
	OutcomeFailed
	OutcomeDeferred
	OutcomeDiscarded
	OutcomeParked
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeParked:
		return "parked"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one job.
type Outcome struct {
	Kind           OutcomeKind
	After          time.Duration
	ConsumeAttempt bool
	Reason         string
}

func Complete() Outcome { return Outcome{Kind: OutcomeCompleted} }

func Skip(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

// RetryAfter puts the job back in the queue. consume marks the run as a
// failed attempt counted against the job's attempt budget.
func RetryAfter(after time.Duration, consume bool, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, After: after, ConsumeAttempt: consume, Reason: reason}
}

func Fail(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

func Defer(after time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeDeferred, After: after, Reason: reason}
}

func Discard(reason string) Outcome { return Outcome{Kind: OutcomeDiscarded, Reason: reason} }

// Park sets the job aside with its campaign's parked jobs until the
// campaign is restored.
func Park(reason string) Outcome { return Outcome{Kind: OutcomeParked, Reason: reason} }

// Terminal reports whether the job leaves the queue after this outcome.
func (o Outcome) Terminal() bool {
	switch o.Kind {
	case OutcomeRetry, OutcomeDeferred, OutcomeParked:
		return false
	default:
		return true
	}
}

// Processor executes a claimed job.
type Processor interface {
	Process(ctx context.Context, job *domain.BroadcastJob) Outcome
}

// SlotLimiter bounds how many jobs of one organization run at once.
type SlotLimiter interface {
	Acquire(ctx context.Context, organizationID uuid.UUID) error
	Release(ctx context.Context, organizationID uuid.UUID)
}

// FinishHook is called after a job has left the queue for good.
type FinishHook func(ctx context.Context, job *domain.BroadcastJob, outcome Outcome)

// EnqueueRequest describes one job to add.
type EnqueueRequest struct {
	CampaignID     uuid.UUID
	OrganizationID uuid.UUID
	ContactID      uuid.UUID
	Message        domain.Message
	Delay          time.Duration
	Attempts       int
	Backoff        domain.Backoff
}

// Config tunes the dispatch loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler owns the broadcast job queue and its dispatch loop.
type Scheduler struct {
	store     Store
	processor Processor
	slots     SlotLimiter
	cfg       Config
	log       *logger.Logger
	now       func() time.Time

	mu    sync.RWMutex
	hooks []FinishHook
}

// New constructs a scheduler.
func New(store Store, processor Processor, slots SlotLimiter, cfg Config, log *logger.Logger, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Scheduler{
		store:     store,
		processor: processor,
		slots:     slots,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFinish registers a hook run after every terminal outcome.
func (s *Scheduler) OnFinish(hook FinishHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// EnqueueMany adds the jobs in order.
func (s *Scheduler) EnqueueMany(ctx context.Context, reqs []EnqueueRequest) ([]*domain.BroadcastJob, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	now := s.now()
	jobs := make([]*domain.BroadcastJob, 0, len(reqs))
	for _, req := range reqs {
		attempts := req.Attempts
		if attempts <= 0 {
			attempts = 1
		}
		job := &domain.BroadcastJob{
			ID:   uuid.New(),
			Name: domain.BroadcastJobName,
			Data: domain.BroadcastJobData{
				CampaignID:     req.CampaignID,
				OrganizationID: req.OrganizationID,
				ContactID:      req.ContactID,
				Message:        req.Message,
			},
			Delay:      req.Delay,
			Attempts:   attempts,
			Backoff:    req.Backoff,
			EnqueuedAt: now,
		}
		job.State = pendingState(job.DueAt(), now)
		jobs = append(jobs, job)
	}
	if err := s.store.Add(ctx, jobs); err != nil {
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return jobs, nil
}

// RemoveJobsForCampaign drops the campaign's jobs that are in one of the
// given states.
func (s *Scheduler) RemoveJobsForCampaign(ctx context.Context, campaignID uuid.UUID, states []domain.JobStateKind) ([]*domain.BroadcastJob, error) {
	removed, err := s.store.RemoveByCampaign(ctx, campaignID, states, s.now())
	if err != nil {
		return nil, fmt.Errorf("scheduler: remove jobs: %w", err)
	}
	return removed, nil
}

// ParkCampaign sets the campaign's pending jobs aside until RestoreCampaign.
func (s *Scheduler) ParkCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n, err := s.store.Park(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("scheduler: park: %w", err)
	}
	return n, nil
}

// RestoreCampaign returns parked jobs to the queue, spaced from now at the
// campaign's send rate.
func (s *Scheduler) RestoreCampaign(ctx context.Context, campaignID uuid.UUID, messagesPerSecond int) (int, error) {
	n, err := s.store.Unpark(ctx, campaignID, s.now(), DelayFor(1, messagesPerSecond))
	if err != nil {
		return 0, fmt.Errorf("scheduler: restore: %w", err)
	}
	return n, nil
}

// Stats returns counts over every campaign.
func (s *Scheduler) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := s.store.Counts(ctx, nil, s.now())
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	return stats, nil
}

// CampaignStats returns counts for one campaign.
func (s *Scheduler) CampaignStats(ctx context.Context, campaignID uuid.UUID) (domain.QueueStats, error) {
	stats, err := s.store.Counts(ctx, &campaignID, s.now())
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("scheduler: campaign stats: %w", err)
	}
	return stats, nil
}

// RecentFailures returns the newest retained failed jobs.
func (s *Scheduler) RecentFailures(ctx context.Context, limit int) ([]*domain.BroadcastJob, error) {
	jobs, err := s.store.RecentFailures(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: recent failures: %w", err)
	}
	return jobs, nil
}

// Run executes the dispatch loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		wait := s.cfg.PollInterval
		if err == nil && n >= s.cfg.BatchSize {
			// more may be due already
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Tick claims one batch of due jobs and runs it to completion. It returns
// the number of jobs claimed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	tracer := otel.Tracer("broadcast.scheduler")
	tctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	jobs, err := s.store.ClaimDue(tctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: claim: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.claimed", len(jobs)))
	if len(jobs) == 0 {
		return 0, nil
	}

	var orgs conc.WaitGroup
	var running conc.WaitGroup
	for _, group := range groupByOrganization(jobs) {
		group := group
		orgs.Go(func() {
			for i, job := range group {
				if err := s.acquire(tctx, job.Data.OrganizationID); err != nil {
					s.requeue(tctx, group[i:])
					return
				}
				job := job
				running.Go(func() {
					defer s.release(tctx, job.Data.OrganizationID)
					s.execute(tctx, job)
				})
			}
		})
	}
	orgs.Wait()
	running.Wait()

	return len(jobs), nil
}

func (s *Scheduler) acquire(ctx context.Context, org uuid.UUID) error {
	if s.slots == nil {
		return nil
	}
	return s.slots.Acquire(ctx, org)
}

func (s *Scheduler) release(ctx context.Context, org uuid.UUID) {
	if s.slots == nil {
		return
	}
	s.slots.Release(context.WithoutCancel(ctx), org)
}

// requeue hands claimed jobs that never started back to the queue.
func (s *Scheduler) requeue(ctx context.Context, jobs []*domain.BroadcastJob) {
	bg := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if _, err := s.store.Reschedule(bg, job, s.now()); err != nil {
			s.log.Error("scheduler: requeue failed",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *domain.BroadcastJob) {
	tracer := otel.Tracer("broadcast.scheduler")
	jctx, span := tracer.Start(ctx, "scheduler.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("campaign.id", job.Data.CampaignID.String()),
		attribute.Int("job.retry_count", job.Data.RetryCount),
	)

	var outcome Outcome
	var pc panics.Catcher
	pc.Try(func() { outcome = s.processor.Process(jctx, job) })
	if recovered := pc.Recovered(); recovered != nil {
		err := recovered.AsError()
		span.RecordError(err)
		s.log.Error("scheduler: processor panicked",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		if Exhausted(job) {
			outcome = Fail(err.Error())
		} else {
			outcome = RetryAfter(RetryDelay(job.Backoff, job.Data.RetryCount), true, err.Error())
		}
	}
	span.SetAttributes(attribute.String("job.outcome", outcome.Kind.String()))

	// the send already happened; finish bookkeeping even if the loop is stopping
	if err := s.apply(context.WithoutCancel(jctx), job, outcome); err != nil {
		span.RecordError(err)
		s.log.Error("scheduler: apply outcome failed",
			zap.String("job_id", job.ID.String()),
			zap.String("outcome", outcome.Kind.String()),
			zap.Error(err))
	}
}

func (s *Scheduler) apply(ctx context.Context, job *domain.BroadcastJob, outcome Outcome) error {
	now := s.now()

	var (
		finished bool
		err      error
	)
	switch outcome.Kind {
	case OutcomeRetry, OutcomeDeferred:
		if outcome.ConsumeAttempt {
			job.Data.RetryCount++
		}
		dueAt := now.Add(outcome.After)
		job.State = pendingState(dueAt, now)
		_, err = s.store.Reschedule(ctx, job, dueAt)
		return err
	case OutcomeParked:
		job.State = domain.Parked()
		_, err = s.store.ParkJob(ctx, job)
		return err
	case OutcomeFailed:
		job.State = domain.Failed(now, outcome.Reason)
		finished, err = s.store.Fail(ctx, job)
	default:
		job.State = domain.Completed(now, outcome.Reason)
		finished, err = s.store.Complete(ctx, job)
	}
	if err != nil {
		return err
	}
	if !finished {
		s.log.Debug("scheduler: job removed while active",
			zap.String("job_id", job.ID.String()),
			zap.String("campaign_id", job.Data.CampaignID.String()))
		return nil
	}

	s.mu.RLock()
	hooks := append([]FinishHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job, outcome)
	}
	return nil
}

func groupByOrganization(jobs []*domain.BroadcastJob) [][]*domain.BroadcastJob {
	index := make(map[uuid.UUID]int)
	var groups [][]*domain.BroadcastJob
	for _, job := range jobs {
		i, ok := index[job.Data.OrganizationID]
		if !ok {
			i = len(groups)
			index[job.Data.OrganizationID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], job)
	}
	return groups
}
