package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Resolver expands a campaign's audience.
type Resolver interface {
	Resolve(ctx context.Context, campaign *domain.Campaign) ([]domain.Recipient, error)
}

// JobQueue is the part of the scheduler the controller drives.
type JobQueue interface {
	EnqueueMany(ctx context.Context, reqs []scheduler.EnqueueRequest) ([]*domain.BroadcastJob, error)
	RemoveJobsForCampaign(ctx context.Context, campaignID uuid.UUID, states []domain.JobStateKind) ([]*domain.BroadcastJob, error)
	ParkCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
	RestoreCampaign(ctx context.Context, campaignID uuid.UUID, messagesPerSecond int) (int, error)
	CampaignStats(ctx context.Context, campaignID uuid.UUID) (domain.QueueStats, error)
}

// Defaults are applied to campaign settings left unset.
type Defaults struct {
	MessagesPerSecond int
	Retry             domain.RetryPolicy
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo     repository.CampaignRepository
	resolver Resolver
	jobs     JobQueue
	defaults Defaults
	log      *logger.Logger
	now      func() time.Time
}

// NewService constructs a campaign service.
func NewService(repo repository.CampaignRepository, resolver Resolver, jobs JobQueue, defaults Defaults, log *logger.Logger) *Service {
	if defaults.MessagesPerSecond <= 0 {
		defaults.MessagesPerSecond = 1
	}
	defaults.Retry = normalizeRetry(defaults.Retry, domain.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute})
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		jobs:     jobs,
		defaults: defaults,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	OrganizationID uuid.UUID
	Name           string
	Description    string
	Recipients     domain.RecipientSpec
	Message        domain.Message
	Schedule       domain.Schedule
	Settings       domain.CampaignSettings
	CreatedBy      string
}

// StatusReport is a campaign together with its queue breakdown.
type StatusReport struct {
	Campaign *domain.Campaign
	Queue    domain.QueueStats
}

// Create provisions a new draft (or scheduled) campaign.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	status := domain.CampaignStatusDraft
	if input.Schedule.Type == "" {
		input.Schedule.Type = domain.ScheduleImmediate
	}
	if input.Schedule.Type == domain.ScheduleScheduled {
		status = domain.CampaignStatusScheduled
	}

	settings := input.Settings
	if settings.RateLimit.MessagesPerSecond <= 0 {
		settings.RateLimit.MessagesPerSecond = s.defaults.MessagesPerSecond
	}
	settings.RetryPolicy = normalizeRetry(settings.RetryPolicy, s.defaults.Retry)

	campaign := &domain.Campaign{
		ID:             uuid.New(),
		OrganizationID: input.OrganizationID,
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		Status:         status,
		Recipients:     input.Recipients,
		Message:        input.Message,
		Schedule:       input.Schedule,
		Settings:       settings,
		CreatedBy:      input.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns an organization's campaigns.
func (s *Service) List(ctx context.Context, organizationID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, organizationID, afterID, limit)
}

// Start resolves the audience, moves the campaign to running and enqueues
// one job per recipient. A campaign with no recipients completes at once.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	tracer := otel.Tracer("broadcast.campaign")
	ctx, span := tracer.Start(ctx, "campaign.start")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", id.String()))

	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusDraft && campaign.Status != domain.CampaignStatusScheduled {
		return nil, fmt.Errorf("%w: campaign is %s", apperrors.ErrInvalidState, campaign.Status)
	}

	recipients, err := s.resolver.Resolve(ctx, campaign)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("campaign service: resolve recipients: %w", err)
	}
	span.SetAttributes(attribute.Int("recipients", len(recipients)))

	total := int64(len(recipients))
	campaign, err = s.repo.Transition(ctx, id, repository.Transition{
		From:            []domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled},
		To:              domain.CampaignStatusRunning,
		At:              s.now(),
		TotalRecipients: &total,
	})
	if err != nil {
		return nil, err
	}

	if total == 0 {
		s.log.Info("campaign has no eligible recipients, completing", zap.String("campaign_id", id.String()))
		return s.transition(ctx, id, domain.CampaignStatusCompleted, domain.CampaignStatusRunning)
	}

	reqs := s.enqueueRequests(campaign, recipients)
	if _, err := s.jobs.EnqueueMany(ctx, reqs); err != nil {
		span.RecordError(err)
		if _, cerr := s.transition(context.WithoutCancel(ctx), id, domain.CampaignStatusCancelled, domain.CampaignStatusRunning); cerr != nil {
			s.log.Error("campaign service: cancel after enqueue failure", zap.String("campaign_id", id.String()), zap.Error(cerr))
		}
		return nil, fmt.Errorf("campaign service: enqueue jobs: %w", err)
	}

	s.log.Info("campaign started",
		zap.String("campaign_id", id.String()),
		zap.Int64("recipients", total),
		zap.Int("messages_per_second", campaign.Settings.RateLimit.MessagesPerSecond))
	return campaign, nil
}

// Pause stops dispatch of the campaign's pending jobs. A send already handed
// to the provider finishes; if it must be retried the job is parked.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.transition(ctx, id, domain.CampaignStatusPaused, domain.CampaignStatusRunning)
	if err != nil {
		return nil, err
	}
	parked, err := s.jobs.ParkCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: park jobs: %w", err)
	}
	s.log.Info("campaign paused", zap.String("campaign_id", id.String()), zap.Int("parked", parked))
	return campaign, nil
}

// Resume puts a paused campaign back to running and re-queues its parked
// jobs with fresh spacing.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.transition(ctx, id, domain.CampaignStatusRunning, domain.CampaignStatusPaused)
	if err != nil {
		return nil, err
	}
	restored, err := s.jobs.RestoreCampaign(ctx, id, campaign.Settings.RateLimit.MessagesPerSecond)
	if err != nil {
		return nil, fmt.Errorf("campaign service: restore jobs: %w", err)
	}
	s.log.Info("campaign resumed", zap.String("campaign_id", id.String()), zap.Int("restored", restored))

	if restored == 0 {
		if done, err := s.CompleteIfDrained(ctx, id); err != nil {
			return nil, err
		} else if done != nil {
			return done, nil
		}
	}
	return campaign, nil
}

// Cancel stops the campaign for good. Sends already handed to the provider
// cannot be recalled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.transition(ctx, id, domain.CampaignStatusCancelled, domain.SourcesFor(domain.CampaignStatusCancelled)...)
	if err != nil {
		return nil, err
	}
	removed, err := s.jobs.RemoveJobsForCampaign(ctx, id, []domain.JobStateKind{
		domain.JobWaiting, domain.JobDelayed, domain.JobActive, domain.JobParked,
	})
	if err != nil {
		s.log.Warn("campaign service: remove jobs after cancel", zap.String("campaign_id", id.String()), zap.Error(err))
	}
	s.log.Info("campaign cancelled", zap.String("campaign_id", id.String()), zap.Int("removed", len(removed)))
	return campaign, nil
}

// Status returns the campaign and its queue breakdown.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusReport, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.jobs.CampaignStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: queue stats: %w", err)
	}
	return &StatusReport{Campaign: campaign, Queue: stats}, nil
}

// CompleteIfDrained completes a running campaign with no jobs left. It
// returns nil when the campaign is not (yet) complete.
func (s *Service) CompleteIfDrained(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	stats, err := s.jobs.CampaignStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: queue stats: %w", err)
	}
	if stats.Pending() > 0 {
		return nil, nil
	}
	campaign, err := s.transition(ctx, id, domain.CampaignStatusCompleted, domain.CampaignStatusRunning)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidState) || errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.log.Info("campaign completed", zap.String("campaign_id", id.String()))
	return campaign, nil
}

// HandleJobFinished is registered as a scheduler finish hook.
func (s *Service) HandleJobFinished(ctx context.Context, job *domain.BroadcastJob, _ scheduler.Outcome) {
	if _, err := s.CompleteIfDrained(ctx, job.Data.CampaignID); err != nil {
		s.log.Warn("campaign service: completion check failed",
			zap.String("campaign_id", job.Data.CampaignID.String()),
			zap.Error(err))
	}
}

// StartDueScheduled starts scheduled campaigns whose time has come and
// returns how many were started.
func (s *Service) StartDueScheduled(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDueScheduled(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("campaign service: list due campaigns: %w", err)
	}
	started := 0
	for _, c := range due {
		if _, err := s.Start(ctx, c.ID); err != nil {
			s.log.Error("campaign service: start scheduled campaign",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to domain.CampaignStatus, from ...domain.CampaignStatus) (*domain.Campaign, error) {
	return s.repo.Transition(ctx, id, repository.Transition{From: from, To: to, At: s.now()})
}

func (s *Service) enqueueRequests(campaign *domain.Campaign, recipients []domain.Recipient) []scheduler.EnqueueRequest {
	retry := campaign.Settings.RetryPolicy
	backoff := domain.Backoff{Type: "exponential", BaseDelay: retry.BaseDelay, MaxDelay: retry.MaxDelay}
	mps := campaign.Settings.RateLimit.MessagesPerSecond

	reqs := make([]scheduler.EnqueueRequest, 0, len(recipients))
	for i, r := range recipients {
		reqs = append(reqs, scheduler.EnqueueRequest{
			CampaignID:     campaign.ID,
			OrganizationID: campaign.OrganizationID,
			ContactID:      r.ContactID,
			Message:        campaign.Message,
			Delay:          scheduler.DelayFor(i, mps),
			Attempts:       retry.MaxAttempts,
			Backoff:        backoff,
		})
	}
	return reqs
}

func normalizeRetry(policy, defaults domain.RetryPolicy) domain.RetryPolicy {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	return policy
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.OrganizationID == uuid.Nil {
		return fmt.Errorf("%w: organization id is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if err := input.Message.Validate(); err != nil {
		return err
	}

	switch input.Recipients.Kind {
	case domain.RecipientsAll:
	case domain.RecipientsSegment:
		if input.Recipients.SegmentID == uuid.Nil {
			return fmt.Errorf("%w: segment recipients need a segment id", apperrors.ErrValidation)
		}
	case domain.RecipientsList:
		if len(input.Recipients.ContactIDs) == 0 {
			return fmt.Errorf("%w: list recipients need at least one contact id", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown recipient kind %q", apperrors.ErrValidation, input.Recipients.Kind)
	}

	switch input.Schedule.Type {
	case "", domain.ScheduleImmediate:
	case domain.ScheduleScheduled:
		if input.Schedule.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled campaigns need a scheduled time", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", apperrors.ErrValidation, input.Schedule.Type)
	}

	if rl := input.Settings.RateLimit; rl.MessagesPerSecond < 0 || rl.MessagesPerMinute < 0 || rl.MessagesPerHour < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", apperrors.ErrValidation)
	}

	if bh := input.Settings.BusinessHours; bh.Enabled {
		if bh.TimeZone == "" {
			return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
		}
		if _, err := time.LoadLocation(bh.TimeZone); err != nil {
			return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, bh.TimeZone, err)
		}
		if bh.Start.Hour() == bh.End.Hour() && bh.Start.Minute() == bh.End.Minute() {
			return fmt.Errorf("%w: business hour window must have positive duration", apperrors.ErrValidation)
		}
	}
	return nil
}
