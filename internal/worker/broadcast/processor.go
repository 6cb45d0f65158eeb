package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	"github.com/acme/whatsapp-broadcast/internal/whatsapp"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Admitter gates sends per organization.
type Admitter interface {
	TryAdmit(ctx context.Context, organizationID uuid.UUID) bool
}

// Recorder receives analytics increments.
type Recorder interface {
	Record(ctx context.Context, campaignID uuid.UUID, metric domain.Metric)
}

// Config tunes job execution.
type Config struct {
	RateLimitRetryDelay time.Duration
	RequestTimeout      time.Duration
}

// Processor executes one broadcast job: admission, eligibility re-check,
// send, and delivery-log bookkeeping.
type Processor struct {
	campaigns repository.CampaignRepository
	contacts  repository.ContactRepository
	messages  repository.MessageStore
	limiter   Admitter
	sender    whatsapp.Sender
	analytics Recorder
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// NewProcessor constructs a processor.
func NewProcessor(
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	messages repository.MessageStore,
	limiter Admitter,
	sender whatsapp.Sender,
	analytics Recorder,
	cfg Config,
	log *logger.Logger,
) *Processor {
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		campaigns: campaigns,
		contacts:  contacts,
		messages:  messages,
		limiter:   limiter,
		sender:    sender,
		analytics: analytics,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process implements scheduler.Processor.
func (p *Processor) Process(ctx context.Context, job *domain.BroadcastJob) scheduler.Outcome {
	tracer := otel.Tracer("broadcast.processor")
	ctx, span := tracer.Start(ctx, "broadcast.process", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("campaign.id", job.Data.CampaignID.String()),
		attribute.String("contact.id", job.Data.ContactID.String()),
		attribute.Int("attempt", job.Data.RetryCount+1),
	))
	defer span.End()

	log := p.log.WithContext(ctx).With(
		zap.String("job_id", job.ID.String()),
		zap.String("campaign_id", job.Data.CampaignID.String()),
	)

	campaign, err := p.campaigns.Get(ctx, job.Data.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("broadcast: campaign gone, discarding job")
			return scheduler.Discard("campaign not found")
		}
		span.RecordError(err)
		log.Warn("broadcast: load campaign failed", zap.Error(err))
		return scheduler.RetryAfter(scheduler.RetryDelay(job.Backoff, 0), false, err.Error())
	}

	switch campaign.Status {
	case domain.CampaignStatusRunning:
	case domain.CampaignStatusPaused:
		log.Debug("broadcast: campaign paused, parking job")
		return scheduler.Park("campaign paused")
	default:
		log.Info("broadcast: campaign not running, discarding job", zap.String("status", string(campaign.Status)))
		return scheduler.Discard("campaign " + string(campaign.Status))
	}

	now := p.now()
	if !scheduler.WithinBusinessHours(now, campaign.Settings.BusinessHours) {
		wait := scheduler.NextBusinessOpening(now, campaign.Settings.BusinessHours)
		log.Debug("broadcast: outside business hours", zap.Duration("wait", wait))
		return scheduler.Defer(wait, "outside business hours")
	}

	if !p.limiter.TryAdmit(ctx, job.Data.OrganizationID) {
		span.SetAttributes(attribute.Bool("rate_limited", true))
		log.Debug("broadcast: rate limited")
		return scheduler.RetryAfter(p.cfg.RateLimitRetryDelay, false, apperrors.ErrRateLimited.Error())
	}

	contact, err := p.contacts.FindByID(ctx, job.Data.ContactID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		log.Warn("broadcast: load contact failed", zap.Error(err))
		return scheduler.RetryAfter(scheduler.RetryDelay(job.Backoff, 0), false, err.Error())
	}
	if !contact.Eligible() {
		reason := "contact not found"
		if contact != nil {
			reason = "contact no longer eligible"
		}
		log.Info("broadcast: skipping recipient", zap.String("reason", reason))
		p.record(ctx, job, contact, domain.DeliverySkipped, "", &reason)
		return scheduler.Skip(reason)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	result, err := p.sender.Send(sendCtx, whatsapp.SendRequest{
		To:             contact.PhoneNumber,
		Message:        job.Data.Message,
		OrganizationID: job.Data.OrganizationID,
		CampaignID:     job.Data.CampaignID,
		ConversationID: contact.ConversationID,
	})
	cancel()

	if err == nil {
		span.SetAttributes(attribute.String("provider.message_id", result.ProviderMessageID))
		p.record(ctx, job, contact, domain.DeliverySent, result.ProviderMessageID, nil)
		p.analytics.Record(ctx, job.Data.CampaignID, domain.MetricSent)
		log.Debug("broadcast: sent", zap.String("provider_message_id", result.ProviderMessageID))
		return scheduler.Complete()
	}

	err = whatsapp.Classify(err)
	span.RecordError(err)
	reason := err.Error()

	if !apperrors.Retryable(err) || scheduler.Exhausted(job) {
		log.Warn("broadcast: send failed permanently", zap.Int("attempts", job.Data.RetryCount+1), zap.Error(err))
		p.record(ctx, job, contact, domain.DeliveryFailed, "", &reason)
		p.analytics.Record(ctx, job.Data.CampaignID, domain.MetricFailed)
		return scheduler.Fail(reason)
	}

	delay := scheduler.RetryDelay(job.Backoff, job.Data.RetryCount)
	log.Info("broadcast: send failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	return scheduler.RetryAfter(delay, true, reason)
}

func (p *Processor) record(ctx context.Context, job *domain.BroadcastJob, contact *domain.Contact, status domain.DeliveryStatus, providerID string, lastErr *string) {
	now := p.now().UTC()
	rec := domain.MessageRecord{
		CampaignID:        job.Data.CampaignID,
		JobID:             job.ID,
		ContactID:         job.Data.ContactID,
		ProviderMessageID: providerID,
		Status:            status,
		Attempts:          job.Data.RetryCount + 1,
		LastError:         lastErr,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if contact != nil {
		rec.PhoneNumber = contact.PhoneNumber
	}
	if err := p.messages.Record(ctx, rec); err != nil {
		p.log.WithContext(ctx).Error("broadcast: record delivery log failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}
}
