package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// DeadLetterMessage describes a job that failed for good.
type DeadLetterMessage struct {
	JobID          uuid.UUID `json:"job_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ContactID      uuid.UUID `json:"contact_id"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failed_at"`
}

// DeadLetterPublisher emits terminally failed jobs for offline inspection.
type DeadLetterPublisher struct {
	writer Writer
	log    *logger.Logger
}

// NewDeadLetterPublisher constructs a publisher for the dead-letter topic.
func NewDeadLetterPublisher(k *Kafka, topic string, log *logger.Logger) *DeadLetterPublisher {
	return NewDeadLetterPublisherWithWriter(k.NewWriter(topic), log)
}

// NewDeadLetterPublisherWithWriter wraps an existing writer.
func NewDeadLetterPublisherWithWriter(w Writer, log *logger.Logger) *DeadLetterPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &DeadLetterPublisher{writer: w, log: log}
}

// Publish writes one dead-letter record keyed by campaign id.
func (p *DeadLetterPublisher) Publish(ctx context.Context, msg DeadLetterMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter publisher: write message: %w", err)
	}
	return nil
}

// HandleJobFinished is a scheduler finish hook forwarding failed jobs.
func (p *DeadLetterPublisher) HandleJobFinished(ctx context.Context, job *domain.BroadcastJob, outcome scheduler.Outcome) {
	if outcome.Kind != scheduler.OutcomeFailed {
		return
	}
	failedAt := job.State.FinishedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	msg := DeadLetterMessage{
		JobID:          job.ID,
		CampaignID:     job.Data.CampaignID,
		OrganizationID: job.Data.OrganizationID,
		ContactID:      job.Data.ContactID,
		Attempts:       job.Data.RetryCount + 1,
		Reason:         outcome.Reason,
		FailedAt:       failedAt,
	}
	if err := p.Publish(ctx, msg); err != nil {
		p.log.Error("dead letter publish failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
