package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

// MessageStore persists the per-recipient delivery log in Scylla.
type MessageStore struct {
	session *gocql.Session
}

// NewMessageStore creates a new message store.
func NewMessageStore(session *gocql.Session) *MessageStore {
	return &MessageStore{session: session}
}

// Record upserts a delivery log row and, once a provider id is known, its
// lookup entry.
func (s *MessageStore) Record(ctx context.Context, record domain.MessageRecord) error {
	if err := s.session.Query(`INSERT INTO messages_by_campaign (campaign_id, job_id, contact_id, phone_number, provider_message_id, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CampaignID.String(), record.JobID.String(), record.ContactID.String(), record.PhoneNumber,
		record.ProviderMessageID, string(record.Status), record.Attempts, record.LastError,
		record.CreatedAt, record.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("message store: insert messages_by_campaign: %w", err)
	}

	if record.ProviderMessageID == "" {
		return nil
	}
	if err := s.session.Query(`INSERT INTO messages_by_provider_id (provider_message_id, campaign_id, job_id)
		VALUES (?, ?, ?)`,
		record.ProviderMessageID, record.CampaignID.String(), record.JobID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("message store: insert messages_by_provider_id: %w", err)
	}
	return nil
}

// ApplyStatus moves a message forward to the status carried by a provider
// callback. It reports false when the event is stale or a duplicate.
func (s *MessageStore) ApplyStatus(ctx context.Context, event domain.DeliveryEvent) (*domain.MessageRecord, bool, error) {
	var campaignIDStr, jobIDStr string
	if err := s.session.Query(`SELECT campaign_id, job_id FROM messages_by_provider_id WHERE provider_message_id = ?`,
		event.ProviderMessageID,
	).WithContext(ctx).Scan(&campaignIDStr, &jobIDStr); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, false, repository.ErrNotFound
		}
		return nil, false, fmt.Errorf("message store: lookup provider id: %w", err)
	}

	campaignID, err := uuid.Parse(campaignIDStr)
	if err != nil {
		return nil, false, fmt.Errorf("message store: parse campaign_id: %w", err)
	}
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return nil, false, fmt.Errorf("message store: parse job_id: %w", err)
	}

	record, err := s.get(ctx, campaignID, jobID)
	if err != nil {
		return nil, false, err
	}
	if !record.Status.Advances(event.Status) {
		return record, false, nil
	}

	var lastError *string
	if event.Error != "" {
		msg := event.Error
		lastError = &msg
	}
	updatedAt := event.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	// LWT keeps two concurrent callbacks from both counting the same transition.
	applied, err := s.session.Query(`UPDATE messages_by_campaign SET status = ?, last_error = ?, updated_at = ?
		WHERE campaign_id = ? AND job_id = ? IF status = ?`,
		string(event.Status), lastError, updatedAt,
		campaignID.String(), jobID.String(), string(record.Status),
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return nil, false, fmt.Errorf("message store: update status: %w", err)
	}
	if !applied {
		return record, false, nil
	}

	record.Status = event.Status
	record.LastError = lastError
	record.UpdatedAt = updatedAt
	return record, true, nil
}

// ListByCampaign lists the delivery log of a campaign with pagination.
func (s *MessageStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT job_id, contact_id, phone_number, provider_message_id, status, attempts, last_error, created_at, updated_at
		FROM messages_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	records := make([]domain.MessageRecord, 0, limit)

	var (
		jobIDStr     string
		contactIDStr string
		phone        string
		providerID   string
		status       string
		attempts     int
		lastError    *string
		created      time.Time
		updated      time.Time
	)
	for iter.Scan(&jobIDStr, &contactIDStr, &phone, &providerID, &status, &attempts, &lastError, &created, &updated) {
		jobID, err := uuid.Parse(jobIDStr)
		if err != nil {
			continue
		}
		contactID, _ := uuid.Parse(contactIDStr)
		records = append(records, domain.MessageRecord{
			CampaignID:        campaignID,
			JobID:             jobID,
			ContactID:         contactID,
			PhoneNumber:       phone,
			ProviderMessageID: providerID,
			Status:            domain.DeliveryStatus(status),
			Attempts:          attempts,
			LastError:         lastError,
			CreatedAt:         created,
			UpdatedAt:         updated,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("message store: iter close: %w", err)
	}
	return records, iter.PageState(), nil
}

func (s *MessageStore) get(ctx context.Context, campaignID, jobID uuid.UUID) (*domain.MessageRecord, error) {
	var (
		contactIDStr string
		phone        string
		providerID   string
		status       string
		attempts     int
		lastError    *string
		created      time.Time
		updated      time.Time
	)
	if err := s.session.Query(`SELECT contact_id, phone_number, provider_message_id, status, attempts, last_error, created_at, updated_at
		FROM messages_by_campaign WHERE campaign_id = ? AND job_id = ?`,
		campaignID.String(), jobID.String(),
	).WithContext(ctx).Scan(&contactIDStr, &phone, &providerID, &status, &attempts, &lastError, &created, &updated); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("message store: get: %w", err)
	}

	contactID, err := uuid.Parse(contactIDStr)
	if err != nil {
		return nil, fmt.Errorf("message store: parse contact_id: %w", err)
	}
	return &domain.MessageRecord{
		CampaignID:        campaignID,
		JobID:             jobID,
		ContactID:         contactID,
		PhoneNumber:       phone,
		ProviderMessageID: providerID,
		Status:            domain.DeliveryStatus(status),
		Attempts:          attempts,
		LastError:         lastError,
		CreatedAt:         created,
		UpdatedAt:         updated,
	}, nil
}
