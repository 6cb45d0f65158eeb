package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrInvalidState indicates a conditional transition did not apply.
	ErrInvalidState = apperrors.ErrInvalidState
)

// Transition is a conditional campaign status change. It applies only if
// the current status is one of From. Entering running stamps the start time
// once; entering completed or cancelled stamps the end time. A non-nil
// TotalRecipients is written in the same update.
type Transition struct {
	From            []domain.CampaignStatus
	To              domain.CampaignStatus
	At              time.Time
	TotalRecipients *int64
}

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Transition(ctx context.Context, id uuid.UUID, t Transition) (*domain.Campaign, error)
	IncrementAnalytics(ctx context.Context, id uuid.UUID, metric domain.Metric) error
	List(ctx context.Context, organizationID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
}

// ContactFilter narrows the eligible contacts of an organization. A nil
// Criteria and empty IDs select every eligible contact.
type ContactFilter struct {
	Criteria *domain.SegmentCriteria
	IDs      []uuid.UUID
}

// ContactRepository reads the contact base. FindEligible returns only
// active, not opted-out contacts ordered by creation time then id.
type ContactRepository interface {
	FindEligible(ctx context.Context, organizationID uuid.UUID, filter ContactFilter) ([]domain.Contact, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
}

// SegmentRepository reads stored segments.
type SegmentRepository interface {
	Get(ctx context.Context, organizationID, id uuid.UUID) (*domain.Segment, error)
}

// MessageStore persists the per-recipient delivery log.
type MessageStore interface {
	Record(ctx context.Context, record domain.MessageRecord) error
	ApplyStatus(ctx context.Context, event domain.DeliveryEvent) (*domain.MessageRecord, bool, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageRecord, []byte, error)
}
