package recipient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

// Resolver turns a campaign's recipient spec into the concrete, ordered list
// of contacts to message. It only reads, so calling it twice on unchanged
// data returns the same list.
type Resolver struct {
	contacts repository.ContactRepository
	segments repository.SegmentRepository
}

// NewResolver constructs a resolver.
func NewResolver(contacts repository.ContactRepository, segments repository.SegmentRepository) *Resolver {
	return &Resolver{contacts: contacts, segments: segments}
}

// Resolve returns the eligible, deduplicated recipients of a campaign.
// Unknown or ineligible ids in a list spec are dropped silently; an empty
// result is not an error.
func (r *Resolver) Resolve(ctx context.Context, campaign *domain.Campaign) ([]domain.Recipient, error) {
	ctx, span := otel.Tracer("broadcast.recipient").Start(ctx, "recipient.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("recipients.kind", string(campaign.Recipients.Kind)),
	)

	filter, err := r.filterFor(ctx, campaign)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if filter == nil {
		return []domain.Recipient{}, nil
	}

	contacts, err := r.contacts.FindEligible(ctx, campaign.OrganizationID, *filter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("recipient resolver: find contacts: %w", err)
	}

	recipients := dedupe(contacts)
	span.SetAttributes(attribute.Int("recipients.count", len(recipients)))
	return recipients, nil
}

// filterFor returns nil when the spec can match nobody.
func (r *Resolver) filterFor(ctx context.Context, campaign *domain.Campaign) (*repository.ContactFilter, error) {
	spec := campaign.Recipients
	switch spec.Kind {
	case domain.RecipientsAll:
		return &repository.ContactFilter{}, nil
	case domain.RecipientsSegment:
		segment, err := r.segments.Get(ctx, campaign.OrganizationID, spec.SegmentID)
		if err != nil {
			return nil, fmt.Errorf("recipient resolver: load segment %s: %w", spec.SegmentID, err)
		}
		criteria := segment.Criteria
		return &repository.ContactFilter{Criteria: &criteria}, nil
	case domain.RecipientsList:
		ids := uniqueIDs(spec.ContactIDs)
		if len(ids) == 0 {
			return nil, nil
		}
		return &repository.ContactFilter{IDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unknown recipient kind %q", apperrors.ErrValidation, spec.Kind)
	}
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// dedupe keeps the first occurrence of each contact id and phone number and
// re-checks eligibility so a loose repository cannot leak opted-out contacts.
func dedupe(contacts []domain.Contact) []domain.Recipient {
	seenIDs := make(map[uuid.UUID]struct{}, len(contacts))
	seenPhones := make(map[string]struct{}, len(contacts))
	out := make([]domain.Recipient, 0, len(contacts))

	for i := range contacts {
		c := &contacts[i]
		if !c.Eligible() || c.PhoneNumber == "" {
			continue
		}
		if _, ok := seenIDs[c.ID]; ok {
			continue
		}
		if _, ok := seenPhones[c.PhoneNumber]; ok {
			continue
		}
		seenIDs[c.ID] = struct{}{}
		seenPhones[c.PhoneNumber] = struct{}{}
		out = append(out, domain.Recipient{ContactID: c.ID, PhoneNumber: c.PhoneNumber})
	}
	return out
}
