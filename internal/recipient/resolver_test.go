package recipient

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

type memoryContacts struct {
	contacts []domain.Contact
	calls    int
}

func (m *memoryContacts) FindEligible(_ context.Context, org uuid.UUID, filter repository.ContactFilter) ([]domain.Contact, error) {
	m.calls++
	ids := make(map[uuid.UUID]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		ids[id] = true
	}

	var out []domain.Contact
	for _, c := range m.contacts {
		if c.OrganizationID != org || !c.Eligible() {
			continue
		}
		if len(ids) > 0 && !ids[c.ID] {
			continue
		}
		if crit := filter.Criteria; crit != nil && len(crit.Tags) > 0 && !hasAnyTag(c.Tags, crit.Tags) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryContacts) FindByID(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	for i := range m.contacts {
		if m.contacts[i].ID == id {
			c := m.contacts[i]
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func hasAnyTag(tags, wanted []string) bool {
	for _, t := range tags {
		for _, w := range wanted {
			if t == w {
				return true
			}
		}
	}
	return false
}

type memorySegments map[uuid.UUID]*domain.Segment

func (m memorySegments) Get(_ context.Context, org, id uuid.UUID) (*domain.Segment, error) {
	seg, ok := m[id]
	if !ok || seg.OrganizationID != org {
		return nil, repository.ErrNotFound
	}
	return seg, nil
}

func contact(org uuid.UUID, phone string, status domain.ContactStatus, optOut bool, age time.Duration, tags ...string) domain.Contact {
	return domain.Contact{
		ID:             uuid.New(),
		OrganizationID: org,
		PhoneNumber:    phone,
		Status:         status,
		OptOut:         optOut,
		Tags:           tags,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(age),
	}
}

func TestResolveAllSkipsIneligible(t *testing.T) {
	org := uuid.New()
	contacts := &memoryContacts{contacts: []domain.Contact{
		contact(org, "+1001", domain.ContactStatusActive, false, 2*time.Hour),
		contact(org, "+1002", domain.ContactStatusBlocked, false, time.Hour),
		contact(org, "+1003", domain.ContactStatusActive, true, 3*time.Hour),
		contact(org, "+1004", domain.ContactStatusActive, false, 0),
		contact(uuid.New(), "+1005", domain.ContactStatusActive, false, 0),
	}}
	resolver := NewResolver(contacts, memorySegments{})

	got, err := resolver.Resolve(context.Background(), &domain.Campaign{
		ID: uuid.New(), OrganizationID: org, Recipients: domain.RecipientSpec{Kind: domain.RecipientsAll},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
	if got[0].PhoneNumber != "+1004" || got[1].PhoneNumber != "+1001" {
		t.Fatalf("expected creation order, got %v", got)
	}
}

func TestResolveListIntersectsEligible(t *testing.T) {
	org := uuid.New()
	active := contact(org, "+2001", domain.ContactStatusActive, false, 0)
	optedOut := contact(org, "+2002", domain.ContactStatusOptOut, true, time.Minute)
	other := contact(org, "+2003", domain.ContactStatusActive, false, 2*time.Minute)
	contacts := &memoryContacts{contacts: []domain.Contact{active, optedOut, other}}
	resolver := NewResolver(contacts, memorySegments{})

	campaign := &domain.Campaign{
		ID:             uuid.New(),
		OrganizationID: org,
		Recipients: domain.RecipientSpec{
			Kind:       domain.RecipientsList,
			ContactIDs: []uuid.UUID{active.ID, optedOut.ID, uuid.New(), active.ID},
		},
	}

	got, err := resolver.Resolve(context.Background(), campaign)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].ContactID != active.ID {
		t.Fatalf("expected only the active listed contact, got %v", got)
	}

	again, err := resolver.Resolve(context.Background(), campaign)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if len(again) != len(got) || again[0] != got[0] {
		t.Fatalf("expected idempotent resolution, got %v then %v", got, again)
	}
}

func TestResolveEmptyListDoesNotQuery(t *testing.T) {
	contacts := &memoryContacts{}
	resolver := NewResolver(contacts, memorySegments{})

	got, err := resolver.Resolve(context.Background(), &domain.Campaign{
		ID: uuid.New(), OrganizationID: uuid.New(), Recipients: domain.RecipientSpec{Kind: domain.RecipientsList},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 || contacts.calls != 0 {
		t.Fatalf("expected empty result without a query, got %d recipients and %d calls", len(got), contacts.calls)
	}
}

func TestResolveSegmentUsesCriteria(t *testing.T) {
	org := uuid.New()
	vip := contact(org, "+3001", domain.ContactStatusActive, false, 0, "vip")
	regular := contact(org, "+3002", domain.ContactStatusActive, false, time.Minute, "regular")
	segmentID := uuid.New()
	segments := memorySegments{segmentID: {
		ID: segmentID, OrganizationID: org, Criteria: domain.SegmentCriteria{Tags: []string{"vip"}},
	}}
	resolver := NewResolver(&memoryContacts{contacts: []domain.Contact{vip, regular}}, segments)

	got, err := resolver.Resolve(context.Background(), &domain.Campaign{
		ID: uuid.New(), OrganizationID: org,
		Recipients: domain.RecipientSpec{Kind: domain.RecipientsSegment, SegmentID: segmentID},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].ContactID != vip.ID {
		t.Fatalf("expected only vip contact, got %v", got)
	}

	_, err = resolver.Resolve(context.Background(), &domain.Campaign{
		ID: uuid.New(), OrganizationID: org,
		Recipients: domain.RecipientSpec{Kind: domain.RecipientsSegment, SegmentID: uuid.New()},
	})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found for missing segment, got %v", err)
	}
}

func TestResolveDedupesPhoneNumbers(t *testing.T) {
	org := uuid.New()
	first := contact(org, "+4001", domain.ContactStatusActive, false, 0)
	dup := contact(org, "+4001", domain.ContactStatusActive, false, time.Minute)
	resolver := NewResolver(&memoryContacts{contacts: []domain.Contact{first, dup}}, memorySegments{})

	got, err := resolver.Resolve(context.Background(), &domain.Campaign{
		ID: uuid.New(), OrganizationID: org, Recipients: domain.RecipientSpec{Kind: domain.RecipientsAll},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].ContactID != first.ID {
		t.Fatalf("expected first contact per phone number, got %v", got)
	}
}

func TestResolveUnknownKind(t *testing.T) {
	resolver := NewResolver(&memoryContacts{}, memorySegments{})
	_, err := resolver.Resolve(context.Background(), &domain.Campaign{Recipients: domain.RecipientSpec{Kind: "everyone"}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
