package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

// ContactRepository is an in-memory contact base.
type ContactRepository struct {
	mu       sync.RWMutex
	contacts map[uuid.UUID]domain.Contact
}

func NewContactRepository(contacts ...domain.Contact) *ContactRepository {
	r := &ContactRepository{contacts: make(map[uuid.UUID]domain.Contact)}
	for _, c := range contacts {
		r.contacts[c.ID] = c
	}
	return r
}

// Put inserts or replaces a contact.
func (r *ContactRepository) Put(c domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.ID] = c
}

func (r *ContactRepository) FindEligible(_ context.Context, organizationID uuid.UUID, filter repository.ContactFilter) ([]domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids map[uuid.UUID]bool
	if len(filter.IDs) > 0 {
		ids = make(map[uuid.UUID]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}

	var out []domain.Contact
	for _, c := range r.contacts {
		c := c
		if c.OrganizationID != organizationID || !c.Eligible() {
			continue
		}
		if ids != nil && !ids[c.ID] {
			continue
		}
		if filter.Criteria != nil && !matches(&c, filter.Criteria) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *ContactRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func matches(c *domain.Contact, crit *domain.SegmentCriteria) bool {
	if len(crit.Tags) > 0 && !anyOf(c.Tags, crit.Tags) {
		return false
	}
	if len(crit.LifecycleStages) > 0 && !anyOf([]string{c.LifecycleStage}, crit.LifecycleStages) {
		return false
	}
	if crit.CreatedAfter != nil && c.CreatedAt.Before(*crit.CreatedAfter) {
		return false
	}
	if crit.CreatedBefore != nil && c.CreatedAt.After(*crit.CreatedBefore) {
		return false
	}
	return true
}

func anyOf(values, wanted []string) bool {
	for _, v := range values {
		for _, w := range wanted {
			if v == w {
				return true
			}
		}
	}
	return false
}

// SegmentRepository is an in-memory segment store.
type SegmentRepository struct {
	mu       sync.RWMutex
	segments map[uuid.UUID]domain.Segment
}

func NewSegmentRepository(segments ...domain.Segment) *SegmentRepository {
	r := &SegmentRepository{segments: make(map[uuid.UUID]domain.Segment)}
	for _, s := range segments {
		r.segments[s.ID] = s
	}
	return r
}

func (r *SegmentRepository) Get(_ context.Context, organizationID, id uuid.UUID) (*domain.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.segments[id]
	if !ok || s.OrganizationID != organizationID {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}
