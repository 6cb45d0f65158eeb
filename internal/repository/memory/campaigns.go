// Package memory holds process-local repository implementations used by
// tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

// CampaignRepository stores campaigns in a map.
type CampaignRepository struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
}

func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = copyCampaign(campaign)
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyCampaign(c), nil
}

func (r *CampaignRepository) Transition(_ context.Context, id uuid.UUID, t repository.Transition) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	allowed := false
	for _, from := range t.From {
		if c.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: campaign is %s, cannot become %s", repository.ErrInvalidState, c.Status, t.To)
	}

	at := t.At
	c.Status = t.To
	if t.TotalRecipients != nil {
		c.Analytics.TotalRecipients = *t.TotalRecipients
	}
	c.UpdatedAt = at
	switch t.To {
	case domain.CampaignStatusRunning:
		if c.Analytics.StartTime == nil {
			c.Analytics.StartTime = &at
		}
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
		c.Analytics.EndTime = &at
	}
	return copyCampaign(c), nil
}

func (r *CampaignRepository) IncrementAnalytics(_ context.Context, id uuid.UUID, metric domain.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	a := &c.Analytics
	switch metric {
	case domain.MetricSent:
		a.Sent++
	case domain.MetricDelivered:
		a.Delivered++
	case domain.MetricRead:
		a.Read++
	case domain.MetricFailed:
		a.Failed++
	case domain.MetricClicked:
		a.Clicked++
	case domain.MetricReplied:
		a.Replied++
	case domain.MetricOptOut:
		a.OptOut++
	default:
		return fmt.Errorf("memory campaigns: unknown metric %q", metric)
	}
	return nil
}

func (r *CampaignRepository) List(_ context.Context, organizationID uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return r.filter(func(c *domain.Campaign) bool {
		if organizationID != uuid.Nil && c.OrganizationID != organizationID {
			return false
		}
		return afterID == nil || c.ID.String() > afterID.String()
	}, func(a, b *domain.Campaign) bool { return a.ID.String() < b.ID.String() }, limit), nil
}

func (r *CampaignRepository) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	return r.filter(func(c *domain.Campaign) bool {
		return c.Status == domain.CampaignStatusScheduled &&
			c.Schedule.ScheduledAt != nil && !c.Schedule.ScheduledAt.After(now)
	}, byCreatedAt, limit), nil
}

func (r *CampaignRepository) filter(keep func(*domain.Campaign) bool, less func(a, b *domain.Campaign) bool, limit int) []*domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if keep(c) {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreatedAt(a, b *domain.Campaign) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func copyCampaign(c *domain.Campaign) *domain.Campaign {
	out := *c
	out.Recipients.ContactIDs = append([]uuid.UUID(nil), c.Recipients.ContactIDs...)
	return &out
}
