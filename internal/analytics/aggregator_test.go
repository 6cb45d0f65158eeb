package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository/memory"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

type failingRepo struct {
	*memory.CampaignRepository
	calls int
}

func (r *failingRepo) IncrementAnalytics(context.Context, uuid.UUID, domain.Metric) error {
	r.calls++
	return errors.New("db down")
}

func TestRecordIncrementsCounters(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCampaignRepository()
	c := &domain.Campaign{ID: uuid.New(), OrganizationID: uuid.New(), Name: "c", Status: domain.CampaignStatusRunning}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	agg := NewAggregator(repo, logger.NewNop())
	for _, m := range []domain.Metric{domain.MetricSent, domain.MetricSent, domain.MetricDelivered, domain.MetricRead, domain.MetricFailed, domain.MetricOptOut} {
		agg.Record(ctx, c.ID, m)
	}
	agg.Record(ctx, c.ID, domain.Metric("bounced"))

	got, err := repo.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a := got.Analytics
	if a.Sent != 2 || a.Delivered != 1 || a.Read != 1 || a.Failed != 1 || a.OptOut != 1 {
		t.Fatalf("unexpected analytics %+v", a)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	repo := &failingRepo{CampaignRepository: memory.NewCampaignRepository()}
	agg := NewAggregator(repo, logger.NewNop())

	agg.Record(context.Background(), uuid.New(), domain.MetricSent)
	agg.Record(context.Background(), uuid.New(), domain.Metric("unknown"))

	if repo.calls != 1 {
		t.Fatalf("expected one store call for the valid metric, got %d", repo.calls)
	}
}
