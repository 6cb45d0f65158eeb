package analytics

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Aggregator maintains the per-campaign delivery counters.
type Aggregator struct {
	campaigns repository.CampaignRepository
	log       *logger.Logger
}

// NewAggregator constructs an aggregator.
func NewAggregator(campaigns repository.CampaignRepository, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Aggregator{campaigns: campaigns, log: log}
}

// Record increments one counter. Failures are logged and swallowed so a
// counter outage never fails the send that produced it.
func (a *Aggregator) Record(ctx context.Context, campaignID uuid.UUID, metric domain.Metric) {
	if !metric.Valid() {
		a.log.Warn("analytics: unknown metric", zap.String("metric", string(metric)))
		return
	}
	if err := a.campaigns.IncrementAnalytics(ctx, campaignID, metric); err != nil {
		a.log.WithContext(ctx).Error("analytics: increment failed",
			zap.String("campaign_id", campaignID.String()),
			zap.String("metric", string(metric)),
			zap.Error(err))
	}
}
