package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/ratelimit"
	"github.com/acme/whatsapp-broadcast/internal/recipient"
	"github.com/acme/whatsapp-broadcast/internal/repository/memory"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	campaignsvc "github.com/acme/whatsapp-broadcast/internal/service/campaign"
	"github.com/acme/whatsapp-broadcast/internal/service/concurrency"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

type idleProcessor struct{}

func (idleProcessor) Process(context.Context, *domain.BroadcastJob) scheduler.Outcome {
	return scheduler.Complete()
}

type capturingPublisher struct {
	events []domain.DeliveryEvent
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, events ...domain.DeliveryEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

type testAPI struct {
	app       *fiber.App
	org       uuid.UUID
	contacts  []uuid.UUID
	publisher *capturingPublisher
	limiter   *ratelimit.Limiter
}

func newTestAPI(t *testing.T, checks map[string]HealthCheck) *testAPI {
	t.Helper()
	log := logger.NewNop()
	api := &testAPI{org: uuid.New(), publisher: &capturingPublisher{}}

	contacts := memory.NewContactRepository()
	for i := 0; i < 2; i++ {
		c := domain.Contact{
			ID:             uuid.New(),
			OrganizationID: api.org,
			PhoneNumber:    fmt.Sprintf("+1555000%d", i),
			Status:         domain.ContactStatusActive,
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Second),
		}
		contacts.Put(c)
		api.contacts = append(api.contacts, c.ID)
	}

	campaigns := memory.NewCampaignRepository()
	sched := scheduler.New(scheduler.NewMemoryStore(100, 50), idleProcessor{}, concurrency.NewLocalLimiter(1), scheduler.Config{}, log)
	service := campaignsvc.NewService(campaigns, recipient.NewResolver(contacts, memory.NewSegmentRepository()), sched,
		campaignsvc.Defaults{MessagesPerSecond: 1}, log)
	api.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryCounterStore(time.Now), ratelimit.DefaultLimits, log)

	set := NewHandlerSet(Deps{
		Campaigns:    service,
		Queue:        sched,
		RateLimiter:  api.limiter,
		Messages:     memory.NewMessageStore(),
		Statuses:     api.publisher,
		VerifyToken:  "secret",
		HealthChecks: checks,
		Logger:       log,
	})
	api.app = fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(api.app)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func (a *testAPI) createCampaign(t *testing.T) campaignResponse {
	t.Helper()
	resp, raw := a.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"organization_id": a.org,
		"name":            "launch",
		"recipients":      map[string]any{"kind": "list", "contact_ids": a.contacts},
		"message":         map[string]any{"type": "text", "text": map[string]any{"body": "hi"}},
		"settings":        map[string]any{"rate_limit": map[string]any{"messages_per_second": 2}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %s", resp.StatusCode, raw)
	}
	var c campaignResponse
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	return c
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	c := api.createCampaign(t)
	if c.Status != domain.CampaignStatusDraft {
		t.Fatalf("expected draft, got %s", c.Status)
	}

	resp, raw := api.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d body %s", resp.StatusCode, raw)
	}

	resp, raw = api.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID.String()+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var report campaignStatusResponse
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Campaign.Status != domain.CampaignStatusRunning || report.Campaign.Analytics.TotalRecipients != 2 {
		t.Fatalf("unexpected campaign %+v", report.Campaign)
	}
	if report.Queue.Waiting+report.Queue.Delayed != 2 {
		t.Fatalf("expected 2 queued jobs, got %+v", report.Queue)
	}

	resp, _ = api.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	resp, _ = api.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 starting a paused campaign, got %d", resp.StatusCode)
	}
	resp, _ = api.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}

	resp, raw = api.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue stats: %d", resp.StatusCode)
	}
	var stats queueStatsResponse
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Waiting+stats.Delayed+stats.Parked != 0 {
		t.Fatalf("cancelled campaign left jobs behind: %+v", stats)
	}
}

func TestCampaignErrors(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/campaigns/"+uuid.NewString()+"/start", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.StatusCode)
	}

	resp, _ = api.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"organization_id": api.org,
		"name":            "no message",
		"recipients":      map[string]any{"kind": "all"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid campaign, got %d", resp.StatusCode)
	}

	c := api.createCampaign(t)
	resp, _ = api.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/resume", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 resuming a draft, got %d", resp.StatusCode)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	org := uuid.New()

	resp, _ := api.do(t, http.MethodPut, "/api/v1/rate-limits", rateLimitsRequest{MessagesPerMinute: 30, MessagesPerHour: 500})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update defaults: %d", resp.StatusCode)
	}
	if got := api.limiter.Defaults(); got.MessagesPerMinute != 30 || got.MessagesPerHour != 500 {
		t.Fatalf("defaults not applied: %+v", got)
	}

	resp, _ = api.do(t, http.MethodPut, "/api/v1/rate-limits/"+org.String(), rateLimitsRequest{MessagesPerMinute: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set org limits: %d", resp.StatusCode)
	}
	resp, raw := api.do(t, http.MethodGet, "/api/v1/rate-limits?organization_id="+org.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get org limits: %d", resp.StatusCode)
	}
	var limits ratelimit.Limits
	if err := json.Unmarshal(raw, &limits); err != nil {
		t.Fatalf("decode limits: %v", err)
	}
	if limits.MessagesPerMinute != 5 {
		t.Fatalf("expected org override 5/min, got %+v", limits)
	}

	resp, _ = api.do(t, http.MethodPut, "/api/v1/rate-limits", rateLimitsRequest{MessagesPerMinute: -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limits, got %d", resp.StatusCode)
	}
}

func TestWhatsAppWebhook(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, raw := api.do(t, http.MethodGet, "/api/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=42", nil)
	if resp.StatusCode != http.StatusOK || string(raw) != "42" {
		t.Fatalf("verify: status %d body %q", resp.StatusCode, raw)
	}
	resp, _ = api.do(t, http.MethodGet, "/api/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong token, got %d", resp.StatusCode)
	}

	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"statuses": []any{map[string]any{"id": "wamid.X", "status": "read", "timestamp": "1700000000"}},
				},
			}},
		}},
	}
	resp, _ = api.do(t, http.MethodPost, "/api/v1/webhooks/whatsapp", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook: %d", resp.StatusCode)
	}
	if len(api.publisher.events) != 1 || api.publisher.events[0].Status != domain.DeliveryRead {
		t.Fatalf("unexpected published events %+v", api.publisher.events)
	}

	api.publisher.err = errors.New("broker down")
	resp, _ = api.do(t, http.MethodPost, "/api/v1/webhooks/whatsapp", payload)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when publishing fails, got %d", resp.StatusCode)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	api := newTestAPI(t, map[string]HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})

	resp, raw := api.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body struct {
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body.Errors["postgres"]; !ok || len(body.Errors) != 1 {
		t.Fatalf("unexpected errors %+v", body.Errors)
	}
}

type stubQueue struct {
	stats  domain.QueueStats
	failed []*domain.BroadcastJob
	limit  int
}

func (q *stubQueue) Stats(context.Context) (domain.QueueStats, error) { return q.stats, nil }

func (q *stubQueue) RecentFailures(_ context.Context, limit int) ([]*domain.BroadcastJob, error) {
	q.limit = limit
	if limit < len(q.failed) {
		return q.failed[:limit], nil
	}
	return q.failed, nil
}

func TestQueueStatsListsRecentFailures(t *testing.T) {
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &domain.BroadcastJob{
		ID:    uuid.New(),
		Data:  domain.BroadcastJobData{CampaignID: uuid.New(), ContactID: uuid.New(), RetryCount: 2},
		State: domain.Failed(failedAt, "provider rejected"),
	}
	queue := &stubQueue{stats: domain.QueueStats{Failed: 1, Total: 1}, failed: []*domain.BroadcastJob{job}}

	set := NewHandlerSet(Deps{Queue: queue})
	app := fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(app)
	api := &testAPI{app: app}

	resp, raw := api.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue stats: %d %s", resp.StatusCode, raw)
	}
	var stats queueStatsResponse
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if queue.limit != 10 || stats.Failed != 1 || len(stats.RecentFailures) != 1 {
		t.Fatalf("unexpected stats %+v (limit %d)", stats, queue.limit)
	}
	got := stats.RecentFailures[0]
	if got.JobID != job.ID || got.Attempts != 3 || got.Reason != "provider rejected" || !got.FailedAt.Equal(failedAt) {
		t.Fatalf("unexpected failure entry %+v", got)
	}

	resp, raw = api.do(t, http.MethodGet, "/api/v1/queue/stats?failures=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue stats without failures: %d", resp.StatusCode)
	}
	stats = queueStatsResponse{}
	if err := json.Unmarshal(raw, &stats); err != nil || len(stats.RecentFailures) != 0 {
		t.Fatalf("expected no failures listed, got %+v err=%v", stats, err)
	}

	if resp, _ := api.do(t, http.MethodGet, "/api/v1/queue/stats?failures=500", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized failures limit, got %d", resp.StatusCode)
	}
}
