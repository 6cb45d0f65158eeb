package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/ratelimit"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	campaignsvc "github.com/acme/whatsapp-broadcast/internal/service/campaign"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// QueueStatter reports global queue counts and the retained failures.
type QueueStatter interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
	RecentFailures(ctx context.Context, limit int) ([]*domain.BroadcastJob, error)
}

// StatusPublisher forwards provider delivery callbacks for asynchronous
// processing.
type StatusPublisher interface {
	Publish(ctx context.Context, events ...domain.DeliveryEvent) error
}

// HealthCheck pings one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Campaigns    *campaignsvc.Service
	Queue        QueueStatter
	RateLimiter  *ratelimit.Limiter
	Messages     repository.MessageStore
	Statuses     StatusPublisher
	VerifyToken  string
	HealthChecks map[string]HealthCheck
	Logger       *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns   *campaignsvc.Service
	queue       QueueStatter
	limiter     *ratelimit.Limiter
	messages    repository.MessageStore
	statuses    StatusPublisher
	verifyToken string
	checks      map[string]HealthCheck
	log         *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{
		campaigns:   deps.Campaigns,
		queue:       deps.Queue,
		limiter:     deps.RateLimiter,
		messages:    deps.Messages,
		statuses:    deps.Statuses,
		verifyToken: deps.VerifyToken,
		checks:      deps.HealthChecks,
		log:         log,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/status", h.campaignStatus)
	campaigns.Get("/:id/messages", h.listCampaignMessages)

	v1.Get("/queue/stats", h.queueStats)

	limits := v1.Group("/rate-limits")
	limits.Get("/", h.getRateLimits)
	limits.Put("/", h.updateRateLimits)
	limits.Put("/:org", h.setOrganizationRateLimits)
	limits.Delete("/:org", h.clearOrganizationRateLimits)

	webhooks := v1.Group("/webhooks")
	webhooks.Get("/whatsapp", h.verifyWebhook)
	webhooks.Post("/whatsapp", h.receiveWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()),
			zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
