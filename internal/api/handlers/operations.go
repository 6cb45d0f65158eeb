package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/ratelimit"
	"github.com/acme/whatsapp-broadcast/internal/whatsapp"
)

type rateLimitsRequest struct {
	MessagesPerMinute int `json:"messages_per_minute"`
	MessagesPerHour   int `json:"messages_per_hour"`
}

func (h *HandlerSet) queueStats(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("failures", 10)
	if limit < 0 || limit > 50 {
		return fiber.NewError(http.StatusBadRequest, "failures must be between 0 and 50")
	}

	stats, err := h.queue.Stats(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	resp := toQueueStatsResponse(stats)
	if limit > 0 {
		failed, err := h.queue.RecentFailures(ctx.UserContext(), limit)
		if err != nil {
			return translateError(err)
		}
		resp.RecentFailures = make([]failedJobResponse, 0, len(failed))
		for _, job := range failed {
			resp.RecentFailures = append(resp.RecentFailures, toFailedJobResponse(job))
		}
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

// getRateLimits returns the defaults, or the effective ceilings of one
// organization when organization_id is given.
func (h *HandlerSet) getRateLimits(ctx *fiber.Ctx) error {
	if raw := ctx.Query("organization_id"); raw != "" {
		orgID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid organization id")
		}
		return ctx.Status(http.StatusOK).JSON(h.limiter.Config(orgID))
	}
	return ctx.Status(http.StatusOK).JSON(h.limiter.Defaults())
}

func (h *HandlerSet) updateRateLimits(ctx *fiber.Ctx) error {
	limits, err := parseLimits(ctx)
	if err != nil {
		return err
	}
	h.limiter.UpdateConfig(limits)
	return ctx.Status(http.StatusOK).JSON(h.limiter.Defaults())
}

func (h *HandlerSet) setOrganizationRateLimits(ctx *fiber.Ctx) error {
	orgID, err := parseUUID(ctx.Params("org"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid organization id")
	}
	limits, err := parseLimits(ctx)
	if err != nil {
		return err
	}
	h.limiter.SetOrganizationLimits(orgID, limits)
	return ctx.Status(http.StatusOK).JSON(h.limiter.Config(orgID))
}

func (h *HandlerSet) clearOrganizationRateLimits(ctx *fiber.Ctx) error {
	orgID, err := parseUUID(ctx.Params("org"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid organization id")
	}
	h.limiter.ClearOrganizationLimits(orgID)
	return ctx.SendStatus(http.StatusNoContent)
}

func parseLimits(ctx *fiber.Ctx) (ratelimit.Limits, error) {
	var req rateLimitsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ratelimit.Limits{}, fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.MessagesPerMinute < 0 || req.MessagesPerHour < 0 {
		return ratelimit.Limits{}, fiber.NewError(http.StatusBadRequest, "limits must not be negative")
	}
	return ratelimit.Limits{MessagesPerMinute: req.MessagesPerMinute, MessagesPerHour: req.MessagesPerHour}, nil
}

// verifyWebhook answers the provider's subscription handshake.
func (h *HandlerSet) verifyWebhook(ctx *fiber.Ctx) error {
	if ctx.Query("hub.mode") != "subscribe" || h.verifyToken == "" || ctx.Query("hub.verify_token") != h.verifyToken {
		return fiber.NewError(http.StatusForbidden, "verification failed")
	}
	return ctx.Status(http.StatusOK).SendString(ctx.Query("hub.challenge"))
}

func (h *HandlerSet) receiveWebhook(ctx *fiber.Ctx) error {
	events, err := whatsapp.ParseStatusWebhook(ctx.Body())
	if err != nil {
		return translateError(err)
	}
	if len(events) == 0 {
		return ctx.SendStatus(http.StatusOK)
	}

	if err := h.statuses.Publish(ctx.UserContext(), events...); err != nil {
		h.log.WithContext(ctx.UserContext()).Error("webhook: publish statuses", zap.Int("events", len(events)), zap.Error(err))
		return fiber.NewError(http.StatusServiceUnavailable, "status ingestion unavailable")
	}
	return ctx.SendStatus(http.StatusOK)
}
