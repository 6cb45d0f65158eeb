package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	campaignsvc "github.com/acme/whatsapp-broadcast/internal/service/campaign"
	"github.com/acme/whatsapp-broadcast/internal/service/common"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

const clockLayout = "15:04"

type createCampaignRequest struct {
	OrganizationID uuid.UUID            `json:"organization_id"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Recipients     domain.RecipientSpec `json:"recipients"`
	Message        domain.Message       `json:"message"`
	Schedule       scheduleRequest      `json:"schedule"`
	Settings       settingsRequest      `json:"settings"`
	CreatedBy      string               `json:"created_by"`
}

type scheduleRequest struct {
	Type        domain.ScheduleType `json:"type"`
	ScheduledAt *time.Time          `json:"scheduled_at"`
}

type settingsRequest struct {
	RateLimit     rateLimitSettings     `json:"rate_limit"`
	RetryPolicy   *retryPolicyRequest   `json:"retry_policy"`
	BusinessHours *businessHoursRequest `json:"business_hours"`
}

type rateLimitSettings struct {
	MessagesPerSecond int `json:"messages_per_second"`
	MessagesPerMinute int `json:"messages_per_minute"`
	MessagesPerHour   int `json:"messages_per_hour"`
}

type retryPolicyRequest struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

type businessHoursRequest struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	TimeZone string `json:"time_zone"`
}

type campaignResponse struct {
	ID             uuid.UUID             `json:"id"`
	OrganizationID uuid.UUID             `json:"organization_id"`
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	Status         domain.CampaignStatus `json:"status"`
	Recipients     domain.RecipientSpec  `json:"recipients"`
	Message        domain.Message        `json:"message"`
	Schedule       scheduleRequest       `json:"schedule"`
	Settings       settingsResponse      `json:"settings"`
	Analytics      analyticsResponse     `json:"analytics"`
	CreatedBy      string                `json:"created_by,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

type settingsResponse struct {
	RateLimit     rateLimitSettings    `json:"rate_limit"`
	RetryPolicy   retryPolicyRequest   `json:"retry_policy"`
	BusinessHours businessHoursRequest `json:"business_hours"`
}

type analyticsResponse struct {
	TotalRecipients int64      `json:"total_recipients"`
	Sent            int64      `json:"sent"`
	Delivered       int64      `json:"delivered"`
	Read            int64      `json:"read"`
	Failed          int64      `json:"failed"`
	Clicked         int64      `json:"clicked"`
	Replied         int64      `json:"replied"`
	OptOut          int64      `json:"opt_out"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
}

type queueStatsResponse struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Parked    int64 `json:"parked"`
	Total     int64 `json:"total"`

	RecentFailures []failedJobResponse `json:"recent_failures,omitempty"`
}

type failedJobResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	ContactID  uuid.UUID `json:"contact_id"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

type campaignStatusResponse struct {
	Campaign campaignResponse   `json:"campaign"`
	Queue    queueStatsResponse `json:"queue"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type messageResponse struct {
	JobID             uuid.UUID             `json:"job_id"`
	ContactID         uuid.UUID             `json:"contact_id"`
	PhoneNumber       string                `json:"phone_number"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	Status            domain.DeliveryStatus `json:"status"`
	Attempts          int                   `json:"attempts"`
	LastError         *string               `json:"last_error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	orgID, err := uuid.Parse(ctx.Query("organization_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "organization_id is required")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.UserContext(), orgID, afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Cancel)
}

type lifecycleFunc func(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

func (h *HandlerSet) lifecycle(ctx *fiber.Ctx, op lifecycleFunc) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := op(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	report, err := h.campaigns.Status(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(campaignStatusResponse{
		Campaign: toCampaignResponse(report.Campaign),
		Queue:    toQueueStatsResponse(report.Queue),
	})
}

func (h *HandlerSet) listCampaignMessages(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if _, err := h.campaigns.Get(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	pagingState, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	records, next, err := h.messages.ListByCampaign(ctx.UserContext(), id, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	resp := listMessagesResponse{Messages: make([]messageResponse, 0, len(records))}
	for _, r := range records {
		resp.Messages = append(resp.Messages, messageResponse{
			JobID:             r.JobID,
			ContactID:         r.ContactID,
			PhoneNumber:       r.PhoneNumber,
			ProviderMessageID: r.ProviderMessageID,
			Status:            r.Status,
			Attempts:          r.Attempts,
			LastError:         r.LastError,
			CreatedAt:         r.CreatedAt,
			UpdatedAt:         r.UpdatedAt,
		})
	}
	resp.NextPage = common.EncodePageToken(next)
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Recipients:     req.Recipients,
		Message:        req.Message,
		Schedule: domain.Schedule{
			Type:        req.Schedule.Type,
			ScheduledAt: req.Schedule.ScheduledAt,
		},
		CreatedBy: req.CreatedBy,
	}

	input.Settings.RateLimit = domain.RateLimitSettings{
		MessagesPerSecond: req.Settings.RateLimit.MessagesPerSecond,
		MessagesPerMinute: req.Settings.RateLimit.MessagesPerMinute,
		MessagesPerHour:   req.Settings.RateLimit.MessagesPerHour,
	}

	if req.Settings.RetryPolicy != nil {
		policy, err := parseRetryPolicy(*req.Settings.RetryPolicy)
		if err != nil {
			return input, err
		}
		input.Settings.RetryPolicy = policy
	}

	if req.Settings.BusinessHours != nil {
		bh, err := parseBusinessHours(*req.Settings.BusinessHours)
		if err != nil {
			return input, err
		}
		input.Settings.BusinessHours = bh
	}

	return input, nil
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	policy := domain.RetryPolicy{MaxAttempts: req.MaxAttempts}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid base_delay", apperrors.ErrValidation)
		}
		policy.BaseDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid max_delay", apperrors.ErrValidation)
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

func parseBusinessHours(req businessHoursRequest) (domain.BusinessHours, error) {
	bh := domain.BusinessHours{Enabled: req.Enabled, TimeZone: req.TimeZone}
	if !req.Enabled {
		return bh, nil
	}
	start, err := time.Parse(clockLayout, req.Start)
	if err != nil {
		return bh, fmt.Errorf("%w: invalid start time", apperrors.ErrValidation)
	}
	end, err := time.Parse(clockLayout, req.End)
	if err != nil {
		return bh, fmt.Errorf("%w: invalid end time", apperrors.ErrValidation)
	}
	bh.Start, bh.End = start, end
	return bh, nil
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	s := c.Settings
	resp := campaignResponse{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		Name:           c.Name,
		Description:    c.Description,
		Status:         c.Status,
		Recipients:     c.Recipients,
		Message:        c.Message,
		Schedule:       scheduleRequest{Type: c.Schedule.Type, ScheduledAt: c.Schedule.ScheduledAt},
		Settings: settingsResponse{
			RateLimit: rateLimitSettings{
				MessagesPerSecond: s.RateLimit.MessagesPerSecond,
				MessagesPerMinute: s.RateLimit.MessagesPerMinute,
				MessagesPerHour:   s.RateLimit.MessagesPerHour,
			},
			RetryPolicy: retryPolicyRequest{
				MaxAttempts: s.RetryPolicy.MaxAttempts,
				BaseDelay:   s.RetryPolicy.BaseDelay.String(),
				MaxDelay:    s.RetryPolicy.MaxDelay.String(),
			},
			BusinessHours: businessHoursRequest{Enabled: s.BusinessHours.Enabled, TimeZone: s.BusinessHours.TimeZone},
		},
		Analytics: analyticsResponse{
			TotalRecipients: c.Analytics.TotalRecipients,
			Sent:            c.Analytics.Sent,
			Delivered:       c.Analytics.Delivered,
			Read:            c.Analytics.Read,
			Failed:          c.Analytics.Failed,
			Clicked:         c.Analytics.Clicked,
			Replied:         c.Analytics.Replied,
			OptOut:          c.Analytics.OptOut,
			StartTime:       c.Analytics.StartTime,
			EndTime:         c.Analytics.EndTime,
		},
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if s.BusinessHours.Enabled {
		resp.Settings.BusinessHours.Start = s.BusinessHours.Start.Format(clockLayout)
		resp.Settings.BusinessHours.End = s.BusinessHours.End.Format(clockLayout)
	}
	return resp
}

func toQueueStatsResponse(s domain.QueueStats) queueStatsResponse {
	return queueStatsResponse{
		Waiting:   s.Waiting,
		Delayed:   s.Delayed,
		Active:    s.Active,
		Completed: s.Completed,
		Failed:    s.Failed,
		Parked:    s.Parked,
		Total:     s.Total,
	}
}

func toFailedJobResponse(job *domain.BroadcastJob) failedJobResponse {
	return failedJobResponse{
		JobID:      job.ID,
		CampaignID: job.Data.CampaignID,
		ContactID:  job.Data.ContactID,
		Attempts:   job.Data.RetryCount + 1,
		Reason:     job.State.Reason,
		FailedAt:   job.State.FinishedAt,
	}
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
