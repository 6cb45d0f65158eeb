package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/whatsapp-broadcast/internal/config"
	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/whatsapp"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Sender talks to the WhatsApp Cloud API (Graph API /messages endpoint).
type Sender struct {
	client   *fasthttp.Client
	endpoint string
	token    string
	timeout  time.Duration
	limiter  *rate.Limiter
	log      *logger.Logger
}

// NewSender constructs a Cloud API sender. Outgoing requests are paced by a
// token bucket so that a burst of due jobs does not trip the provider's
// per-second throttling.
func NewSender(cfg config.WhatsAppConfig, log *logger.Logger) (*Sender, error) {
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: whatsapp phone number id and access token are required", apperrors.ErrValidation)
	}
	if log == nil {
		log = logger.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID)

	return &Sender{
		client: &fasthttp.Client{
			Name:         "whatsapp-broadcast",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		endpoint: endpoint,
		token:    cfg.AccessToken,
		timeout:  timeout,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      log,
	}, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send implements whatsapp.Sender.
func (s *Sender) Send(ctx context.Context, req whatsapp.SendRequest) (whatsapp.Result, error) {
	payload, err := BuildPayload(req.To, req.Message)
	if err != nil {
		return whatsapp.Result{}, apperrors.Permanent(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return whatsapp.Result{}, apperrors.Permanent(fmt.Errorf("whatsapp: marshal payload: %w", err))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return whatsapp.Result{}, apperrors.Transient(fmt.Errorf("whatsapp: pacing: %w", err))
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(s.endpoint)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.token)
	httpReq.SetBodyRaw(body)

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			err = fmt.Errorf("whatsapp: request timed out: %w", context.DeadlineExceeded)
		}
		return whatsapp.Result{}, whatsapp.Classify(fmt.Errorf("whatsapp: send: %w", err))
	}

	var parsed sendResponse
	_ = json.Unmarshal(httpResp.Body(), &parsed)

	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		statusErr := &whatsapp.StatusError{StatusCode: status, Message: strings.TrimSpace(string(httpResp.Body()))}
		if parsed.Error != nil {
			statusErr.Code = parsed.Error.Code
			statusErr.Message = parsed.Error.Message
		}
		s.log.Warn("whatsapp: send rejected",
			zap.String("campaign_id", req.CampaignID.String()),
			zap.Int("status", status),
			zap.Int("code", statusErr.Code),
		)
		return whatsapp.Result{}, whatsapp.Classify(statusErr)
	}

	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return whatsapp.Result{}, apperrors.Transient(errors.New("whatsapp: response carried no message id"))
	}
	return whatsapp.Result{ProviderMessageID: parsed.Messages[0].ID}, nil
}

// BuildPayload renders the Graph API body for one message.
func BuildPayload(to string, msg domain.Message) (map[string]any, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              string(msg.Type),
	}

	switch {
	case msg.Type == domain.MessageText:
		payload["text"] = map[string]any{
			"body":        msg.Text.Body,
			"preview_url": msg.Text.PreviewURL,
		}
	case msg.Type.IsMedia():
		media := map[string]any{}
		if msg.Media.ID != "" {
			media["id"] = msg.Media.ID
		} else {
			media["link"] = msg.Media.Link
		}
		if msg.Media.Caption != "" && msg.Type != domain.MessageAudio {
			media["caption"] = msg.Media.Caption
		}
		if msg.Media.Filename != "" && msg.Type == domain.MessageDocument {
			media["filename"] = msg.Media.Filename
		}
		payload[string(msg.Type)] = media
	case msg.Type == domain.MessageLocation:
		payload["location"] = map[string]any{
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
			"name":      msg.Location.Name,
			"address":   msg.Location.Address,
		}
	case msg.Type == domain.MessageContact:
		payload["type"] = "contacts"
		payload["contacts"] = []map[string]any{contactPayload(msg.Contact)}
	case msg.Type == domain.MessageTemplate:
		payload["template"] = map[string]any{
			"name":       msg.Template.Name,
			"language":   map[string]string{"code": msg.Template.Language},
			"components": templateComponents(msg.Template.Components),
		}
	case msg.Type == domain.MessageInteractive:
		payload["interactive"] = msg.Interactive.Body
	}
	return payload, nil
}

func contactPayload(card *domain.ContactCard) map[string]any {
	phones := make([]map[string]string, 0, len(card.Phones))
	for _, p := range card.Phones {
		phones = append(phones, map[string]string{"phone": p})
	}
	emails := make([]map[string]string, 0, len(card.Emails))
	for _, e := range card.Emails {
		emails = append(emails, map[string]string{"email": e})
	}
	return map[string]any{
		"name":   map[string]string{"formatted_name": card.FormattedName, "first_name": card.FormattedName},
		"phones": phones,
		"emails": emails,
	}
}

func templateComponents(components []domain.TemplateComponent) []map[string]any {
	out := make([]map[string]any, 0, len(components))
	for _, c := range components {
		params := make([]map[string]string, 0, len(c.Parameters))
		for _, p := range c.Parameters {
			params = append(params, map[string]string{"type": "text", "text": p})
		}
		comp := map[string]any{"type": c.Type, "parameters": params}
		if c.SubType != "" {
			comp["sub_type"] = c.SubType
		}
		if c.Index != nil {
			comp["index"] = *c.Index
		}
		out = append(out, comp)
	}
	return out
}
