package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

// SendRequest is one outbound message to a single recipient.
type SendRequest struct {
	To             string
	Message        domain.Message
	OrganizationID uuid.UUID
	CampaignID     uuid.UUID
	ConversationID string
}

// Result captures the provider acknowledgement of a send.
type Result struct {
	ProviderMessageID string
}

// Sender delivers messages through the WhatsApp Business API. Returned errors
// are classified with apperrors.Transient or apperrors.Permanent.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (Result, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("whatsapp: http %d: code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp: http %d: %s", e.StatusCode, e.Message)
}

// Classify marks err as transient or permanent. 429 and 5xx responses,
// timeouts and network failures are transient; other 4xx responses are
// permanent. Anything unrecognised is transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrTransient) || errors.Is(err, apperrors.ErrPermanent) {
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return apperrors.Transient(err)
		case statusErr.StatusCode >= 500:
			return apperrors.Transient(err)
		case statusErr.StatusCode >= 400:
			return apperrors.Permanent(err)
		}
	}
	return apperrors.Transient(err)
}
