package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ParseStatusWebhook extracts delivery events from a Cloud API webhook body.
// Inbound messages and unknown statuses are ignored.
func ParseStatusWebhook(body []byte) ([]domain.DeliveryEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: webhook body: %v", apperrors.ErrValidation, err)
	}

	var events []domain.DeliveryEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				status, ok := deliveryStatus(st.Status)
				if !ok || st.ID == "" {
					continue
				}
				ev := domain.DeliveryEvent{
					ProviderMessageID: st.ID,
					Status:            status,
					Recipient:         st.RecipientID,
					OccurredAt:        parseUnix(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					e := st.Errors[0]
					detail := e.Title
					if e.Message != "" {
						detail = e.Message
					}
					ev.Error = fmt.Sprintf("code %d: %s", e.Code, detail)
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func deliveryStatus(s string) (domain.DeliveryStatus, bool) {
	switch strings.ToLower(s) {
	case "sent":
		return domain.DeliverySent, true
	case "delivered":
		return domain.DeliveryDelivered, true
	case "read":
		return domain.DeliveryRead, true
	case "failed":
		return domain.DeliveryFailed, true
	}
	return "", false
}

func parseUnix(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
