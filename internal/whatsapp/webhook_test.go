package whatsapp

import (
	"errors"
	"testing"
	"time"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

func TestParseStatusWebhook(t *testing.T) {
	body := []byte(`{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "statuses": [
          {"id": "wamid.A", "status": "delivered", "timestamp": "1700000000", "recipient_id": "15550001"},
          {"id": "wamid.B", "status": "failed", "timestamp": "1700000005", "recipient_id": "15550002",
           "errors": [{"code": 131026, "title": "Message undeliverable"}]},
          {"id": "wamid.C", "status": "deleted", "timestamp": "1700000006"}
        ]
      }
    }]
  }]
}`)

	events, err := ParseStatusWebhook(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ProviderMessageID != "wamid.A" || events[0].Status != domain.DeliveryDelivered {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if !events[0].OccurredAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", events[0].OccurredAt)
	}
	if events[1].Status != domain.DeliveryFailed || events[1].Error != "code 131026: Message undeliverable" {
		t.Fatalf("unexpected failed event %+v", events[1])
	}
}

func TestParseStatusWebhookRejectsGarbage(t *testing.T) {
	if _, err := ParseStatusWebhook([]byte("not json")); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
