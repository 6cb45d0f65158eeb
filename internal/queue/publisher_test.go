package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestStatusPublisherKeysByProviderID(t *testing.T) {
	w := &fakeWriter{}
	p := NewStatusPublisherWithWriter(w)

	events := []domain.DeliveryEvent{
		{ProviderMessageID: "wamid.1", Status: domain.DeliveryDelivered, OccurredAt: time.Unix(1700000000, 0).UTC()},
		{ProviderMessageID: "wamid.2", Status: domain.DeliveryRead, OccurredAt: time.Unix(1700000001, 0).UTC()},
	}
	if err := p.Publish(context.Background(), events...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[1].Key) != "wamid.2" {
		t.Fatalf("unexpected key %q", w.msgs[1].Key)
	}

	var decoded domain.DeliveryEvent
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != domain.DeliveryDelivered || !decoded.OccurredAt.Equal(events[0].OccurredAt) {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestDeadLetterHookPublishesOnlyFailures(t *testing.T) {
	w := &fakeWriter{}
	p := NewDeadLetterPublisherWithWriter(w, logger.NewNop())
	job := &domain.BroadcastJob{
		ID:    uuid.New(),
		Data:  domain.BroadcastJobData{CampaignID: uuid.New(), ContactID: uuid.New(), RetryCount: 2},
		State: domain.Failed(time.Unix(1700000000, 0).UTC(), "http 500"),
	}

	p.HandleJobFinished(context.Background(), job, scheduler.Complete())
	if len(w.msgs) != 0 {
		t.Fatalf("completed job must not be dead-lettered")
	}

	p.HandleJobFinished(context.Background(), job, scheduler.Fail("http 500"))
	if len(w.msgs) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(w.msgs))
	}
	var msg DeadLetterMessage
	if err := json.Unmarshal(w.msgs[0].Value, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.JobID != job.ID || msg.Attempts != 3 || msg.Reason != "http 500" {
		t.Fatalf("unexpected dead letter %+v", msg)
	}
}
