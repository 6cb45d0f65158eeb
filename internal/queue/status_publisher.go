package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

// StatusPublisher publishes provider delivery callbacks for the status
// worker.
type StatusPublisher struct {
	writer Writer
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// NewStatusPublisherWithWriter wraps an existing writer.
func NewStatusPublisherWithWriter(w Writer) *StatusPublisher {
	return &StatusPublisher{writer: w}
}

// Publish emits delivery events keyed by provider message id, so updates
// for one message stay ordered on one partition.
func (p *StatusPublisher) Publish(ctx context.Context, events ...domain.DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("status publisher: marshal event: %w", err)
		}
		records = append(records, kafka.Message{
			Key:   []byte(ev.ProviderMessageID),
			Value: value,
			Time:  time.Now().UTC(),
		})
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("status publisher: write messages: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
