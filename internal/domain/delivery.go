package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the per-recipient state recorded in the delivery log.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// rank orders statuses so that late webhooks never move a message backwards.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	case DeliveryFailed, DeliverySkipped:
		return 4
	}
	return 0
}

// Advances reports whether moving from s to next is forward progress.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.rank() > s.rank()
}

// Metric returns the analytics counter driven by a provider status update.
func (s DeliveryStatus) Metric() (Metric, bool) {
	switch s {
	case DeliveryDelivered:
		return MetricDelivered, true
	case DeliveryRead:
		return MetricRead, true
	case DeliveryFailed:
		return MetricFailed, true
	}
	return "", false
}

// MessageRecord is one row of a campaign's delivery log.
type MessageRecord struct {
	CampaignID        uuid.UUID
	JobID             uuid.UUID
	ContactID         uuid.UUID
	PhoneNumber       string
	ProviderMessageID string
	Status            DeliveryStatus
	Attempts          int
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeliveryEvent is a provider status callback for a previously sent message.
type DeliveryEvent struct {
	ProviderMessageID string         `json:"provider_message_id"`
	Status            DeliveryStatus `json:"status"`
	Recipient         string         `json:"recipient"`
	Error             string         `json:"error,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}
