package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further job execution may happen in this status.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusRunning, CampaignStatusCancelled},
	CampaignStatusScheduled: {CampaignStatusRunning, CampaignStatusCancelled},
	CampaignStatusRunning:   {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled},
	CampaignStatusPaused:    {CampaignStatusRunning, CampaignStatusCancelled},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor lists the statuses from which the target status is reachable.
func SourcesFor(to CampaignStatus) []CampaignStatus {
	var sources []CampaignStatus
	for _, from := range []CampaignStatus{
		CampaignStatusDraft,
		CampaignStatusScheduled,
		CampaignStatusRunning,
		CampaignStatusPaused,
	} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// RecipientKind selects how a campaign's audience is built.
type RecipientKind string

const (
	RecipientsAll     RecipientKind = "all"
	RecipientsSegment RecipientKind = "segment"
	RecipientsList    RecipientKind = "list"
)

// RecipientSpec is the declarative audience of a campaign. SegmentID is set
// only for segment specs and ContactIDs only for list specs.
type RecipientSpec struct {
	Kind       RecipientKind `json:"kind"`
	SegmentID  uuid.UUID     `json:"segment_id,omitempty"`
	ContactIDs []uuid.UUID   `json:"contact_ids,omitempty"`
}

// ScheduleType controls when a campaign is started.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
)

// Schedule captures the launch plan of a campaign.
type Schedule struct {
	Type        ScheduleType
	ScheduledAt *time.Time
}

// RateLimitSettings is the campaign-declared throughput target.
type RateLimitSettings struct {
	MessagesPerSecond int
	MessagesPerMinute int
	MessagesPerHour   int
}

// RetryPolicy defines retry rules for failed sends.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// BusinessHours restricts sending to a daily local-time window.
type BusinessHours struct {
	Enabled  bool
	Start    time.Time
	End      time.Time
	TimeZone string
}

// CampaignSettings groups the tunables of a campaign.
type CampaignSettings struct {
	RateLimit     RateLimitSettings
	RetryPolicy   RetryPolicy
	BusinessHours BusinessHours
}

// Analytics holds the per-campaign delivery counters.
type Analytics struct {
	TotalRecipients int64
	Sent            int64
	Delivered       int64
	Read            int64
	Failed          int64
	Clicked         int64
	Replied         int64
	OptOut          int64
	StartTime       *time.Time
	EndTime         *time.Time
}

// Metric names an analytics counter.
type Metric string

const (
	MetricSent      Metric = "sent"
	MetricDelivered Metric = "delivered"
	MetricRead      Metric = "read"
	MetricFailed    Metric = "failed"
	MetricClicked   Metric = "clicked"
	MetricReplied   Metric = "replied"
	MetricOptOut    Metric = "opt_out"
)

// Valid reports whether m names a known counter.
func (m Metric) Valid() bool {
	switch m {
	case MetricSent, MetricDelivered, MetricRead, MetricFailed, MetricClicked, MetricReplied, MetricOptOut:
		return true
	}
	return false
}

// Campaign models a bulk WhatsApp broadcast.
type Campaign struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Description    string
	Status         CampaignStatus
	Recipients     RecipientSpec
	Message        Message
	Schedule       Schedule
	Settings       CampaignSettings
	Analytics      Analytics
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueStats breaks jobs down by queue state.
type QueueStats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
	Parked    int64
	Total     int64
}

// Pending reports the jobs that may still produce a send.
func (s QueueStats) Pending() int64 {
	return s.Waiting + s.Delayed + s.Active + s.Parked
}
