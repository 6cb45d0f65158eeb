package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContactStatus enumerates the reachability of a contact.
type ContactStatus string

const (
	ContactStatusActive   ContactStatus = "active"
	ContactStatusInactive ContactStatus = "inactive"
	ContactStatusBlocked  ContactStatus = "blocked"
	ContactStatusOptOut   ContactStatus = "opt_out"
)

// Contact is the subset of a CRM contact the broadcast engine reads.
type Contact struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	PhoneNumber    string
	Status         ContactStatus
	OptOut         bool
	ConversationID string
	Tags           []string
	LifecycleStage string
	CreatedAt      time.Time
}

// Eligible reports whether the contact may receive broadcast messages.
func (c *Contact) Eligible() bool {
	return c != nil && c.Status == ContactStatusActive && !c.OptOut
}

// Recipient is one resolved target of a campaign.
type Recipient struct {
	ContactID   uuid.UUID
	PhoneNumber string
}

// SegmentCriteria is the stored filter of a contact segment. Empty fields
// impose no restriction; Tags match when the contact carries any of them.
type SegmentCriteria struct {
	Tags            []string   `json:"tags,omitempty"`
	LifecycleStages []string   `json:"lifecycle_stages,omitempty"`
	CreatedAfter    *time.Time `json:"created_after,omitempty"`
	CreatedBefore   *time.Time `json:"created_before,omitempty"`
}

// Segment is a named, organization-scoped contact filter.
type Segment struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Criteria       SegmentCriteria
}
