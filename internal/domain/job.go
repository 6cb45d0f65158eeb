package domain

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastJobName is the queue name of a per-recipient broadcast send.
const BroadcastJobName = "broadcast-message"

// JobStateKind enumerates the queue states of a broadcast job.
type JobStateKind string

const (
	JobWaiting   JobStateKind = "waiting"
	JobDelayed   JobStateKind = "delayed"
	JobActive    JobStateKind = "active"
	JobCompleted JobStateKind = "completed"
	JobFailed    JobStateKind = "failed"
	JobParked    JobStateKind = "parked"
)

// JobState is a tagged variant: DueAt is meaningful for Delayed, StartedAt
// for Active, FinishedAt for Completed and Failed, and Reason for Failed (or
// the skip reason of a Completed job that never sent).
type JobState struct {
	Kind       JobStateKind `json:"kind"`
	DueAt      time.Time    `json:"due_at,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

func Waiting() JobState { return JobState{Kind: JobWaiting} }

func Delayed(dueAt time.Time) JobState { return JobState{Kind: JobDelayed, DueAt: dueAt} }

func Active(startedAt time.Time) JobState { return JobState{Kind: JobActive, StartedAt: startedAt} }

func Completed(finishedAt time.Time, reason string) JobState {
	return JobState{Kind: JobCompleted, FinishedAt: finishedAt, Reason: reason}
}

func Failed(finishedAt time.Time, reason string) JobState {
	return JobState{Kind: JobFailed, FinishedAt: finishedAt, Reason: reason}
}

func Parked() JobState { return JobState{Kind: JobParked} }

// Pending reports whether the job has not been executed yet.
func (s JobState) Pending() bool {
	return s.Kind == JobWaiting || s.Kind == JobDelayed
}

// BroadcastJobData is the payload of a broadcast job.
type BroadcastJobData struct {
	CampaignID     uuid.UUID `json:"campaign_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	ContactID      uuid.UUID `json:"contact_id"`
	Message        Message   `json:"message"`
	RetryCount     int       `json:"retry_count"`
}

// Backoff describes the retry delay curve of a job.
type Backoff struct {
	Type      string        `json:"type"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
}

// BroadcastJob is one queued "send this message to this contact" unit.
type BroadcastJob struct {
	ID         uuid.UUID        `json:"id"`
	Name       string           `json:"name"`
	Data       BroadcastJobData `json:"data"`
	Delay      time.Duration    `json:"delay"`
	Attempts   int              `json:"attempts"`
	Backoff    Backoff          `json:"backoff"`
	State      JobState         `json:"state"`
	Seq        int64            `json:"seq"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// DueAt returns when a pending job becomes eligible for dispatch.
func (j *BroadcastJob) DueAt() time.Time {
	if j.State.Kind == JobDelayed {
		return j.State.DueAt
	}
	return j.EnqueuedAt.Add(j.Delay)
}
