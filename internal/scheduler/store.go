package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

// Store is the durable delayed-job queue behind the scheduler. Every method
// is atomic with respect to the others: a job is claimed, rescheduled,
// finished, parked or removed, never two of these at once.
type Store interface {
	// Add enqueues jobs, assigning their sequence numbers in slice order.
	Add(ctx context.Context, jobs []*domain.BroadcastJob) error
	// ClaimDue moves up to limit jobs whose due time is at or before now to
	// active, ordered by due time then sequence.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error)
	// Complete and Fail move an active job to history. They report false if
	// the job is no longer active (removed by a cancel while running).
	Complete(ctx context.Context, job *domain.BroadcastJob) (bool, error)
	Fail(ctx context.Context, job *domain.BroadcastJob) (bool, error)
	// Reschedule moves an active job back to pending at dueAt, or to the
	// parked set when its campaign is parked.
	Reschedule(ctx context.Context, job *domain.BroadcastJob, dueAt time.Time) (bool, error)
	// ParkJob moves an active job straight to the parked set.
	ParkJob(ctx context.Context, job *domain.BroadcastJob) (bool, error)
	// RemoveByCampaign deletes the campaign's jobs in the given states.
	// Completed and failed history is never touched.
	RemoveByCampaign(ctx context.Context, campaignID uuid.UUID, states []domain.JobStateKind, now time.Time) ([]*domain.BroadcastJob, error)
	// Park moves every pending job of a campaign aside and marks the campaign
	// parked until Unpark, which puts them back in sequence order, due at
	// start, start+spacing, start+2*spacing...
	Park(ctx context.Context, campaignID uuid.UUID) (int, error)
	Unpark(ctx context.Context, campaignID uuid.UUID, start time.Time, spacing time.Duration) (int, error)
	// Counts reports queue sizes; a nil campaign id counts every job.
	Counts(ctx context.Context, campaignID *uuid.UUID, now time.Time) (domain.QueueStats, error)
	// RecentFailures returns up to limit retained failed jobs, newest first.
	RecentFailures(ctx context.Context, limit int) ([]*domain.BroadcastJob, error)
}

func includes(states []domain.JobStateKind, kind domain.JobStateKind) bool {
	for _, s := range states {
		if s == kind {
			return true
		}
	}
	return false
}

func pendingState(dueAt, now time.Time) domain.JobState {
	if dueAt.After(now) {
		return domain.Delayed(dueAt)
	}
	return domain.Waiting()
}
