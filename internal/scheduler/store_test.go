package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

var storeEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRedisTestStore(t *testing.T, opts ...RedisStoreOption) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test", 100, 50, opts...)
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore(100, 50)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisTestStore(t)) })
}

func pendingJob(campaignID uuid.UUID, delay time.Duration) *domain.BroadcastJob {
	job := &domain.BroadcastJob{
		ID:         uuid.New(),
		Name:       domain.BroadcastJobName,
		Data:       domain.BroadcastJobData{CampaignID: campaignID, OrganizationID: uuid.New(), ContactID: uuid.New()},
		Delay:      delay,
		Attempts:   3,
		EnqueuedAt: storeEpoch,
	}
	job.State = pendingState(job.DueAt(), storeEpoch)
	return job
}

func addJobs(t *testing.T, store Store, jobs ...*domain.BroadcastJob) {
	t.Helper()
	if err := store.Add(context.Background(), jobs); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func claim(t *testing.T, store Store, at time.Time, limit int) []*domain.BroadcastJob {
	t.Helper()
	jobs, err := store.ClaimDue(context.Background(), at, limit)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return jobs
}

func counts(t *testing.T, store Store, campaignID *uuid.UUID) domain.QueueStats {
	t.Helper()
	stats, err := store.Counts(context.Background(), campaignID, storeEpoch)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return stats
}

func expectIDs(t *testing.T, got []*domain.BroadcastJob, want ...*domain.BroadcastJob) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Fatalf("job %d: expected %s, got %s", i, want[i].ID, got[i].ID)
		}
	}
}

func TestStoreClaimOrdersByDueTimeThenSequence(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		campaignID := uuid.New()
		late1 := pendingJob(campaignID, time.Second)
		early1 := pendingJob(campaignID, 0)
		early2 := pendingJob(campaignID, 0)
		late2 := pendingJob(campaignID, time.Second)
		addJobs(t, store, late1, early1, early2, late2)

		if got := claim(t, store, storeEpoch.Add(-time.Millisecond), 10); len(got) != 0 {
			t.Fatalf("nothing is due yet, claimed %d", len(got))
		}
		expectIDs(t, claim(t, store, storeEpoch.Add(time.Second), 2), early1, early2)

		got := claim(t, store, storeEpoch.Add(time.Second), 10)
		expectIDs(t, got, late1, late2)
		if got[0].State.Kind != domain.JobActive || got[0].Seq >= got[1].Seq {
			t.Fatalf("unexpected claimed job %+v", got[0])
		}
		if stats := counts(t, store, &campaignID); stats.Active != 4 || stats.Pending() != 4 {
			t.Fatalf("unexpected counts %+v", stats)
		}
	})
}

func TestStoreParkAndUnparkSpacing(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		campaignID := uuid.New()
		jobs := []*domain.BroadcastJob{
			pendingJob(campaignID, 0), pendingJob(campaignID, time.Second), pendingJob(campaignID, 2*time.Second),
		}
		addJobs(t, store, jobs...)
		other := pendingJob(uuid.New(), 0)
		addJobs(t, store, other)

		n, err := store.Park(ctx, campaignID)
		if err != nil || n != 3 {
			t.Fatalf("park: n=%d err=%v", n, err)
		}
		if stats := counts(t, store, &campaignID); stats.Parked != 3 || stats.Waiting+stats.Delayed != 0 {
			t.Fatalf("unexpected parked counts %+v", stats)
		}
		expectIDs(t, claim(t, store, storeEpoch.Add(time.Hour), 10), other)

		start := storeEpoch.Add(time.Hour)
		n, err = store.Unpark(ctx, campaignID, start, 500*time.Millisecond)
		if err != nil || n != 3 {
			t.Fatalf("unpark: n=%d err=%v", n, err)
		}
		expectIDs(t, claim(t, store, start, 10), jobs[0])
		expectIDs(t, claim(t, store, start.Add(499*time.Millisecond), 10))
		expectIDs(t, claim(t, store, start.Add(time.Second), 10), jobs[1], jobs[2])
	})
}

func TestStoreRescheduleIntoParkedCampaign(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		campaignID := uuid.New()
		running := pendingJob(campaignID, 0)
		queued := pendingJob(campaignID, time.Second)
		addJobs(t, store, running, queued)

		active := claim(t, store, storeEpoch, 10)
		expectIDs(t, active, running)
		if _, err := store.Park(ctx, campaignID); err != nil {
			t.Fatalf("park: %v", err)
		}

		ok, err := store.Reschedule(ctx, active[0], storeEpoch.Add(time.Second))
		if err != nil || !ok {
			t.Fatalf("reschedule: ok=%v err=%v", ok, err)
		}
		stats := counts(t, store, &campaignID)
		if stats.Parked != 2 || stats.Active != 0 || stats.Waiting+stats.Delayed != 0 {
			t.Fatalf("retried job of a parked campaign must be parked, got %+v", stats)
		}
		expectIDs(t, claim(t, store, storeEpoch.Add(time.Hour), 10))

		if n, err := store.Unpark(ctx, campaignID, storeEpoch, time.Second); err != nil || n != 2 {
			t.Fatalf("unpark: n=%d err=%v", n, err)
		}
		expectIDs(t, claim(t, store, storeEpoch.Add(time.Second), 10), running, queued)

		// unparked campaigns reschedule normally again
		if _, err := store.Reschedule(ctx, running, storeEpoch.Add(time.Minute)); err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		if stats := counts(t, store, &campaignID); stats.Delayed != 1 || stats.Parked != 0 {
			t.Fatalf("expected a delayed job, got %+v", stats)
		}
	})
}

func TestStoreParkJobMovesActiveJobAside(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		campaignID := uuid.New()
		job := pendingJob(campaignID, 0)
		addJobs(t, store, job)

		active := claim(t, store, storeEpoch, 1)
		active[0].State = domain.Parked()
		if ok, err := store.ParkJob(ctx, active[0]); err != nil || !ok {
			t.Fatalf("park job: ok=%v err=%v", ok, err)
		}
		if ok, _ := store.ParkJob(ctx, active[0]); ok {
			t.Fatalf("a job no longer active cannot be parked twice")
		}
		if stats := counts(t, store, &campaignID); stats.Parked != 1 || stats.Active != 0 {
			t.Fatalf("unexpected counts %+v", stats)
		}
	})
}

func TestStoreRemoveByCampaignPerState(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		campaignID := uuid.New()
		active := pendingJob(campaignID, 0)
		parked := pendingJob(campaignID, 0)
		delayed := pendingJob(campaignID, time.Hour)
		waiting := pendingJob(campaignID, 0)
		addJobs(t, store, active, parked, delayed, waiting)
		untouched := pendingJob(uuid.New(), 0)
		addJobs(t, store, untouched)

		claimed := claim(t, store, storeEpoch, 2)
		expectIDs(t, claimed, active, parked)
		if ok, err := store.ParkJob(ctx, claimed[1]); err != nil || !ok {
			t.Fatalf("park job: ok=%v err=%v", ok, err)
		}

		for _, tc := range []struct {
			state domain.JobStateKind
			want  *domain.BroadcastJob
		}{
			{domain.JobWaiting, waiting},
			{domain.JobDelayed, delayed},
			{domain.JobActive, active},
			{domain.JobParked, parked},
		} {
			removed, err := store.RemoveByCampaign(ctx, campaignID, []domain.JobStateKind{tc.state}, storeEpoch)
			if err != nil {
				t.Fatalf("remove %s: %v", tc.state, err)
			}
			expectIDs(t, removed, tc.want)
			if removed[0].State.Kind != tc.state {
				t.Fatalf("removed %s job reported as %s", tc.state, removed[0].State.Kind)
			}
		}

		if ok, _ := store.Complete(ctx, claimed[0]); ok {
			t.Fatalf("a removed active job must not complete")
		}
		if stats := counts(t, store, &campaignID); stats.Total != 0 {
			t.Fatalf("expected campaign to be empty, got %+v", stats)
		}
		if stats := counts(t, store, nil); stats.Waiting != 1 || stats.Total != 1 {
			t.Fatalf("expected the other campaign untouched, got %+v", stats)
		}
	})
}

func TestStoreHistoryCountsAndRecentFailures(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		campaignID := uuid.New()
		ok1, bad1, bad2 := pendingJob(campaignID, 0), pendingJob(campaignID, 0), pendingJob(campaignID, 0)
		addJobs(t, store, ok1, bad1, bad2)
		claimed := claim(t, store, storeEpoch, 10)

		if done, err := store.Complete(ctx, claimed[0]); err != nil || !done {
			t.Fatalf("complete: done=%v err=%v", done, err)
		}
		for _, job := range claimed[1:] {
			job.State = domain.Failed(storeEpoch, "provider rejected")
			if done, err := store.Fail(ctx, job); err != nil || !done {
				t.Fatalf("fail: done=%v err=%v", done, err)
			}
		}

		for _, scope := range []*uuid.UUID{&campaignID, nil} {
			stats := counts(t, store, scope)
			if stats.Completed != 1 || stats.Failed != 2 || stats.Pending() != 0 || stats.Total != 3 {
				t.Fatalf("unexpected history counts %+v", stats)
			}
		}

		recent, err := store.RecentFailures(ctx, 1)
		if err != nil {
			t.Fatalf("recent failures: %v", err)
		}
		expectIDs(t, recent, bad2)
		if recent[0].State.Kind != domain.JobFailed || recent[0].State.Reason != "provider rejected" {
			t.Fatalf("unexpected failure record %+v", recent[0].State)
		}
		all, _ := store.RecentFailures(ctx, 0)
		expectIDs(t, all, bad2, bad1)
	})
}

func TestRedisStoreRecoversStalledJobs(t *testing.T) {
	recovered := 0
	store := newRedisTestStore(t, WithStallTimeout(time.Minute), WithStalledHook(func(n int) { recovered += n }))
	campaignID := uuid.New()
	job := pendingJob(campaignID, 0)
	addJobs(t, store, job)

	expectIDs(t, claim(t, store, storeEpoch, 10), job)
	expectIDs(t, claim(t, store, storeEpoch.Add(30*time.Second), 10))
	if recovered != 0 {
		t.Fatalf("job is not stalled yet")
	}

	again := claim(t, store, storeEpoch.Add(2*time.Minute), 10)
	expectIDs(t, again, job)
	if recovered != 1 {
		t.Fatalf("expected 1 recovered job, got %d", recovered)
	}
	if stats := counts(t, store, &campaignID); stats.Active != 1 || stats.Total != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
}
