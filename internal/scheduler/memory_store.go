package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
)

type slot int

const (
	slotPending slot = iota
	slotActive
	slotParked
)

type memoryEntry struct {
	job   domain.BroadcastJob
	slot  slot
	dueAt time.Time
}

type historyCounts struct {
	completed int64
	failed    int64
}

// MemoryStore is a process-local Store. Jobs do not survive a restart.
type MemoryStore struct {
	mu              sync.Mutex
	seq             int64
	entries         map[uuid.UUID]*memoryEntry
	completed       []domain.BroadcastJob
	failed          []domain.BroadcastJob
	totals          historyCounts
	perCampaign     map[uuid.UUID]*historyCounts
	parkedCampaigns map[uuid.UUID]bool
	retainCompleted int
	retainFailed    int
}

// NewMemoryStore constructs an in-memory store keeping the given amount of
// completed and failed history.
func NewMemoryStore(retainCompleted, retainFailed int) *MemoryStore {
	return &MemoryStore{
		entries:         make(map[uuid.UUID]*memoryEntry),
		perCampaign:     make(map[uuid.UUID]*historyCounts),
		parkedCampaigns: make(map[uuid.UUID]bool),
		retainCompleted: retainCompleted,
		retainFailed:    retainFailed,
	}
}

func (s *MemoryStore) Add(_ context.Context, jobs []*domain.BroadcastJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		s.seq++
		job.Seq = s.seq
		s.entries[job.ID] = &memoryEntry{job: *job, slot: slotPending, dueAt: job.DueAt()}
	}
	return nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memoryEntry
	for _, e := range s.entries {
		if e.slot == slotPending && !e.dueAt.After(now) {
			due = append(due, e)
		}
	}
	sortEntries(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.BroadcastJob, 0, len(due))
	for _, e := range due {
		e.slot = slotActive
		e.job.State = domain.Active(now)
		job := e.job
		out = append(out, &job)
	}
	return out, nil
}

func (s *MemoryStore) Complete(_ context.Context, job *domain.BroadcastJob) (bool, error) {
	return s.finish(job, false), nil
}

func (s *MemoryStore) Fail(_ context.Context, job *domain.BroadcastJob) (bool, error) {
	return s.finish(job, true), nil
}

func (s *MemoryStore) finish(job *domain.BroadcastJob, failed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[job.ID]
	if !ok || e.slot != slotActive {
		return false
	}
	delete(s.entries, job.ID)

	counts := s.campaignCounts(job.Data.CampaignID)
	if failed {
		s.failed = prependCapped(s.failed, *job, s.retainFailed)
		s.totals.failed++
		counts.failed++
	} else {
		s.completed = prependCapped(s.completed, *job, s.retainCompleted)
		s.totals.completed++
		counts.completed++
	}
	return true
}

func (s *MemoryStore) Reschedule(_ context.Context, job *domain.BroadcastJob, dueAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[job.ID]
	if !ok || e.slot != slotActive {
		return false, nil
	}
	e.job = *job
	if s.parkedCampaigns[job.Data.CampaignID] {
		e.slot = slotParked
		e.job.State = domain.Parked()
		return true, nil
	}
	e.slot = slotPending
	e.dueAt = dueAt
	return true, nil
}

func (s *MemoryStore) ParkJob(_ context.Context, job *domain.BroadcastJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[job.ID]
	if !ok || e.slot != slotActive {
		return false, nil
	}
	e.job = *job
	e.job.State = domain.Parked()
	e.slot = slotParked
	return true, nil
}

func (s *MemoryStore) RemoveByCampaign(_ context.Context, campaignID uuid.UUID, states []domain.JobStateKind, now time.Time) ([]*domain.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if includes(states, domain.JobParked) {
		delete(s.parkedCampaigns, campaignID)
	}

	var removed []*memoryEntry
	for id, e := range s.entries {
		if e.job.Data.CampaignID != campaignID {
			continue
		}
		if !includes(states, s.kindOf(e, now)) {
			continue
		}
		removed = append(removed, e)
		delete(s.entries, id)
	}
	sortEntries(removed)

	out := make([]*domain.BroadcastJob, 0, len(removed))
	for _, e := range removed {
		job := e.job
		job.State = s.stateOf(e, now)
		out = append(out, &job)
	}
	return out, nil
}

func (s *MemoryStore) Park(_ context.Context, campaignID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parkedCampaigns[campaignID] = true
	n := 0
	for _, e := range s.entries {
		if e.job.Data.CampaignID == campaignID && e.slot == slotPending {
			e.slot = slotParked
			e.job.State = domain.Parked()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Unpark(_ context.Context, campaignID uuid.UUID, start time.Time, spacing time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.parkedCampaigns, campaignID)
	var parked []*memoryEntry
	for _, e := range s.entries {
		if e.job.Data.CampaignID == campaignID && e.slot == slotParked {
			parked = append(parked, e)
		}
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].job.Seq < parked[j].job.Seq })

	for i, e := range parked {
		e.slot = slotPending
		e.dueAt = start.Add(time.Duration(i) * spacing)
		e.job.State = pendingState(e.dueAt, start)
	}
	return len(parked), nil
}

func (s *MemoryStore) Counts(_ context.Context, campaignID *uuid.UUID, now time.Time) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.QueueStats
	for _, e := range s.entries {
		if campaignID != nil && e.job.Data.CampaignID != *campaignID {
			continue
		}
		switch s.kindOf(e, now) {
		case domain.JobWaiting:
			stats.Waiting++
		case domain.JobDelayed:
			stats.Delayed++
		case domain.JobActive:
			stats.Active++
		case domain.JobParked:
			stats.Parked++
		}
	}

	history := s.totals
	if campaignID != nil {
		history = historyCounts{}
		if c, ok := s.perCampaign[*campaignID]; ok {
			history = *c
		}
	}
	stats.Completed = history.completed
	stats.Failed = history.failed
	stats.Total = stats.Waiting + stats.Delayed + stats.Active + stats.Parked + stats.Completed + stats.Failed
	return stats, nil
}

func (s *MemoryStore) RecentFailures(_ context.Context, limit int) ([]*domain.BroadcastJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.failed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*domain.BroadcastJob, 0, n)
	for i := 0; i < n; i++ {
		job := s.failed[i]
		out = append(out, &job)
	}
	return out, nil
}

// History returns the retained completed and failed jobs, newest first.
func (s *MemoryStore) History() (completed, failed []domain.BroadcastJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BroadcastJob(nil), s.completed...), append([]domain.BroadcastJob(nil), s.failed...)
}

func (s *MemoryStore) kindOf(e *memoryEntry, now time.Time) domain.JobStateKind {
	return s.stateOf(e, now).Kind
}

func (s *MemoryStore) stateOf(e *memoryEntry, now time.Time) domain.JobState {
	switch e.slot {
	case slotActive:
		return e.job.State
	case slotParked:
		return domain.Parked()
	default:
		return pendingState(e.dueAt, now)
	}
}

func (s *MemoryStore) campaignCounts(campaignID uuid.UUID) *historyCounts {
	c, ok := s.perCampaign[campaignID]
	if !ok {
		c = &historyCounts{}
		s.perCampaign[campaignID] = c
	}
	return c
}

func sortEntries(entries []*memoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].dueAt.Equal(entries[j].dueAt) {
			return entries[i].dueAt.Before(entries[j].dueAt)
		}
		return entries[i].job.Seq < entries[j].job.Seq
	})
}

func prependCapped(list []domain.BroadcastJob, job domain.BroadcastJob, limit int) []domain.BroadcastJob {
	list = append([]domain.BroadcastJob{job}, list...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
