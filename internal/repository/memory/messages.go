package memory

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
)

type messageKey struct {
	campaignID uuid.UUID
	jobID      uuid.UUID
}

// MessageStore is an in-memory delivery log.
type MessageStore struct {
	mu         sync.Mutex
	records    map[messageKey]domain.MessageRecord
	byProvider map[string]messageKey
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		records:    make(map[messageKey]domain.MessageRecord),
		byProvider: make(map[string]messageKey),
	}
}

func (s *MessageStore) Record(_ context.Context, record domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{campaignID: record.CampaignID, jobID: record.JobID}
	s.records[key] = record
	if record.ProviderMessageID != "" {
		s.byProvider[record.ProviderMessageID] = key
	}
	return nil
}

func (s *MessageStore) ApplyStatus(_ context.Context, event domain.DeliveryEvent) (*domain.MessageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byProvider[event.ProviderMessageID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	record := s.records[key]
	if !record.Status.Advances(event.Status) {
		return &record, false, nil
	}
	record.Status = event.Status
	if event.Error != "" {
		msg := event.Error
		record.LastError = &msg
	}
	record.UpdatedAt = event.OccurredAt
	s.records[key] = record
	return &record, true, nil
}

// ListByCampaign pages through a campaign's records ordered by job id. The
// paging state is the offset of the next page.
func (s *MessageStore) ListByCampaign(_ context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageRecord, []byte, error) {
	s.mu.Lock()
	var all []domain.MessageRecord
	for key, record := range s.records {
		if key.campaignID == campaignID {
			all = append(all, record)
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].JobID.String() < all[j].JobID.String() })

	offset := 0
	if len(pagingState) == 8 {
		offset = int(binary.BigEndian.Uint64(pagingState))
	}
	if offset > len(all) {
		offset = len(all)
	}
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end >= len(all) {
		return all[offset:], nil, nil
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, uint64(end))
	return all[offset:end], next, nil
}

// Get returns the record of a job.
func (s *MessageStore) Get(campaignID, jobID uuid.UUID) (domain.MessageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageKey{campaignID: campaignID, jobID: jobID}]
	return r, ok
}
