package taskpool

import (
	"context"
	"sync"
	"time"

	"proxybroker/internal/domain"
)

// MemoryStore keeps records in process. Reservation is first-in first-out
// over admission order.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    uint64
	records   map[uint64]*domain.ProxyRecord
	keys      map[string]uint64
	available []uint64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*domain.ProxyRecord),
		keys:    make(map[string]uint64),
		now:     time.Now,
	}
}

func (s *MemoryStore) Admit(_ context.Context, candidates []domain.Candidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admitted := 0
	for _, candidate := range candidates {
		key := string(candidate.Key())
		if _, exists := s.keys[key]; exists {
			continue
		}

		s.nextID++
		record := domain.NewProxyRecord(candidate)
		record.ID = s.nextID
		record.CreatedAt = s.now()
		record.UpdatedAt = record.CreatedAt

		s.records[record.ID] = &record
		s.keys[key] = record.ID
		s.available = append(s.available, record.ID)
		admitted++
	}
	return admitted, nil
}

func (s *MemoryStore) ReserveOne(_ context.Context) (domain.ProxyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.available) > 0 {
		id := s.available[0]
		s.available = s.available[1:]

		record, ok := s.records[id]
		if !ok || record.Status != domain.StatusAvailable {
			continue
		}

		now := s.now()
		record.Status = domain.StatusInUse
		record.AcquiredAt = &now
		record.UpdatedAt = now
		return *record, nil
	}
	return domain.ProxyRecord{}, ErrExhausted
}

func (s *MemoryStore) MarkUsed(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != domain.StatusInUse {
		return ErrNotInUse
	}
	record.Status = domain.StatusUsed
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status.Terminal() {
		return ErrTerminal
	}
	record.Status = domain.StatusFailed
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.records)
	clear(s.keys)
	s.available = nil
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.PoolStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.PoolStats
	for _, record := range s.records {
		stats.Add(record.Status, 1)
	}
	return stats, nil
}

func (s *MemoryStore) MarkChecked(_ context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	checked := at
	record.LastCheckedAt = &checked
	record.UpdatedAt = s.now()
	return nil
}

// Get returns a copy of one record.
func (s *MemoryStore) Get(_ context.Context, id uint64) (domain.ProxyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return domain.ProxyRecord{}, ErrNotFound
	}
	return *record, nil
}
