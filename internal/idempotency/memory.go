package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state       string
	requestHash string
	record      Record
	expiresAt   time.Time
}

// MemoryStore is a concurrency-safe in-memory Store useful for unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store expiring records after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Begin(_ context.Context, key, requestHash string) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, ok := s.entries[key]
	if ok && existing.expiresAt.Before(now) {
		delete(s.entries, key)
		ok = false
	}

	if !ok {
		s.entries[key] = memoryEntry{
			state:       entryInProgress,
			requestHash: requestHash,
			expiresAt:   now.Add(s.ttl),
		}
		return BeginResult{State: BeginReserved}, nil
	}

	if existing.requestHash != requestHash {
		return BeginResult{}, ErrRequestMismatch
	}
	if existing.state == entryInProgress {
		return BeginResult{State: BeginInProgress}, nil
	}
	return BeginResult{State: BeginCompleted, Record: existing.record}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	record.Key = key
	record.StoredAt = now
	record.ExpiresAt = now.Add(s.ttl)

	s.entries[key] = memoryEntry{
		state:       entryDone,
		requestHash: record.RequestHash,
		record:      record,
		expiresAt:   record.ExpiresAt,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	if !ok || existing.state != entryDone || existing.expiresAt.Before(s.now().UTC()) {
		return Record{}, false, nil
	}
	return existing.record, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
