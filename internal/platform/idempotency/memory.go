package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by the memory order store and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Record, State, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := documentID(key)
	if existing, ok := s.records[id]; ok && !existing.expired(now) {
		if existing.Fingerprint != fingerprint {
			return Record{}, 0, ErrFingerprintMismatch
		}
		if existing.Completed {
			return existing, StateReplay, nil
		}
		return existing, StateInFlight, nil
	}
	record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	s.records[id] = record
	return record, StateAcquired, nil
}

func (s *MemoryStore) Complete(_ context.Context, record Record, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := documentID(record.Key)
	if existing, ok := s.records[id]; ok && existing.Fingerprint != record.Fingerprint {
		return ErrFingerprintMismatch
	}
	record.Completed = true
	record.Header = storableHeader(record.Header)
	record.Body = append([]byte(nil), record.Body...)
	record.ExpiresAt = now.Add(ttl)
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, documentID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if record.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
