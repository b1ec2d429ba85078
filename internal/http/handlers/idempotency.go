package handlers

import (
	"context"
	"sync"
	"time"
)

type idempotencyEntry struct {
	payloadHash uint64
	jobID       string
	createdAt   time.Time
	// ready is closed once the owning request completed or released the key.
	ready chan struct{}
}

// idempotencyRecord is what a duplicate request learns about the original.
type idempotencyRecord struct {
	PayloadHash uint64
	JobID       string
}

// idempotencyStore reserves a key before the job is submitted, so concurrent
// requests carrying the same key produce a single job. Entries live in process
// memory for idempotencyTTL.
type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
	now     func() time.Time
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]*idempotencyEntry),
		now:     time.Now,
	}
}

// Reserve claims key for the caller and reports owner=true, or returns the record
// of the request that already holds it. A duplicate arriving while the owner is
// still submitting waits for the outcome; if the owner releases the key the
// duplicate tries to claim it again.
func (s *idempotencyStore) Reserve(ctx context.Context, key string, payloadHash uint64) (idempotencyRecord, bool, error) {
	for {
		s.mu.Lock()
		s.pruneLocked()
		entry, exists := s.entries[key]
		if !exists {
			s.entries[key] = &idempotencyEntry{
				payloadHash: payloadHash,
				createdAt:   s.now().UTC(),
				ready:       make(chan struct{}),
			}
			s.mu.Unlock()
			return idempotencyRecord{}, true, nil
		}
		if entry.payloadHash != payloadHash || entry.jobID != "" {
			record := idempotencyRecord{PayloadHash: entry.payloadHash, JobID: entry.jobID}
			s.mu.Unlock()
			return record, false, nil
		}
		ready := entry.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return idempotencyRecord{}, false, ctx.Err()
		}
	}
}

// Complete binds the reserved key to the created job and wakes waiting duplicates.
func (s *idempotencyStore) Complete(key, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.jobID != "" {
		return
	}
	entry.jobID = jobID
	close(entry.ready)
}

// Release drops a reservation whose submission failed, so the key can be retried.
func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.jobID != "" {
		return
	}
	delete(s.entries, key)
	close(entry.ready)
}

func (s *idempotencyStore) pruneLocked() {
	now := s.now()
	for key, entry := range s.entries {
		if entry.jobID != "" && now.Sub(entry.createdAt) > idempotencyTTL {
			delete(s.entries, key)
		}
	}
}
