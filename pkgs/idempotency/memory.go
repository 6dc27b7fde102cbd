package idempotency

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MemoryStore keeps records in process memory. Done records expire after ttl
// (zero keeps them forever); Processing records never expire.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	expiry  []expiryItem // completion order
	head    int
	ttl     time.Duration
	now     func() time.Time
}

type expiryItem struct {
	key       string
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reserve implements Store
func (s *MemoryStore) Reserve(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	if rec, ok := s.records[key]; ok {
		cp := *rec
		return &cp, false, nil
	}

	s.records[key] = &Record{
		Key:       key,
		State:     StateProcessing,
		CreatedAt: s.now(),
	}
	return nil, true, nil
}

// Complete implements Store
func (s *MemoryStore) Complete(_ context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateProcessing {
		return ErrNotReserved
	}

	now := s.now()
	rec.State = StateDone
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	rec.CompletedAt = now

	if s.ttl > 0 {
		s.expiry = append(s.expiry, expiryItem{key: key, expiresAt: now.Add(s.ttl)})
	}
	return nil
}

// Release implements Store
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State != StateProcessing {
		return ErrNotReserved
	}
	delete(s.records, key)
	return nil
}

// evictLocked drops Done records whose ttl has passed. Completion order equals
// expiry order, so the scan stops at the first live entry.
func (s *MemoryStore) evictLocked() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	evicted := 0
	for s.head < len(s.expiry) {
		item := s.expiry[s.head]
		if now.Before(item.expiresAt) {
			break
		}
		delete(s.records, item.key)
		s.head++
		evicted++
	}

	if s.head > 1024 && s.head*2 > len(s.expiry) {
		s.expiry = append([]expiryItem(nil), s.expiry[s.head:]...)
		s.head = 0
	}
	if evicted > 0 {
		log.Debugf("Evicted %d expired idempotency records", evicted)
	}
}

// Stats implements Store
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Backend: "memory", Total: len(s.records)}
	for _, rec := range s.records {
		if rec.State == StateDone {
			st.Done++
		} else {
			st.Processing++
		}
	}
	return st, nil
}
