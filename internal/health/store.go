// Package health tracks per-provider connectivity and implements the
// circuit breaker that gates LLM calls.
package health

import (
	"context"
	"sync"
	"time"
)

// Status summarizes provider reachability.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Record is the persisted health state for one provider. It is created
// lazily on first call, continuously overwritten, and expired by TTL to
// force periodic re-testing.
type Record struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	TrippedAt           time.Time `json:"tripped_at,omitzero"`
	TrialInFlight       bool      `json:"trial_in_flight,omitempty"`
}

// Store persists provider health records. Update must apply fn
// atomically with respect to concurrent callers for the same provider.
type Store interface {
	// Get returns the record for a provider; ok is false when no
	// unexpired record exists.
	Get(ctx context.Context, provider string) (Record, bool, error)

	// Update atomically applies fn to the provider's record (a fresh
	// closed-state record when absent or expired) and persists the
	// result, returning it.
	Update(ctx context.Context, provider string, fn func(*Record)) (Record, error)
}

type memoryEntry struct {
	rec     Record
	touched time.Time
}

// MemoryStore is an in-process health store with TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates a health store whose records expire after ttl.
// A ttl of 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.touched) > s.ttl
}

// Get returns the provider's record if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, provider string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[provider]
	if !ok || s.expired(e) {
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

// Update atomically mutates the provider's record.
func (s *MemoryStore) Update(_ context.Context, provider string, fn func(*Record)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[provider]
	if !ok || s.expired(e) {
		e = &memoryEntry{rec: Record{
			Provider: provider,
			Status:   StatusHealthy,
			State:    StateClosed,
		}}
		s.entries[provider] = e
	}
	fn(&e.rec)
	e.touched = s.now()
	return e.rec, nil
}
