package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

// MemoryStore is the in-process Store used for tests and single-node
// development runs.
type MemoryStore struct {
	mu     sync.Mutex
	agents map[string]*agentRecord
	now    func() time.Time
}

type agentRecord struct {
	runtime Runtime
	history []llm.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*agentRecord),
		now:    time.Now,
	}
}

func (s *MemoryStore) record(agentID string) *agentRecord {
	rec, ok := s.agents[agentID]
	if !ok {
		rec = &agentRecord{}
		s.agents[agentID] = rec
	}
	return rec
}

func (s *MemoryStore) LoadState(_ context.Context, agentID string) (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return Runtime{}, nil
	}
	return rec.runtime, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, agentID string, fn func(*Runtime)) (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(agentID)
	fn(&rec.runtime)
	rec.runtime.UpdatedAt = s.now()
	return rec.runtime, nil
}

func (s *MemoryStore) CASLock(_ context.Context, agentID string, expected, next *LockInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(agentID)
	if !lockMatches(rec.runtime.Lock, expected) {
		return false, nil
	}
	rec.runtime.Lock = next
	rec.runtime.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, agentID string, entries []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(agentID)
	rec.history = append(rec.history, entries...)
	return nil
}

func (s *MemoryStore) History(_ context.Context, agentID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]llm.Message, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

func (s *MemoryStore) ClearHistory(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		rec.history = nil
	}
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
