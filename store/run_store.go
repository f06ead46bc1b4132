package store

import (
	"sort"
	"sync"

	"resalearb/domain"
)

// DefaultRetention caps how many sessions an in-memory store keeps. The bound
// is capacity management, not garbage collection: when a new session arrives
// over the cap, the oldest by creation time is evicted.
const DefaultRetention = 20

// RunStore is the shared state store for run sessions. Get returns a copy;
// Update applies the mutation closure under the store's single-key isolation
// and returns a copy of the result.
type RunStore interface {
	Create(run *domain.RunSession) error
	Get(id string) (*domain.RunSession, bool, error)
	Update(id string, fn func(r *domain.RunSession)) (*domain.RunSession, bool, error)
	Delete(id string) error
	ListRecent(limit int) ([]*domain.RunSession, error)
}

type InMemoryRunStore struct {
	mu        sync.Mutex
	runs      map[string]*domain.RunSession
	retention int
}

func NewInMemoryRunStore(retention int) *InMemoryRunStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryRunStore{
		runs:      make(map[string]*domain.RunSession),
		retention: retention,
	}
}

func (s *InMemoryRunStore) Create(run *domain.RunSession) error {
	if run == nil || run.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	s.evictLocked()
	return nil
}

func (s *InMemoryRunStore) evictLocked() {
	for len(s.runs) > s.retention {
		oldestID := ""
		for id, r := range s.runs {
			if oldestID == "" || r.CreatedAt.Before(s.runs[oldestID].CreatedAt) {
				oldestID = id
			}
		}
		delete(s.runs, oldestID)
	}
}

func (s *InMemoryRunStore) Get(id string) (*domain.RunSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r == nil {
		return nil, false, nil
	}
	return copyRun(r), true, nil
}

func (s *InMemoryRunStore) Update(id string, fn func(r *domain.RunSession)) (*domain.RunSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	fn(r)
	return copyRun(r), true, nil
}

func (s *InMemoryRunStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
	return nil
}

func (s *InMemoryRunStore) ListRecent(limit int) ([]*domain.RunSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.RunSession, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// copyRun deep-copies the slices so callers can't mutate shared state outside
// the lock.
func copyRun(r *domain.RunSession) *domain.RunSession {
	cp := *r
	cp.Items = append([]domain.ResolvedItem(nil), r.Items...)
	cp.Logs = append([]domain.LogEntry(nil), r.Logs...)
	cp.Queue = append([]string(nil), r.Queue...)
	return &cp
}
