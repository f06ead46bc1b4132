package store

import (
	"errors"
	"sort"
	"sync"

	"resalearb/domain"
)

var ErrEmptyID = errors.New("store: empty session id")

// ComparisonStore mirrors RunStore for comparison sessions. The two stores own
// their sessions independently: a comparison's RunID is lineage only.
type ComparisonStore interface {
	Create(c *domain.ComparisonSession) error
	Get(id string) (*domain.ComparisonSession, bool, error)
	Update(id string, fn func(c *domain.ComparisonSession)) (*domain.ComparisonSession, bool, error)
	Delete(id string) error
	ListRecent(limit int) ([]*domain.ComparisonSession, error)
}

type InMemoryComparisonStore struct {
	mu        sync.Mutex
	sessions  map[string]*domain.ComparisonSession
	retention int
}

func NewInMemoryComparisonStore(retention int) *InMemoryComparisonStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryComparisonStore{
		sessions:  make(map[string]*domain.ComparisonSession),
		retention: retention,
	}
}

func (s *InMemoryComparisonStore) Create(c *domain.ComparisonSession) error {
	if c == nil || c.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID] = c
	for len(s.sessions) > s.retention {
		oldestID := ""
		for id, sess := range s.sessions {
			if oldestID == "" || sess.CreatedAt.Before(s.sessions[oldestID].CreatedAt) {
				oldestID = id
			}
		}
		delete(s.sessions, oldestID)
	}
	return nil
}

func (s *InMemoryComparisonStore) Get(id string) (*domain.ComparisonSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok || c == nil {
		return nil, false, nil
	}
	return copyComparison(c), true, nil
}

func (s *InMemoryComparisonStore) Update(id string, fn func(c *domain.ComparisonSession)) (*domain.ComparisonSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	fn(c)
	return copyComparison(c), true, nil
}

func (s *InMemoryComparisonStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryComparisonStore) ListRecent(limit int) ([]*domain.ComparisonSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ComparisonSession, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, copyComparison(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyComparison(c *domain.ComparisonSession) *domain.ComparisonSession {
	cp := *c
	cp.Items = make([]domain.ComparisonItem, len(c.Items))
	for i := range c.Items {
		cp.Items[i] = c.Items[i]
		cp.Items[i].MatchCandidates = append([]domain.Candidate(nil), c.Items[i].MatchCandidates...)
	}
	cp.Logs = append([]domain.LogEntry(nil), c.Logs...)
	return &cp
}
