// Package memory implements record.Store in process memory. It backs tests
// and single-process deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msglog/pkg/record"
)

// Store implements record.Store using maps
type Store struct {
	mu      sync.RWMutex
	records map[string]*record.Message
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{records: make(map[string]*record.Message)}
}

// Save implements record.Store
func (s *Store) Save(ctx context.Context, m *record.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.records[m.ID] = &c
	return nil
}

// SetTimestamp implements record.Store. Either every record is updated or
// none is.
func (s *Store) SetTimestamp(ctx context.Context, ids []string, ts *record.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, ok := s.records[id]
		if !ok {
			return record.ErrNotFound
		}
		if m.Timestamp != nil {
			return record.ErrAlreadyTimestamped
		}
	}
	for _, id := range ids {
		s.records[id].Timestamp = ts
	}
	return nil
}

// MarkArchived implements record.Store
func (s *Store) MarkArchived(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.records[id]; ok {
			m.Archived = true
		}
	}
	return nil
}

// FindByQueryID implements record.Store
func (s *Store) FindByQueryID(ctx context.Context, queryID string, filter record.Filter) ([]*record.Message, error) {
	return s.find(func(m *record.Message) bool {
		return m.QueryID == queryID && filter.Match(m)
	}, 0), nil
}

// FindArchivable implements record.Store
func (s *Store) FindArchivable(ctx context.Context, limit int) ([]*record.Message, error) {
	return s.find(func(m *record.Message) bool {
		return m.Timestamp != nil && !m.Archived
	}, limit), nil
}

// Get returns a copy of the record with the given ID.
func (s *Store) Get(id string) (*record.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[id]
	if !ok {
		return nil, false
	}
	c := *m
	return &c, true
}

func (s *Store) find(match func(*record.Message) bool, limit int) []*record.Message {
	s.mu.RLock()
	var out []*record.Message
	for _, m := range s.records {
		if match(m) {
			c := *m
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
