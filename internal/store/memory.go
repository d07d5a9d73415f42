package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/domain"
)

// MemoryUsage is a UsageStore held in process memory.
type MemoryUsage struct {
	mu      sync.RWMutex
	records map[string][]domain.UsageRecord
}

var _ UsageStore = (*MemoryUsage)(nil)

func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{records: make(map[string][]domain.UsageRecord)}
}

func (m *MemoryUsage) Append(_ context.Context, rec domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Metadata = maps.Clone(rec.Metadata)
	recs := append(m.records[rec.ServiceID], rec)
	// Keep timestamp order when callers record out of order.
	if n := len(recs); n > 1 && recs[n-1].Timestamp.Before(recs[n-2].Timestamp) {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	}
	m.records[rec.ServiceID] = recs
	return nil
}

func (m *MemoryUsage) List(_ context.Context, serviceID string, from time.Time) ([]domain.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.UsageRecord
	for _, rec := range m.records[serviceID] {
		if rec.Timestamp.Before(from) {
			continue
		}
		rec.Metadata = maps.Clone(rec.Metadata)
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryUsage) Remove(_ context.Context, serviceID string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	recs := m.records[serviceID]
	kept := recs[:0]
	for _, rec := range recs {
		if _, ok := drop[rec.ID]; ok {
			continue
		}
		kept = append(kept, rec)
	}
	removed := len(recs) - len(kept)

	if len(kept) == 0 {
		delete(m.records, serviceID)
	} else {
		m.records[serviceID] = kept
	}
	return removed, nil
}

func (m *MemoryUsage) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string][]domain.UsageRecord)
	return nil
}

// MemoryStreams is a StreamStore held in process memory. It stores and returns
// copies so callers cannot mutate shared state outside the store.
type MemoryStreams struct {
	mu      sync.RWMutex
	streams map[string]domain.StreamState
}

var _ StreamStore = (*MemoryStreams)(nil)

func NewMemoryStreams() *MemoryStreams {
	return &MemoryStreams{streams: make(map[string]domain.StreamState)}
}

func (m *MemoryStreams) Get(_ context.Context, id string) (*domain.StreamState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneStream(s), nil
}

func (m *MemoryStreams) Put(_ context.Context, s *domain.StreamState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = *cloneStream(*s)
	return nil
}

func (m *MemoryStreams) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
	return nil
}

func (m *MemoryStreams) List(context.Context) ([]*domain.StreamState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.StreamState, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, cloneStream(s))
	}
	sortStreams(out)
	return out, nil
}

func cloneStream(s domain.StreamState) *domain.StreamState {
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		s.StoppedAt = &t
	}
	return &s
}

func sortStreams(ss []*domain.StreamState) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.Before(ss[j].CreatedAt)
		}
		return ss[i].ID < ss[j].ID
	})
}
