package storage

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps segments in memory.
type MemStore struct {
	mu     sync.RWMutex
	nextID int64
	segs   map[int64]Segment
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{segs: make(map[int64]Segment)}
}

func (m *MemStore) Create(_ context.Context, seg Segment) (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	seg.ID = m.nextID
	m.segs[seg.ID] = seg
	return seg, nil
}

func (m *MemStore) List(_ context.Context) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Segment, 0, len(m.segs))
	for _, s := range m.segs {
		out = append(out, s)
	}
	sortSegments(out)
	return out, nil
}

func (m *MemStore) ListCamera(_ context.Context, cameraID int64) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Segment
	for _, s := range m.segs {
		if s.CameraID == cameraID {
			out = append(out, s)
		}
	}
	sortSegments(out)
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.segs, id)
	}
	return nil
}

func sortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if a.CameraID != b.CameraID {
			return a.CameraID < b.CameraID
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}
