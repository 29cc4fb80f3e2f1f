package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/servicematch/internal/geo"
)

type memoryEntry struct {
	loc  WorkerLocation
	cell geo.Cell
}

// MemoryStore is an in-process Store. A single lock guards both the worker and
// the cell maps so a worker moving cells is never visible in two cells or none.
type MemoryStore struct {
	mu      sync.RWMutex
	cells   CellIndexer
	clock   Clock
	maxSkew time.Duration
	workers map[string]memoryEntry
	byCell  map[geo.Cell]map[string]struct{}
}

// NewMemoryStore constructs an empty store. A nil clock uses wall time.
func NewMemoryStore(cells CellIndexer, clock Clock) *MemoryStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryStore{
		cells:   cells,
		clock:   clock,
		workers: make(map[string]memoryEntry),
		byCell:  make(map[geo.Cell]map[string]struct{}),
	}
}

// WithMaxSkew sets how far ahead of the clock a sample may be stamped.
func (m *MemoryStore) WithMaxSkew(d time.Duration) *MemoryStore {
	m.maxSkew = d
	return m
}

// Upsert stores the sample.
func (m *MemoryStore) Upsert(_ context.Context, loc WorkerLocation) error {
	if err := loc.ValidateAt(m.clock.Now(), m.maxSkew); err != nil {
		return err
	}
	cell, err := m.cells.CellOf(loc.Point.Lat, loc.Point.Lng)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.workers[loc.WorkerID]; ok {
		if loc.Timestamp.Before(prev.loc.Timestamp) {
			return nil
		}
		if prev.cell != cell {
			m.removeFromCell(prev.cell, loc.WorkerID)
		}
	}
	m.workers[loc.WorkerID] = memoryEntry{loc: loc, cell: cell}
	members, ok := m.byCell[cell]
	if !ok {
		members = make(map[string]struct{})
		m.byCell[cell] = members
	}
	members[loc.WorkerID] = struct{}{}
	return nil
}

// QueryCell returns fresh samples in the cell ordered by worker id.
func (m *MemoryStore) QueryCell(_ context.Context, cell geo.Cell, maxAge time.Duration) ([]WorkerLocation, error) {
	min := cutoff(m.clock.Now(), maxAge)
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.byCell[cell]
	res := make([]WorkerLocation, 0, len(members))
	for id := range members {
		entry := m.workers[id]
		if !entry.loc.Timestamp.After(min) {
			continue
		}
		res = append(res, entry.loc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].WorkerID < res[j].WorkerID })
	return res, nil
}

// EvictStale drops samples older than maxAge.
func (m *MemoryStore) EvictStale(_ context.Context, maxAge time.Duration) (int, error) {
	min := cutoff(m.clock.Now(), maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, entry := range m.workers {
		if entry.loc.Timestamp.After(min) {
			continue
		}
		delete(m.workers, id)
		m.removeFromCell(entry.cell, id)
		evicted++
	}
	return evicted, nil
}

// Get returns the stored sample for a worker regardless of age.
func (m *MemoryStore) Get(_ context.Context, workerID string) (WorkerLocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.workers[workerID]
	return entry.loc, ok
}

// Len reports how many workers are tracked.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

func (m *MemoryStore) removeFromCell(cell geo.Cell, workerID string) {
	members, ok := m.byCell[cell]
	if !ok {
		return
	}
	delete(members, workerID)
	if len(members) == 0 {
		delete(m.byCell, cell)
	}
}
