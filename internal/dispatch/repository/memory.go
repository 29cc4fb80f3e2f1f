package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/servicematch/internal/dispatch/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and
// single-process deployments. Update holds the lock across the update
// function, which makes every compare-and-set trivially serial.
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[string]domain.Request
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]domain.Request)}
}

// Create stores a new request.
func (m *MemoryRepository) Create(_ context.Context, r domain.Request) (domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return domain.Request{}, domain.ErrAlreadyExists
	}
	r.Version = 1
	m.requests[r.ID] = r.Clone()
	return r, nil
}

// Get retrieves a request.
func (m *MemoryRepository) Get(_ context.Context, id string) (domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.Request{}, domain.ErrRequestNotFound
	}
	return r.Clone(), nil
}

// Update applies fn to a copy of the stored request and saves the result.
func (m *MemoryRepository) Update(_ context.Context, id string, fn domain.UpdateFunc) (domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[id]
	if !ok {
		return domain.Request{}, domain.ErrRequestNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, domain.ErrUnchanged) {
			return current.Clone(), nil
		}
		return domain.Request{}, err
	}
	next.Version = current.Version + 1
	m.requests[id] = next.Clone()
	return next, nil
}

// ListDue scans for requests whose earliest pending offer has expired.
func (m *MemoryRepository) ListDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type due struct {
		id       string
		deadline time.Time
	}
	var all []due
	for id, r := range m.requests {
		if d, ok := r.NextDeadline(); ok && !d.After(now) {
			all = append(all, due{id: id, deadline: d})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].deadline.Before(all[j].deadline) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.id
	}
	return ids, nil
}
