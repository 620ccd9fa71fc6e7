package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/google/uuid"
)

// Store persists saga instances
type Store interface {
	// Load returns models.ErrNotFound when no saga exists for id
	Load(ctx context.Context, id uuid.UUID) (*State, error)
	Save(ctx context.Context, s State) error
	List(ctx context.Context, f Filter) ([]State, error)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Phases        []Phase
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether s passes the filter
func (f Filter) Match(s State) bool {
	if len(f.Phases) > 0 {
		found := false
		for _, p := range f.Phases {
			if s.Phase == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Active matches every non-terminal phase
func Active() []Phase {
	return []Phase{PhaseIntegrating, PhaseProcessing, PhaseAuditing}
}

// MemoryStore keeps sagas for the lifetime of the process
type MemoryStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]State
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[uuid.UUID]State)}
}

func (m *MemoryStore) Load(ctx context.Context, id uuid.UUID) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.CorrelationID] = s
	return nil
}

// List returns matching sagas, oldest update first
func (m *MemoryStore) List(ctx context.Context, f Filter) ([]State, error) {
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
