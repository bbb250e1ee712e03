package enforce

import (
	"context"
	"sort"
	"sync"

	"gpuquota/internal/pkg/model"
)

// UpdateFunc receives the current state for a user (nil when none exists)
// and returns the state to persist. Returning nil clears the user.
type UpdateFunc func(cur *model.EnforcementState) (*model.EnforcementState, error)

// StateStore persists per-user enforcement state across process restarts.
// Get returns (nil, nil) when no state exists for the user. Update runs a
// read-modify-write for one user; implementations make it atomic within
// their own scope.
type StateStore interface {
	Get(ctx context.Context, cluster, user string) (*model.EnforcementState, error)
	Update(ctx context.Context, cluster, user string, fn UpdateFunc) error
	Clear(ctx context.Context, cluster, user string) error
	List(ctx context.Context, cluster string) ([]model.EnforcementState, error)
}

type stateKey struct {
	cluster string
	user    string
}

func sortStates(states []model.EnforcementState) {
	sort.Slice(states, func(i, j int) bool { return states[i].User < states[j].User })
}

// MemoryStore keeps state in process memory. State is lost on exit.
type MemoryStore struct {
	mu     sync.Mutex
	states map[stateKey]model.EnforcementState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[stateKey]model.EnforcementState)}
}

func (m *MemoryStore) Get(_ context.Context, cluster, user string) (*model.EnforcementState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{cluster, user}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) Update(_ context.Context, cluster, user string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey{cluster, user}
	var cur *model.EnforcementState
	if st, ok := m.states[key]; ok {
		cur = &st
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.states, key)
		return nil
	}
	next.Cluster, next.User = cluster, user
	m.states[key] = *next
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, cluster, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey{cluster, user})
	return nil
}

func (m *MemoryStore) List(_ context.Context, cluster string) ([]model.EnforcementState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EnforcementState, 0, len(m.states))
	for k, st := range m.states {
		if k.cluster == cluster {
			out = append(out, st)
		}
	}
	sortStates(out)
	return out, nil
}
