package scenario

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory [Source].
type MemStore struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// Compile-time interface check.
var _ Source = (*MemStore)(nil)

// NewMemStore returns a MemStore holding the given scenarios. Each is
// validated; the first invalid one aborts construction.
func NewMemStore(scenarios ...Scenario) (*MemStore, error) {
	m := &MemStore{scenarios: make(map[string]Scenario, len(scenarios))}
	for _, s := range scenarios {
		if err := m.Put(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put validates s and stores it, replacing any scenario with the same id.
func (m *MemStore) Put(s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[s.ID] = s
	return nil
}

// Scenario implements [Source].
func (m *MemStore) Scenario(_ context.Context, id string) (Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[id]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	return s, nil
}

// List returns every scenario ordered by id.
func (m *MemStore) List() []Scenario {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scenario, 0, len(m.scenarios))
	for _, s := range m.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored scenarios.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scenarios)
}
