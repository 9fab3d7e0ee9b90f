package store

import (
	"sync"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
)

// MemoryGateway implements Gateway over an in-memory map, guarded by a
// single RWMutex. Intended for testing and for small deployments that don't
// need durability across restarts.
type MemoryGateway struct {
	mu   sync.RWMutex
	docs map[string]*gridpack.Gridpack
}

// NewMemoryGateway constructs an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{docs: make(map[string]*gridpack.Gridpack)}
}

func (m *MemoryGateway) Insert(g *gridpack.Gridpack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[g.ID]; exists {
		return ErrDuplicateID
	}
	stamp(g)
	m.docs[g.ID] = clone(g)
	return nil
}

func (m *MemoryGateway) Update(g *gridpack.Gridpack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[g.ID]; !exists {
		return ErrNotFound
	}
	stamp(g)
	m.docs[g.ID] = clone(g)
	return nil
}

func (m *MemoryGateway) ByID(id string) (*gridpack.Gridpack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *MemoryGateway) ByStatuses(statuses ...gridpack.Status) ([]*gridpack.Gridpack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*gridpack.Gridpack
	for _, g := range m.docs {
		if matchesStatus(g, statuses) {
			matched = append(matched, clone(g))
		}
	}
	return matched, nil
}

func (m *MemoryGateway) FindByArtifact(archive, campaign, generator, process string) (*gridpack.Gridpack, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.docs {
		if matchesArtifact(g, archive, campaign, generator, process) {
			return clone(g), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryGateway) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func (m *MemoryGateway) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}
