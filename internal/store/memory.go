// Package store persists autoscaler policies.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/autoscaler"
)

var _ autoscaler.Store = (*Memory)(nil)

// Memory keeps policies in process memory in insertion order.
type Memory struct {
	mu       sync.RWMutex
	order    []string
	policies map[string]autoscaler.Policy
}

func NewMemory() *Memory {
	return &Memory{policies: make(map[string]autoscaler.Policy)}
}

func (m *Memory) Put(_ context.Context, p autoscaler.Policy) error {
	if p.ID == "" {
		return fmt.Errorf("put policy %s: empty id", p.Key())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.policies[p.ID] = p.DeepCopy()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (autoscaler.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return autoscaler.Policy{}, fmt.Errorf("policy %s: %w", id, autoscaler.ErrNotFound)
	}
	return p.DeepCopy(), nil
}

func (m *Memory) List(context.Context) ([]autoscaler.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Map(m.order, func(id string, _ int) autoscaler.Policy {
		return m.policies[id].DeepCopy()
	}), nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return false, nil
	}
	delete(m.policies, id)
	m.order = lo.Without(m.order, id)
	return true, nil
}

func (m *Memory) FindByTarget(_ context.Context, target types.NamespacedName) (autoscaler.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if p := m.policies[id]; p.Target() == target {
			return p.DeepCopy(), nil
		}
	}
	return autoscaler.Policy{}, fmt.Errorf("policy for %s: %w", target, autoscaler.ErrNotFound)
}

// replace swaps the whole content, keeping the order of ps.
func (m *Memory) replace(ps []autoscaler.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = m.order[:0]
	m.policies = make(map[string]autoscaler.Policy, len(ps))
	for _, p := range ps {
		if _, ok := m.policies[p.ID]; !ok {
			m.order = append(m.order, p.ID)
		}
		m.policies[p.ID] = p.DeepCopy()
	}
}
