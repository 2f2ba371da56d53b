package autoscaler

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/types"

	"github.com/volumania/volumania/internal/quantity"
)

type memStore struct {
	mu       sync.Mutex
	order    []string
	policies map[string]Policy
	PutErr   error
	PutCount int
}

func newMemStore(ps ...Policy) *memStore {
	s := &memStore{policies: make(map[string]Policy)}
	for _, p := range ps {
		_ = s.Put(context.Background(), p)
	}
	s.PutCount = 0
	return s
}

func (s *memStore) Put(_ context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	s.PutCount++
	if _, ok := s.policies[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.policies[p.ID] = p.DeepCopy()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p.DeepCopy(), nil
}

func (s *memStore) List(context.Context) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.order, func(id string, _ int) Policy { return s.policies[id].DeepCopy() }), nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return false, nil
	}
	delete(s.policies, id)
	s.order = lo.Without(s.order, id)
	return true, nil
}

func (s *memStore) FindByTarget(_ context.Context, target types.NamespacedName) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if p := s.policies[id]; p.Target() == target {
			return p.DeepCopy(), nil
		}
	}
	return Policy{}, ErrNotFound
}

type mockCluster struct {
	mu sync.Mutex

	Volumes map[types.NamespacedName]Volume
	ReadErr error

	Writes     []quantity.Quantity
	WriteErr   error
	WriteBlock bool
	AfterWrite func()

	Resources    []Policy
	ListErr      error
	CreateErr    error
	CreateCount  int
	DeleteErr    error
	DeleteCount  int
	StatusErr    error
	StatusCount  int
	LastStatus   Policy
	LastObserved quantity.Quantity

	Claimed bool
	Markers map[types.NamespacedName]bool
}

func newMockCluster(vols ...Volume) *mockCluster {
	c := &mockCluster{
		Volumes: make(map[types.NamespacedName]Volume),
		Markers: make(map[types.NamespacedName]bool),
	}
	for _, v := range vols {
		c.Volumes[v.Key()] = v
	}
	return c
}

func (c *mockCluster) ListVolumes(context.Context) ([]Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	return lo.Values(c.Volumes), nil
}

func (c *mockCluster) ReadVolume(_ context.Context, key types.NamespacedName) (Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return Volume{}, c.ReadErr
	}
	v, ok := c.Volumes[key]
	if !ok {
		return Volume{}, ErrNotFound
	}
	return v, nil
}

func (c *mockCluster) WriteDesiredCapacity(ctx context.Context, key types.NamespacedName, size quantity.Quantity) error {
	c.mu.Lock()
	if c.WriteBlock {
		c.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.Writes = append(c.Writes, size)
	v := c.Volumes[key]
	v.Size = size
	c.Volumes[key] = v
	if c.AfterWrite != nil {
		c.AfterWrite()
	}
	return nil
}

func (c *mockCluster) CreatePolicyResource(_ context.Context, p Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateErr != nil {
		return c.CreateErr
	}
	c.CreateCount++
	c.Resources = append(c.Resources, p.DeepCopy())
	return nil
}

func (c *mockCluster) DeletePolicyResource(_ context.Context, p Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.DeleteCount++
	c.Resources = lo.Reject(c.Resources, func(r Policy, _ int) bool { return r.Key() == p.Key() })
	return nil
}

func (c *mockCluster) ListPolicyResources(context.Context) ([]Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return lo.Map(c.Resources, func(p Policy, _ int) Policy { return p.DeepCopy() }), nil
}

func (c *mockCluster) UpdatePolicyResourceStatus(_ context.Context, p Policy, observed quantity.Quantity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatusErr != nil {
		return c.StatusErr
	}
	_, ok := lo.Find(c.Resources, func(r Policy) bool { return r.Key() == p.Key() })
	if !ok {
		return ErrNotFound
	}
	c.StatusCount++
	c.LastStatus = p.DeepCopy()
	c.LastObserved = observed
	return nil
}

func (c *mockCluster) HasAutoscaler(_ context.Context, key types.NamespacedName) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Claimed || c.Markers[key], nil
}

func (c *mockCluster) SetAutoscalerMarker(_ context.Context, key types.NamespacedName, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Markers[key] = enabled
	return nil
}

func (c *mockCluster) writes() []quantity.Quantity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]quantity.Quantity(nil), c.Writes...)
}

type mockSampler struct {
	mu    sync.Mutex
	Usage Usage
	Err   error
}

func (s *mockSampler) SampleUsage(context.Context, types.NamespacedName) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Usage, s.Err
}

func (s *mockSampler) set(u Usage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Usage, s.Err = u, err
}

type mockRecorder struct {
	mu        sync.Mutex
	Decisions []Decision
	Policies  int
}

func (r *mockRecorder) RecordDecision(_ Policy, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Decisions = append(r.Decisions, d)
}

func (r *mockRecorder) RecordPolicies(all []Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Policies = len(all)
}
