package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/meridian-workflow/meridian/common/cache"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

// MemoryFlowNodeInstanceStore is the reference FlowNodeInstanceStore used by
// tests and the embedded server.  All mutations take the store lock, so the
// Update closure observes and writes a consistent row.
type MemoryFlowNodeInstanceStore struct {
	mx        sync.RWMutex
	instances map[string]*model.FlowNodeInstance
}

// NewMemoryFlowNodeInstanceStore constructs an empty store.
func NewMemoryFlowNodeInstanceStore() *MemoryFlowNodeInstanceStore {
	return &MemoryFlowNodeInstanceStore{
		instances: make(map[string]*model.FlowNodeInstance),
	}
}

// Create persists a new flow node instance in the running state.
func (s *MemoryFlowNodeInstanceStore) Create(ctx context.Context, fni *model.FlowNodeInstance) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.instances[fni.Id]; ok {
		return fmt.Errorf("create flow node instance %s: duplicate id", fni.Id)
	}
	cp := *fni
	cp.CreatedAt = time.Now()
	cp.ModifiedAt = cp.CreatedAt
	s.instances[fni.Id] = &cp
	return nil
}

// Update applies fn to the stored instance under the store lock.
func (s *MemoryFlowNodeInstanceStore) Update(ctx context.Context, id string, fn func(fni *model.FlowNodeInstance) error) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	fni, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("update flow node instance %s: %w", id, errors2.ErrFlowNodeInstanceNotFound)
	}
	if err := fn(fni); err != nil {
		return fmt.Errorf("update flow node instance %s: %w", id, err)
	}
	fni.ModifiedAt = time.Now()
	return nil
}

// GetByID returns a copy of the stored instance.
func (s *MemoryFlowNodeInstanceStore) GetByID(ctx context.Context, id string) (*model.FlowNodeInstance, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	fni, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("get flow node instance %s: %w", id, errors2.ErrFlowNodeInstanceNotFound)
	}
	cp := *fni
	cp.IncomingIds = append([]string(nil), fni.IncomingIds...)
	return &cp, nil
}

// GetSuspended returns all suspended instances for a process instance.
func (s *MemoryFlowNodeInstanceStore) GetSuspended(ctx context.Context, processInstanceID string) ([]*model.FlowNodeInstance, error) {
	return s.query(func(fni *model.FlowNodeInstance) bool {
		return fni.ProcessInstanceId == processInstanceID && fni.State == model.InstanceSuspended
	}), nil
}

// GetByProcessInstance returns the full execution history of a process instance.
func (s *MemoryFlowNodeInstanceStore) GetByProcessInstance(ctx context.Context, processInstanceID string) ([]*model.FlowNodeInstance, error) {
	return s.query(func(fni *model.FlowNodeInstance) bool {
		return fni.ProcessInstanceId == processInstanceID
	}), nil
}

// GetByCorrelation returns all instances grouped under a correlation id.
func (s *MemoryFlowNodeInstanceStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*model.FlowNodeInstance, error) {
	return s.query(func(fni *model.FlowNodeInstance) bool {
		return fni.CorrelationId == correlationID
	}), nil
}

func (s *MemoryFlowNodeInstanceStore) query(match func(*model.FlowNodeInstance) bool) []*model.FlowNodeInstance {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]*model.FlowNodeInstance, 0)
	for _, fni := range s.instances {
		if match(fni) {
			cp := *fni
			cp.IncomingIds = append([]string(nil), fni.IncomingIds...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MemoryProcessModelStore holds parsed process models with a ristretto
// read-through cache in front of the map.
type MemoryProcessModelStore struct {
	mx     sync.RWMutex
	models map[string]*model.Process
	cache  *cache.Cache
}

// NewMemoryProcessModelStore constructs an empty model store.
func NewMemoryProcessModelStore() (*MemoryProcessModelStore, error) {
	backend, err := cache.NewRistrettoCacheBackend()
	if err != nil {
		return nil, fmt.Errorf("create model store cache: %w", err)
	}
	return &MemoryProcessModelStore{
		models: make(map[string]*model.Process),
		cache:  cache.New(backend),
	}, nil
}

// Put stores a parsed process model, replacing any previous version.
func (s *MemoryProcessModelStore) Put(ctx context.Context, pr *model.Process) error {
	s.mx.Lock()
	s.models[pr.Id] = pr
	s.mx.Unlock()
	s.cache.Invalidate(pr.Id)
	return nil
}

// Get returns a stored process model by id.
func (s *MemoryProcessModelStore) Get(ctx context.Context, processModelID string) (*model.Process, error) {
	pr, err := cache.Cacheable(processModelID, func() (*model.Process, error) {
		s.mx.RLock()
		defer s.mx.RUnlock()
		pr, ok := s.models[processModelID]
		if !ok {
			return nil, errors2.ErrProcessModelNotFound
		}
		return pr, nil
	}, s.cache)
	if err != nil {
		return nil, fmt.Errorf("get process model %s: %w", processModelID, err)
	}
	return pr, nil
}

// List returns every stored process model.
func (s *MemoryProcessModelStore) List(ctx context.Context) ([]*model.Process, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]*model.Process, 0, len(s.models))
	for _, pr := range s.models {
		out = append(out, pr)
	}
	return out, nil
}
