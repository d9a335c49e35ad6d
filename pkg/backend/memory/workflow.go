package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/workflow"
)

// DefinitionStore keeps every saved version of every workflow definition.
type DefinitionStore struct {
	mu       sync.RWMutex
	versions map[string]map[int]*workflow.Definition
	latest   map[string]int
}

func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{
		versions: make(map[string]map[int]*workflow.Definition),
		latest:   make(map[string]int),
	}
}

// SaveDefinition validates and stores the definition. Version 0 is assigned
// the next version number; saving an existing version overwrites it.
func (s *DefinitionStore) SaveDefinition(_ context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.versions[def.ID]
	if !ok {
		byVersion = make(map[int]*workflow.Definition)
		s.versions[def.ID] = byVersion
	}
	if def.Version == 0 {
		def.Version = s.latest[def.ID] + 1
	}
	byVersion[def.Version] = def
	if def.Version > s.latest[def.ID] {
		s.latest[def.ID] = def.Version
	}
	return nil
}

func (s *DefinitionStore) GetDefinition(_ context.Context, id string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVersion, ok := s.versions[id]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "workflow %s", id)
	}
	if version == 0 {
		version = s.latest[id]
	}
	def, ok := byVersion[version]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "workflow %s version %d", id, version)
	}
	return def, nil
}

func (s *DefinitionStore) ListDefinitions(_ context.Context, enabledOnly bool) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(s.latest))
	for id, version := range s.latest {
		def := s.versions[id][version]
		if enabledOnly && !def.Enabled {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteDefinition removes one version, or every version when version is 0.
func (s *DefinitionStore) DeleteDefinition(_ context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.versions[id]
	if !ok {
		return errkind.Errorf(errkind.NotFound, "workflow %s", id)
	}
	if version == 0 {
		delete(s.versions, id)
		delete(s.latest, id)
		return nil
	}
	if _, ok := byVersion[version]; !ok {
		return errkind.Errorf(errkind.NotFound, "workflow %s version %d", id, version)
	}
	delete(byVersion, version)
	if s.latest[id] == version {
		max := 0
		for v := range byVersion {
			if v > max {
				max = v
			}
		}
		if max == 0 {
			delete(s.versions, id)
			delete(s.latest, id)
		} else {
			s.latest[id] = max
		}
	}
	return nil
}

// InstanceStore is the map-backed workflow instance store. UpdateInstance is
// a CAS on Instance.Version.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: make(map[string]*workflow.Instance)}
}

func (s *InstanceStore) CreateInstance(_ context.Context, in *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[in.ID]; exists {
		return errkind.Errorf(errkind.Conflict, "instance %s already exists", in.ID)
	}
	cp := in.Clone()
	cp.Version = 1
	s.instances[cp.ID] = cp
	in.Version = cp.Version
	return nil
}

func (s *InstanceStore) GetInstance(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "instance %s", id)
	}
	return in.Clone(), nil
}

func (s *InstanceStore) UpdateInstance(_ context.Context, in *workflow.Instance) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[in.ID]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "instance %s", in.ID)
	}
	if cur.Version != in.Version {
		return nil, errkind.Errorf(errkind.Conflict,
			"instance %s version %d, caller has %d", in.ID, cur.Version, in.Version)
	}
	cp := in.Clone()
	cp.Version++
	s.instances[cp.ID] = cp
	return cp.Clone(), nil
}

func (s *InstanceStore) ListInstances(_ context.Context, f workflow.InstanceFilter) ([]*workflow.Instance, error) {
	s.mu.RLock()
	var out []*workflow.Instance
	for _, in := range s.instances {
		if matchesInstance(in, f) {
			out = append(out, in.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesInstance(in *workflow.Instance, f workflow.InstanceFilter) bool {
	if f.WorkflowID != "" && in.WorkflowID != f.WorkflowID {
		return false
	}
	if f.CorrelationID != "" && in.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if in.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *InstanceStore) ListRunning(ctx context.Context) ([]*workflow.Instance, error) {
	return s.ListInstances(ctx, workflow.InstanceFilter{
		Statuses: []workflow.InstanceStatus{workflow.InstanceRunning, workflow.InstancePending},
	})
}

func (s *InstanceStore) ListWaitingForEvent(_ context.Context, eventType, correlationKey string) ([]*workflow.Instance, error) {
	s.mu.RLock()
	var out []*workflow.Instance
	for _, in := range s.instances {
		if in.Status != workflow.InstancePaused {
			continue
		}
		w := in.WaitingStep()
		if w == nil || w.Status != workflow.StepWaitingForEvent || w.WaitingEventType != eventType {
			continue
		}
		if correlationKey != "" && w.WaitingCorrelationKey != "" && w.WaitingCorrelationKey != correlationKey {
			continue
		}
		out = append(out, in.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
