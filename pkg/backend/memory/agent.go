package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// AgentStore is the map-backed agent record store the registry writes
// through.
type AgentStore struct {
	mu      sync.RWMutex
	records map[string]*data.AgentRecord
}

func NewAgentStore() *AgentStore {
	return &AgentStore{records: make(map[string]*data.AgentRecord)}
}

func (s *AgentStore) Upsert(_ context.Context, rec *data.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *AgentStore) Get(_ context.Context, id string) (*data.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "agent %s", id)
	}
	return rec.Clone(), nil
}

func (s *AgentStore) List(_ context.Context) ([]*data.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*data.AgentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
