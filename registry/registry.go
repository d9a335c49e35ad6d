// Package registry tracks the agent fleet: who is connected, with what
// capabilities and group membership, and whether they are healthy. The
// registry exclusively owns AgentRecord mutation; the session layer and
// dispatcher only read snapshots.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
	"github.com/orbitmesh/orbitmesh/pkg/journal"
)

// Store is the persistence contract for agent records. The registry writes
// through on every mutation so a restart can rehydrate the fleet view.
type Store interface {
	Upsert(ctx context.Context, rec *data.AgentRecord) error
	Get(ctx context.Context, id string) (*data.AgentRecord, error)
	List(ctx context.Context) ([]*data.AgentRecord, error)
}

// RegisterInput is the agent-supplied half of a registration.
type RegisterInput struct {
	AgentID      string
	Name         string
	Group        string
	Capabilities []string
	Tags         []string
	Attributes   map[string]string
}

// Filter selects agents for List. Zero fields match everything. Unless
// IncludeAll is set, agents in non-routable statuses are filtered out.
type Filter struct {
	Statuses     []data.AgentStatus
	Group        string
	Capabilities []string
	Tags         []string
	IncludeAll   bool
}

// Config carries the registry's dependencies and tuning.
type Config struct {
	Log              logr.Logger
	Store            Store
	Events           eventlog.Store
	HeartbeatTimeout time.Duration

	// OnExpired is invoked outside the registry lock for every agent the
	// heartbeat sweep marks Disconnected. The server uses it to release the
	// session and rescue the agent's in-flight jobs.
	OnExpired func(agentID, sessionID string)
}

// Registry is the in-memory fleet index. A single lock guards the record map
// and both secondary indices so they can never diverge; every mutation is
// O(1) against the indices.
type Registry struct {
	cfg Config
	log logr.Logger

	mu       sync.RWMutex
	agents   map[string]*data.AgentRecord
	capIndex map[string]map[string]struct{}
	grpIndex map[string]map[string]struct{}

	registered  prometheus.Counter
	connected   prometheus.Gauge
	expirations prometheus.Counter
}

// New builds a registry.
func New(cfg Config, reg prometheus.Registerer) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	r := &Registry{
		cfg:      cfg,
		log:      cfg.Log,
		agents:   make(map[string]*data.AgentRecord),
		capIndex: make(map[string]map[string]struct{}),
		grpIndex: make(map[string]map[string]struct{}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	r.registered = f.NewCounter(prometheus.CounterOpts{
		Name: "orbitmesh_agents_registered_total",
		Help: "Total agent registrations, including reconnects.",
	})
	r.connected = f.NewGauge(prometheus.GaugeOpts{
		Name: "orbitmesh_agents_connected",
		Help: "Agents currently holding a session.",
	})
	r.expirations = f.NewCounter(prometheus.CounterOpts{
		Name: "orbitmesh_agent_heartbeat_expirations_total",
		Help: "Agents marked disconnected by the heartbeat sweep.",
	})
	return r
}

// Register is idempotent. A re-registration from a new session takes over the
// record: most recent wins. The caller (session layer) is responsible for
// closing the superseded session.
func (r *Registry) Register(ctx context.Context, in RegisterInput, sessionID string) (*data.AgentRecord, error) {
	if in.AgentID == "" {
		return nil, errkind.Errorf(errkind.Validation, "agent id is required")
	}
	if sessionID == "" {
		return nil, errkind.Errorf(errkind.Validation, "session id is required")
	}

	now := time.Now().UTC()

	r.mu.Lock()
	rec, existed := r.agents[in.AgentID]
	if !existed {
		rec = &data.AgentRecord{ID: in.AgentID, RegisteredAt: now}
		r.agents[in.AgentID] = rec
	} else {
		r.unindexLocked(rec)
	}
	wasConnected := rec.Connected()
	rec.Name = in.Name
	rec.Group = in.Group
	rec.Capabilities = append([]string(nil), in.Capabilities...)
	rec.Tags = append([]string(nil), in.Tags...)
	rec.Status = data.AgentStatusReady
	rec.SessionID = sessionID
	rec.LastHeartbeat = now
	if rec.ReportedState == nil {
		rec.ReportedState = map[string]string{}
	}
	for k, v := range in.Attributes {
		rec.ReportedState[k] = v
	}
	r.indexLocked(rec)
	snapshot := rec.Clone()
	r.mu.Unlock()

	r.registered.Inc()
	if !wasConnected {
		r.connected.Inc()
	}

	eventType := eventlog.TypeAgentRegistered
	if existed {
		eventType = eventlog.TypeAgentReconnected
	}
	journal.Log(ctx, "agent registered", "agent", in.AgentID, "session", sessionID, "reconnect", existed)
	r.persist(ctx, snapshot, eventType)
	return snapshot, nil
}

// Unregister marks the agent Stopped and drops its session.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	return r.mutate(ctx, agentID, eventlog.TypeAgentStatusChanged, func(rec *data.AgentRecord) error {
		if rec.Connected() {
			r.connected.Dec()
		}
		rec.Status = data.AgentStatusStopped
		rec.SessionID = ""
		return nil
	})
}

// UpdateStatus applies an agent-reported status change.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status data.AgentStatus) error {
	return r.mutate(ctx, agentID, eventlog.TypeAgentStatusChanged, func(rec *data.AgentRecord) error {
		rec.Status = status
		return nil
	})
}

// Heartbeat refreshes liveness and merges reported state. A heartbeat from a
// Disconnected agent that still holds its session restores it to Ready.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, reported map[string]string) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errkind.Errorf(errkind.NotFound, "agent %s not registered", agentID)
	}
	rec.LastHeartbeat = time.Now().UTC()
	for k, v := range reported {
		if rec.ReportedState == nil {
			rec.ReportedState = map[string]string{}
		}
		rec.ReportedState[k] = v
	}
	if rec.Status == data.AgentStatusDisconnected && rec.Connected() {
		rec.Status = data.AgentStatusReady
	}
	snapshot := rec.Clone()
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.Upsert(ctx, snapshot); err != nil {
			r.log.Error(err, "persisting heartbeat", "agent", agentID)
		}
	}
	return nil
}

// ReleaseSession marks the agent Disconnected if sessionID still owns the
// record. Stale session teardown (after a most-recent-wins replacement) is a
// no-op. An agent that reported Faulted stays Faulted.
func (r *Registry) ReleaseSession(ctx context.Context, agentID, sessionID string) error {
	return r.mutate(ctx, agentID, eventlog.TypeAgentDisconnected, func(rec *data.AgentRecord) error {
		if rec.SessionID != sessionID {
			return errkind.Errorf(errkind.Conflict, "session %s no longer owns agent %s", sessionID, agentID)
		}
		r.connected.Dec()
		rec.SessionID = ""
		if rec.Status != data.AgentStatusFaulted {
			rec.Status = data.AgentStatusDisconnected
		}
		return nil
	})
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(_ context.Context, agentID string) (*data.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "agent %s not registered", agentID)
	}
	return rec.Clone(), nil
}

// List returns snapshots matching the filter, sorted by id for deterministic
// routing order.
func (r *Registry) List(_ context.Context, f Filter) []*data.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*data.AgentRecord{}
	for _, rec := range r.agents {
		if !f.IncludeAll && !rec.Status.Routable() {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(rec.Status, f.Statuses) {
			continue
		}
		if f.Group != "" && rec.Group != f.Group {
			continue
		}
		if !rec.HasCapabilities(f.Capabilities) || !rec.HasTags(f.Tags) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns routable agents holding the capability, via the index.
func (r *Registry) ByCapability(_ context.Context, capability string) []*data.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.capIndex[capability])
}

// ByGroup returns routable agents in the group, via the index.
func (r *Registry) ByGroup(_ context.Context, group string) []*data.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.grpIndex[group])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []*data.AgentRecord {
	out := []*data.AgentRecord{}
	for id := range ids {
		rec, ok := r.agents[id]
		if !ok || !rec.Status.Routable() {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) mutate(ctx context.Context, agentID, eventType string, fn func(*data.AgentRecord) error) error {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return errkind.Errorf(errkind.NotFound, "agent %s not registered", agentID)
	}
	r.unindexLocked(rec)
	err := fn(rec)
	r.indexLocked(rec)
	snapshot := rec.Clone()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.persist(ctx, snapshot, eventType)
	return nil
}

func (r *Registry) persist(ctx context.Context, rec *data.AgentRecord, eventType string) {
	if r.cfg.Store != nil {
		if err := r.cfg.Store.Upsert(ctx, rec); err != nil {
			r.log.Error(err, "persisting agent record", "agent", rec.ID)
		}
	}
	if r.cfg.Events != nil {
		ev := eventlog.New(eventlog.AgentStream(rec.ID), eventType, eventlog.Snapshot(rec))
		if _, err := r.cfg.Events.Append(ctx, ev.StreamID, []eventlog.Event{ev}, eventlog.AnyVersion); err != nil {
			r.log.Error(err, "appending agent event", "agent", rec.ID, "type", eventType)
		}
	}
}

func (r *Registry) indexLocked(rec *data.AgentRecord) {
	for _, c := range rec.Capabilities {
		if r.capIndex[c] == nil {
			r.capIndex[c] = map[string]struct{}{}
		}
		r.capIndex[c][rec.ID] = struct{}{}
	}
	if rec.Group != "" {
		if r.grpIndex[rec.Group] == nil {
			r.grpIndex[rec.Group] = map[string]struct{}{}
		}
		r.grpIndex[rec.Group][rec.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(rec *data.AgentRecord) {
	for _, c := range rec.Capabilities {
		delete(r.capIndex[c], rec.ID)
	}
	if rec.Group != "" {
		delete(r.grpIndex[rec.Group], rec.ID)
	}
}

func statusIn(s data.AgentStatus, set []data.AgentStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
