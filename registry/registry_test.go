package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"

	"github.com/orbitmesh/orbitmesh/pkg/backend/memory"
	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

func newTestRegistry(t *testing.T, mod func(*Config)) (*Registry, *memory.AgentStore) {
	t.Helper()
	store := memory.NewAgentStore()
	cfg := Config{
		Log:              logr.Discard(),
		Store:            store,
		Events:           eventlog.NewMemoryStore(),
		HeartbeatTimeout: 100 * time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg, nil), store
}

func register(t *testing.T, r *Registry, in RegisterInput, sessionID string) *data.AgentRecord {
	t.Helper()
	rec, err := r.Register(context.Background(), in, sessionID)
	if err != nil {
		t.Fatalf("Register %s: %v", in.AgentID, err)
	}
	return rec
}

func TestRegisterValidates(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Register(ctx, RegisterInput{}, "s1"); !errkind.IsKind(err, errkind.Validation) {
		t.Errorf("missing agent id: %v", err)
	}
	if _, err := r.Register(ctx, RegisterInput{AgentID: "a1"}, ""); !errkind.IsKind(err, errkind.Validation) {
		t.Errorf("missing session id: %v", err)
	}
}

func TestRegisterPersistsAndIndexes(t *testing.T) {
	r, store := newTestRegistry(t, nil)
	ctx := context.Background()

	rec := register(t, r, RegisterInput{
		AgentID:      "a1",
		Name:         "worker-1",
		Group:        "builders",
		Capabilities: []string{"docker", "gpu"},
		Tags:         []string{"region:eu"},
		Attributes:   map[string]string{"os": "linux"},
	}, "s1")

	if rec.Status != data.AgentStatusReady || rec.SessionID != "s1" {
		t.Fatalf("record = %s/%s", rec.Status, rec.SessionID)
	}
	if rec.ReportedState["os"] != "linux" {
		t.Errorf("attributes not merged: %v", rec.ReportedState)
	}

	persisted, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("store Get: %v", err)
	}
	if diff := cmp.Diff(rec, persisted); diff != "" {
		t.Errorf("persisted record mismatch (-mem +store):\n%s", diff)
	}

	if got := r.ByCapability(ctx, "gpu"); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("ByCapability(gpu) = %v", got)
	}
	if got := r.ByGroup(ctx, "builders"); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("ByGroup(builders) = %v", got)
	}
}

func TestReRegisterMostRecentWins(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	register(t, r, RegisterInput{AgentID: "a1", Capabilities: []string{"old"}}, "s1")
	rec := register(t, r, RegisterInput{AgentID: "a1", Capabilities: []string{"new"}}, "s2")

	if rec.SessionID != "s2" {
		t.Fatalf("session = %s, want s2", rec.SessionID)
	}
	// The reconnect replaces the capability set, including the index.
	if got := r.ByCapability(ctx, "old"); len(got) != 0 {
		t.Errorf("stale capability still indexed: %v", got)
	}
	if got := r.ByCapability(ctx, "new"); len(got) != 1 {
		t.Errorf("new capability not indexed: %v", got)
	}

	// Teardown of the superseded session must not clobber the new one.
	if err := r.ReleaseSession(ctx, "a1", "s1"); !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("stale release: %v", err)
	}
	cur, _ := r.Get(ctx, "a1")
	if cur.SessionID != "s2" || cur.Status != data.AgentStatusReady {
		t.Errorf("record after stale release = %s/%s", cur.Status, cur.SessionID)
	}
}

func TestReleaseSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	register(t, r, RegisterInput{AgentID: "a1"}, "s1")
	if err := r.ReleaseSession(ctx, "a1", "s1"); err != nil {
		t.Fatalf("ReleaseSession: %v", err)
	}
	rec, _ := r.Get(ctx, "a1")
	if rec.Status != data.AgentStatusDisconnected || rec.SessionID != "" {
		t.Errorf("record = %s/%q", rec.Status, rec.SessionID)
	}

	// A faulted agent keeps its status through disconnect.
	register(t, r, RegisterInput{AgentID: "a2"}, "s2")
	r.UpdateStatus(ctx, "a2", data.AgentStatusFaulted)
	if err := r.ReleaseSession(ctx, "a2", "s2"); err != nil {
		t.Fatalf("ReleaseSession: %v", err)
	}
	rec, _ = r.Get(ctx, "a2")
	if rec.Status != data.AgentStatusFaulted {
		t.Errorf("faulted agent became %s", rec.Status)
	}
}

func TestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := r.Heartbeat(ctx, "ghost", nil); !errkind.IsKind(err, errkind.NotFound) {
		t.Fatalf("heartbeat from unknown agent: %v", err)
	}

	register(t, r, RegisterInput{AgentID: "a1"}, "s1")
	if err := r.Heartbeat(ctx, "a1", map[string]string{"load": "0.3"}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ := r.Get(ctx, "a1")
	if rec.ReportedState["load"] != "0.3" {
		t.Errorf("reported state = %v", rec.ReportedState)
	}

	// A heartbeat from a Disconnected agent that kept its session restores it.
	r.UpdateStatus(ctx, "a1", data.AgentStatusDisconnected)
	if err := r.Heartbeat(ctx, "a1", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ = r.Get(ctx, "a1")
	if rec.Status != data.AgentStatusReady {
		t.Errorf("status after restoring heartbeat = %s", rec.Status)
	}
}

func TestSweepExpiresLapsedAgents(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	r, store := newTestRegistry(t, func(c *Config) {
		c.OnExpired = func(agentID, sessionID string) {
			mu.Lock()
			fired = append(fired, agentID+"/"+sessionID)
			mu.Unlock()
		}
	})
	ctx := context.Background()

	register(t, r, RegisterInput{AgentID: "stale"}, "s1")
	register(t, r, RegisterInput{AgentID: "fresh"}, "s2")

	// Age one agent past the timeout.
	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = time.Now().UTC().Add(-time.Second)
	r.mu.Unlock()

	r.sweep(ctx, time.Now().UTC())

	mu.Lock()
	gotFired := append([]string(nil), fired...)
	mu.Unlock()
	if len(gotFired) != 1 || gotFired[0] != "stale/s1" {
		t.Fatalf("OnExpired fired for %v", gotFired)
	}

	rec, _ := r.Get(ctx, "stale")
	if rec.Status != data.AgentStatusDisconnected || rec.SessionID != "" {
		t.Errorf("expired record = %s/%q", rec.Status, rec.SessionID)
	}
	persisted, _ := store.Get(ctx, "stale")
	if persisted.Status != data.AgentStatusDisconnected {
		t.Errorf("expiry not persisted: %s", persisted.Status)
	}

	rec, _ = r.Get(ctx, "fresh")
	if rec.Status != data.AgentStatusReady || rec.SessionID != "s2" {
		t.Errorf("fresh record = %s/%q", rec.Status, rec.SessionID)
	}
}

func TestListFilters(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	register(t, r, RegisterInput{AgentID: "b", Group: "g1", Capabilities: []string{"c1"}}, "s1")
	register(t, r, RegisterInput{AgentID: "a", Group: "g1"}, "s2")
	register(t, r, RegisterInput{AgentID: "c", Group: "g2", Tags: []string{"t1"}}, "s3")
	r.Unregister(ctx, "c")

	ids := func(recs []*data.AgentRecord) []string {
		out := []string{}
		for _, rec := range recs {
			out = append(out, rec.ID)
		}
		return out
	}

	tests := map[string]struct {
		filter Filter
		want   []string
	}{
		"routable only, sorted": {Filter{}, []string{"a", "b"}},
		"include all":           {Filter{IncludeAll: true}, []string{"a", "b", "c"}},
		"by group":              {Filter{Group: "g1"}, []string{"a", "b"}},
		"by capability":         {Filter{Capabilities: []string{"c1"}}, []string{"b"}},
		"by status": {Filter{
			Statuses:   []data.AgentStatus{data.AgentStatusStopped},
			IncludeAll: true,
		}, []string{"c"}},
		"no match": {Filter{Group: "g3"}, []string{}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, ids(r.List(ctx, tc.filter))); diff != "" {
				t.Errorf("List mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	events := eventlog.NewMemoryStore()
	r, _ := newTestRegistry(t, func(c *Config) { c.Events = events })
	ctx := context.Background()

	register(t, r, RegisterInput{AgentID: "a1"}, "s1")
	register(t, r, RegisterInput{AgentID: "a1"}, "s2")
	r.ReleaseSession(ctx, "a1", "s2")

	evs, err := events.ReadStream(ctx, eventlog.AgentStream("a1"), 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := []string{eventlog.TypeAgentRegistered, eventlog.TypeAgentReconnected, eventlog.TypeAgentDisconnected}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
}
