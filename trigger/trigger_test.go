package trigger

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/pkg/backend/memory"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/workflow"
)

type startCall struct {
	workflowID    string
	version       int
	input         map[string]any
	correlationID string
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
}

func (f *fakeStarter) Start(_ context.Context, workflowID string, version int, input map[string]any, correlationID string) (*workflow.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{workflowID: workflowID, version: version, input: input, correlationID: correlationID})
	return &workflow.Instance{ID: "inst-1", WorkflowID: workflowID}, nil
}

func (f *fakeStarter) started() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func defWithTriggers(id string, triggers ...workflow.Trigger) *workflow.Definition {
	return &workflow.Definition{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Triggers: triggers,
		Steps: []workflow.Step{
			{ID: "s1", Type: workflow.StepLog, Config: workflow.StepConfig{Message: "fired"}},
		},
	}
}

func newTestService(t *testing.T, defs ...*workflow.Definition) (*Service, *fakeStarter) {
	t.Helper()
	store := memory.NewDefinitionStore()
	for _, def := range defs {
		require.NoError(t, store.SaveDefinition(context.Background(), def), "saving %s", def.ID)
	}
	engine := &fakeStarter{}
	s := NewService(logr.Discard(), store, engine)
	require.NoError(t, s.Reload(context.Background()))
	return s, engine
}

func TestFireStartsInstance(t *testing.T) {
	s, engine := newTestService(t, defWithTriggers("deploy"))

	in, err := s.Fire(context.Background(), "deploy", 0, map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "deploy", in.WorkflowID)

	calls := engine.started()
	require.Len(t, calls, 1)
	assert.Equal(t, "prod", calls[0].input["env"])
	assert.True(t, strings.HasPrefix(calls[0].correlationID, "manual:"), "correlation = %s", calls[0].correlationID)
}

func TestPublishEventMatchesByType(t *testing.T) {
	s, engine := newTestService(t, defWithTriggers("onboard", workflow.Trigger{
		Kind:      workflow.TriggerEvent,
		EventType: "agent.registered",
		Input:     map[string]any{"mode": "auto"},
	}))

	started, err := s.PublishEvent(context.Background(), "agent.registered", map[string]any{"agentId": "a1"})
	require.NoError(t, err)
	require.Equal(t, 1, started)

	call := engine.started()[0]
	assert.Equal(t, "onboard", call.workflowID)
	// Trigger input and the event payload both reach the instance.
	assert.Equal(t, "auto", call.input["mode"])
	event, ok := call.input["event"].(map[string]any)
	require.True(t, ok, "event payload = %v", call.input["event"])
	assert.Equal(t, "a1", event["agentId"])
	assert.True(t, strings.HasPrefix(call.correlationID, "event:agent.registered:"), "correlation = %s", call.correlationID)
}

func TestPublishEventUnknownTypeIsNoop(t *testing.T) {
	s, engine := newTestService(t, defWithTriggers("onboard", workflow.Trigger{
		Kind:      workflow.TriggerEvent,
		EventType: "agent.registered",
	}))

	started, err := s.PublishEvent(context.Background(), "agent.disconnected", map[string]any{"agentId": "a1"})
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.Empty(t, engine.started())
}

func TestPublishEventPatternFilters(t *testing.T) {
	s, engine := newTestService(t, defWithTriggers("eu-rollout", workflow.Trigger{
		Kind:         workflow.TriggerEvent,
		EventType:    "deploy.requested",
		EventPattern: `{"region": ["eu"]}`,
	}))
	ctx := context.Background()

	started, err := s.PublishEvent(ctx, "deploy.requested", map[string]any{"region": "us"})
	require.NoError(t, err)
	assert.Zero(t, started, "non-matching payload fired a trigger")

	started, err = s.PublishEvent(ctx, "deploy.requested", map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Len(t, engine.started(), 1)
}

func TestPublishEventFansOutToAllBindings(t *testing.T) {
	s, engine := newTestService(t,
		defWithTriggers("audit", workflow.Trigger{Kind: workflow.TriggerEvent, EventType: "job.failed"}),
		defWithTriggers("page-oncall", workflow.Trigger{Kind: workflow.TriggerEvent, EventType: "job.failed"}),
	)

	started, err := s.PublishEvent(context.Background(), "job.failed", map[string]any{"jobId": "j1"})
	require.NoError(t, err)
	assert.Equal(t, 2, started)

	ids := map[string]bool{}
	for _, c := range engine.started() {
		ids[c.workflowID] = true
	}
	assert.True(t, ids["audit"] && ids["page-oncall"], "fired workflows = %v", ids)
}

func TestReloadDropsDisabledDefinitions(t *testing.T) {
	store := memory.NewDefinitionStore()
	def := defWithTriggers("toggle", workflow.Trigger{Kind: workflow.TriggerEvent, EventType: "ping"})
	require.NoError(t, store.SaveDefinition(context.Background(), def))

	engine := &fakeStarter{}
	s := NewService(logr.Discard(), store, engine)
	ctx := context.Background()
	require.NoError(t, s.Reload(ctx))

	started, err := s.PublishEvent(ctx, "ping", map[string]any{"source": "test"})
	require.NoError(t, err)
	require.Equal(t, 1, started)

	// Disabling the definition and reloading unbinds its triggers.
	off := defWithTriggers("toggle", workflow.Trigger{Kind: workflow.TriggerEvent, EventType: "ping"})
	off.Enabled = false
	off.Version = 0
	require.NoError(t, store.SaveDefinition(ctx, off))
	require.NoError(t, s.Reload(ctx))

	started, err = s.PublishEvent(ctx, "ping", map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Zero(t, started, "disabled trigger fired")
}

func TestReloadRejectsBadCron(t *testing.T) {
	store := memory.NewDefinitionStore()
	def := defWithTriggers("nightly", workflow.Trigger{Kind: workflow.TriggerCron, Cron: "not a cron"})
	require.NoError(t, store.SaveDefinition(context.Background(), def))

	s := NewService(logr.Discard(), store, &fakeStarter{})
	err := s.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.Validation), "err = %v", err)
}
