// Package memory provides the in-process backend: agent, job, workflow
// definition and workflow instance stores backed by maps, with job
// transitions appending domain events to an event log. It is the default
// backend for single-node deployments and the workhorse for tests.
package memory

import (
	"context"

	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

// Backend bundles one store per aggregate plus the shared event log.
type Backend struct {
	Agents      *AgentStore
	Jobs        *JobStore
	Definitions *DefinitionStore
	Instances   *InstanceStore
	Events      *eventlog.MemoryStore
}

// New builds a backend around a fresh event log.
func New() *Backend {
	events := eventlog.NewMemoryStore()
	return &Backend{
		Agents:      NewAgentStore(),
		Jobs:        NewJobStore(events),
		Definitions: NewDefinitionStore(),
		Instances:   NewInstanceStore(),
		Events:      events,
	}
}

// Recover rebuilds the job store projection from the event log. Agent records
// rehydrate through the registry's own store writes; instances are replayed
// the same way by the engine's owner.
func (b *Backend) Recover(ctx context.Context) error {
	return b.Jobs.recover(ctx, b.Events)
}
