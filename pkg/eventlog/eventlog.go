// Package eventlog defines the append-only event store contract that makes
// the control plane recoverable. Every state transition in the registry, job
// store and workflow engine appends a domain event here; aggregate stores are
// projections that can be rebuilt from the log.
package eventlog

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

// Domain event types, grouped by stream family.
const (
	TypeAgentRegistered    = "agent.registered"
	TypeAgentReconnected   = "agent.reconnected"
	TypeAgentDisconnected  = "agent.disconnected"
	TypeAgentStatusChanged = "agent.status_changed"

	TypeJobCreated   = "job.created"
	TypeJobAssigned  = "job.assigned"
	TypeJobAcked     = "job.acked"
	TypeJobReleased  = "job.released"
	TypeJobProgress  = "job.progress"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
	TypeJobTimedOut  = "job.timed_out"

	TypeInstanceCreated       = "instance.created"
	TypeInstanceStarted       = "instance.started"
	TypeInstancePaused        = "instance.paused"
	TypeInstanceResumed       = "instance.resumed"
	TypeInstanceCompleted     = "instance.completed"
	TypeInstanceFailed        = "instance.failed"
	TypeInstanceCancelled     = "instance.cancelled"
	TypeStepStarted           = "step.started"
	TypeStepCompleted         = "step.completed"
	TypeStepFailed            = "step.failed"
	TypeStepSkipped           = "step.skipped"
	TypeCompensationStarted   = "compensation.started"
	TypeCompensationCompleted = "compensation.completed"
)

// Event is one record in a stream. Version is monotonic per stream, Position
// monotonic across the whole log.
type Event struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	Version   int64     `json:"version"`
	Position  int64     `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// AnyVersion disables the optimistic concurrency check on Append.
const AnyVersion int64 = -1

// Store is the event log contract. Append is atomic per stream: either every
// event is appended with consecutive versions or none are.
type Store interface {
	// Append appends events to streamID. expectedVersion is the version the
	// caller last observed for the stream (0 for a new stream, AnyVersion to
	// skip the check). Returns the new stream version or a Conflict error.
	Append(ctx context.Context, streamID string, events []Event, expectedVersion int64) (int64, error)

	// ReadStream returns events of streamID with Version >= fromVersion.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]Event, error)

	// ReadAll returns up to maxCount events with Position >= fromPosition,
	// across all streams in position order. maxCount <= 0 means no limit.
	ReadAll(ctx context.Context, fromPosition int64, maxCount int) ([]Event, error)
}

// New builds an event with a fresh ID and timestamp. Version and Position are
// assigned by the store on append.
func New(streamID, eventType string, payload []byte) Event {
	return Event{
		ID:        data.NewID(),
		StreamID:  streamID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// JobStream returns the stream ID for a job aggregate.
func JobStream(jobID string) string { return "job/" + jobID }

// AgentStream returns the stream ID for an agent aggregate.
func AgentStream(agentID string) string { return "agent/" + agentID }

// InstanceStream returns the stream ID for a workflow instance aggregate.
func InstanceStream(instanceID string) string { return "instance/" + instanceID }
