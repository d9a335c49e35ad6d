// Package session owns the per-agent bidirectional channel: it serializes
// outbound invocations per session, routes inbound frames to a Handler, and
// surfaces channel loss as SessionLost to every caller holding an in-flight
// invocation. The concrete transport is abstract; see natschan for the
// bundled implementation.
package session

import (
	"encoding/json"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

// Frame kinds, server to agent.
const (
	KindExecuteJob     = "execute_job"
	KindCancelJob      = "cancel_job"
	KindProbe          = "probe"
	KindResourceReport = "resource_report"
	KindValidateJob    = "validate_job"
	KindResyncState    = "resync_state"
)

// Frame kinds, agent to server.
const (
	KindRegister    = "register"
	KindHeartbeat   = "heartbeat"
	KindAckJob      = "ack_job"
	KindProgress    = "progress"
	KindStreamItem  = "stream_item"
	KindResult      = "result"
	KindStateReport = "state_report"
)

// Frame is the unit of exchange on a channel. The transport guarantees
// per-connection ordering; the session layer guarantees one writer per side.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame. Payloads are plain records; a
// marshal failure is an invariant violation.
func NewFrame(kind string, payload any) Frame {
	b, err := json.Marshal(payload)
	if err != nil {
		panic("session: unserializable frame payload: " + err.Error())
	}
	return Frame{Kind: kind, Payload: b}
}

// RegisterRequest announces an agent on a fresh channel.
type RegisterRequest struct {
	AgentID      string            `json:"agentId"`
	Name         string            `json:"name,omitempty"`
	Group        string            `json:"group,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Heartbeat is the agent's periodic liveness report.
type Heartbeat struct {
	AgentID       string            `json:"agentId"`
	Status        data.AgentStatus  `json:"status,omitempty"`
	ReportedState map[string]string `json:"reportedState,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// AckJob confirms delivery of a job to the agent.
type AckJob struct {
	AgentID string `json:"agentId"`
	JobID   string `json:"jobId"`
}

// ResultReport carries the final outcome of a job.
type ResultReport struct {
	AgentID string         `json:"agentId"`
	JobID   string         `json:"jobId"`
	Result  data.JobResult `json:"result"`
}

// StateReport answers a resync request with the agent's current view.
type StateReport struct {
	AgentID       string            `json:"agentId"`
	RunningJobIDs []string          `json:"runningJobIds,omitempty"`
	ReportedState map[string]string `json:"reportedState,omitempty"`
}

// ExecuteJob instructs the agent to run a job.
type ExecuteJob struct {
	JobID    string          `json:"jobId"`
	Command  string          `json:"command"`
	Payload  []byte          `json:"payload,omitempty"`
	Pattern  data.JobPattern `json:"pattern"`
	Priority int             `json:"priority"`
	Timeout  time.Duration   `json:"timeout"`
}

// CancelJob instructs the agent to stop a job it holds.
type CancelJob struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// Probe is a health check. The agent answers with a heartbeat frame.
type Probe struct {
	Nonce string `json:"nonce,omitempty"`
}

// ValidateJob asks the agent whether it could run the command without
// executing it.
type ValidateJob struct {
	JobID   string `json:"jobId"`
	Command string `json:"command"`
}

// ResyncState asks the agent to report the jobs it is still running, so the
// dispatcher can reconcile after a reconnect.
type ResyncState struct{}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	return json.Unmarshal(f.Payload, out)
}
