// Package data holds the domain records shared across control-plane
// components: agents, jobs, progress and stream items, and the job state
// machine. Records here carry no behavior beyond invariant checks; mutation
// is owned by the component stores.
package data

import (
	"time"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusCreated      AgentStatus = "created"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusReady        AgentStatus = "ready"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusStopping     AgentStatus = "stopping"
	AgentStatusStopped      AgentStatus = "stopped"
	AgentStatusFaulted      AgentStatus = "faulted"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// Routable reports whether an agent in this status may be offered work.
func (s AgentStatus) Routable() bool {
	switch s {
	case AgentStatusReady, AgentStatusRunning, AgentStatusPaused:
		return true
	default:
		return false
	}
}

// AgentRecord is the registry's view of one agent. SessionID is non-empty
// exactly while the agent is connected.
type AgentRecord struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Group         string            `json:"group,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        AgentStatus       `json:"status"`
	SessionID     string            `json:"sessionId,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	ReportedState map[string]string `json:"reportedState,omitempty"`
	RegisteredAt  time.Time         `json:"registeredAt"`
}

// HasCapabilities reports whether the agent possesses every required
// capability.
func (a *AgentRecord) HasCapabilities(required []string) bool {
	return containsAll(a.Capabilities, required)
}

// HasTags reports whether the agent carries every required tag.
func (a *AgentRecord) HasTags(required []string) bool {
	return containsAll(a.Tags, required)
}

// Connected reports whether the agent currently holds a session.
func (a *AgentRecord) Connected() bool {
	return a.SessionID != ""
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (a *AgentRecord) Clone() *AgentRecord {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Tags = append([]string(nil), a.Tags...)
	if a.ReportedState != nil {
		cp.ReportedState = make(map[string]string, len(a.ReportedState))
		for k, v := range a.ReportedState {
			cp.ReportedState[k] = v
		}
	}
	return &cp
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
