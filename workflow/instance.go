package workflow

import (
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

// InstanceStatus is the lifecycle of a workflow instance.
type InstanceStatus string

const (
	InstancePending      InstanceStatus = "pending"
	InstanceRunning      InstanceStatus = "running"
	InstancePaused       InstanceStatus = "paused"
	InstanceCompleted    InstanceStatus = "completed"
	InstanceFailed       InstanceStatus = "failed"
	InstanceCancelled    InstanceStatus = "cancelled"
	InstanceCompensating InstanceStatus = "compensating"
)

// Terminal reports whether no further transitions are allowed.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle of one step instance.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepWaitingForEvent    StepStatus = "waiting_for_event"
	StepWaitingForApproval StepStatus = "waiting_for_approval"
)

// Settled reports whether the step no longer blocks its dependents.
func (s StepStatus) Settled() bool {
	return s == StepCompleted || s == StepSkipped
}

// Waiting reports whether the step suspends the instance.
func (s StepStatus) Waiting() bool {
	return s == StepWaitingForEvent || s == StepWaitingForApproval
}

// BranchResult is the outcome of one branch of a Parallel or ForEach step.
type BranchResult struct {
	Name   string     `json:"name,omitempty"`
	Status StepStatus `json:"status"`
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// StepInstance is the runtime record of one step within an instance.
type StepInstance struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount,omitempty"`

	// JobID links a job step to its dispatched job.
	JobID string `json:"jobId,omitempty"`
	// SubWorkflowInstanceID links a subworkflow step to its child instance.
	SubWorkflowInstanceID string         `json:"subWorkflowInstanceId,omitempty"`
	Branches              []BranchResult `json:"branches,omitempty"`

	// Waiting metadata, set while Status is a waiting state. SendEvent and
	// approval decisions match against these.
	WaitingEventType      string `json:"waitingEventType,omitempty"`
	WaitingCorrelationKey string `json:"waitingCorrelationKey,omitempty"`
	// Compensated marks that this step's compensation has run.
	Compensated bool `json:"compensated,omitempty"`
}

// Instance is one execution of a workflow definition.
type Instance struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	Status          InstanceStatus `json:"status"`
	Variables       map[string]any `json:"variables,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`

	Steps map[string]*StepInstance `json:"steps"`

	CorrelationID    string `json:"correlationId,omitempty"`
	ParentInstanceID string `json:"parentInstanceId,omitempty"`
	ParentStepID     string `json:"parentStepId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Version is the optimistic concurrency token the instance store CASes on.
	Version int64 `json:"version"`
}

// NewInstance materializes a Pending instance from a definition: input
// variables overlay the definition defaults and every step becomes a Pending
// step instance.
func NewInstance(def *Definition, input map[string]any) *Instance {
	vars := make(map[string]any, len(def.Variables)+len(input))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}
	steps := make(map[string]*StepInstance, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = &StepInstance{StepID: s.ID, Status: StepPending}
	}
	return &Instance{
		ID:              data.NewID(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          InstancePending,
		Variables:       vars,
		Input:           input,
		Steps:           steps,
		CreatedAt:       time.Now().UTC(),
	}
}

// WaitingStep returns the step instance currently suspending the instance.
// The engine suspends at most one step at a time; should a recovered record
// ever carry more, ties resolve by lowest step id.
func (in *Instance) WaitingStep() *StepInstance {
	var found *StepInstance
	for _, si := range in.Steps {
		if si.Status.Waiting() && (found == nil || si.StepID < found.StepID) {
			found = si
		}
	}
	return found
}

// Clone deep-copies the instance so store snapshots stay isolated from
// engine mutation. Step outputs are shared; callers treat them as immutable.
func (in *Instance) Clone() *Instance {
	cp := *in
	cp.Variables = cloneMap(in.Variables)
	cp.Input = cloneMap(in.Input)
	cp.Output = cloneMap(in.Output)
	cp.Steps = make(map[string]*StepInstance, len(in.Steps))
	for id, si := range in.Steps {
		s := *si
		if si.Branches != nil {
			s.Branches = append([]BranchResult(nil), si.Branches...)
		}
		cp.Steps[id] = &s
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResumeSignal carries the data delivered to a waiting step on resumption.
type ResumeSignal struct {
	// Approved and Approver apply to approval steps.
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comment  string `json:"comment,omitempty"`
	// Data applies to wait_for_event steps and becomes the step output.
	Data map[string]any `json:"data,omitempty"`
}
