// Package workflow contains the workflow definition model, the step
// executors and the engine that runs instances: DAG scheduling, suspension
// on approvals and external events, resumption, cancellation and
// compensation.
package workflow

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// StepType names an executor.
type StepType string

const (
	StepJob          StepType = "job"
	StepDelay        StepType = "delay"
	StepTransform    StepType = "transform"
	StepParallel     StepType = "parallel"
	StepConditional  StepType = "conditional"
	StepForEach      StepType = "foreach"
	StepSubWorkflow  StepType = "subworkflow"
	StepNotify       StepType = "notify"
	StepApproval     StepType = "approval"
	StepWaitForEvent StepType = "wait_for_event"
	StepLog          StepType = "log"
)

func (t StepType) valid() bool {
	switch t {
	case StepJob, StepDelay, StepTransform, StepParallel, StepConditional,
		StepForEach, StepSubWorkflow, StepNotify, StepApproval, StepWaitForEvent, StepLog:
		return true
	default:
		return false
	}
}

// ErrorPolicy governs what the engine does when a step fails.
type ErrorPolicy string

const (
	StopOnFirstError     ErrorPolicy = "stop_on_first_error"
	ContinueAndAggregate ErrorPolicy = "continue_and_aggregate"
	Compensate           ErrorPolicy = "compensate"
)

// TimeoutAction is the approval decision applied when no approver answers in
// time.
type TimeoutAction string

const (
	TimeoutReject  TimeoutAction = "reject"
	TimeoutApprove TimeoutAction = "approve"
)

// TriggerKind names how an instance gets started.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerCron   TriggerKind = "cron"
	TriggerEvent  TriggerKind = "event"
)

// Trigger starts instances of a definition. Cron triggers carry a cron
// expression; event triggers carry an event type plus an optional pattern
// matched against the event payload.
type Trigger struct {
	Kind TriggerKind `yaml:"kind"`
	// Cron is a standard 5-field cron expression.
	Cron string `yaml:"cron,omitempty"`
	// EventType selects which published events are candidates.
	EventType string `yaml:"eventType,omitempty"`
	// EventPattern is a JSON pattern the event payload must match. Empty
	// matches every event of EventType.
	EventPattern string `yaml:"eventPattern,omitempty"`
	// Input seeds instance input, merged under the trigger data.
	Input map[string]any `yaml:"input,omitempty"`
}

// Branch is a named step group inside a Parallel step.
type Branch struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// StepConfig carries the type-specific settings of a step. Only the fields
// relevant to the step's type are read.
type StepConfig struct {
	// Job
	Command              string         `yaml:"command,omitempty"`
	Payload              map[string]any `yaml:"payload,omitempty"`
	Pattern              string         `yaml:"pattern,omitempty"`
	Priority             int            `yaml:"priority,omitempty"`
	TargetAgentID        string         `yaml:"targetAgentId,omitempty"`
	TargetGroup          string         `yaml:"targetGroup,omitempty"`
	RequiredCapabilities []string       `yaml:"requiredCapabilities,omitempty"`
	RequiredTags         []string       `yaml:"requiredTags,omitempty"`
	JobTimeout           time.Duration  `yaml:"jobTimeout,omitempty"`

	// Delay
	Duration time.Duration `yaml:"duration,omitempty"`

	// Transform
	Expression string `yaml:"expression,omitempty"`

	// Parallel
	Branches       []Branch `yaml:"branches,omitempty"`
	MaxConcurrency int      `yaml:"maxConcurrency,omitempty"`
	FailFast       *bool    `yaml:"failFast,omitempty"`

	// Conditional
	Then []Step `yaml:"then,omitempty"`
	Else []Step `yaml:"else,omitempty"`

	// ForEach
	Collection      string `yaml:"collection,omitempty"`
	ItemVariable    string `yaml:"itemVariable,omitempty"`
	IndexVariable   string `yaml:"indexVariable,omitempty"`
	Body            []Step `yaml:"body,omitempty"`
	ContinueOnError bool   `yaml:"continueOnError,omitempty"`

	// SubWorkflow
	WorkflowID        string         `yaml:"workflowId,omitempty"`
	WorkflowVersion   int            `yaml:"workflowVersion,omitempty"`
	Input             map[string]any `yaml:"input,omitempty"`
	WaitForCompletion bool           `yaml:"waitForCompletion,omitempty"`

	// Notify
	Channel string `yaml:"channel,omitempty"`
	Target  string `yaml:"target,omitempty"`
	Subject string `yaml:"subject,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Approval
	Approvers       []string      `yaml:"approvers,omitempty"`
	ApprovalTimeout time.Duration `yaml:"approvalTimeout,omitempty"`
	TimeoutAction   TimeoutAction `yaml:"timeoutAction,omitempty"`

	// WaitForEvent
	EventType      string `yaml:"eventType,omitempty"`
	CorrelationKey string `yaml:"correlationKey,omitempty"`

	// Log
	Level string `yaml:"level,omitempty"`
}

// Step is one node of a workflow DAG. DependsOn references resolve among
// sibling steps of the same list.
type Step struct {
	ID              string        `yaml:"id" validate:"required"`
	Name            string        `yaml:"name,omitempty"`
	Type            StepType      `yaml:"type" validate:"required"`
	Config          StepConfig    `yaml:"config,omitempty"`
	DependsOn       []string      `yaml:"dependsOn,omitempty"`
	Condition       string        `yaml:"condition,omitempty"`
	OutputVariable  string        `yaml:"outputVariable,omitempty"`
	MaxRetries      int           `yaml:"maxRetries,omitempty"`
	RetryDelay      time.Duration `yaml:"retryDelay,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	ContinueOnError bool          `yaml:"continueOnError,omitempty"`
	// Compensation runs when the instance compensates after this step
	// completed. Compensation steps never have dependencies.
	Compensation *Step `yaml:"compensation,omitempty"`
}

// Definition is a versioned workflow.
type Definition struct {
	ID          string         `yaml:"id" validate:"required"`
	Version     int            `yaml:"version"`
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description,omitempty"`
	Steps       []Step         `yaml:"steps" validate:"required,min=1"`
	Triggers    []Trigger      `yaml:"triggers,omitempty"`
	Variables   map[string]any `yaml:"variables,omitempty"`
	ErrorPolicy ErrorPolicy    `yaml:"errorPolicy,omitempty"`
	Tags        []string       `yaml:"tags,omitempty"`
	Enabled     bool           `yaml:"enabled"`
}

var validate = validator.New()

// Parse decodes a YAML definition and validates it.
func Parse(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, errkind.New(errkind.Validation, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants: required fields, known step types,
// unique step ids, resolvable dependencies and an acyclic graph. Nested step
// groups are validated recursively.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return errkind.New(errkind.Validation, err)
	}
	switch d.ErrorPolicy {
	case "", StopOnFirstError, ContinueAndAggregate, Compensate:
	default:
		return errkind.Errorf(errkind.Validation, "workflow %s: unknown error policy %q", d.ID, d.ErrorPolicy)
	}
	for _, t := range d.Triggers {
		switch t.Kind {
		case TriggerManual:
		case TriggerCron:
			if t.Cron == "" {
				return errkind.Errorf(errkind.Validation, "workflow %s: cron trigger without expression", d.ID)
			}
		case TriggerEvent:
			if t.EventType == "" {
				return errkind.Errorf(errkind.Validation, "workflow %s: event trigger without event type", d.ID)
			}
		default:
			return errkind.Errorf(errkind.Validation, "workflow %s: unknown trigger kind %q", d.ID, t.Kind)
		}
	}
	return validateSteps(d.ID, d.Steps, false)
}

// Policy returns the effective error policy.
func (d *Definition) Policy() ErrorPolicy {
	if d.ErrorPolicy == "" {
		return StopOnFirstError
	}
	return d.ErrorPolicy
}

// StepByID finds a top-level step.
func (d *Definition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// validateSteps checks one step group. nested marks groups below the top
// level (parallel branches, conditional arms, foreach bodies, compensations),
// where suspension step types are not allowed.
func validateSteps(wf string, steps []Step, nested bool) error {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return errkind.Errorf(errkind.Validation, "workflow %s: step without id", wf)
		}
		if !s.Type.valid() {
			return errkind.Errorf(errkind.Validation, "workflow %s: step %s: unknown type %q", wf, s.ID, s.Type)
		}
		if nested && stepCanWait(s.Type) {
			return errkind.Errorf(errkind.Validation, "workflow %s: step %s: %s step cannot suspend inside a nested group", wf, s.ID, s.Type)
		}
		if _, dup := byID[s.ID]; dup {
			return errkind.Errorf(errkind.Validation, "workflow %s: duplicate step id %q", wf, s.ID)
		}
		byID[s.ID] = s
	}
	for i := range steps {
		s := &steps[i]
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return errkind.Errorf(errkind.Validation, "workflow %s: step %s depends on unknown step %q", wf, s.ID, dep)
			}
		}
		if err := validateStepConfig(wf, s); err != nil {
			return err
		}
	}
	if _, err := TopoSort(steps); err != nil {
		return err
	}
	return nil
}

func validateStepConfig(wf string, s *Step) error {
	bad := func(format string, args ...any) error {
		return errkind.Errorf(errkind.Validation, "workflow %s: step %s: %s", wf, s.ID, fmt.Sprintf(format, args...))
	}
	switch s.Type {
	case StepJob:
		if s.Config.Command == "" {
			return bad("job step without command")
		}
	case StepDelay:
		if s.Config.Duration <= 0 {
			return bad("delay step without positive duration")
		}
	case StepTransform:
		if s.Config.Expression == "" {
			return bad("transform step without expression")
		}
	case StepParallel:
		if len(s.Config.Branches) == 0 {
			return bad("parallel step without branches")
		}
		for _, b := range s.Config.Branches {
			if err := validateSteps(wf, b.Steps, true); err != nil {
				return err
			}
		}
	case StepConditional:
		if s.Condition == "" && s.Config.Expression == "" {
			return bad("conditional step without expression")
		}
		if err := validateSteps(wf, s.Config.Then, true); err != nil {
			return err
		}
		if err := validateSteps(wf, s.Config.Else, true); err != nil {
			return err
		}
	case StepForEach:
		if s.Config.Collection == "" {
			return bad("foreach step without collection expression")
		}
		if len(s.Config.Body) == 0 {
			return bad("foreach step without body")
		}
		if err := validateSteps(wf, s.Config.Body, true); err != nil {
			return err
		}
	case StepSubWorkflow:
		if s.Config.WorkflowID == "" {
			return bad("subworkflow step without workflow id")
		}
	case StepNotify:
		if s.Config.Channel == "" || s.Config.Target == "" {
			return bad("notify step needs channel and target")
		}
	case StepApproval:
		if len(s.Config.Approvers) == 0 {
			return bad("approval step without approvers")
		}
		switch s.Config.TimeoutAction {
		case "", TimeoutReject, TimeoutApprove:
		default:
			return bad("unknown timeout action %q", s.Config.TimeoutAction)
		}
	case StepWaitForEvent:
		if s.Config.EventType == "" {
			return bad("wait_for_event step without event type")
		}
	case StepLog:
		if s.Config.Message == "" {
			return bad("log step without message")
		}
	}
	if s.Compensation != nil {
		c := *s.Compensation
		c.DependsOn = nil
		if err := validateSteps(wf, []Step{c}, true); err != nil {
			return err
		}
	}
	return nil
}

// TopoSort returns the step ids in a valid execution order. A dependency
// cycle is a Validation error naming a step on the cycle.
func TopoSort(steps []Step) ([]string, error) {
	deps := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	ids := make([]string, 0, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].DependsOn
		ids = append(ids, steps[i].ID)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return errkind.Errorf(errkind.Validation, "dependency cycle through step %q", id)
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
