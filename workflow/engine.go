package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
	"github.com/orbitmesh/orbitmesh/workflow/expr"
)

// EngineConfig carries the engine's dependencies and tuning.
type EngineConfig struct {
	Log         logr.Logger
	Definitions DefinitionStore
	Instances   InstanceStore
	Events      eventlog.Store
	Dispatcher  JobDispatcher
	Notifier    NotificationSender
	Approvals   ApprovalNotifier

	MaxConcurrentInstances int
	ApprovalDefaultTimeout time.Duration
	// ApprovalTimeoutAction applies when an approval step has no explicit
	// timeout action configured.
	ApprovalTimeoutAction TimeoutAction
	// AwaitPollInterval paces AwaitInstance and waiting subworkflow steps.
	AwaitPollInterval time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentInstances <= 0 {
		c.MaxConcurrentInstances = 64
	}
	if c.ApprovalDefaultTimeout <= 0 {
		c.ApprovalDefaultTimeout = 24 * time.Hour
	}
	if c.ApprovalTimeoutAction == "" {
		c.ApprovalTimeoutAction = TimeoutReject
	}
	if c.AwaitPollInterval <= 0 {
		c.AwaitPollInterval = 50 * time.Millisecond
	}
	if c.Notifier == nil {
		c.Notifier = NopNotificationSender{}
	}
	if c.Approvals == nil {
		c.Approvals = NopApprovalNotifier{}
	}
	return c
}

// Engine creates, runs, suspends, resumes, cancels and compensates workflow
// instances. State transitions for one instance are serialized: a single
// scheduler pass owns the instance at a time and external mutations go
// through the store's CAS.
type Engine struct {
	cfg   EngineConfig
	log   logr.Logger
	execs map[StepType]Executor
	sem   chan struct{}

	mu      sync.Mutex
	running map[string]bool
	cancels map[string]context.CancelFunc

	started    prometheus.Counter
	completed  prometheus.Counter
	failedCnt  prometheus.Counter
	cancelled  prometheus.Counter
	inFlight   prometheus.GaugeFunc
	stepsTotal *prometheus.CounterVec
}

// NewEngine builds an engine and registers its metrics.
func NewEngine(cfg EngineConfig, reg prometheus.Registerer) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Log,
		execs:   Executors(),
		sem:     make(chan struct{}, cfg.MaxConcurrentInstances),
		running: make(map[string]bool),
		cancels: make(map[string]context.CancelFunc),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	e.started = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_workflow_instances_started_total", Help: "Workflow instances started."})
	e.completed = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_workflow_instances_completed_total", Help: "Workflow instances completed."})
	e.failedCnt = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_workflow_instances_failed_total", Help: "Workflow instances failed."})
	e.cancelled = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_workflow_instances_cancelled_total", Help: "Workflow instances cancelled."})
	e.inFlight = f.NewGaugeFunc(prometheus.GaugeOpts{Name: "orbitmesh_workflow_instances_running", Help: "Instances with an active scheduler pass."},
		func() float64 {
			e.mu.Lock()
			defer e.mu.Unlock()
			return float64(len(e.running))
		})
	e.stepsTotal = f.NewCounterVec(prometheus.CounterOpts{Name: "orbitmesh_workflow_steps_total", Help: "Step executions by terminal status."}, []string{"status"})
	return e
}

// Start creates an instance of the definition and schedules it. The returned
// instance is the Pending record; execution proceeds asynchronously.
func (e *Engine) Start(ctx context.Context, workflowID string, version int, input map[string]any, correlationID string) (*Instance, error) {
	def, err := e.cfg.Definitions.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, errkind.Errorf(errkind.Validation, "workflow %s is disabled", workflowID)
	}
	in := NewInstance(def, input)
	in.CorrelationID = correlationID
	if err := e.cfg.Instances.CreateInstance(ctx, in); err != nil {
		return nil, err
	}
	e.emit(ctx, in, eventlog.TypeInstanceCreated)
	e.started.Inc()

	go e.run(context.WithoutCancel(ctx), in.ID)
	return in.Clone(), nil
}

// Launch implements SubWorkflowLauncher on the engine itself: subworkflow
// steps start children through the same entry point.
func (e *Engine) Launch(ctx context.Context, workflowID string, version int, input map[string]any,
	parentInstanceID, parentStepID string, waitForCompletion bool) (SubWorkflowResult, error) {
	def, err := e.cfg.Definitions.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return SubWorkflowResult{}, err
	}
	if !def.Enabled {
		return SubWorkflowResult{}, errkind.Errorf(errkind.Validation, "workflow %s is disabled", workflowID)
	}
	in := NewInstance(def, input)
	in.ParentInstanceID = parentInstanceID
	in.ParentStepID = parentStepID
	if err := e.cfg.Instances.CreateInstance(ctx, in); err != nil {
		return SubWorkflowResult{}, err
	}
	e.emit(ctx, in, eventlog.TypeInstanceCreated)
	e.started.Inc()

	if !waitForCompletion {
		go e.run(context.WithoutCancel(ctx), in.ID)
		return SubWorkflowResult{InstanceID: in.ID, Status: in.Status}, nil
	}

	go e.run(context.WithoutCancel(ctx), in.ID)
	done, err := e.AwaitInstance(ctx, in.ID)
	if err != nil {
		return SubWorkflowResult{InstanceID: in.ID}, err
	}
	return SubWorkflowResult{InstanceID: done.ID, Status: done.Status, Output: done.Output, Error: done.Error}, nil
}

// AwaitInstance blocks until the instance reaches a terminal status.
func (e *Engine) AwaitInstance(ctx context.Context, instanceID string) (*Instance, error) {
	ticker := time.NewTicker(e.cfg.AwaitPollInterval)
	defer ticker.Stop()
	for {
		in, err := e.cfg.Instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if in.Status.Terminal() {
			return in, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns the instance by id.
func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return e.cfg.Instances.GetInstance(ctx, instanceID)
}

// Cancel cancels a non-terminal instance: the scheduler pass is interrupted,
// in-flight job steps get dispatcher cancellation and the instance finalizes
// as Cancelled. Cancelling a terminal instance is a Conflict.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	in, err := e.cfg.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if in.Status.Terminal() {
		return errkind.Errorf(errkind.Conflict, "instance %s already %s", instanceID, in.Status)
	}

	e.mu.Lock()
	cancel := e.cancels[instanceID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	_, err = e.mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status.Terminal() {
			return errkind.Errorf(errkind.Conflict, "instance %s already %s", instanceID, in.Status)
		}
		for _, si := range in.Steps {
			if si.Status == StepRunning && si.JobID != "" {
				if cerr := e.cfg.Dispatcher.Cancel(ctx, si.JobID, reason); cerr != nil {
					e.log.V(1).Info("cancelling step job", "job", si.JobID, "error", cerr)
				}
			}
			if si.Status == StepRunning || si.Status.Waiting() {
				si.Status = StepFailed
				si.Error = "instance cancelled"
				now := time.Now().UTC()
				si.CompletedAt = &now
			}
		}
		in.Status = InstanceCancelled
		in.Error = reason
		now := time.Now().UTC()
		in.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	e.cancelled.Inc()
	final, gerr := e.cfg.Instances.GetInstance(ctx, instanceID)
	if gerr == nil {
		e.emit(ctx, final, eventlog.TypeInstanceCancelled)
	}
	e.log.Info("instance cancelled", "instance", instanceID, "reason", reason)
	return nil
}

// Resume delivers a signal to the instance's waiting step and re-enters the
// scheduling loop.
func (e *Engine) Resume(ctx context.Context, instanceID string, signal *ResumeSignal) error {
	return e.resumeStep(ctx, instanceID, "", "", signal)
}

// resumeStep settles the waiting step under the store's CAS and restarts the
// scheduler. A non-empty stepID must name the waiting step and a non-empty
// want must match its status, so a stale caller cannot settle a step it was
// not asked about.
func (e *Engine) resumeStep(ctx context.Context, instanceID, stepID string, want StepStatus, signal *ResumeSignal) error {
	in, err := e.mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status != InstancePaused {
			return errkind.Errorf(errkind.Conflict, "instance %s is %s, not paused", instanceID, in.Status)
		}
		waiting := in.WaitingStep()
		if waiting == nil {
			return errkind.Errorf(errkind.Conflict, "instance %s has no waiting step", instanceID)
		}
		if stepID != "" && waiting.StepID != stepID {
			return errkind.Errorf(errkind.Conflict, "instance %s is waiting on step %s, not %s", instanceID, waiting.StepID, stepID)
		}
		if want != "" && waiting.Status != want {
			return errkind.Errorf(errkind.Conflict, "step %s of instance %s is %s, not %s", waiting.StepID, instanceID, waiting.Status, want)
		}
		applySignal(waiting, signal)
		if err := e.applyOutputVariable(in, waiting); err != nil {
			return err
		}
		in.Status = InstanceRunning
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(ctx, in, eventlog.TypeInstanceResumed)
	go e.run(context.WithoutCancel(ctx), instanceID)
	return nil
}

// applySignal settles a waiting step from a resume signal.
func applySignal(si *StepInstance, signal *ResumeSignal) {
	now := time.Now().UTC()
	si.CompletedAt = &now
	si.WaitingEventType = ""
	si.WaitingCorrelationKey = ""
	if signal == nil {
		si.Status = StepCompleted
		return
	}
	switch si.Status {
	case StepWaitingForApproval:
		if signal.Approved {
			si.Status = StepCompleted
			si.Output = map[string]any{"approved": true, "approver": signal.Approver, "comment": signal.Comment}
		} else {
			si.Status = StepFailed
			si.Error = fmt.Sprintf("rejected by %s", signal.Approver)
			si.Output = map[string]any{"approved": false, "approver": signal.Approver, "comment": signal.Comment}
		}
	default:
		si.Status = StepCompleted
		if signal.Data != nil {
			si.Output = signal.Data
		}
	}
}

// Approve records an approval decision for the named waiting approval step.
func (e *Engine) Approve(ctx context.Context, instanceID, stepID string, approved bool, approver, comment string) error {
	return e.resumeStep(ctx, instanceID, stepID, StepWaitingForApproval,
		&ResumeSignal{Approved: approved, Approver: approver, Comment: comment})
}

// SendEvent resumes every paused instance whose waiting step matches the
// event type and, when the step declares one, the correlation key. Returns
// the number of instances resumed.
func (e *Engine) SendEvent(ctx context.Context, eventType, correlationKey string, payload map[string]any) (int, error) {
	instances, err := e.cfg.Instances.ListWaitingForEvent(ctx, eventType, correlationKey)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, in := range instances {
		if err := e.resumeStep(ctx, in.ID, "", StepWaitingForEvent, &ResumeSignal{Data: payload}); err != nil {
			if errkind.IsKind(err, errkind.Conflict) {
				continue
			}
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// run is one scheduler pass over the instance. Only one pass runs per
// instance at a time; a second entry is a no-op.
func (e *Engine) run(ctx context.Context, instanceID string) {
	e.mu.Lock()
	if e.running[instanceID] {
		e.mu.Unlock()
		return
	}
	e.running[instanceID] = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancels[instanceID] = cancel
	e.mu.Unlock()

	e.sem <- struct{}{}
	defer func() {
		<-e.sem
		cancel()
		e.mu.Lock()
		delete(e.running, instanceID)
		delete(e.cancels, instanceID)
		e.mu.Unlock()
	}()

	if err := e.schedule(ctx, instanceID); err != nil && ctx.Err() == nil {
		e.log.Error(err, "scheduler pass", "instance", instanceID)
	}
}

type stepOutcome struct {
	stepID string
	result StepResult
}

// schedule walks the dependency graph: starts every eligible step, applies
// results as they land, and finalizes when nothing remains. A waiting result
// lets in-flight siblings finish, then pauses the instance.
func (e *Engine) schedule(ctx context.Context, instanceID string) error {
	in, err := e.cfg.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := e.cfg.Definitions.GetDefinition(ctx, in.WorkflowID, in.WorkflowVersion)
	if err != nil {
		return err
	}

	if in.Status == InstancePending {
		in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
			if in.Status != InstancePending {
				return nil
			}
			in.Status = InstanceRunning
			now := time.Now().UTC()
			in.StartedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		e.emit(ctx, in, eventlog.TypeInstanceStarted)
	}

	results := make(chan stepOutcome)
	inFlight := 0
	waitersInFlight := 0
	suspended := false

	for {
		if in.Status != InstanceRunning {
			// Cancelled or paused externally; let in-flight steps drain.
			for inFlight > 0 {
				<-results
				inFlight--
			}
			return nil
		}

		if !suspended {
			eligible := e.eligibleSteps(def, in)
			for _, step := range eligible {
				if stepCanWait(step.Type) && (waitersInFlight > 0 || in.WaitingStep() != nil) {
					// One suspension at a time. The step stays Pending and
					// becomes eligible again once the current wait resolves.
					continue
				}
				skip, serr := e.conditionSkips(step, in)
				if serr != nil {
					in, err = e.settleStep(ctx, instanceID, step.ID, StepResult{Status: StepFailed, Err: serr.Error()})
					if err != nil {
						return err
					}
					continue
				}
				if skip {
					in, err = e.settleStep(ctx, instanceID, step.ID, StepResult{Status: StepSkipped})
					if err != nil {
						return err
					}
					continue
				}
				in, err = e.startStep(ctx, instanceID, step.ID)
				if err != nil {
					return err
				}
				inFlight++
				if stepCanWait(step.Type) {
					waitersInFlight++
				}
				go func(step Step, snapshot *Instance) {
					results <- stepOutcome{stepID: step.ID, result: e.executeStep(ctx, snapshot, &step)}
				}(step, in.Clone())
			}
		}

		if inFlight == 0 {
			if suspended {
				in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
					if in.Status == InstanceRunning {
						in.Status = InstancePaused
					}
					return nil
				})
				if err != nil {
					return err
				}
				e.emit(ctx, in, eventlog.TypeInstancePaused)
				e.armApprovalTimeout(in, def)
				return nil
			}
			return e.finalize(ctx, instanceID, def)
		}

		outcome := <-results
		inFlight--
		if step, ok := def.StepByID(outcome.stepID); ok && stepCanWait(step.Type) {
			waitersInFlight--
		}
		in, err = e.settleStep(ctx, instanceID, outcome.stepID, outcome.result)
		if err != nil {
			return err
		}
		if outcome.result.Status.Waiting() {
			suspended = true
		}
		if outcome.result.Status == StepFailed && !e.failureTolerated(def, outcome.stepID) && def.Policy() == StopOnFirstError {
			// Fail fast: drain in-flight steps and finalize.
			for inFlight > 0 {
				o := <-results
				inFlight--
				if in2, serr := e.settleStep(ctx, instanceID, o.stepID, o.result); serr == nil {
					in = in2
				}
			}
			return e.finalize(ctx, instanceID, def)
		}
	}
}

// stepCanWait reports whether the step type can suspend the instance.
func stepCanWait(t StepType) bool {
	return t == StepApproval || t == StepWaitForEvent
}

// eligibleSteps returns Pending steps whose dependencies have all settled.
func (e *Engine) eligibleSteps(def *Definition, in *Instance) []Step {
	var out []Step
	for _, step := range def.Steps {
		si := in.Steps[step.ID]
		if si == nil || si.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			dsi := in.Steps[dep]
			if dsi == nil {
				ready = false
				break
			}
			settled := dsi.Status.Settled() ||
				(dsi.Status == StepFailed && e.failureTolerated(def, dep))
			if !settled {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	return out
}

// failureTolerated reports whether a failed step does not fail the instance:
// either the step opted in with continueOnError or the policy aggregates.
func (e *Engine) failureTolerated(def *Definition, stepID string) bool {
	if def.Policy() == ContinueAndAggregate {
		return true
	}
	step, ok := def.StepByID(stepID)
	return ok && step.ContinueOnError
}

func (e *Engine) conditionSkips(step Step, in *Instance) (bool, error) {
	if step.Condition == "" || step.Type == StepConditional {
		return false, nil
	}
	ec := &ExecContext{Instance: in}
	ok, err := expr.EvaluateBool(step.Condition, ec.Scope(nil))
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// startStep marks the step Running and persists.
func (e *Engine) startStep(ctx context.Context, instanceID, stepID string) (*Instance, error) {
	in, err := e.mutate(ctx, instanceID, func(in *Instance) error {
		si := in.Steps[stepID]
		si.Status = StepRunning
		now := time.Now().UTC()
		si.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitStep(ctx, in, stepID, eventlog.TypeStepStarted)
	return in, nil
}

// executeStep runs the executor with retries per the step's retry settings.
// Waiting results and skips are never retried.
func (e *Engine) executeStep(ctx context.Context, in *Instance, step *Step) StepResult {
	ec := &ExecContext{
		Log:        e.log,
		Instance:   in,
		Dispatcher: e.cfg.Dispatcher,
		Notifier:   e.cfg.Notifier,
		Approvals:  e.cfg.Approvals,
		Launcher:   e,
	}
	ec.RunGroup = func(ctx context.Context, steps []Step, extra map[string]any) (map[string]any, error) {
		return e.runGroup(ctx, ec, steps, extra)
	}

	runOnce := func(ctx context.Context) StepResult {
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		return e.execs[step.Type].Run(ctx, ec, step)
	}

	res := runOnce(ctx)
	for attempt := 0; res.Status == StepFailed && attempt < step.MaxRetries && ctx.Err() == nil; attempt++ {
		if step.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(step.RetryDelay):
			}
		}
		e.log.V(1).Info("retrying step", "instance", in.ID, "step", step.ID, "attempt", attempt+1, "error", res.Err)
		in.Steps[step.ID].RetryCount = attempt + 1
		res = runOnce(ctx)
	}
	return res
}

// runGroup executes a nested step group sequentially in topological order
// with an overlay scope. Waiting step types cannot suspend inside a group.
func (e *Engine) runGroup(ctx context.Context, parent *ExecContext, steps []Step, extra map[string]any) (map[string]any, error) {
	order, err := TopoSort(steps)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	outputs := make(map[string]any, len(steps))
	vars := parent.Scope(extra)
	for _, id := range order {
		step := byID[id]
		scoped := &ExecContext{
			Log:        parent.Log,
			Instance:   overlayInstance(parent.Instance, vars, outputs),
			Dispatcher: parent.Dispatcher,
			Notifier:   parent.Notifier,
			Approvals:  parent.Approvals,
			Launcher:   parent.Launcher,
		}
		scoped.RunGroup = func(ctx context.Context, steps []Step, extra map[string]any) (map[string]any, error) {
			return e.runGroup(ctx, scoped, steps, extra)
		}

		if step.Condition != "" && step.Type != StepConditional {
			ok, cerr := expr.EvaluateBool(step.Condition, scoped.Scope(nil))
			if cerr != nil {
				return outputs, groupError(step.ID, cerr)
			}
			if !ok {
				continue
			}
		}
		res := e.execs[step.Type].Run(ctx, scoped, step)
		if res.Status.Waiting() {
			return outputs, groupError(step.ID, fmt.Errorf("step type %s cannot suspend inside a branch", step.Type))
		}
		if res.Status == StepFailed {
			if step.ContinueOnError {
				outputs[step.ID] = nil
				continue
			}
			return outputs, groupError(step.ID, fmt.Errorf("%s", res.Err))
		}
		outputs[step.ID] = res.Output
		if step.OutputVariable != "" {
			vars[step.OutputVariable] = res.Output
		}
	}
	return outputs, nil
}

// overlayInstance builds a scratch instance whose variables include the
// group scope and whose completed steps include group outputs, without
// touching the persisted instance.
func overlayInstance(in *Instance, vars map[string]any, outputs map[string]any) *Instance {
	cp := in.Clone()
	for k, v := range vars {
		if k == "steps" || k == "input" {
			continue
		}
		cp.Variables[k] = v
	}
	for id, out := range outputs {
		cp.Steps[id] = &StepInstance{StepID: id, Status: StepCompleted, Output: out}
	}
	return cp
}

// settleStep applies an executor result to the step instance and persists.
func (e *Engine) settleStep(ctx context.Context, instanceID, stepID string, res StepResult) (*Instance, error) {
	in, err := e.mutate(ctx, instanceID, func(in *Instance) error {
		si := in.Steps[stepID]
		si.Status = res.Status
		si.Output = res.Output
		si.Error = res.Err
		si.JobID = res.JobID
		si.SubWorkflowInstanceID = res.SubWorkflowInstanceID
		si.Branches = res.Branches
		si.WaitingEventType = res.WaitingEventType
		si.WaitingCorrelationKey = res.WaitingCorrelationKey
		if !res.Status.Waiting() {
			now := time.Now().UTC()
			si.CompletedAt = &now
		}
		if res.Status == StepCompleted {
			return e.applyOutputVariable(in, si)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.stepsTotal.WithLabelValues(string(res.Status)).Inc()
	switch res.Status {
	case StepCompleted:
		e.emitStep(ctx, in, stepID, eventlog.TypeStepCompleted)
	case StepFailed:
		e.emitStep(ctx, in, stepID, eventlog.TypeStepFailed)
	case StepSkipped:
		e.emitStep(ctx, in, stepID, eventlog.TypeStepSkipped)
	}
	return in, nil
}

// applyOutputVariable copies a completed step's output into the instance
// variables when the definition asks for it.
func (e *Engine) applyOutputVariable(in *Instance, si *StepInstance) error {
	def, err := e.cfg.Definitions.GetDefinition(context.Background(), in.WorkflowID, in.WorkflowVersion)
	if err != nil {
		return err
	}
	step, ok := def.StepByID(si.StepID)
	if !ok || step.OutputVariable == "" {
		return nil
	}
	if in.Variables == nil {
		in.Variables = map[string]any{}
	}
	in.Variables[step.OutputVariable] = si.Output
	return nil
}

// finalize decides the instance's terminal status once no step is runnable.
func (e *Engine) finalize(ctx context.Context, instanceID string, def *Definition) error {
	in, err := e.cfg.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if in.Status != InstanceRunning {
		return nil
	}

	var failures []string
	fatal := false
	allSettled := true
	waiting := false
	for _, step := range def.Steps {
		si := in.Steps[step.ID]
		switch si.Status {
		case StepCompleted, StepSkipped:
		case StepFailed:
			failures = append(failures, fmt.Sprintf("%s: %s", si.StepID, si.Error))
			if !e.failureTolerated(def, si.StepID) {
				fatal = true
			}
		case StepWaitingForApproval, StepWaitingForEvent:
			waiting = true
			allSettled = false
		default:
			allSettled = false
		}
	}
	sort.Strings(failures)

	if waiting && !fatal {
		// A pass re-entered while a step still waits is continued
		// suspension, never completion.
		in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
			if in.Status == InstanceRunning {
				in.Status = InstancePaused
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.emit(ctx, in, eventlog.TypeInstancePaused)
		e.armApprovalTimeout(in, def)
		return nil
	}

	if fatal && def.Policy() == Compensate {
		return e.compensate(ctx, instanceID, def, strings.Join(failures, "; "))
	}

	output := make(map[string]any, len(in.Steps))
	for id, si := range in.Steps {
		if si.Status == StepCompleted {
			output[id] = si.Output
		}
	}

	in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status != InstanceRunning {
			return nil
		}
		now := time.Now().UTC()
		switch {
		case fatal:
			in.Status = InstanceFailed
			in.Error = strings.Join(failures, "; ")
			for _, si := range in.Steps {
				if si.Status.Waiting() {
					si.Status = StepFailed
					si.Error = "instance failed"
					si.CompletedAt = &now
				}
			}
		case !allSettled:
			// A dependency chain behind an untolerated failure can strand
			// steps as Pending; without a fatal failure that means done.
			in.Status = InstanceCompleted
		case def.Policy() == ContinueAndAggregate && len(failures) > 0:
			in.Status = InstanceFailed
			in.Error = strings.Join(failures, "; ")
		default:
			in.Status = InstanceCompleted
		}
		in.Output = output
		in.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	switch in.Status {
	case InstanceCompleted:
		e.completed.Inc()
		e.emit(ctx, in, eventlog.TypeInstanceCompleted)
	case InstanceFailed:
		e.failedCnt.Inc()
		e.emit(ctx, in, eventlog.TypeInstanceFailed)
	}
	e.log.Info("instance finalized", "instance", instanceID, "status", in.Status)
	return nil
}

// compensate runs every completed step's declared compensation in reverse
// order of completion, then fails the instance with the original error.
func (e *Engine) compensate(ctx context.Context, instanceID string, def *Definition, cause string) error {
	in, err := e.mutate(ctx, instanceID, func(in *Instance) error {
		in.Status = InstanceCompensating
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(ctx, in, eventlog.TypeCompensationStarted)
	e.log.Info("compensating instance", "instance", instanceID, "cause", cause)

	type done struct {
		stepID string
		at     time.Time
	}
	var completed []done
	for id, si := range in.Steps {
		step, ok := def.StepByID(id)
		if !ok || step.Compensation == nil {
			continue
		}
		if si.Status == StepCompleted && !si.Compensated && si.CompletedAt != nil {
			completed = append(completed, done{stepID: id, at: *si.CompletedAt})
		}
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].at.After(completed[j].at) })

	for _, c := range completed {
		step, _ := def.StepByID(c.stepID)
		comp := *step.Compensation
		ec := &ExecContext{
			Log:        e.log,
			Instance:   in,
			Dispatcher: e.cfg.Dispatcher,
			Notifier:   e.cfg.Notifier,
			Approvals:  e.cfg.Approvals,
			Launcher:   e,
		}
		ec.RunGroup = func(ctx context.Context, steps []Step, extra map[string]any) (map[string]any, error) {
			return e.runGroup(ctx, ec, steps, extra)
		}
		res := e.execs[comp.Type].Run(ctx, ec, &comp)
		if res.Status != StepCompleted {
			e.log.Error(fmt.Errorf("%s", res.Err), "compensation failed", "instance", instanceID, "step", c.stepID)
		}
		in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
			in.Steps[c.stepID].Compensated = true
			return nil
		})
		if err != nil {
			return err
		}
	}

	in, err = e.mutate(ctx, instanceID, func(in *Instance) error {
		now := time.Now().UTC()
		in.Status = InstanceFailed
		in.Error = cause
		in.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	e.failedCnt.Inc()
	e.emit(ctx, in, eventlog.TypeCompensationCompleted)
	e.emit(ctx, in, eventlog.TypeInstanceFailed)
	return nil
}

// armApprovalTimeout schedules the timeout action for a freshly paused
// approval step.
func (e *Engine) armApprovalTimeout(in *Instance, def *Definition) {
	waiting := in.WaitingStep()
	if waiting == nil || waiting.Status != StepWaitingForApproval {
		return
	}
	step, ok := def.StepByID(waiting.StepID)
	if !ok {
		return
	}
	timeout := step.Config.ApprovalTimeout
	if timeout <= 0 {
		timeout = e.cfg.ApprovalDefaultTimeout
	}
	action := step.Config.TimeoutAction
	if action == "" {
		action = e.cfg.ApprovalTimeoutAction
	}
	instanceID, stepID := in.ID, waiting.StepID
	time.AfterFunc(timeout, func() {
		ctx := context.Background()
		err := e.Approve(ctx, instanceID, stepID, action == TimeoutApprove, "system:timeout", "approval timed out")
		if err != nil && !errkind.IsKind(err, errkind.Conflict) {
			e.log.Error(err, "applying approval timeout", "instance", instanceID, "step", stepID)
		}
	})
}

// mutate loads, applies and CAS-updates the instance, retrying on version
// conflicts.
func (e *Engine) mutate(ctx context.Context, instanceID string, apply func(*Instance) error) (*Instance, error) {
	for {
		in, err := e.cfg.Instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if err := apply(in); err != nil {
			return nil, err
		}
		updated, err := e.cfg.Instances.UpdateInstance(ctx, in)
		if err == nil {
			return updated, nil
		}
		if !errkind.IsKind(err, errkind.Conflict) {
			return nil, err
		}
	}
}

func (e *Engine) emit(ctx context.Context, in *Instance, eventType string) {
	if e.cfg.Events == nil {
		return
	}
	ev := eventlog.New(eventlog.InstanceStream(in.ID), eventType, eventlog.Snapshot(in))
	if _, err := e.cfg.Events.Append(ctx, eventlog.InstanceStream(in.ID), []eventlog.Event{ev}, eventlog.AnyVersion); err != nil {
		e.log.Error(err, "appending instance event", "instance", in.ID, "type", eventType)
	}
}

func (e *Engine) emitStep(ctx context.Context, in *Instance, stepID, eventType string) {
	if e.cfg.Events == nil {
		return
	}
	payload := eventlog.Snapshot(map[string]any{"instanceId": in.ID, "step": in.Steps[stepID]})
	ev := eventlog.New(eventlog.InstanceStream(in.ID), eventType, payload)
	if _, err := e.cfg.Events.Append(ctx, eventlog.InstanceStream(in.ID), []eventlog.Event{ev}, eventlog.AnyVersion); err != nil {
		e.log.Error(err, "appending step event", "instance", in.ID, "step", stepID, "type", eventType)
	}
}

var _ SubWorkflowLauncher = (*Engine)(nil)
var _ logr.Marshaler = InstanceStatus("")

// MarshalLog renders the status as its string form in structured logs.
func (s InstanceStatus) MarshalLog() any { return string(s) }
