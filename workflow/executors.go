package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/workflow/expr"
)

// StepResult is what an executor hands back to the engine. Executors are
// idempotent for the same step instance: re-running after a crash produces
// an equivalent result.
type StepResult struct {
	Status StepStatus
	Output any
	Err    string

	JobID                 string
	SubWorkflowInstanceID string
	Branches              []BranchResult

	// Waiting metadata for suspending results.
	WaitingEventType      string
	WaitingCorrelationKey string
}

func failed(format string, args ...any) StepResult {
	return StepResult{Status: StepFailed, Err: fmt.Sprintf(format, args...)}
}

// ExecContext is the per-step environment the engine hands to executors.
type ExecContext struct {
	Log        logr.Logger
	Instance   *Instance
	Dispatcher JobDispatcher
	Notifier   NotificationSender
	Approvals  ApprovalNotifier
	Launcher   SubWorkflowLauncher

	// RunGroup executes a nested step group (parallel branch, conditional
	// arm, foreach body) over an overlay scope and returns the group output
	// keyed by step id. Provided by the engine.
	RunGroup func(ctx context.Context, steps []Step, extra map[string]any) (map[string]any, error)
}

// Scope builds the flat evaluation scope: workflow variables at the top
// level, instance input under "input" and settled step outputs under
// "steps".
func (ec *ExecContext) Scope(extra map[string]any) map[string]any {
	in := ec.Instance
	scope := make(map[string]any, len(in.Variables)+len(extra)+2)
	for k, v := range in.Variables {
		scope[k] = v
	}
	steps := make(map[string]any, len(in.Steps))
	for id, si := range in.Steps {
		if si.Status == StepCompleted {
			steps[id] = si.Output
		}
	}
	scope["steps"] = steps
	scope["input"] = in.Input
	for k, v := range extra {
		scope[k] = v
	}
	return scope
}

// Executor runs one step kind.
type Executor interface {
	Run(ctx context.Context, ec *ExecContext, step *Step) StepResult
}

// Executors returns the executor for every step type.
func Executors() map[StepType]Executor {
	return map[StepType]Executor{
		StepJob:          jobExecutor{},
		StepDelay:        delayExecutor{},
		StepTransform:    transformExecutor{},
		StepParallel:     parallelExecutor{},
		StepConditional:  conditionalExecutor{},
		StepForEach:      forEachExecutor{},
		StepSubWorkflow:  subWorkflowExecutor{},
		StepNotify:       notifyExecutor{},
		StepApproval:     approvalExecutor{},
		StepWaitForEvent: waitForEventExecutor{},
		StepLog:          logExecutor{},
	}
}

// jobExecutor enqueues a job from the step config and awaits its terminal
// status.
type jobExecutor struct{}

func (jobExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	scope := ec.Scope(nil)

	payload, err := interpolatePayload(step.Config.Payload, scope)
	if err != nil {
		return failed("interpolating job payload: %v", err)
	}
	// Nested group steps and compensation steps have no step instance record.
	retry := 0
	if si := ec.Instance.Steps[step.ID]; si != nil {
		retry = si.RetryCount
	}
	// The engine owns step-level retries; the dispatcher must not add its own.
	jobRetries := 0
	req := data.JobRequest{
		Command:              step.Config.Command,
		Payload:              payload,
		Priority:             step.Config.Priority,
		Pattern:              data.JobPattern(step.Config.Pattern),
		Timeout:              step.Config.JobTimeout,
		TargetAgentID:        step.Config.TargetAgentID,
		TargetGroup:          step.Config.TargetGroup,
		RequiredCapabilities: step.Config.RequiredCapabilities,
		RequiredTags:         step.Config.RequiredTags,
		MaxRetries:           &jobRetries,
		// One job per step instance run, stable across engine retries.
		IdempotencyKey: fmt.Sprintf("wf:%s:%s:%d", ec.Instance.ID, step.ID, retry),
	}
	if req.Pattern == "" {
		req.Pattern = data.PatternRequestResponse
	}

	job, err := ec.Dispatcher.Enqueue(ctx, req)
	if err != nil {
		return failed("enqueueing job: %v", err)
	}
	done, err := ec.Dispatcher.Await(ctx, job.ID)
	if err != nil {
		return StepResult{Status: StepFailed, Err: fmt.Sprintf("awaiting job %s: %v", job.ID, err), JobID: job.ID}
	}
	if done.Status != data.JobStatusCompleted {
		msg := done.Error
		if msg == "" {
			msg = fmt.Sprintf("job %s ended %s", done.ID, done.Status)
		}
		return StepResult{Status: StepFailed, Err: msg, JobID: job.ID}
	}
	var out any
	if done.Result != nil && len(done.Result.Data) > 0 {
		if err := json.Unmarshal(done.Result.Data, &out); err != nil {
			out = string(done.Result.Data)
		}
	}
	return StepResult{Status: StepCompleted, Output: out, JobID: job.ID}
}

// interpolatePayload renders `${}` placeholders in string values of the
// payload map, then marshals it.
func interpolatePayload(payload map[string]any, scope map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	rendered, err := interpolateValue(payload, scope)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rendered)
}

func interpolateValue(v any, scope map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if !strings.Contains(x, "${") {
			return x, nil
		}
		// A value that is exactly one placeholder keeps its evaluated type.
		if strings.HasPrefix(x, "${") && strings.HasSuffix(x, "}") && strings.Count(x, "${") == 1 {
			return expr.Evaluate(x[2:len(x)-1], scope)
		}
		return expr.Interpolate(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			r, err := interpolateValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			r, err := interpolateValue(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// delayExecutor suspends the worker for the configured duration,
// cancellable through ctx.
type delayExecutor struct{}

func (delayExecutor) Run(ctx context.Context, _ *ExecContext, step *Step) StepResult {
	t := time.NewTimer(step.Config.Duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return failed("delay cancelled: %v", ctx.Err())
	case <-t.C:
		return StepResult{Status: StepCompleted}
	}
}

type transformExecutor struct{}

func (transformExecutor) Run(_ context.Context, ec *ExecContext, step *Step) StepResult {
	v, err := expr.Evaluate(step.Config.Expression, ec.Scope(nil))
	if err != nil {
		return failed("evaluating transform: %v", err)
	}
	return StepResult{Status: StepCompleted, Output: v}
}

// parallelExecutor runs branch step groups concurrently under an optional
// concurrency bound. Output is one entry per branch in declaration order.
type parallelExecutor struct{}

func (parallelExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	failFast := true
	if step.Config.FailFast != nil {
		failFast = *step.Config.FailFast
	}

	results := make([]BranchResult, len(step.Config.Branches))
	g, gctx := errgroup.WithContext(ctx)
	if step.Config.MaxConcurrency > 0 {
		g.SetLimit(step.Config.MaxConcurrency)
	}
	runCtx := ctx
	if failFast {
		runCtx = gctx
	}
	for i, branch := range step.Config.Branches {
		g.Go(func() error {
			out, err := ec.RunGroup(runCtx, branch.Steps, nil)
			name := branch.Name
			if name == "" {
				name = fmt.Sprintf("branch-%d", i)
			}
			if err != nil {
				results[i] = BranchResult{Name: name, Status: StepFailed, Error: err.Error()}
				if failFast {
					return err
				}
				return nil
			}
			results[i] = BranchResult{Name: name, Status: StepCompleted, Output: out}
			return nil
		})
	}
	err := g.Wait()

	outputs := make([]any, len(results))
	var firstErr string
	for i, r := range results {
		outputs[i] = r.Output
		if r.Status == StepFailed && firstErr == "" {
			firstErr = r.Error
		}
	}
	if err != nil || firstErr != "" {
		msg := firstErr
		if msg == "" {
			msg = err.Error()
		}
		return StepResult{Status: StepFailed, Err: msg, Branches: results}
	}
	return StepResult{Status: StepCompleted, Output: outputs, Branches: results}
}

// conditionalExecutor evaluates the expression and runs the then or else
// arm sequentially. Output is the arm's step outputs keyed by id.
type conditionalExecutor struct{}

func (conditionalExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	e := step.Config.Expression
	if e == "" {
		e = step.Condition
	}
	cond, err := expr.EvaluateBool(e, ec.Scope(nil))
	if err != nil {
		return failed("evaluating condition: %v", err)
	}
	arm := step.Config.Then
	if !cond {
		arm = step.Config.Else
	}
	out, err := ec.RunGroup(ctx, arm, nil)
	if err != nil {
		return failed("%v", err)
	}
	return StepResult{Status: StepCompleted, Output: map[string]any{"matched": cond, "outputs": out}}
}

// forEachExecutor evaluates a collection and runs the body once per item,
// sequentially or with bounded parallelism.
type forEachExecutor struct{}

func (forEachExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	v, err := expr.Evaluate(step.Config.Collection, ec.Scope(nil))
	if err != nil {
		return failed("evaluating collection: %v", err)
	}
	items, ok := asSlice(v)
	if !ok {
		return failed("collection expression yields %T, want an array", v)
	}

	itemVar := step.Config.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := step.Config.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}

	results := make([]BranchResult, len(items))
	run := func(ctx context.Context, i int) error {
		out, err := ec.RunGroup(ctx, step.Config.Body, map[string]any{
			itemVar:  items[i],
			indexVar: i,
		})
		name := fmt.Sprintf("item-%d", i)
		if err != nil {
			results[i] = BranchResult{Name: name, Status: StepFailed, Error: err.Error()}
			if step.Config.ContinueOnError {
				return nil
			}
			return err
		}
		results[i] = BranchResult{Name: name, Status: StepCompleted, Output: out}
		return nil
	}

	if step.Config.MaxConcurrency <= 1 {
		for i := range items {
			if err := run(ctx, i); err != nil {
				return StepResult{Status: StepFailed, Err: err.Error(), Branches: results[:i+1]}
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(step.Config.MaxConcurrency)
		for i := range items {
			g.Go(func() error { return run(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return StepResult{Status: StepFailed, Err: err.Error(), Branches: results}
		}
	}

	outputs := make([]any, len(results))
	for i, r := range results {
		outputs[i] = r.Output
	}
	return StepResult{Status: StepCompleted, Output: outputs, Branches: results}
}

func asSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

type subWorkflowExecutor struct{}

func (subWorkflowExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	input, err := interpolateValue(step.Config.Input, ec.Scope(nil))
	if err != nil {
		return failed("interpolating subworkflow input: %v", err)
	}
	in, _ := input.(map[string]any)

	res, err := ec.Launcher.Launch(ctx, step.Config.WorkflowID, step.Config.WorkflowVersion,
		in, ec.Instance.ID, step.ID, step.Config.WaitForCompletion)
	if err != nil {
		return failed("launching subworkflow %s: %v", step.Config.WorkflowID, err)
	}
	if step.Config.WaitForCompletion && res.Status != InstanceCompleted {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("subworkflow instance %s ended %s", res.InstanceID, res.Status)
		}
		return StepResult{Status: StepFailed, Err: msg, SubWorkflowInstanceID: res.InstanceID}
	}
	return StepResult{
		Status:                StepCompleted,
		Output:                res.Output,
		SubWorkflowInstanceID: res.InstanceID,
	}
}

// notifyExecutor renders subject and message and hands them to the
// notification sender. Messages are Go templates with the sprig function
// set over the evaluation scope; `${}` placeholders are rendered first.
type notifyExecutor struct{}

func (notifyExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	scope := ec.Scope(nil)
	subject, err := expr.Interpolate(step.Config.Subject, scope)
	if err != nil {
		return failed("rendering subject: %v", err)
	}
	message, err := expr.Interpolate(step.Config.Message, scope)
	if err != nil {
		return failed("rendering message: %v", err)
	}
	message, err = renderTemplate(message, scope)
	if err != nil {
		return failed("rendering message template: %v", err)
	}
	if err := ec.Notifier.Send(ctx, step.Config.Channel, step.Config.Target, subject, message); err != nil {
		return failed("sending notification: %v", err)
	}
	return StepResult{Status: StepCompleted, Output: map[string]any{
		"channel": step.Config.Channel,
		"target":  step.Config.Target,
	}}
}

func renderTemplate(text string, scope map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := template.New("message").Funcs(sprig.FuncMap()).Parse(text)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, scope); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// approvalExecutor notifies approvers and suspends. The engine owns the
// timeout and the resumption.
type approvalExecutor struct{}

func (approvalExecutor) Run(ctx context.Context, ec *ExecContext, step *Step) StepResult {
	message, err := expr.Interpolate(step.Config.Message, ec.Scope(nil))
	if err != nil {
		return failed("rendering approval message: %v", err)
	}
	if err := ec.Approvals.NotifyApprovers(ctx, ec.Instance.ID, step.ID, step.Config.Approvers, message); err != nil {
		return failed("notifying approvers: %v", err)
	}
	return StepResult{Status: StepWaitingForApproval}
}

// waitForEventExecutor suspends until a matching event arrives.
type waitForEventExecutor struct{}

func (waitForEventExecutor) Run(_ context.Context, ec *ExecContext, step *Step) StepResult {
	key, err := expr.Interpolate(step.Config.CorrelationKey, ec.Scope(nil))
	if err != nil {
		return failed("rendering correlation key: %v", err)
	}
	return StepResult{
		Status:                StepWaitingForEvent,
		WaitingEventType:      step.Config.EventType,
		WaitingCorrelationKey: key,
	}
}

type logExecutor struct{}

func (logExecutor) Run(_ context.Context, ec *ExecContext, step *Step) StepResult {
	message, err := expr.Interpolate(step.Config.Message, ec.Scope(nil))
	if err != nil {
		return failed("rendering log message: %v", err)
	}
	log := ec.Log.WithValues("instance", ec.Instance.ID, "step", step.ID)
	if step.Config.Level == "debug" {
		log.V(1).Info(message)
	} else {
		log.Info(message)
	}
	return StepResult{Status: StepCompleted, Output: message}
}

// groupError wraps a nested group failure so the engine can distinguish
// validation problems from runtime ones.
func groupError(stepID string, err error) error {
	if errkind.IsKind(err, errkind.Validation) {
		return err
	}
	return fmt.Errorf("step %s: %w", stepID, err)
}
