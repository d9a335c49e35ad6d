package workflow

import (
	"context"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

// JobDispatcher is the slice of the dispatcher job steps consume.
type JobDispatcher interface {
	Enqueue(ctx context.Context, req data.JobRequest) (*data.Job, error)
	Await(ctx context.Context, jobID string) (*data.Job, error)
	Cancel(ctx context.Context, jobID, reason string) error
}

// NotificationSender delivers notify-step messages over an external channel
// (webhook, email, chat). The engine never interprets the channel name.
type NotificationSender interface {
	Send(ctx context.Context, channel, target, subject, message string) error
}

// ApprovalNotifier tells approvers a workflow is waiting on them. Decisions
// come back through Engine.Approve.
type ApprovalNotifier interface {
	NotifyApprovers(ctx context.Context, instanceID, stepID string, approvers []string, message string) error
}

// SubWorkflowResult is what a launched child reports back.
type SubWorkflowResult struct {
	InstanceID string
	Status     InstanceStatus
	Output     map[string]any
	Error      string
}

// SubWorkflowLauncher starts a child instance. The engine itself implements
// this; the interface exists so tests and embedders can substitute.
type SubWorkflowLauncher interface {
	Launch(ctx context.Context, workflowID string, version int, input map[string]any,
		parentInstanceID, parentStepID string, waitForCompletion bool) (SubWorkflowResult, error)
}

// NopNotificationSender drops every notification.
type NopNotificationSender struct{}

func (NopNotificationSender) Send(context.Context, string, string, string, string) error {
	return nil
}

// NopApprovalNotifier drops every approver notification; approvals then rely
// on out-of-band discovery or the timeout action.
type NopApprovalNotifier struct{}

func (NopApprovalNotifier) NotifyApprovers(context.Context, string, string, []string, string) error {
	return nil
}
