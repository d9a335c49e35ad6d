package dispatch

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

// JobStore is the persistence contract the dispatcher consumes. Every
// transition method is a compare-and-swap against the job state machine:
// it validates the current status, applies exactly the declared mutation,
// bumps the version and appends a domain event, atomically per job id.
// Illegal transitions return Conflict; missing jobs return NotFound.
type JobStore interface {
	Create(ctx context.Context, job *data.Job) error
	Get(ctx context.Context, id string) (*data.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*data.Job, error)

	// Assign moves Pending -> Assigned with the chosen agent.
	Assign(ctx context.Context, id, agentID string) (*data.Job, error)
	// Ack moves Assigned -> Running and stamps StartedAt. Ack of an already
	// Running job is a no-op returning the current record.
	Ack(ctx context.Context, id string) (*data.Job, error)
	// Release moves Assigned-or-Running back to Pending for reassignment,
	// clearing the agent. countRetry controls whether RetryCount increments.
	Release(ctx context.Context, id string, countRetry bool) (*data.Job, error)
	// Complete moves Running -> Completed with the result.
	Complete(ctx context.Context, id string, result data.JobResult) (*data.Job, error)
	// Fail moves the job to Failed, or back to Pending when toPending is set
	// (retry on failure; RetryCount increments).
	Fail(ctx context.Context, id string, cause string, toPending bool) (*data.Job, error)
	// Cancel moves any non-terminal status to Cancelled.
	Cancel(ctx context.Context, id, reason string) (*data.Job, error)
	// MarkTimedOut moves Running (or Assigned) -> TimedOut.
	MarkTimedOut(ctx context.Context, id string) (*data.Job, error)
	// RecordProgress appends a progress event for a Running job. Progress
	// with a sequence at or below the last seen is dropped silently.
	RecordProgress(ctx context.Context, id string, p data.JobProgress) error

	List(ctx context.Context, f data.JobFilter) ([]*data.Job, error)
	// ListPending returns Pending jobs ordered by (priority desc, createdAt asc).
	ListPending(ctx context.Context) ([]*data.Job, error)
	// ListByAgent returns non-terminal jobs assigned to agentID.
	ListByAgent(ctx context.Context, agentID string) ([]*data.Job, error)
	// ListTimedOut returns Running jobs whose StartedAt+Timeout is before now.
	ListTimedOut(ctx context.Context, now time.Time) ([]*data.Job, error)
	CountByStatus(ctx context.Context) (map[data.JobStatus]int, error)
	// ActiveCounts returns per-agent counts of Assigned-or-Running jobs.
	ActiveCounts(ctx context.Context) (map[string]int, error)
}
