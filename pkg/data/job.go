package data

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// transitions is the only set of legal moves in the job state machine.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusAssigned, JobStatusFailed, JobStatusCancelled},
	JobStatusAssigned: {JobStatusRunning, JobStatusPending, JobStatusCancelled},
	JobStatusRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusPending, JobStatusTimedOut, JobStatusCancelled},
}

// CanTransition reports whether from → to is a legal job state-machine move.
func CanTransition(from, to JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobPattern is the delivery and response shape of a job.
type JobPattern string

const (
	PatternFireAndForget   JobPattern = "fire_and_forget"
	PatternRequestResponse JobPattern = "request_response"
	PatternStreaming       JobPattern = "streaming"
	PatternLongRunning     JobPattern = "long_running"
)

// AllowsReassignment reports whether a job of this pattern may be re-enqueued
// after its agent is lost mid-run. Streaming and long-running jobs have
// externally visible side effects and are failed instead.
func (p JobPattern) AllowsReassignment() bool {
	switch p {
	case PatternStreaming, PatternLongRunning:
		return false
	default:
		return true
	}
}

// Valid reports whether p names a known pattern.
func (p JobPattern) Valid() bool {
	switch p {
	case PatternFireAndForget, PatternRequestResponse, PatternStreaming, PatternLongRunning:
		return true
	default:
		return false
	}
}

// JobResult is the final payload reported by an agent.
type JobResult struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Job is a single unit of work dispatched to an agent.
type Job struct {
	ID             string        `json:"id"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Command        string        `json:"command"`
	Payload        []byte        `json:"payload,omitempty"`
	Priority       int           `json:"priority"`
	Pattern        JobPattern    `json:"pattern"`
	Timeout        time.Duration `json:"timeout"`
	MaxRetries     int           `json:"maxRetries"`

	TargetAgentID        string   `json:"targetAgentId,omitempty"`
	TargetGroup          string   `json:"targetGroup,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	RequiredTags         []string `json:"requiredTags,omitempty"`

	Status          JobStatus  `json:"status"`
	AssignedAgentID string     `json:"assignedAgentId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	RetryCount      int        `json:"retryCount"`

	// Version is the optimistic concurrency token maintained by the store.
	// It matches the job's event-stream version.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	cp.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	cp.RequiredTags = append([]string(nil), j.RequiredTags...)
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		cp.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Data = append([]byte(nil), j.Result.Data...)
		cp.Result = &r
	}
	return &cp
}

// JobRequest is a caller's submission to the dispatcher. The dispatcher fills
// in identifiers, defaults and bookkeeping fields when admitting it.
type JobRequest struct {
	ID             string        `json:"id,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Command        string        `json:"command" validate:"required"`
	Payload        []byte        `json:"payload,omitempty"`
	Priority       int           `json:"priority"`
	Pattern        JobPattern    `json:"pattern"`
	Timeout        time.Duration `json:"timeout"`
	// MaxRetries left nil takes the dispatcher default; an explicit zero
	// opts out of retries.
	MaxRetries           *int     `json:"maxRetries,omitempty" validate:"omitempty,gte=0"`
	TargetAgentID        string   `json:"targetAgentId,omitempty"`
	TargetGroup          string   `json:"targetGroup,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	RequiredTags         []string `json:"requiredTags,omitempty"`
}

// JobFilter selects jobs for paged queries. Zero fields match everything.
type JobFilter struct {
	Statuses []JobStatus
	AgentID  string
	Command  string
	Limit    int
	Offset   int
}

// Matches reports whether job j satisfies the filter, ignoring paging.
func (f JobFilter) Matches(j *Job) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" && j.AssignedAgentID != f.AgentID {
		return false
	}
	if f.Command != "" && j.Command != f.Command {
		return false
	}
	return true
}

// JobProgress is a point-in-time progress report for a running job. Sequence
// is assigned by the reporting agent and is strictly increasing per job.
type JobProgress struct {
	JobID     string            `json:"jobId"`
	Sequence  uint64            `json:"sequence"`
	Percent   int               `json:"percent"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StreamItem is one element of a job's ordered output stream. Sequence is
// assigned by the bus on publish; producers only control ordering through the
// per-session single-writer channel.
type StreamItem struct {
	JobID         string    `json:"jobId"`
	Sequence      uint64    `json:"sequence"`
	Payload       []byte    `json:"payload,omitempty"`
	IsEndOfStream bool      `json:"isEndOfStream,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
