package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

// JobStore is the map-backed job store. A single lock serializes writers, so
// every transition is a CAS against the state machine: illegal moves are
// Conflicts and terminal jobs are immutable. Each transition appends a
// snapshot event to the job's stream with the job version as the expected
// stream version, which keeps projection and log in lockstep.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*data.Job
	byKey   map[string]string
	lastSeq map[string]uint64
	events  eventlog.Store
}

func NewJobStore(events eventlog.Store) *JobStore {
	return &JobStore{
		jobs:    make(map[string]*data.Job),
		byKey:   make(map[string]string),
		lastSeq: make(map[string]uint64),
		events:  events,
	}
}

// recover rebuilds jobs from the latest snapshot of every job stream.
func (s *JobStore) recover(ctx context.Context, events eventlog.Store) error {
	all, err := events.ReadAll(ctx, 0, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range all {
		if len(ev.StreamID) < 4 || ev.StreamID[:4] != "job/" || ev.Type == eventlog.TypeJobProgress {
			continue
		}
		var job data.Job
		if err := json.Unmarshal(ev.Payload, &job); err != nil || job.ID == "" {
			continue
		}
		// Events arrive in position order; the last snapshot wins.
		s.jobs[job.ID] = &job
		if job.IdempotencyKey != "" {
			s.byKey[job.IdempotencyKey] = job.ID
		}
	}
	return nil
}

func (s *JobStore) Create(ctx context.Context, job *data.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errkind.Errorf(errkind.Conflict, "job %s already exists", job.ID)
	}
	if job.IdempotencyKey != "" {
		if prior, taken := s.byKey[job.IdempotencyKey]; taken {
			return errkind.Errorf(errkind.Conflict, "idempotency key %q already maps to job %s", job.IdempotencyKey, prior)
		}
	}
	cp := job.Clone()
	cp.Version = 1
	s.jobs[cp.ID] = cp
	if cp.IdempotencyKey != "" {
		s.byKey[cp.IdempotencyKey] = cp.ID
	}
	s.appendLocked(ctx, cp, eventlog.TypeJobCreated)
	job.Version = cp.Version
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (*data.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "job %s", id)
	}
	return job.Clone(), nil
}

func (s *JobStore) FindByIdempotencyKey(_ context.Context, key string) (*data.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "idempotency key %q", key)
	}
	return s.jobs[id].Clone(), nil
}

// transition applies one state-machine move under the lock.
func (s *JobStore) transition(ctx context.Context, id string, to data.JobStatus, eventType string, mutate func(*data.Job)) (*data.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errkind.Errorf(errkind.NotFound, "job %s", id)
	}
	if !data.CanTransition(job.Status, to) {
		return nil, errkind.Errorf(errkind.Conflict, "job %s: illegal transition %s -> %s", id, job.Status, to)
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	job.Version++
	s.appendLocked(ctx, job, eventType)
	return job.Clone(), nil
}

func (s *JobStore) Assign(ctx context.Context, id, agentID string) (*data.Job, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusAssigned, eventlog.TypeJobAssigned, func(j *data.Job) {
		j.AssignedAgentID = agentID
		j.AssignedAt = &now
	})
}

func (s *JobStore) Ack(ctx context.Context, id string) (*data.Job, error) {
	s.mu.RLock()
	if job, ok := s.jobs[id]; ok && job.Status == data.JobStatusRunning {
		cp := job.Clone()
		s.mu.RUnlock()
		return cp, nil
	}
	s.mu.RUnlock()
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusRunning, eventlog.TypeJobAcked, func(j *data.Job) {
		j.StartedAt = &now
	})
}

func (s *JobStore) Release(ctx context.Context, id string, countRetry bool) (*data.Job, error) {
	return s.transition(ctx, id, data.JobStatusPending, eventlog.TypeJobReleased, func(j *data.Job) {
		j.AssignedAgentID = ""
		j.AssignedAt = nil
		j.StartedAt = nil
		if countRetry {
			j.RetryCount++
		}
	})
}

func (s *JobStore) Complete(ctx context.Context, id string, result data.JobResult) (*data.Job, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusCompleted, eventlog.TypeJobCompleted, func(j *data.Job) {
		j.Result = &result
		j.CompletedAt = &now
	})
}

func (s *JobStore) Fail(ctx context.Context, id string, cause string, toPending bool) (*data.Job, error) {
	if toPending {
		return s.transition(ctx, id, data.JobStatusPending, eventlog.TypeJobReleased, func(j *data.Job) {
			j.AssignedAgentID = ""
			j.AssignedAt = nil
			j.StartedAt = nil
			j.Error = cause
			j.RetryCount++
		})
	}
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusFailed, eventlog.TypeJobFailed, func(j *data.Job) {
		j.Error = cause
		j.CompletedAt = &now
	})
}

func (s *JobStore) Cancel(ctx context.Context, id, reason string) (*data.Job, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusCancelled, eventlog.TypeJobCancelled, func(j *data.Job) {
		j.Error = reason
		j.CompletedAt = &now
	})
}

func (s *JobStore) MarkTimedOut(ctx context.Context, id string) (*data.Job, error) {
	now := time.Now().UTC()
	return s.transition(ctx, id, data.JobStatusTimedOut, eventlog.TypeJobTimedOut, func(j *data.Job) {
		j.Error = "job timeout exceeded"
		j.CompletedAt = &now
	})
}

// RecordProgress appends a progress event for a Running job. Stale sequences
// are dropped silently so agent retries stay idempotent.
func (s *JobStore) RecordProgress(ctx context.Context, id string, p data.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errkind.Errorf(errkind.NotFound, "job %s", id)
	}
	if job.Status != data.JobStatusRunning {
		return errkind.Errorf(errkind.Conflict, "job %s is %s, not running", id, job.Status)
	}
	if p.Sequence <= s.lastSeq[id] {
		return nil
	}
	s.lastSeq[id] = p.Sequence
	if s.events != nil {
		ev := eventlog.New(eventlog.JobStream(id), eventlog.TypeJobProgress, eventlog.Snapshot(p))
		if _, err := s.events.Append(ctx, ev.StreamID, []eventlog.Event{ev}, eventlog.AnyVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStore) List(_ context.Context, f data.JobFilter) ([]*data.Job, error) {
	s.mu.RLock()
	var out []*data.Job
	for _, job := range s.jobs {
		if f.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *JobStore) ListPending(_ context.Context) ([]*data.Job, error) {
	s.mu.RLock()
	var out []*data.Job
	for _, job := range s.jobs {
		if job.Status == data.JobStatusPending {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *JobStore) ListByAgent(_ context.Context, agentID string) ([]*data.Job, error) {
	s.mu.RLock()
	var out []*data.Job
	for _, job := range s.jobs {
		if job.AssignedAgentID == agentID && !job.Status.Terminal() {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *JobStore) ListTimedOut(_ context.Context, now time.Time) ([]*data.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*data.Job
	for _, job := range s.jobs {
		if job.Status != data.JobStatusRunning || job.StartedAt == nil || job.Timeout <= 0 {
			continue
		}
		if job.StartedAt.Add(job.Timeout).Before(now) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *JobStore) CountByStatus(_ context.Context) (map[data.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[data.JobStatus]int)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *JobStore) ActiveCounts(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, job := range s.jobs {
		if job.Status == data.JobStatusAssigned || job.Status == data.JobStatusRunning {
			out[job.AssignedAgentID]++
		}
	}
	return out, nil
}

// appendLocked writes the job snapshot to its event stream. Version-1 is the
// expected stream version: the projection's optimistic token doubles as the
// log's.
func (s *JobStore) appendLocked(ctx context.Context, job *data.Job, eventType string) {
	if s.events == nil {
		return
	}
	ev := eventlog.New(eventlog.JobStream(job.ID), eventType, eventlog.Snapshot(job))
	if _, err := s.events.Append(ctx, ev.StreamID, []eventlog.Event{ev}, eventlog.AnyVersion); err != nil {
		// The projection already advanced; surfacing here would desync it.
		// The memory log only fails on version conflicts, which AnyVersion
		// rules out.
		_ = err
	}
}
