// Package dispatch implements job admission, routing and at-most-once
// delivery: a bounded priority queue feeds a worker pool that asks the
// router for a target, CASes the job to Assigned, sends it over the agent's
// session and arms an ack timeout. Inbound acks, results and timeouts drive
// the job state machine through the JobStore.
package dispatch

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/journal"
	"github.com/orbitmesh/orbitmesh/pkg/resilience"
)

// Sender delivers frames to a specific agent's session. Implementations
// return a SessionLost error when the agent has no live session.
type Sender interface {
	Deliver(ctx context.Context, agentID string, job *data.Job) error
	CancelJob(ctx context.Context, agentID, jobID, reason string) error
}

// Config carries the dispatcher's dependencies and tuning.
type Config struct {
	Log    logr.Logger
	Store  JobStore
	Router *Router
	Sender Sender

	WorkerCount           int
	QueueCapacity         int
	AckTimeout            time.Duration
	DefaultJobTimeout     time.Duration
	DefaultMaxRetries     int
	MaxUnroutableAttempts int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	IdempotencyTTL        time.Duration
	IdempotencyCacheSize  int
	TimeoutSweepInterval  time.Duration
	AwaitPollInterval     time.Duration

	// BlockOnFullQueue makes Enqueue wait for space instead of failing fast
	// with Backpressure.
	BlockOnFullQueue bool
	// CountAckTimeoutsAgainstMaxRetries makes ack-timeout reassignments
	// consume the job's retry budget. Off by default: ack timeouts always
	// increment RetryCount for observability but only failures consume the
	// budget.
	CountAckTimeoutsAgainstMaxRetries bool
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = 5 * time.Minute
	}
	if c.MaxUnroutableAttempts <= 0 {
		c.MaxUnroutableAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.TimeoutSweepInterval <= 0 {
		c.TimeoutSweepInterval = time.Second
	}
	if c.AwaitPollInterval <= 0 {
		c.AwaitPollInterval = 50 * time.Millisecond
	}
	return c
}

// Stats is a point-in-time view of dispatcher load.
type Stats struct {
	QueueDepth    int
	AckPending    int
	CountByStatus map[data.JobStatus]int
}

// Dispatcher is the job pipeline. One per process.
type Dispatcher struct {
	cfg      Config
	log      logr.Logger
	queue    *queue
	idem     *idemCache
	validate *validator.Validate

	admitMu sync.Mutex

	mu         sync.Mutex
	ackTimers  map[string]*time.Timer
	unroutable map[string]*backoff.ExponentialBackOff
	attempts   map[string]int

	enqueued   prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	timedOut   prometheus.Counter
	cancelled  prometheus.Counter
	queueDepth prometheus.GaugeFunc
	ackPending prometheus.GaugeFunc
}

// New builds a dispatcher.
func New(cfg Config, reg prometheus.Registerer) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		log:        cfg.Log,
		queue:      newQueue(cfg.QueueCapacity),
		idem:       newIdemCache(cfg.IdempotencyCacheSize, cfg.IdempotencyTTL),
		validate:   validator.New(),
		ackTimers:  make(map[string]*time.Timer),
		unroutable: make(map[string]*backoff.ExponentialBackOff),
		attempts:   make(map[string]int),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	d.enqueued = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_jobs_enqueued_total", Help: "Jobs admitted by the dispatcher."})
	d.completed = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_jobs_completed_total", Help: "Jobs that reached Completed."})
	d.failed = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_jobs_failed_total", Help: "Jobs that reached Failed."})
	d.timedOut = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_jobs_timed_out_total", Help: "Jobs that reached TimedOut."})
	d.cancelled = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_jobs_cancelled_total", Help: "Jobs that reached Cancelled."})
	d.queueDepth = f.NewGaugeFunc(prometheus.GaugeOpts{Name: "orbitmesh_dispatch_queue_depth", Help: "Jobs waiting in the dispatch queue."},
		func() float64 { return float64(d.queue.Len()) })
	d.ackPending = f.NewGaugeFunc(prometheus.GaugeOpts{Name: "orbitmesh_dispatch_ack_pending", Help: "Assignments awaiting agent ack."},
		func() float64 {
			d.mu.Lock()
			defer d.mu.Unlock()
			return float64(len(d.ackTimers))
		})
	return d
}

// Start recovers pending jobs into the queue and runs the worker pool and
// timeout sweep until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	pending, err := d.cfg.Store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, j := range pending {
		if err := d.queue.Push(j); err != nil {
			d.log.Error(err, "requeueing recovered job", "job", j.ID)
		}
	}
	if len(pending) > 0 {
		d.log.Info("recovered pending jobs into queue", "count", len(pending))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.WorkerCount; i++ {
		g.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.timeoutSweep(ctx)
		return nil
	})
	err = g.Wait()
	d.queue.Close()
	return err
}

// Enqueue admits a job request. Duplicate idempotency keys within TTL return
// the original record.
func (d *Dispatcher) Enqueue(ctx context.Context, req data.JobRequest) (*data.Job, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, errkind.New(errkind.Validation, err)
	}
	if req.Pattern == "" {
		req.Pattern = data.PatternRequestResponse
	}
	if !req.Pattern.Valid() {
		return nil, errkind.Errorf(errkind.Validation, "unknown pattern %q", req.Pattern)
	}

	d.admitMu.Lock()
	defer d.admitMu.Unlock()

	if req.IdempotencyKey != "" {
		if prior, err := d.priorByKey(ctx, req); err != nil {
			return nil, err
		} else if prior != nil {
			journal.Log(ctx, "idempotency hit", "key", req.IdempotencyKey, "job", prior.ID)
			return prior, nil
		}
	}

	now := time.Now().UTC()
	job := &data.Job{
		ID:                   req.ID,
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Payload:              req.Payload,
		Priority:             req.Priority,
		Pattern:              req.Pattern,
		Timeout:              req.Timeout,
		TargetAgentID:        req.TargetAgentID,
		TargetGroup:          req.TargetGroup,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		Status:               data.JobStatusPending,
		CreatedAt:            now,
	}
	if job.ID == "" {
		job.ID = data.NewID()
	}
	if job.Timeout <= 0 {
		job.Timeout = d.cfg.DefaultJobTimeout
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	} else {
		job.MaxRetries = d.cfg.DefaultMaxRetries
	}

	if err := d.cfg.Store.Create(ctx, job); err != nil {
		return nil, err
	}
	d.idem.put(job.IdempotencyKey, job.ID)
	d.enqueued.Inc()

	var pushErr error
	if d.cfg.BlockOnFullQueue {
		pushErr = d.queue.PushWait(ctx, job)
	} else {
		pushErr = d.queue.Push(job)
	}
	if pushErr != nil {
		if _, err := d.cfg.Store.Cancel(ctx, job.ID, "dispatch queue full"); err != nil {
			d.log.Error(err, "cancelling unqueueable job", "job", job.ID)
		}
		return nil, pushErr
	}
	return job.Clone(), nil
}

// priorByKey resolves an idempotency key to an existing job, checking the
// cache first and the store index on miss. A key reused with a different
// command or payload is a Conflict.
func (d *Dispatcher) priorByKey(ctx context.Context, req data.JobRequest) (*data.Job, error) {
	var prior *data.Job
	if id, ok := d.idem.get(req.IdempotencyKey); ok {
		j, err := d.cfg.Store.Get(ctx, id)
		if err == nil {
			prior = j
		}
	}
	if prior == nil {
		j, err := d.cfg.Store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			if errkind.IsKind(err, errkind.NotFound) {
				return nil, nil
			}
			return nil, err
		}
		prior = j
	}
	if prior.Command != req.Command || !bytes.Equal(prior.Payload, req.Payload) {
		return nil, errkind.Errorf(errkind.Conflict, "idempotency key %q reused with a different payload", req.IdempotencyKey)
	}
	return prior, nil
}

// Cancel cancels a job. Rejected with Conflict when the job is already
// terminal. A delivered job also gets a cancel frame to its agent.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := d.cfg.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return errkind.Errorf(errkind.Conflict, "job %s already %s", jobID, job.Status)
	}
	agentID := job.AssignedAgentID
	delivered := job.Status == data.JobStatusAssigned || job.Status == data.JobStatusRunning

	if _, err := d.cfg.Store.Cancel(ctx, jobID, reason); err != nil {
		return err
	}
	d.clearJobState(jobID)
	d.cancelled.Inc()
	if delivered && agentID != "" {
		if err := d.cfg.Sender.CancelJob(ctx, agentID, jobID, reason); err != nil {
			d.log.V(1).Info("cancel frame not delivered", "job", jobID, "agent", agentID, "error", err)
		}
	}
	return nil
}

// QueueDepth returns the number of jobs waiting in the queue.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// Stats returns a snapshot of dispatcher load.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	counts, err := d.cfg.Store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	d.mu.Lock()
	ackPending := len(d.ackTimers)
	d.mu.Unlock()
	return Stats{QueueDepth: d.queue.Len(), AckPending: ackPending, CountByStatus: counts}, nil
}

// Await blocks until the job reaches a terminal status.
func (d *Dispatcher) Await(ctx context.Context, jobID string) (*data.Job, error) {
	ticker := time.NewTicker(d.cfg.AwaitPollInterval)
	defer ticker.Stop()
	for {
		job, err := d.cfg.Store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		job, err := d.queue.Pop(ctx)
		if err != nil {
			return
		}
		d.process(ctx, job)
	}
}

func (d *Dispatcher) process(ctx context.Context, queued *data.Job) {
	ctx = journal.New(ctx)
	log := d.log.WithValues("job", queued.ID)

	// Re-read: the job may have been cancelled while queued.
	job, err := d.cfg.Store.Get(ctx, queued.ID)
	if err != nil {
		log.Error(err, "reading queued job")
		return
	}
	if job.Status != data.JobStatusPending {
		journal.Log(ctx, "dropping queued job in non-pending state", "status", job.Status)
		return
	}

	target, err := d.cfg.Router.Route(ctx, RoutingRequest{
		RequiredCapabilities: job.RequiredCapabilities,
		Tags:                 job.RequiredTags,
		PreferredAgentID:     job.TargetAgentID,
		TargetGroup:          job.TargetGroup,
	})
	if err != nil {
		log.Error(err, "routing job")
		d.requeueUnroutable(ctx, job)
		return
	}
	if target == nil {
		journal.Log(ctx, "no routable agent")
		d.requeueUnroutable(ctx, job)
		return
	}

	job, err = d.cfg.Store.Assign(ctx, job.ID, target.ID)
	if err != nil {
		// Lost the CAS: cancelled concurrently or already picked up.
		journal.Log(ctx, "assign CAS lost", "error", err.Error())
		return
	}
	d.clearUnroutable(job.ID)

	if err := d.cfg.Sender.Deliver(ctx, target.ID, job); err != nil {
		log.Info("delivery failed, releasing for reassignment", "agent", target.ID, "error", err)
		if _, rerr := d.cfg.Store.Release(ctx, job.ID, false); rerr != nil {
			log.Error(rerr, "releasing undeliverable job")
			return
		}
		d.requeueAfter(job, d.cfg.BackoffBase)
		return
	}

	log.V(1).Info("job delivered", "agent", target.ID)
	d.armAckTimer(ctx, job.ID)
}

// requeueUnroutable schedules a retry with exponential backoff and fails the
// job once the unroutable ceiling is reached.
func (d *Dispatcher) requeueUnroutable(ctx context.Context, job *data.Job) {
	d.mu.Lock()
	bo, ok := d.unroutable[job.ID]
	if !ok {
		bo = resilience.Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax)
		d.unroutable[job.ID] = bo
	}
	d.attempts[job.ID]++
	attempts := d.attempts[job.ID]
	delay := bo.NextBackOff()
	d.mu.Unlock()

	if attempts >= d.cfg.MaxUnroutableAttempts {
		d.log.Info("job unroutable, failing", "job", job.ID, "attempts", attempts)
		if _, err := d.cfg.Store.Fail(ctx, job.ID, "no agent satisfies the job constraints", false); err != nil {
			d.log.Error(err, "failing unroutable job", "job", job.ID)
		}
		d.clearJobState(job.ID)
		d.failed.Inc()
		return
	}
	d.requeueAfter(job, delay)
}

func (d *Dispatcher) requeueAfter(job *data.Job, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := d.queue.Push(job); err != nil {
			d.log.Error(err, "requeueing job", "job", job.ID)
		}
	})
}

func (d *Dispatcher) armAckTimer(ctx context.Context, jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
	}
	d.ackTimers[jobID] = time.AfterFunc(d.cfg.AckTimeout, func() {
		d.onAckTimeout(ctx, jobID)
	})
}

func (d *Dispatcher) cancelAckTimer(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
		delete(d.ackTimers, jobID)
	}
}

func (d *Dispatcher) onAckTimeout(ctx context.Context, jobID string) {
	d.cancelAckTimer(jobID)

	job, err := d.cfg.Store.Get(ctx, jobID)
	if err != nil || job.Status != data.JobStatusAssigned {
		return
	}
	if d.cfg.CountAckTimeoutsAgainstMaxRetries && job.RetryCount >= job.MaxRetries {
		d.log.Info("ack timeout, retry budget exhausted", "job", jobID, "retries", job.RetryCount)
		if _, err := d.cfg.Store.Fail(ctx, jobID, "agent did not acknowledge delivery", false); err != nil {
			d.log.Error(err, "failing unacked job", "job", jobID)
		}
		d.failed.Inc()
		return
	}
	d.log.Info("ack timeout, releasing for reassignment", "job", jobID, "agent", job.AssignedAgentID)
	released, err := d.cfg.Store.Release(ctx, jobID, true)
	if err != nil {
		d.log.Error(err, "releasing unacked job", "job", jobID)
		return
	}
	d.requeueAfter(released, 0)
}

// HandleAck processes an agent's delivery acknowledgement. Ack of an already
// Running job is a no-op.
func (d *Dispatcher) HandleAck(ctx context.Context, jobID string) error {
	d.cancelAckTimer(jobID)
	_, err := d.cfg.Store.Ack(ctx, jobID)
	return err
}

// HandleProgress records a progress report against the job.
func (d *Dispatcher) HandleProgress(ctx context.Context, p data.JobProgress) error {
	return d.cfg.Store.RecordProgress(ctx, p.JobID, p)
}

// HandleResult finalizes a job from an agent result report. Failures retry
// back to Pending while the retry budget lasts.
func (d *Dispatcher) HandleResult(ctx context.Context, jobID string, result data.JobResult) error {
	d.cancelAckTimer(jobID)

	job, err := d.cfg.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if result.Error != "" {
		retry := job.RetryCount < job.MaxRetries
		failed, err := d.cfg.Store.Fail(ctx, jobID, result.Error, retry)
		if err != nil {
			return err
		}
		if retry {
			d.log.Info("job failed, retrying", "job", jobID, "retryCount", failed.RetryCount)
			d.requeueAfter(failed, d.cfg.BackoffBase)
		} else {
			d.clearJobState(jobID)
			d.failed.Inc()
		}
		return nil
	}

	if _, err := d.cfg.Store.Complete(ctx, jobID, result); err != nil {
		return err
	}
	d.clearJobState(jobID)
	d.completed.Inc()
	return nil
}

// RescueAgentJobs re-enqueues the non-terminal jobs of a lost agent whose
// pattern allows reassignment and fails the rest. Called when a session drops
// or the heartbeat sweep expires an agent.
func (d *Dispatcher) RescueAgentJobs(ctx context.Context, agentID string) {
	jobs, err := d.cfg.Store.ListByAgent(ctx, agentID)
	if err != nil {
		d.log.Error(err, "listing jobs of lost agent", "agent", agentID)
		return
	}
	for _, job := range jobs {
		d.cancelAckTimer(job.ID)
		if job.Pattern.AllowsReassignment() {
			released, err := d.cfg.Store.Release(ctx, job.ID, false)
			if err != nil {
				d.log.Error(err, "releasing job of lost agent", "job", job.ID)
				continue
			}
			d.log.Info("rescued job from lost agent", "job", job.ID, "agent", agentID)
			d.requeueAfter(released, 0)
			continue
		}
		if _, err := d.cfg.Store.Fail(ctx, job.ID, "agent session lost", false); err != nil {
			d.log.Error(err, "failing job of lost agent", "job", job.ID)
			continue
		}
		d.failed.Inc()
	}
}

// Reconcile applies an agent's state report after a reconnect: Assigned jobs
// the agent is actually running are acked, Running jobs the agent no longer
// knows are rescued or failed.
func (d *Dispatcher) Reconcile(ctx context.Context, agentID string, runningJobIDs []string) {
	running := make(map[string]struct{}, len(runningJobIDs))
	for _, id := range runningJobIDs {
		running[id] = struct{}{}
	}
	jobs, err := d.cfg.Store.ListByAgent(ctx, agentID)
	if err != nil {
		d.log.Error(err, "listing jobs for reconcile", "agent", agentID)
		return
	}
	for _, job := range jobs {
		_, known := running[job.ID]
		switch {
		case job.Status == data.JobStatusAssigned && known:
			d.cancelAckTimer(job.ID)
			if _, err := d.cfg.Store.Ack(ctx, job.ID); err != nil {
				d.log.Error(err, "acking reconciled job", "job", job.ID)
			}
		case job.Status == data.JobStatusRunning && !known:
			if job.Pattern.AllowsReassignment() {
				if released, err := d.cfg.Store.Release(ctx, job.ID, false); err == nil {
					d.requeueAfter(released, 0)
				}
			} else if _, err := d.cfg.Store.Fail(ctx, job.ID, "agent lost track of job", false); err != nil {
				d.log.Error(err, "failing orphaned job", "job", job.ID)
			}
		}
	}
}

func (d *Dispatcher) timeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.sweepTimeouts(ctx, now.UTC())
		}
	}
}

func (d *Dispatcher) sweepTimeouts(ctx context.Context, now time.Time) {
	jobs, err := d.cfg.Store.ListTimedOut(ctx, now)
	if err != nil {
		d.log.Error(err, "listing timed-out jobs")
		return
	}
	for _, job := range jobs {
		if _, err := d.cfg.Store.MarkTimedOut(ctx, job.ID); err != nil {
			// Lost the race against a result report.
			continue
		}
		d.clearJobState(job.ID)
		d.timedOut.Inc()
		d.log.Info("job timed out", "job", job.ID, "agent", job.AssignedAgentID)
		if job.AssignedAgentID != "" {
			if err := d.cfg.Sender.CancelJob(ctx, job.AssignedAgentID, job.ID, "job timeout"); err != nil {
				d.log.V(1).Info("timeout cancel frame not delivered", "job", job.ID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) clearJobState(jobID string) {
	d.cancelAckTimer(jobID)
	d.clearUnroutable(jobID)
}

func (d *Dispatcher) clearUnroutable(jobID string) {
	d.mu.Lock()
	delete(d.unroutable, jobID)
	delete(d.attempts, jobID)
	d.mu.Unlock()
}
