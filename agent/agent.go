// Package agent is the worker-side runtime: it registers over a session
// channel, heartbeats, executes dispatched jobs through pluggable runners and
// reports progress, stream items and results back to the control plane.
package agent

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/session"
)

// Runner executes one command kind. The returned bytes become the job
// result data; a returned error fails the job with its message.
type Runner interface {
	Run(ctx context.Context, job session.ExecuteJob, report Reporter) ([]byte, error)
}

// Reporter lets a runner publish progress and stream items mid-run. Both are
// fire-and-forget from the runner's point of view.
type Reporter interface {
	Progress(percent int, message string, fields map[string]string)
	Stream(payload []byte, endOfStream bool)
}

// Config carries the agent's identity and tuning.
type Config struct {
	Log          logr.Logger
	ID           string
	Name         string
	Group        string
	Capabilities []string
	Tags         []string
	Attributes   map[string]string

	HeartbeatInterval time.Duration
	// Runners maps command names to their runner. Unknown commands fail.
	Runners map[string]Runner
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = data.NewID()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Runners == nil {
		c.Runners = map[string]Runner{}
	}
	return c
}

type runningJob struct {
	cancel context.CancelFunc
}

// Agent is one worker connected to the control plane.
type Agent struct {
	cfg Config
	log logr.Logger

	sendMu sync.Mutex
	ch     session.Channel

	mu      sync.Mutex
	running map[string]*runningJob
	status  data.AgentStatus
}

// New builds an agent.
func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:     cfg,
		log:     cfg.Log,
		running: make(map[string]*runningJob),
		status:  data.AgentStatusReady,
	}
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.cfg.ID }

// Run registers over the channel and serves it until ctx is done or the
// channel is lost.
func (a *Agent) Run(ctx context.Context, ch session.Channel) error {
	a.ch = ch
	defer ch.Close()

	if err := a.send(ctx, session.NewFrame(session.KindRegister, session.RegisterRequest{
		AgentID:      a.cfg.ID,
		Name:         a.cfg.Name,
		Group:        a.cfg.Group,
		Capabilities: a.cfg.Capabilities,
		Tags:         a.cfg.Tags,
		Attributes:   a.cfg.Attributes,
	})); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	a.log.Info("registered", "agent", a.cfg.ID, "group", a.cfg.Group)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeats(ctx) })
	g.Go(func() error { return a.readLoop(ctx) })
	return g.Wait()
}

// send serializes channel writes: one producer per session.
func (a *Agent) send(ctx context.Context, f session.Frame) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.ch.Send(ctx, f)
}

func (a *Agent) heartbeats(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.send(ctx, a.heartbeatFrame()); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

func (a *Agent) heartbeatFrame() session.Frame {
	a.mu.Lock()
	status := a.status
	jobs := len(a.running)
	a.mu.Unlock()
	return session.NewFrame(session.KindHeartbeat, session.Heartbeat{
		AgentID: a.cfg.ID,
		Status:  status,
		ReportedState: map[string]string{
			"runningJobs": strconv.Itoa(jobs),
			"goroutines":  strconv.Itoa(runtime.NumGoroutine()),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (a *Agent) readLoop(ctx context.Context) error {
	for {
		frame, err := a.ch.Recv(ctx)
		if err != nil {
			return err
		}
		switch frame.Kind {
		case session.KindExecuteJob:
			var job session.ExecuteJob
			if err := frame.Decode(&job); err != nil {
				a.log.Error(err, "decoding execute frame")
				continue
			}
			a.startJob(ctx, job)
		case session.KindCancelJob:
			var c session.CancelJob
			if err := frame.Decode(&c); err != nil {
				continue
			}
			a.cancelJob(c.JobID, c.Reason)
		case session.KindProbe:
			if err := a.send(ctx, a.heartbeatFrame()); err != nil {
				return err
			}
		case session.KindResourceReport, session.KindResyncState:
			if err := a.send(ctx, a.stateReportFrame()); err != nil {
				return err
			}
		case session.KindValidateJob:
			var v session.ValidateJob
			if err := frame.Decode(&v); err != nil {
				continue
			}
			a.replyValidation(ctx, v)
		default:
			a.log.V(1).Info("ignoring unknown frame kind", "kind", frame.Kind)
		}
	}
}

func (a *Agent) stateReportFrame() session.Frame {
	a.mu.Lock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	return session.NewFrame(session.KindStateReport, session.StateReport{
		AgentID:       a.cfg.ID,
		RunningJobIDs: ids,
	})
}

// replyValidation answers a validate request through the reported state.
func (a *Agent) replyValidation(ctx context.Context, v session.ValidateJob) {
	verdict := "ok"
	if _, ok := a.cfg.Runners[v.Command]; !ok {
		verdict = "unknown_command"
	}
	f := session.NewFrame(session.KindStateReport, session.StateReport{
		AgentID:       a.cfg.ID,
		ReportedState: map[string]string{"validate:" + v.JobID: verdict},
	})
	if err := a.send(ctx, f); err != nil {
		a.log.Error(err, "replying to validation", "job", v.JobID)
	}
}

// startJob acks the delivery and runs the job on its own goroutine.
func (a *Agent) startJob(ctx context.Context, job session.ExecuteJob) {
	a.mu.Lock()
	if _, dup := a.running[job.JobID]; dup {
		a.mu.Unlock()
		// Redelivery of a job already in flight; ack again and move on.
		if err := a.send(ctx, session.NewFrame(session.KindAckJob, session.AckJob{AgentID: a.cfg.ID, JobID: job.JobID})); err != nil {
			a.log.Error(err, "re-acking job", "job", job.JobID)
		}
		return
	}
	var jobCtx context.Context
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	a.running[job.JobID] = &runningJob{cancel: cancel}
	a.status = data.AgentStatusRunning
	a.mu.Unlock()

	if err := a.send(ctx, session.NewFrame(session.KindAckJob, session.AckJob{AgentID: a.cfg.ID, JobID: job.JobID})); err != nil {
		a.log.Error(err, "acking job", "job", job.JobID)
	}

	go func() {
		defer cancel()
		result := a.execute(jobCtx, job)

		a.mu.Lock()
		delete(a.running, job.JobID)
		if len(a.running) == 0 {
			a.status = data.AgentStatusReady
		}
		a.mu.Unlock()

		if err := a.send(ctx, session.NewFrame(session.KindResult, session.ResultReport{
			AgentID: a.cfg.ID,
			JobID:   job.JobID,
			Result:  result,
		})); err != nil {
			a.log.Error(err, "reporting result", "job", job.JobID)
		}
	}()
}

func (a *Agent) execute(ctx context.Context, job session.ExecuteJob) data.JobResult {
	log := a.log.WithValues("job", job.JobID, "command", job.Command)
	runner, ok := a.cfg.Runners[job.Command]
	if !ok {
		log.Info("no runner for command")
		return data.JobResult{Error: fmt.Sprintf("agent has no runner for command %q", job.Command)}
	}

	rep := &reporter{agent: a, jobID: job.JobID}
	out, err := runner.Run(ctx, job, rep)
	if err != nil {
		log.Error(err, "job failed")
		return data.JobResult{Error: err.Error()}
	}
	log.V(1).Info("job completed")
	return data.JobResult{Data: out}
}

func (a *Agent) cancelJob(jobID, reason string) {
	a.mu.Lock()
	rj := a.running[jobID]
	a.mu.Unlock()
	if rj == nil {
		return
	}
	a.log.Info("cancelling job", "job", jobID, "reason", reason)
	rj.cancel()
}

// reporter sends progress and stream frames with per-job sequences.
type reporter struct {
	agent       *Agent
	jobID       string
	progressSeq atomic.Uint64
	streamSeq   atomic.Uint64
}

func (r *reporter) Progress(percent int, message string, fields map[string]string) {
	f := session.NewFrame(session.KindProgress, data.JobProgress{
		JobID:     r.jobID,
		Sequence:  r.progressSeq.Add(1),
		Percent:   percent,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
	if err := r.agent.send(context.Background(), f); err != nil {
		r.agent.log.V(1).Info("dropping progress report", "job", r.jobID, "error", err)
	}
}

func (r *reporter) Stream(payload []byte, endOfStream bool) {
	f := session.NewFrame(session.KindStreamItem, data.StreamItem{
		JobID:         r.jobID,
		Sequence:      r.streamSeq.Add(1),
		Payload:       payload,
		IsEndOfStream: endOfStream,
		Timestamp:     time.Now().UTC(),
	})
	if err := r.agent.send(context.Background(), f); err != nil {
		r.agent.log.V(1).Info("dropping stream item", "job", r.jobID, "error", err)
	}
}
