package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/session"
)

// pipeChannel is the server's end of a fake transport: frames pushed to
// toAgent are Recv'd by the agent, frames the agent Sends land on fromAgent.
type pipeChannel struct {
	toAgent   chan session.Frame
	fromAgent chan session.Frame

	once   sync.Once
	closed chan struct{}
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{
		toAgent:   make(chan session.Frame, 16),
		fromAgent: make(chan session.Frame, 64),
		closed:    make(chan struct{}),
	}
}

func (c *pipeChannel) Send(ctx context.Context, f session.Frame) error {
	select {
	case <-c.closed:
		return session.ErrSessionLost
	case c.fromAgent <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeChannel) Recv(ctx context.Context) (session.Frame, error) {
	select {
	case f := <-c.toAgent:
		return f, nil
	case <-c.closed:
		return session.Frame{}, session.ErrSessionLost
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

func (c *pipeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// nextFrame returns the next agent frame of the wanted kind, skipping others
// (heartbeats mostly).
func nextFrame(t *testing.T, c *pipeChannel, kind string) session.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.fromAgent:
			if f.Kind == kind {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", kind)
		}
	}
}

type runnerFunc func(ctx context.Context, job session.ExecuteJob, report Reporter) ([]byte, error)

func (f runnerFunc) Run(ctx context.Context, job session.ExecuteJob, report Reporter) ([]byte, error) {
	return f(ctx, job, report)
}

func startAgent(t *testing.T, cfg Config) *pipeChannel {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.Log = logr.Discard()
	a := New(cfg)

	ch := newPipeChannel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx, ch)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	reg := nextFrame(t, ch, session.KindRegister)
	var req session.RegisterRequest
	if err := reg.Decode(&req); err != nil {
		t.Fatalf("decoding register: %v", err)
	}
	if req.AgentID != cfg.ID {
		t.Fatalf("registered as %s, want %s", req.AgentID, cfg.ID)
	}
	return ch
}

func execFrame(jobID, command string, payload []byte) session.Frame {
	return session.NewFrame(session.KindExecuteJob, session.ExecuteJob{
		JobID:   jobID,
		Command: command,
		Payload: payload,
		Pattern: data.PatternRequestResponse,
	})
}

func TestRunRegistersAndHeartbeats(t *testing.T) {
	ch := startAgent(t, Config{
		ID:                "a1",
		Name:              "worker",
		Group:             "g1",
		Capabilities:      []string{"echo"},
		HeartbeatInterval: 20 * time.Millisecond,
	})

	hb := nextFrame(t, ch, session.KindHeartbeat)
	var beat session.Heartbeat
	if err := hb.Decode(&beat); err != nil {
		t.Fatalf("decoding heartbeat: %v", err)
	}
	if beat.AgentID != "a1" || beat.Status != data.AgentStatusReady {
		t.Errorf("heartbeat = %+v", beat)
	}
	if beat.ReportedState["runningJobs"] != "0" {
		t.Errorf("reported state = %v", beat.ReportedState)
	}
}

func TestExecuteJobAcksAndReportsResult(t *testing.T) {
	ch := startAgent(t, Config{
		ID:      "a1",
		Runners: map[string]Runner{"echo": EchoRunner{}},
	})

	ch.toAgent <- execFrame("j1", "echo", []byte(`{"hello":"world"}`))

	ack := nextFrame(t, ch, session.KindAckJob)
	var a session.AckJob
	ack.Decode(&a)
	if a.JobID != "j1" || a.AgentID != "a1" {
		t.Errorf("ack = %+v", a)
	}

	prog := nextFrame(t, ch, session.KindProgress)
	var p data.JobProgress
	prog.Decode(&p)
	if p.JobID != "j1" || p.Percent != 100 || p.Sequence != 1 {
		t.Errorf("progress = %+v", p)
	}

	res := nextFrame(t, ch, session.KindResult)
	var r session.ResultReport
	res.Decode(&r)
	if r.JobID != "j1" || string(r.Result.Data) != `{"hello":"world"}` || r.Result.Error != "" {
		t.Errorf("result = %+v", r)
	}
}

func TestUnknownCommandFailsJob(t *testing.T) {
	ch := startAgent(t, Config{ID: "a1"})

	ch.toAgent <- execFrame("j1", "mystery", nil)
	nextFrame(t, ch, session.KindAckJob)

	res := nextFrame(t, ch, session.KindResult)
	var r session.ResultReport
	res.Decode(&r)
	if !strings.Contains(r.Result.Error, "no runner for command") {
		t.Errorf("result error = %q", r.Result.Error)
	}
}

func TestDuplicateDeliveryReacksWithoutRerunning(t *testing.T) {
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex
	blocked := runnerFunc(func(ctx context.Context, _ session.ExecuteJob, _ Reporter) ([]byte, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		select {
		case <-release:
			return []byte(`"done"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ch := startAgent(t, Config{ID: "a1", Runners: map[string]Runner{"block": blocked}})

	ch.toAgent <- execFrame("j1", "block", nil)
	nextFrame(t, ch, session.KindAckJob)

	// Redelivery of the in-flight job gets another ack, not a second run.
	ch.toAgent <- execFrame("j1", "block", nil)
	nextFrame(t, ch, session.KindAckJob)

	close(release)
	res := nextFrame(t, ch, session.KindResult)
	var r session.ResultReport
	res.Decode(&r)
	if r.JobID != "j1" || r.Result.Error != "" {
		t.Errorf("result = %+v", r)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runner ran %d times", runs)
	}
}

func TestCancelJobStopsRunner(t *testing.T) {
	waiting := runnerFunc(func(ctx context.Context, _ session.ExecuteJob, _ Reporter) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ch := startAgent(t, Config{ID: "a1", Runners: map[string]Runner{"wait": waiting}})

	ch.toAgent <- execFrame("j1", "wait", nil)
	nextFrame(t, ch, session.KindAckJob)

	ch.toAgent <- session.NewFrame(session.KindCancelJob, session.CancelJob{JobID: "j1", Reason: "test"})

	res := nextFrame(t, ch, session.KindResult)
	var r session.ResultReport
	res.Decode(&r)
	if r.Result.Error != context.Canceled.Error() {
		t.Errorf("result error = %q", r.Result.Error)
	}
}

func TestJobTimeoutCancelsRunner(t *testing.T) {
	waiting := runnerFunc(func(ctx context.Context, _ session.ExecuteJob, _ Reporter) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ch := startAgent(t, Config{ID: "a1", Runners: map[string]Runner{"wait": waiting}})

	ch.toAgent <- session.NewFrame(session.KindExecuteJob, session.ExecuteJob{
		JobID:   "j1",
		Command: "wait",
		Pattern: data.PatternRequestResponse,
		Timeout: 20 * time.Millisecond,
	})
	nextFrame(t, ch, session.KindAckJob)

	res := nextFrame(t, ch, session.KindResult)
	var r session.ResultReport
	res.Decode(&r)
	if r.Result.Error != context.DeadlineExceeded.Error() {
		t.Errorf("result error = %q", r.Result.Error)
	}
}

func TestResyncStateReportsRunningJobs(t *testing.T) {
	release := make(chan struct{})
	blocked := runnerFunc(func(ctx context.Context, _ session.ExecuteJob, _ Reporter) ([]byte, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ch := startAgent(t, Config{ID: "a1", Runners: map[string]Runner{"block": blocked}})
	defer close(release)

	ch.toAgent <- execFrame("j1", "block", nil)
	nextFrame(t, ch, session.KindAckJob)

	ch.toAgent <- session.NewFrame(session.KindResyncState, session.ResyncState{})
	report := nextFrame(t, ch, session.KindStateReport)
	var sr session.StateReport
	report.Decode(&sr)
	if len(sr.RunningJobIDs) != 1 || sr.RunningJobIDs[0] != "j1" {
		t.Errorf("state report = %+v", sr)
	}
}

func TestValidateJobVerdicts(t *testing.T) {
	ch := startAgent(t, Config{ID: "a1", Runners: map[string]Runner{"echo": EchoRunner{}}})

	ch.toAgent <- session.NewFrame(session.KindValidateJob, session.ValidateJob{JobID: "v1", Command: "echo"})
	report := nextFrame(t, ch, session.KindStateReport)
	var sr session.StateReport
	report.Decode(&sr)
	if sr.ReportedState["validate:v1"] != "ok" {
		t.Errorf("verdict = %v", sr.ReportedState)
	}

	ch.toAgent <- session.NewFrame(session.KindValidateJob, session.ValidateJob{JobID: "v2", Command: "rm-rf"})
	report = nextFrame(t, ch, session.KindStateReport)
	sr = session.StateReport{}
	report.Decode(&sr)
	if sr.ReportedState["validate:v2"] != "unknown_command" {
		t.Errorf("verdict = %v", sr.ReportedState)
	}
}

type nopReporter struct{}

func (nopReporter) Progress(int, string, map[string]string) {}
func (nopReporter) Stream([]byte, bool)                     {}

func TestExecRunnerRejectsBadRequests(t *testing.T) {
	tests := map[string]struct {
		runner  ExecRunner
		payload string
		wantErr string
	}{
		"malformed payload": {ExecRunner{}, `not json`, "decoding exec payload"},
		"missing program":   {ExecRunner{}, `{}`, "without program"},
		"denied program":    {ExecRunner{AllowedPrograms: []string{"ls"}}, `{"program":"curl"}`, "not allowed"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tc.runner.Run(context.Background(), session.ExecuteJob{
				JobID:   "j1",
				Command: "exec",
				Payload: []byte(tc.payload),
			}, nopReporter{})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
