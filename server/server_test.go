package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orbitmesh/orbitmesh/dispatch"
	"github.com/orbitmesh/orbitmesh/pkg/backend/memory"
	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/registry"
	"github.com/orbitmesh/orbitmesh/session"
	"github.com/orbitmesh/orbitmesh/stream"
)

// agentChannel is the transport double for one fake agent. The server Recvs
// frames pushed to inbound and Sends frames onto outbound.
type agentChannel struct {
	inbound  chan session.Frame
	outbound chan session.Frame

	once   sync.Once
	closed chan struct{}
}

func newAgentChannel() *agentChannel {
	return &agentChannel{
		inbound:  make(chan session.Frame, 64),
		outbound: make(chan session.Frame, 64),
		closed:   make(chan struct{}),
	}
}

func (c *agentChannel) Send(ctx context.Context, f session.Frame) error {
	select {
	case <-c.closed:
		return session.ErrSessionLost
	case c.outbound <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *agentChannel) Recv(ctx context.Context) (session.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return session.Frame{}, session.ErrSessionLost
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

func (c *agentChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// lazySender defers Sender resolution so the dispatcher can be built before
// the server that delivers for it.
type lazySender struct{ srv *Server }

func (l *lazySender) Deliver(ctx context.Context, agentID string, job *data.Job) error {
	return l.srv.Deliver(ctx, agentID, job)
}

func (l *lazySender) CancelJob(ctx context.Context, agentID, jobID, reason string) error {
	return l.srv.CancelJob(ctx, agentID, jobID, reason)
}

type rig struct {
	srv  *Server
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	bus  *stream.Bus
	be   *memory.Backend
	ctx  context.Context
}

func newRig(t *testing.T) *rig {
	t.Helper()
	be := memory.New()
	log := logr.Discard()

	sender := &lazySender{}
	reg := registry.New(registry.Config{
		Log:              log,
		Store:            be.Agents,
		Events:           be.Events,
		HeartbeatTimeout: time.Second,
	}, nil)
	disp := dispatch.New(dispatch.Config{
		Log:                   log,
		Store:                 be.Jobs,
		Router:                dispatch.NewRouter(dispatch.RoundRobin, reg, be.Jobs),
		Sender:                sender,
		WorkerCount:           1,
		AckTimeout:            100 * time.Millisecond,
		BackoffBase:           time.Millisecond,
		BackoffMax:            5 * time.Millisecond,
		TimeoutSweepInterval:  20 * time.Millisecond,
		AwaitPollInterval:     2 * time.Millisecond,
		MaxUnroutableAttempts: 1 << 30,
	}, nil)
	bus := stream.NewBus(stream.Config{Log: log}, nil)
	srv := New(Config{Log: log, Registry: reg, Dispatcher: disp, Bus: bus}, nil)
	sender.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &rig{srv: srv, reg: reg, disp: disp, bus: bus, be: be, ctx: ctx}
}

// connect attaches a channel, registers the agent over it, and waits until
// the registry sees the session.
func (r *rig) connect(t *testing.T, agentID string, caps ...string) *agentChannel {
	t.Helper()
	ch := newAgentChannel()
	r.srv.Attach(r.ctx, agentID, ch)
	ch.inbound <- session.NewFrame(session.KindRegister, session.RegisterRequest{
		AgentID:      agentID,
		Capabilities: caps,
	})
	waitFor(t, "agent registration", func() bool {
		rec, err := r.reg.Get(context.Background(), agentID)
		return err == nil && rec.Connected()
	})
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// serve runs a scripted agent: acks every delivered job and reports the given
// result for it.
func serve(ch *agentChannel, agentID string, result func(session.ExecuteJob) data.JobResult) {
	go func() {
		for {
			select {
			case <-ch.closed:
				return
			case f := <-ch.outbound:
				if f.Kind != session.KindExecuteJob {
					continue
				}
				var job session.ExecuteJob
				if f.Decode(&job) != nil {
					continue
				}
				ch.inbound <- session.NewFrame(session.KindAckJob, session.AckJob{AgentID: agentID, JobID: job.JobID})
				ch.inbound <- session.NewFrame(session.KindResult, session.ResultReport{
					AgentID: agentID,
					JobID:   job.JobID,
					Result:  result(job),
				})
			}
		}
	}()
}

func TestRegisterResyncsAgentState(t *testing.T) {
	r := newRig(t)
	ch := r.connect(t, "a1", "echo")

	// Registration is followed by a state resync request.
	select {
	case f := <-ch.outbound:
		if f.Kind != session.KindResyncState {
			t.Fatalf("first outbound frame = %s", f.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no resync frame after register")
	}

	rec, err := r.reg.Get(context.Background(), "a1")
	if err != nil || rec.Status != data.AgentStatusReady {
		t.Errorf("record = %v, %v", rec, err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	r := newRig(t)
	ch := r.connect(t, "a1")
	serve(ch, "a1", func(job session.ExecuteJob) data.JobResult {
		return data.JobResult{Data: job.Payload}
	})

	job, err := r.disp.Enqueue(context.Background(), data.JobRequest{Command: "echo", Payload: []byte(`"ping"`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := r.disp.Await(awaitCtx, job.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if final.Status != data.JobStatusCompleted || string(final.Result.Data) != `"ping"` {
		t.Errorf("final = %s, result %s", final.Status, final.Result.Data)
	}
	if final.AssignedAgentID != "a1" {
		t.Errorf("assigned to %s", final.AssignedAgentID)
	}
}

func TestDeliverWithoutSession(t *testing.T) {
	r := newRig(t)
	err := r.srv.Deliver(context.Background(), "ghost", &data.Job{ID: "j1", Command: "x"})
	if !errkind.IsKind(err, errkind.SessionLost) {
		t.Fatalf("Deliver to absent agent: %v", err)
	}
}

func TestHeartbeatStatusPassThrough(t *testing.T) {
	r := newRig(t)
	ch := r.connect(t, "a1")
	ctx := context.Background()

	ch.inbound <- session.NewFrame(session.KindHeartbeat, session.Heartbeat{
		AgentID: "a1",
		Status:  data.AgentStatusPaused,
	})
	waitFor(t, "paused status", func() bool {
		rec, _ := r.reg.Get(ctx, "a1")
		return rec != nil && rec.Status == data.AgentStatusPaused
	})

	// Connection-derived states are registry-owned; agents cannot report them.
	ch.inbound <- session.NewFrame(session.KindHeartbeat, session.Heartbeat{
		AgentID: "a1",
		Status:  data.AgentStatusDisconnected,
	})
	ch.inbound <- session.NewFrame(session.KindHeartbeat, session.Heartbeat{
		AgentID:       "a1",
		ReportedState: map[string]string{"marker": "done"},
	})
	waitFor(t, "marker heartbeat", func() bool {
		rec, _ := r.reg.Get(ctx, "a1")
		return rec != nil && rec.ReportedState["marker"] == "done"
	})
	rec, _ := r.reg.Get(ctx, "a1")
	if rec.Status == data.AgentStatusDisconnected {
		t.Error("agent forced its own disconnect status")
	}
}

func TestStreamItemFanOut(t *testing.T) {
	r := newRig(t)

	sub, cancel := r.bus.SubscribeStream("stream-job", 1)
	defer cancel()

	if err := r.srv.HandleStreamItem(context.Background(), nil, data.StreamItem{JobID: "stream-job", Payload: []byte("chunk")}); err != nil {
		t.Fatalf("HandleStreamItem: %v", err)
	}
	select {
	case it := <-sub:
		if string(it.Payload) != "chunk" || it.Sequence != 1 {
			t.Errorf("item = %+v", it)
		}
	case <-time.After(time.Second):
		t.Fatal("no item delivered to subscriber")
	}
	if items := r.bus.Replay("stream-job", 0); len(items) != 1 {
		t.Errorf("replayed = %+v", items)
	}
}

func TestDisconnectRescuesJobs(t *testing.T) {
	r := newRig(t)
	ch := r.connect(t, "a1")

	// Deliver a job but never let the agent answer: ack it through the server
	// handler directly so it is Running when the session dies.
	job, err := r.disp.Enqueue(context.Background(), data.JobRequest{Command: "slow"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "delivery", func() bool {
		select {
		case f := <-ch.outbound:
			if f.Kind == session.KindExecuteJob {
				return true
			}
		default:
		}
		return false
	})
	ch.inbound <- session.NewFrame(session.KindAckJob, session.AckJob{AgentID: "a1", JobID: job.ID})
	waitFor(t, "running job", func() bool {
		j, _ := r.be.Jobs.Get(context.Background(), job.ID)
		return j != nil && j.Status == data.JobStatusRunning
	})

	ch.Close()

	waitFor(t, "session release", func() bool {
		rec, _ := r.reg.Get(context.Background(), "a1")
		return rec != nil && rec.Status == data.AgentStatusDisconnected
	})
	waitFor(t, "job rescue", func() bool {
		j, _ := r.be.Jobs.Get(context.Background(), job.ID)
		return j != nil && j.AssignedAgentID == "" && !j.Status.Terminal()
	})
}

func TestStaleDisconnectDoesNotRescue(t *testing.T) {
	r := newRig(t)
	r.connect(t, "a1")

	// A replacement session takes over; tearing down the old one must leave
	// the new registration intact.
	replacement := newAgentChannel()
	r.srv.Attach(r.ctx, "a1", replacement)
	replacement.inbound <- session.NewFrame(session.KindRegister, session.RegisterRequest{AgentID: "a1"})

	waitFor(t, "replacement session", func() bool {
		rec, _ := r.reg.Get(context.Background(), "a1")
		sess, ok := r.srv.Sessions.ByAgent("a1")
		return rec != nil && ok && rec.SessionID == sess.ID && rec.Connected()
	})
	rec, _ := r.reg.Get(context.Background(), "a1")
	if rec.Status != data.AgentStatusReady {
		t.Errorf("agent status after takeover = %s", rec.Status)
	}
}
