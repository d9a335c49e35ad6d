package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// fakeChannel is an in-memory Channel: frames pushed to in are Recv'd by the
// session reader, frames Sent by the session land on out.
type fakeChannel struct {
	in  chan Frame
	out chan Frame

	once   sync.Once
	closed chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Send(ctx context.Context, f Frame) error {
	select {
	case <-c.closed:
		return ErrSessionLost
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return Frame{}, ErrSessionLost
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// recordingHandler captures routed frames in arrival order.
type recordingHandler struct {
	mu           sync.Mutex
	kinds        []string
	results      []ResultReport
	disconnects  chan string
	disconnected map[string]int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		disconnects:  make(chan string, 16),
		disconnected: make(map[string]int),
	}
}

func (h *recordingHandler) record(kind string) {
	h.mu.Lock()
	h.kinds = append(h.kinds, kind)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleRegister(_ context.Context, _ *Session, _ RegisterRequest) error {
	h.record(KindRegister)
	return nil
}

func (h *recordingHandler) HandleHeartbeat(_ context.Context, _ *Session, _ Heartbeat) error {
	h.record(KindHeartbeat)
	return nil
}

func (h *recordingHandler) HandleAck(_ context.Context, _ *Session, _ AckJob) error {
	h.record(KindAckJob)
	return nil
}

func (h *recordingHandler) HandleProgress(_ context.Context, _ *Session, _ data.JobProgress) error {
	h.record(KindProgress)
	return nil
}

func (h *recordingHandler) HandleStreamItem(_ context.Context, _ *Session, _ data.StreamItem) error {
	h.record(KindStreamItem)
	return nil
}

func (h *recordingHandler) HandleResult(_ context.Context, _ *Session, r ResultReport) error {
	h.mu.Lock()
	h.kinds = append(h.kinds, KindResult)
	h.results = append(h.results, r)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) HandleStateReport(_ context.Context, _ *Session, _ StateReport) error {
	h.record(KindStateReport)
	return nil
}

func (h *recordingHandler) HandleDisconnect(_ context.Context, s *Session, _ error) {
	h.mu.Lock()
	h.disconnected[s.ID]++
	h.mu.Unlock()
	h.disconnects <- s.ID
}

func (h *recordingHandler) kindsSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.kinds...)
}

func waitDisconnect(t *testing.T, h *recordingHandler) string {
	t.Helper()
	select {
	case id := <-h.disconnects:
		return id
	case <-time.After(time.Second):
		t.Fatal("no disconnect within deadline")
	}
	return ""
}

func newTestManager(t *testing.T) (*Manager, *recordingHandler, context.Context) {
	t.Helper()
	h := newRecordingHandler()
	m := NewManager(logr.Discard(), h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return m, h, ctx
}

func TestAttachRoutesInboundFramesInOrder(t *testing.T) {
	m, h, ctx := newTestManager(t)
	ch := newFakeChannel()
	s := m.Attach(ctx, "a1", ch)

	ch.in <- NewFrame(KindRegister, RegisterRequest{AgentID: "a1"})
	ch.in <- NewFrame(KindHeartbeat, Heartbeat{AgentID: "a1"})
	ch.in <- NewFrame(KindAckJob, AckJob{AgentID: "a1", JobID: "j1"})
	ch.in <- NewFrame(KindResult, ResultReport{AgentID: "a1", JobID: "j1", Result: data.JobResult{Data: []byte(`"ok"`)}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.kindsSnapshot()) == 4 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	want := []string{KindRegister, KindHeartbeat, KindAckJob, KindResult}
	got := h.kindsSnapshot()
	if len(got) != 4 {
		t.Fatalf("routed %d frames: %v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	h.mu.Lock()
	r := h.results[0]
	h.mu.Unlock()
	if r.JobID != "j1" || string(r.Result.Data) != `"ok"` {
		t.Errorf("result report = %+v", r)
	}

	if live, ok := m.ByAgent("a1"); !ok || live.ID != s.ID {
		t.Errorf("ByAgent = %v, %v", live, ok)
	}
}

func TestOutboundFramesSerializeThroughWriter(t *testing.T) {
	m, _, ctx := newTestManager(t)
	ch := newFakeChannel()
	s := m.Attach(ctx, "a1", ch)

	job := &data.Job{ID: "j1", Command: "echo", Pattern: data.PatternRequestResponse, Timeout: time.Minute}
	fut := s.ExecuteJob(job)
	if err := fut.Wait(ctx); err != nil {
		t.Fatalf("ExecuteJob future: %v", err)
	}

	f := <-ch.out
	if f.Kind != KindExecuteJob {
		t.Fatalf("frame kind = %s", f.Kind)
	}
	var exec ExecuteJob
	if err := f.Decode(&exec); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if exec.JobID != "j1" || exec.Command != "echo" {
		t.Errorf("execute frame = %+v", exec)
	}

	if err := s.CancelJob("j1", "test").Wait(ctx); err != nil {
		t.Fatalf("CancelJob future: %v", err)
	}
	if f := <-ch.out; f.Kind != KindCancelJob {
		t.Errorf("frame kind = %s", f.Kind)
	}
}

func TestMostRecentSessionWins(t *testing.T) {
	m, h, ctx := newTestManager(t)

	old := m.Attach(ctx, "a1", newFakeChannel())
	replacement := m.Attach(ctx, "a1", newFakeChannel())

	if got := waitDisconnect(t, h); got != old.ID {
		t.Fatalf("disconnected session = %s, want %s", got, old.ID)
	}
	if !old.Lost() {
		t.Error("superseded session not marked lost")
	}

	live, ok := m.ByAgent("a1")
	if !ok || live.ID != replacement.ID {
		t.Fatalf("ByAgent = %v, %v", live, ok)
	}

	// Sends on the dead session settle with SessionLost instead of hanging.
	fut := old.Probe("n1")
	if err := fut.Wait(ctx); !errkind.IsKind(err, errkind.SessionLost) {
		t.Errorf("send on lost session: %v", err)
	}
}

func TestSendsRacingCloseAllSettle(t *testing.T) {
	s := newSession("a1", newFakeChannel(), logr.Discard())

	const n = 100
	futures := make(chan *Future, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			futures <- s.Probe("n")
		}()
	}
	s.close(errors.New("torn down"))
	wg.Wait()
	close(futures)

	// Every future settles even when its enqueue raced the closing drain.
	for fut := range futures {
		select {
		case <-fut.Done():
			if !errkind.IsKind(fut.Err(), errkind.SessionLost) {
				t.Fatalf("future error = %v", fut.Err())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send racing close left a future unsettled")
		}
	}
}

func TestDetachFiresDisconnectOnce(t *testing.T) {
	m, h, ctx := newTestManager(t)
	s := m.Attach(ctx, "a1", newFakeChannel())

	cause := errors.New("operator kick")
	m.Detach(s.ID, cause)
	if got := waitDisconnect(t, h); got != s.ID {
		t.Fatalf("disconnected session = %s", got)
	}
	// Detach of an already-dead session is a no-op.
	m.Detach(s.ID, cause)

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	n := h.disconnected[s.ID]
	h.mu.Unlock()
	if n != 1 {
		t.Errorf("disconnect fired %d times", n)
	}

	if _, ok := m.ByAgent("a1"); ok {
		t.Error("agent still mapped after detach")
	}
	if got := len(m.Sessions()); got != 0 {
		t.Errorf("Sessions = %d", got)
	}
}

func TestChannelLossTearsDownSession(t *testing.T) {
	m, h, ctx := newTestManager(t)
	ch := newFakeChannel()
	s := m.Attach(ctx, "a1", ch)

	ch.Close()
	if got := waitDisconnect(t, h); got != s.ID {
		t.Fatalf("disconnected session = %s", got)
	}
	if _, ok := m.ByAgent("a1"); ok {
		t.Error("agent still mapped after channel loss")
	}
}
