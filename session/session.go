package session

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// ErrSessionLost is returned by channels when the connection is terminally
// gone. Callers treat it as transient and retry through higher layers.
var ErrSessionLost = errkind.New(errkind.SessionLost, errors.New("session lost"))

// Channel is the transport contract the session layer consumes. The transport
// must preserve send order per connection and surface loss as a terminal
// error from Recv.
type Channel interface {
	// Send blocks until the transport accepts the frame or ctx is done.
	Send(ctx context.Context, f Frame) error
	// Recv blocks until a frame arrives, ctx is done, or the channel is lost.
	Recv(ctx context.Context) (Frame, error)
	Close() error
}

// Future completes when the channel has accepted an outbound frame, or fails
// when the session is lost first.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the send settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Done exposes completion for select loops.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err is valid once Done is closed.
func (f *Future) Err() error { return f.err }

type outbound struct {
	frame  Frame
	future *Future
}

// Session is one live channel to one agent. Outbound frames are serialized
// through a single writer goroutine so per-channel ordering holds; inbound
// frames are consumed by a single reader pump owned by the Manager.
type Session struct {
	ID      string
	AgentID string

	log     logr.Logger
	channel Channel
	out     chan outbound

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newSession(agentID string, ch Channel, log logr.Logger) *Session {
	return &Session{
		ID:      data.NewSessionID(),
		AgentID: agentID,
		log:     log,
		channel: ch,
		out:     make(chan outbound, 64),
		closed:  make(chan struct{}),
	}
}

// send enqueues a frame for the writer. Non-blocking for the caller: the
// returned future settles when the channel accepts the frame or the session
// dies.
func (s *Session) send(f Frame) *Future {
	fut := newFuture()
	select {
	case <-s.closed:
		fut.complete(ErrSessionLost)
		return fut
	case s.out <- outbound{frame: f, future: fut}:
	}
	// The enqueue can race close's drain; re-check so a frame queued after
	// that drain still settles instead of lingering until the caller's ctx.
	select {
	case <-s.closed:
		s.drainOut()
	default:
	}
	return fut
}

// ExecuteJob sends a job to the agent.
func (s *Session) ExecuteJob(job *data.Job) *Future {
	return s.send(NewFrame(KindExecuteJob, ExecuteJob{
		JobID:    job.ID,
		Command:  job.Command,
		Payload:  job.Payload,
		Pattern:  job.Pattern,
		Priority: job.Priority,
		Timeout:  job.Timeout,
	}))
}

// CancelJob asks the agent to stop a job.
func (s *Session) CancelJob(jobID, reason string) *Future {
	return s.send(NewFrame(KindCancelJob, CancelJob{JobID: jobID, Reason: reason}))
}

// Probe sends a health probe.
func (s *Session) Probe(nonce string) *Future {
	return s.send(NewFrame(KindProbe, Probe{Nonce: nonce}))
}

// RequestResourceReport asks the agent for a resource report frame.
func (s *Session) RequestResourceReport() *Future {
	return s.send(Frame{Kind: KindResourceReport})
}

// ValidateJob asks the agent to validate a command without running it.
func (s *Session) ValidateJob(jobID, command string) *Future {
	return s.send(NewFrame(KindValidateJob, ValidateJob{JobID: jobID, Command: command}))
}

// ResyncState asks the agent for its current running-job set.
func (s *Session) ResyncState() *Future {
	return s.send(NewFrame(KindResyncState, ResyncState{}))
}

// Lost reports whether the session has terminated.
func (s *Session) Lost() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// close marks the session terminated and fails every queued future. Safe to
// call more than once.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		_ = s.channel.Close()
		s.drainOut()
	})
}

// drainOut fails every queued send with SessionLost. Each queued future is
// dequeued exactly once, here or by the writer, so complete never fires twice.
func (s *Session) drainOut() {
	for {
		select {
		case o := <-s.out:
			o.future.complete(ErrSessionLost)
		default:
			return
		}
	}
}

// writer is the single producer for the channel. Runs until the session
// closes.
func (s *Session) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.close(ctx.Err())
			return
		case <-s.closed:
			return
		case o := <-s.out:
			if err := s.channel.Send(ctx, o.frame); err != nil {
				o.future.complete(ErrSessionLost)
				s.close(err)
				return
			}
			o.future.complete(nil)
		}
	}
}
