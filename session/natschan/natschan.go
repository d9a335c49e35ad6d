// Package natschan implements the session Channel contract over NATS
// subjects. Frames travel as JSON on a per-agent subject pair:
//
//	<stream>.agent.<agentID>.up    agent -> server
//	<stream>.agent.<agentID>.down  server -> agent
//
// NATS preserves publish order per connection per subject, which satisfies
// the session layer's ordering requirement. Liveness is handled above this
// layer by heartbeats; losing the NATS connection terminates every channel.
package natschan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"

	"github.com/orbitmesh/orbitmesh/session"
)

const defaultStream = "orbitmesh"

// Connect establishes a NATS connection with unbounded reconnects. Agents
// are expected to outlive broker restarts.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %q: %w", url, err)
	}
	return nc, nil
}

type channel struct {
	nc      *nats.Conn
	sendSub string
	in      chan session.Frame
	log     logr.Logger

	closeOnce sync.Once
	closed    chan struct{}
	sub       *nats.Subscription
}

func (c *channel) Send(ctx context.Context, f session.Frame) error {
	select {
	case <-c.closed:
		return session.ErrSessionLost
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(c.sendSub, b); err != nil {
		return session.ErrSessionLost
	}
	return nil
}

func (c *channel) Recv(ctx context.Context) (session.Frame, error) {
	select {
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	case <-c.closed:
		return session.Frame{}, session.ErrSessionLost
	case f, ok := <-c.in:
		if !ok {
			return session.Frame{}, session.ErrSessionLost
		}
		return f, nil
	}
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
	})
	return nil
}

// deliver enqueues an inbound frame without ever blocking the NATS callback.
// A full buffer drops the frame; sequenced layers above recover via resync.
func (c *channel) deliver(f session.Frame) {
	select {
	case <-c.closed:
	case c.in <- f:
	default:
		c.log.V(1).Info("inbound buffer full, dropping frame", "kind", f.Kind)
	}
}

// Listener accepts agent channels on the server side. A channel is created
// when the first frame arrives from an agent not currently known.
type Listener struct {
	Log    logr.Logger
	Stream string

	nc     *nats.Conn
	accept func(agentID string, ch session.Channel)

	mu       sync.Mutex
	channels map[string]*channel
	sub      *nats.Subscription
}

// NewListener builds a listener on nc. accept is invoked for every new agent
// channel; the callee is expected to hand it to a session.Manager.
func NewListener(log logr.Logger, nc *nats.Conn, stream string, accept func(agentID string, ch session.Channel)) *Listener {
	if stream == "" {
		stream = defaultStream
	}
	return &Listener{
		Log:      log,
		Stream:   stream,
		nc:       nc,
		accept:   accept,
		channels: make(map[string]*channel),
	}
}

// Start subscribes for agent traffic and blocks until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	subject := fmt.Sprintf("%s.agent.*.up", l.Stream)
	sub, err := l.nc.Subscribe(subject, l.onMsg)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", subject, err)
	}
	l.sub = sub
	l.Log.Info("listening for agent sessions", "subject", subject)

	<-ctx.Done()
	_ = sub.Unsubscribe()

	l.mu.Lock()
	for _, ch := range l.channels {
		_ = ch.Close()
	}
	l.channels = map[string]*channel{}
	l.mu.Unlock()
	return nil
}

func (l *Listener) onMsg(msg *nats.Msg) {
	agentID := agentFromSubject(msg.Subject)
	if agentID == "" {
		return
	}
	var f session.Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		l.Log.V(1).Info("malformed frame", "subject", msg.Subject, "error", err)
		return
	}

	l.mu.Lock()
	ch, ok := l.channels[agentID]
	if ok {
		select {
		case <-ch.closed:
			ok = false
		default:
		}
	}
	if !ok {
		// Only a register frame may open a channel. Anything else is a
		// leftover from a session the server no longer tracks.
		if f.Kind != session.KindRegister {
			l.mu.Unlock()
			l.Log.V(1).Info("dropping frame for unknown agent", "agent", agentID, "kind", f.Kind)
			return
		}
		ch = &channel{
			nc:      l.nc,
			sendSub: fmt.Sprintf("%s.agent.%s.down", l.Stream, agentID),
			in:      make(chan session.Frame, 64),
			log:     l.Log.WithValues("agent", agentID),
			closed:  make(chan struct{}),
		}
		l.channels[agentID] = ch
		l.mu.Unlock()
		l.accept(agentID, ch)
		ch.deliver(f)
		return
	}
	l.mu.Unlock()
	ch.deliver(f)
}

func agentFromSubject(subject string) string {
	// <stream>.agent.<agentID>.up
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return ""
	}
	return parts[len(parts)-2]
}

// Dial opens the agent side of a channel. The returned channel's Recv yields
// server frames; Send publishes to the agent's up subject.
func Dial(log logr.Logger, nc *nats.Conn, stream, agentID string) (session.Channel, error) {
	if stream == "" {
		stream = defaultStream
	}
	ch := &channel{
		nc:      nc,
		sendSub: fmt.Sprintf("%s.agent.%s.up", stream, agentID),
		in:      make(chan session.Frame, 64),
		log:     log.WithValues("agent", agentID),
		closed:  make(chan struct{}),
	}
	sub, err := nc.Subscribe(fmt.Sprintf("%s.agent.%s.down", stream, agentID), func(msg *nats.Msg) {
		var f session.Frame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			ch.log.V(1).Info("malformed frame", "error", err)
			return
		}
		ch.deliver(f)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe down subject: %w", err)
	}
	ch.sub = sub
	return ch, nil
}
