package session

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/journal"
)

// Handler receives routed inbound frames. One Handler serves all sessions;
// the manager calls it from each session's single reader pump, so per-session
// calls are ordered.
type Handler interface {
	HandleRegister(ctx context.Context, s *Session, req RegisterRequest) error
	HandleHeartbeat(ctx context.Context, s *Session, hb Heartbeat) error
	HandleAck(ctx context.Context, s *Session, ack AckJob) error
	HandleProgress(ctx context.Context, s *Session, p data.JobProgress) error
	HandleStreamItem(ctx context.Context, s *Session, item data.StreamItem) error
	HandleResult(ctx context.Context, s *Session, r ResultReport) error
	HandleStateReport(ctx context.Context, s *Session, sr StateReport) error
	// HandleDisconnect is invoked exactly once per session after its channel
	// is terminally gone.
	HandleDisconnect(ctx context.Context, s *Session, cause error)
}

// Manager owns every live session. A given agent has at most one session;
// a newer channel for the same agent wins and the previous one is closed.
type Manager struct {
	Log     logr.Logger
	Handler Handler

	mu      sync.Mutex
	byID    map[string]*Session
	byAgent map[string]*Session

	connected prometheus.Gauge
	accepted  prometheus.Counter
}

// NewManager builds a session manager routing to handler.
func NewManager(log logr.Logger, handler Handler, reg prometheus.Registerer) *Manager {
	m := &Manager{
		Log:     log,
		Handler: handler,
		byID:    make(map[string]*Session),
		byAgent: make(map[string]*Session),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m.connected = f.NewGauge(prometheus.GaugeOpts{
		Name: "orbitmesh_sessions_connected",
		Help: "Number of currently connected agent sessions.",
	})
	m.accepted = f.NewCounter(prometheus.CounterOpts{
		Name: "orbitmesh_sessions_accepted_total",
		Help: "Total agent sessions accepted.",
	})
	return m
}

// Attach adopts a channel for agentID, starts its pumps, and returns the new
// session. If the agent already holds a session, the old one is signalled to
// disconnect: most recent wins.
func (m *Manager) Attach(ctx context.Context, agentID string, ch Channel) *Session {
	s := newSession(agentID, ch, m.Log.WithValues("agent", agentID))

	m.mu.Lock()
	prev := m.byAgent[agentID]
	m.byID[s.ID] = s
	m.byAgent[agentID] = s
	m.mu.Unlock()

	if prev != nil {
		m.Log.Info("replacing existing agent session", "agent", agentID, "previousSession", prev.ID)
		prev.close(ErrSessionLost)
	}

	m.accepted.Inc()
	m.connected.Inc()

	go s.writer(ctx)
	go m.reader(ctx, s)
	return s
}

// Get returns the session with the given session ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// ByAgent returns the live session for agentID.
func (m *Manager) ByAgent(agentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byAgent[agentID]
	if ok && s.Lost() {
		return nil, false
	}
	return s, ok
}

// Sessions returns a snapshot of live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byAgent))
	for _, s := range m.byAgent {
		if !s.Lost() {
			out = append(out, s)
		}
	}
	return out
}

// Detach closes a session and removes it from the maps. The disconnect
// handler fires through the reader pump teardown.
func (m *Manager) Detach(sessionID string, cause error) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	m.mu.Unlock()
	if ok {
		s.close(cause)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.byID, s.ID)
	// Only clear the agent mapping if it still points at this session; a
	// replacement may already be attached.
	if cur, ok := m.byAgent[s.AgentID]; ok && cur.ID == s.ID {
		delete(m.byAgent, s.AgentID)
	}
	m.mu.Unlock()
	m.connected.Dec()
}

// reader is the single consumer of inbound frames for one session.
func (m *Manager) reader(ctx context.Context, s *Session) {
	defer func() {
		m.remove(s)
		m.Handler.HandleDisconnect(ctx, s, s.closeErr)
	}()

	for {
		select {
		case <-s.closed:
			return
		default:
		}
		f, err := s.channel.Recv(ctx)
		if err != nil {
			s.close(err)
			return
		}
		if err := m.route(ctx, s, f); err != nil {
			s.log.V(1).Info("inbound frame rejected", "kind", f.Kind, "error", err)
		}
	}
}

func (m *Manager) route(ctx context.Context, s *Session, f Frame) error {
	ctx = journal.New(ctx)
	journal.Log(ctx, "inbound frame", "kind", f.Kind, "session", s.ID)

	switch f.Kind {
	case KindRegister:
		var req RegisterRequest
		if err := f.Decode(&req); err != nil {
			return err
		}
		return m.Handler.HandleRegister(ctx, s, req)
	case KindHeartbeat:
		var hb Heartbeat
		if err := f.Decode(&hb); err != nil {
			return err
		}
		return m.Handler.HandleHeartbeat(ctx, s, hb)
	case KindAckJob:
		var ack AckJob
		if err := f.Decode(&ack); err != nil {
			return err
		}
		return m.Handler.HandleAck(ctx, s, ack)
	case KindProgress:
		var p data.JobProgress
		if err := f.Decode(&p); err != nil {
			return err
		}
		return m.Handler.HandleProgress(ctx, s, p)
	case KindStreamItem:
		var item data.StreamItem
		if err := f.Decode(&item); err != nil {
			return err
		}
		return m.Handler.HandleStreamItem(ctx, s, item)
	case KindResult:
		var r ResultReport
		if err := f.Decode(&r); err != nil {
			return err
		}
		return m.Handler.HandleResult(ctx, s, r)
	case KindStateReport:
		var sr StateReport
		if err := f.Decode(&sr); err != nil {
			return err
		}
		return m.Handler.HandleStateReport(ctx, s, sr)
	default:
		s.log.V(1).Info("unknown frame kind", "kind", f.Kind)
		return nil
	}
}
