// Package server wires the control plane together: it adapts inbound session
// frames onto the registry, dispatcher and stream bus, delivers outbound jobs
// over sessions for the dispatcher, and feeds agent lifecycle events to the
// trigger service for auto-enrollment workflows.
package server

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitmesh/orbitmesh/dispatch"
	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/pkg/journal"
	"github.com/orbitmesh/orbitmesh/registry"
	"github.com/orbitmesh/orbitmesh/session"
	"github.com/orbitmesh/orbitmesh/stream"
	"github.com/orbitmesh/orbitmesh/trigger"
)

// Config carries the server's collaborators. Triggers is optional.
type Config struct {
	Log        logr.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Bus        *stream.Bus
	Triggers   *trigger.Service
}

// Server is the session-facing half of the control plane. It is both the
// session.Handler for inbound frames and the dispatch.Sender for outbound
// delivery.
type Server struct {
	cfg Config
	log logr.Logger

	Sessions *session.Manager
}

// New builds a server and its session manager.
func New(cfg Config, reg prometheus.Registerer) *Server {
	s := &Server{cfg: cfg, log: cfg.Log}
	s.Sessions = session.NewManager(cfg.Log, s, reg)
	return s
}

// Attach adopts a fresh channel for an agent. Exposed for transports.
func (s *Server) Attach(ctx context.Context, agentID string, ch session.Channel) *session.Session {
	return s.Sessions.Attach(ctx, agentID, ch)
}

// Deliver implements dispatch.Sender over the agent's live session.
func (s *Server) Deliver(ctx context.Context, agentID string, job *data.Job) error {
	sess, ok := s.Sessions.ByAgent(agentID)
	if !ok {
		return errkind.Errorf(errkind.SessionLost, "agent %s has no live session", agentID)
	}
	return sess.ExecuteJob(job).Wait(ctx)
}

// CancelJob implements dispatch.Sender.
func (s *Server) CancelJob(ctx context.Context, agentID, jobID, reason string) error {
	sess, ok := s.Sessions.ByAgent(agentID)
	if !ok {
		return errkind.Errorf(errkind.SessionLost, "agent %s has no live session", agentID)
	}
	return sess.CancelJob(jobID, reason).Wait(ctx)
}

// BroadcastProbe fans a health probe out to every connected agent matching
// the filter. Returns the number of sessions probed.
func (s *Server) BroadcastProbe(ctx context.Context, f registry.Filter, nonce string) int {
	probed := 0
	for _, rec := range s.cfg.Registry.List(ctx, f) {
		sess, ok := s.Sessions.ByAgent(rec.ID)
		if !ok {
			continue
		}
		sess.Probe(nonce)
		probed++
	}
	return probed
}

// HandleExpiredAgent is wired into the registry's heartbeat sweep: it tears
// down the stale session and rescues the agent's jobs.
func (s *Server) HandleExpiredAgent(agentID, sessionID string) {
	s.Sessions.Detach(sessionID, session.ErrSessionLost)
	s.cfg.Dispatcher.RescueAgentJobs(context.Background(), agentID)
	s.publishAgentEvent(context.Background(), "agent.disconnected", agentID, nil)
}

func (s *Server) HandleRegister(ctx context.Context, sess *session.Session, req session.RegisterRequest) error {
	rec, err := s.cfg.Registry.Register(ctx, registry.RegisterInput{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Group:        req.Group,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		Attributes:   req.Attributes,
	}, sess.ID)
	if err != nil {
		return err
	}
	journal.Log(ctx, "agent session registered", "agent", req.AgentID, "session", sess.ID)

	// Ask the agent what it is still running so the dispatcher can reconcile
	// jobs that survived a reconnect.
	sess.ResyncState()

	s.publishAgentEvent(ctx, "agent.registered", rec.ID, map[string]any{
		"group":        rec.Group,
		"capabilities": rec.Capabilities,
		"tags":         rec.Tags,
	})
	return nil
}

func (s *Server) HandleHeartbeat(ctx context.Context, sess *session.Session, hb session.Heartbeat) error {
	if err := s.cfg.Registry.Heartbeat(ctx, sess.AgentID, hb.ReportedState); err != nil {
		return err
	}
	if hb.Status == "" {
		return nil
	}
	rec, err := s.cfg.Registry.Get(ctx, sess.AgentID)
	if err != nil || rec.Status == hb.Status {
		return err
	}
	// Agent-reported lifecycle states pass through; connection-derived states
	// stay under registry control.
	switch hb.Status {
	case data.AgentStatusReady, data.AgentStatusRunning, data.AgentStatusPaused,
		data.AgentStatusStopping, data.AgentStatusFaulted:
		return s.cfg.Registry.UpdateStatus(ctx, sess.AgentID, hb.Status)
	default:
		return nil
	}
}

func (s *Server) HandleAck(ctx context.Context, sess *session.Session, ack session.AckJob) error {
	return s.cfg.Dispatcher.HandleAck(ctx, ack.JobID)
}

func (s *Server) HandleProgress(ctx context.Context, _ *session.Session, p data.JobProgress) error {
	if err := s.cfg.Dispatcher.HandleProgress(ctx, p); err != nil {
		return err
	}
	s.cfg.Bus.PublishProgress(p)
	return nil
}

func (s *Server) HandleStreamItem(ctx context.Context, _ *session.Session, item data.StreamItem) error {
	_, err := s.cfg.Bus.PublishStream(item.JobID, item.Payload, item.IsEndOfStream)
	return err
}

func (s *Server) HandleResult(ctx context.Context, sess *session.Session, r session.ResultReport) error {
	if err := s.cfg.Dispatcher.HandleResult(ctx, r.JobID, r.Result); err != nil {
		return err
	}
	if r.Result.Error != "" {
		s.cfg.Bus.Abort(r.JobID)
	}
	s.cfg.Bus.CompleteJob(r.JobID)
	return nil
}

func (s *Server) HandleStateReport(ctx context.Context, sess *session.Session, sr session.StateReport) error {
	if len(sr.ReportedState) > 0 {
		if err := s.cfg.Registry.Heartbeat(ctx, sess.AgentID, sr.ReportedState); err != nil {
			return err
		}
	}
	if sr.RunningJobIDs != nil {
		s.cfg.Dispatcher.Reconcile(ctx, sess.AgentID, sr.RunningJobIDs)
	}
	return nil
}

func (s *Server) HandleDisconnect(ctx context.Context, sess *session.Session, cause error) {
	err := s.cfg.Registry.ReleaseSession(ctx, sess.AgentID, sess.ID)
	if errkind.IsKind(err, errkind.Conflict) {
		// A newer session took over; nothing to rescue.
		return
	}
	if err != nil && !errkind.IsKind(err, errkind.NotFound) {
		s.log.Error(err, "releasing session", "agent", sess.AgentID, "session", sess.ID)
	}
	s.log.Info("agent disconnected", "agent", sess.AgentID, "session", sess.ID, "cause", cause)
	s.cfg.Dispatcher.RescueAgentJobs(ctx, sess.AgentID)
	s.publishAgentEvent(ctx, "agent.disconnected", sess.AgentID, nil)
}

// publishAgentEvent offers agent lifecycle changes to event triggers, so
// workflows can auto-enroll agents matching a pattern.
func (s *Server) publishAgentEvent(ctx context.Context, eventType, agentID string, extra map[string]any) {
	if s.cfg.Triggers == nil {
		return
	}
	payload := map[string]any{"agentId": agentID}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := s.cfg.Triggers.PublishEvent(ctx, eventType, payload); err != nil {
		s.log.V(1).Info("publishing agent event", "type", eventType, "error", err)
	}
}

var (
	_ session.Handler = (*Server)(nil)
	_ dispatch.Sender = (*Server)(nil)
)
