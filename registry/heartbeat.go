package registry

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/eventlog"
)

// StartHeartbeatMonitor runs the periodic liveness sweep until ctx is done.
// A single sweep keeps the timer count O(1) regardless of fleet size. The
// interval is clamped to at most half the heartbeat timeout so an expired
// agent is observed within one timeout period.
func (r *Registry) StartHeartbeatMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > r.cfg.HeartbeatTimeout/2 {
		interval = r.cfg.HeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("heartbeat monitor started", "interval", interval, "timeout", r.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, time.Now().UTC())
		}
	}
}

type expired struct {
	agentID   string
	sessionID string
}

// sweep marks every agent whose heartbeat lapsed as Disconnected and fires
// the OnExpired hook for each, outside the lock.
func (r *Registry) sweep(ctx context.Context, now time.Time) {
	deadline := now.Add(-r.cfg.HeartbeatTimeout)

	var lapsed []expired
	var snapshots []*data.AgentRecord

	r.mu.Lock()
	for _, rec := range r.agents {
		if !rec.Connected() {
			continue
		}
		if rec.LastHeartbeat.After(deadline) {
			continue
		}
		lapsed = append(lapsed, expired{agentID: rec.ID, sessionID: rec.SessionID})
		rec.SessionID = ""
		if rec.Status != data.AgentStatusFaulted {
			rec.Status = data.AgentStatusDisconnected
		}
		snapshots = append(snapshots, rec.Clone())
	}
	r.mu.Unlock()

	for i, e := range lapsed {
		r.connected.Dec()
		r.expirations.Inc()
		r.log.Info("agent heartbeat expired", "agent", e.agentID, "session", e.sessionID)
		r.persist(ctx, snapshots[i], eventlog.TypeAgentDisconnected)
		if r.cfg.OnExpired != nil {
			r.cfg.OnExpired(e.agentID, e.sessionID)
		}
	}
}
