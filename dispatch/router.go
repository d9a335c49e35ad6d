package dispatch

import (
	"context"
	"math/rand"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/registry"
)

// Policy selects how the router breaks ties among eligible agents.
type Policy string

const (
	RoundRobin                 Policy = "round_robin"
	LeastConnections           Policy = "least_connections"
	Random                     Policy = "random"
	PreferredAgentWithFallback Policy = "preferred_agent_with_fallback"
)

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	switch p {
	case RoundRobin, LeastConnections, Random, PreferredAgentWithFallback:
		return true
	default:
		return false
	}
}

// RoutingRequest describes the constraints for one placement decision.
type RoutingRequest struct {
	RequiredCapabilities []string
	Tags                 []string
	PreferredAgentID     string
	TargetGroup          string
}

// Fleet is the registry view the router consumes: a sorted snapshot of
// routable agents matching a filter.
type Fleet interface {
	List(ctx context.Context, f registry.Filter) []*data.AgentRecord
}

// Loads reports per-agent counts of Assigned-or-Running jobs, for the
// LeastConnections policy.
type Loads interface {
	ActiveCounts(ctx context.Context) (map[string]int, error)
}

// Router selects an agent satisfying a request's constraints. It is a pure
// function of the registry snapshot, the load snapshot and its round-robin
// cursor; it never mutates registry state.
type Router struct {
	policy Policy
	fleet  Fleet
	loads  Loads

	mu     sync.Mutex
	cursor uint64
}

// NewRouter builds a router with the given balancing policy.
func NewRouter(policy Policy, fleet Fleet, loads Loads) *Router {
	if !policy.Valid() {
		policy = RoundRobin
	}
	return &Router{policy: policy, fleet: fleet, loads: loads}
}

// Route returns the chosen agent, or nil when no candidate satisfies the
// request.
func (r *Router) Route(ctx context.Context, req RoutingRequest) (*data.AgentRecord, error) {
	candidates := r.fleet.List(ctx, registry.Filter{
		Group:        req.TargetGroup,
		Capabilities: req.RequiredCapabilities,
		Tags:         req.Tags,
	})
	if len(candidates) == 0 {
		return nil, nil
	}

	// A preferred agent present in the candidate set always wins, under any
	// policy.
	if req.PreferredAgentID != "" {
		for _, a := range candidates {
			if a.ID == req.PreferredAgentID {
				return a, nil
			}
		}
		if r.policy == PreferredAgentWithFallback {
			// Fall through to round-robin over the remaining candidates.
			return r.roundRobin(candidates), nil
		}
	}

	switch r.policy {
	case LeastConnections:
		return r.leastConnections(ctx, candidates)
	case Random:
		return candidates[rand.Intn(len(candidates))], nil
	default:
		return r.roundRobin(candidates), nil
	}
}

// roundRobin advances the cursor under lock, wrapping on the candidate order
// sorted by id.
func (r *Router) roundRobin(candidates []*data.AgentRecord) *data.AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := candidates[r.cursor%uint64(len(candidates))]
	r.cursor++
	return a
}

// leastConnections picks the candidate with the fewest Assigned-or-Running
// jobs; ties break by id, which the sorted candidate order provides.
func (r *Router) leastConnections(ctx context.Context, candidates []*data.AgentRecord) (*data.AgentRecord, error) {
	counts := map[string]int{}
	if r.loads != nil {
		c, err := r.loads.ActiveCounts(ctx)
		if err != nil {
			return nil, err
		}
		counts = c
	}
	best := candidates[0]
	for _, a := range candidates[1:] {
		if counts[a.ID] < counts[best.ID] {
			best = a
		}
	}
	return best, nil
}
