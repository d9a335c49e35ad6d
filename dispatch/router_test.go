package dispatch

import (
	"context"
	"testing"

	"github.com/orbitmesh/orbitmesh/pkg/data"
)

type fixedLoads map[string]int

func (l fixedLoads) ActiveCounts(context.Context) (map[string]int, error) {
	return l, nil
}

func route(t *testing.T, r *Router, req RoutingRequest) string {
	t.Helper()
	a, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if a == nil {
		return ""
	}
	return a.ID
}

func TestRouteEmptyFleet(t *testing.T) {
	r := NewRouter(RoundRobin, &fakeFleet{}, nil)
	a, err := r.Route(context.Background(), RoutingRequest{})
	if err != nil || a != nil {
		t.Fatalf("Route = %v, %v; want nil, nil", a, err)
	}
}

func TestRouteRoundRobinRotates(t *testing.T) {
	fleet := &fakeFleet{agents: []*data.AgentRecord{readyAgent("a"), readyAgent("b"), readyAgent("c")}}
	r := NewRouter(RoundRobin, fleet, nil)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, route(t, r, RoutingRequest{}))
	}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRouteLeastConnections(t *testing.T) {
	fleet := &fakeFleet{agents: []*data.AgentRecord{readyAgent("a"), readyAgent("b"), readyAgent("c")}}
	r := NewRouter(LeastConnections, fleet, fixedLoads{"a": 3, "b": 1, "c": 2})
	if got := route(t, r, RoutingRequest{}); got != "b" {
		t.Errorf("least-connections pick = %s, want b", got)
	}

	// Ties break to the first candidate in fleet order.
	r = NewRouter(LeastConnections, fleet, fixedLoads{"a": 1, "b": 1, "c": 1})
	if got := route(t, r, RoutingRequest{}); got != "a" {
		t.Errorf("tied pick = %s, want a", got)
	}
}

func TestRoutePreferredAgentAlwaysWins(t *testing.T) {
	fleet := &fakeFleet{agents: []*data.AgentRecord{readyAgent("a"), readyAgent("b")}}
	for _, policy := range []Policy{RoundRobin, LeastConnections, Random, PreferredAgentWithFallback} {
		r := NewRouter(policy, fleet, fixedLoads{"a": 0, "b": 9})
		if got := route(t, r, RoutingRequest{PreferredAgentID: "b"}); got != "b" {
			t.Errorf("policy %s: preferred pick = %s, want b", policy, got)
		}
	}
}

func TestRoutePreferredAgentFallback(t *testing.T) {
	fleet := &fakeFleet{agents: []*data.AgentRecord{readyAgent("a"), readyAgent("b")}}

	// The fallback policy degrades to round-robin when the preferred agent is
	// absent from the candidate set.
	r := NewRouter(PreferredAgentWithFallback, fleet, nil)
	if got := route(t, r, RoutingRequest{PreferredAgentID: "gone"}); got != "a" {
		t.Errorf("fallback pick = %s, want a", got)
	}

	// Under a strict policy an absent preferred agent is not a match failure
	// either; the policy picks among the candidates.
	r = NewRouter(RoundRobin, fleet, nil)
	if got := route(t, r, RoutingRequest{PreferredAgentID: "gone"}); got != "a" {
		t.Errorf("round-robin pick = %s, want a", got)
	}
}

func TestRouteFilters(t *testing.T) {
	fleet := &fakeFleet{agents: []*data.AgentRecord{
		readyAgent("plain"),
		readyAgent("gpu", "cuda"),
		func() *data.AgentRecord {
			a := readyAgent("edge", "cuda")
			a.Group = "edge-sites"
			a.Tags = []string{"region:eu"}
			return a
		}(),
		func() *data.AgentRecord {
			a := readyAgent("down", "cuda")
			a.Status = data.AgentStatusDisconnected
			return a
		}(),
	}}
	tests := map[string]struct {
		req  RoutingRequest
		want string
	}{
		"capability":        {RoutingRequest{RequiredCapabilities: []string{"cuda"}}, "gpu"},
		"group":             {RoutingRequest{TargetGroup: "edge-sites"}, "edge"},
		"tag":               {RoutingRequest{Tags: []string{"region:eu"}}, "edge"},
		"unsatisfiable":     {RoutingRequest{RequiredCapabilities: []string{"quantum"}}, ""},
		"unroutable status": {RoutingRequest{TargetGroup: "", Tags: []string{"missing"}}, ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			// A fresh router per subtest keeps the round-robin cursor from
			// leaking across the randomized subtest order.
			r := NewRouter(RoundRobin, fleet, nil)
			if got := route(t, r, tc.req); got != tc.want {
				t.Errorf("pick = %q, want %q", got, tc.want)
			}
		})
	}
}
