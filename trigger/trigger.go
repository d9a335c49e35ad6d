// Package trigger starts workflow instances from the three trigger kinds a
// definition can declare: manual fire, cron schedules and published events.
// Event triggers optionally carry a JSON pattern matched against the event
// payload, so agent lifecycle events can auto-enroll matching agents into
// workflows.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"quamina.net/go/quamina"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
	"github.com/orbitmesh/orbitmesh/workflow"
)

// Starter is the slice of the engine the trigger service consumes.
type Starter interface {
	Start(ctx context.Context, workflowID string, version int, input map[string]any, correlationID string) (*workflow.Instance, error)
}

// binding ties one event trigger of one definition to its quamina pattern id.
type binding struct {
	workflowID string
	version    int
	trigger    workflow.Trigger
}

// Service watches definitions and fires their triggers.
type Service struct {
	log    logr.Logger
	defs   workflow.DefinitionStore
	engine Starter

	mu       sync.Mutex
	cron     *cron.Cron
	matcher  *quamina.Quamina
	byType   map[string][]*binding
	patterns map[*binding]struct{}
}

// NewService builds a trigger service. Call Reload to bind the current
// definitions and Start to begin cron scheduling.
func NewService(log logr.Logger, defs workflow.DefinitionStore, engine Starter) *Service {
	return &Service{
		log:    log,
		defs:   defs,
		engine: engine,
		byType: make(map[string][]*binding),
	}
}

// Start loads trigger bindings and starts the cron scheduler.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Start()
	}
	return nil
}

// Stop halts cron scheduling. In-flight instance starts complete.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Reload rebuilds all trigger bindings from the enabled definitions. Safe to
// call while running; cron entries are replaced wholesale.
func (s *Service) Reload(ctx context.Context) error {
	defs, err := s.defs.ListDefinitions(ctx, true)
	if err != nil {
		return err
	}

	c := cron.New()
	matcher, err := quamina.New()
	if err != nil {
		return errkind.New(errkind.Internal, err)
	}
	byType := make(map[string][]*binding)
	patterns := make(map[*binding]struct{})

	for _, def := range defs {
		for _, t := range def.Triggers {
			b := &binding{workflowID: def.ID, version: def.Version, trigger: t}
			switch t.Kind {
			case workflow.TriggerCron:
				if _, err := c.AddFunc(t.Cron, s.cronFire(b)); err != nil {
					return errkind.Errorf(errkind.Validation, "workflow %s: cron %q: %v", def.ID, t.Cron, err)
				}
			case workflow.TriggerEvent:
				byType[t.EventType] = append(byType[t.EventType], b)
				if t.EventPattern != "" {
					if err := matcher.AddPattern(b, t.EventPattern); err != nil {
						return errkind.Errorf(errkind.Validation, "workflow %s: event pattern: %v", def.ID, err)
					}
					patterns[b] = struct{}{}
				}
			}
		}
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
		c.Start()
	}
	s.cron = c
	s.matcher = matcher
	s.byType = byType
	s.patterns = patterns
	s.mu.Unlock()

	s.log.Info("trigger bindings reloaded", "definitions", len(defs))
	return nil
}

// Fire starts an instance manually.
func (s *Service) Fire(ctx context.Context, workflowID string, version int, input map[string]any) (*workflow.Instance, error) {
	return s.engine.Start(ctx, workflowID, version, input, "manual:"+data.NewID())
}

func (s *Service) cronFire(b *binding) func() {
	return func() {
		ctx := context.Background()
		in, err := s.engine.Start(ctx, b.workflowID, b.version, b.trigger.Input, "cron:"+data.NewID())
		if err != nil {
			s.log.Error(err, "starting cron-triggered instance", "workflow", b.workflowID)
			return
		}
		s.log.Info("cron trigger fired", "workflow", b.workflowID, "instance", in.ID)
	}
}

// PublishEvent offers an event to every event trigger. Triggers with a JSON
// pattern only fire when the payload matches; pattern-less triggers fire on
// event type alone. Returns the number of instances started.
func (s *Service) PublishEvent(ctx context.Context, eventType string, payload map[string]any) (int, error) {
	s.mu.Lock()
	candidates := s.byType[eventType]
	matcher := s.matcher
	s.mu.Unlock()
	if len(candidates) == 0 {
		return 0, nil
	}

	var matched map[*binding]bool
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errkind.New(errkind.Validation, err)
	}
	if matcher != nil {
		hits, err := matcher.MatchesForEvent(raw)
		if err != nil {
			return 0, errkind.New(errkind.Validation, err)
		}
		matched = make(map[*binding]bool, len(hits))
		for _, h := range hits {
			if b, ok := h.(*binding); ok {
				matched[b] = true
			}
		}
	}

	started := 0
	for _, b := range candidates {
		s.mu.Lock()
		_, hasPattern := s.patterns[b]
		s.mu.Unlock()
		if hasPattern && !matched[b] {
			continue
		}
		input := make(map[string]any, len(b.trigger.Input)+1)
		for k, v := range b.trigger.Input {
			input[k] = v
		}
		input["event"] = payload
		in, err := s.engine.Start(ctx, b.workflowID, b.version, input, fmt.Sprintf("event:%s:%s", eventType, data.NewID()))
		if err != nil {
			s.log.Error(err, "starting event-triggered instance", "workflow", b.workflowID, "eventType", eventType)
			continue
		}
		s.log.Info("event trigger fired", "workflow", b.workflowID, "instance", in.ID, "eventType", eventType)
		started++
	}
	return started, nil
}
