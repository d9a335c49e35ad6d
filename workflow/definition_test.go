package workflow

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

const sampleYAML = `
id: provision
version: 1
name: Provision node
enabled: true
errorPolicy: stop_on_first_error
triggers:
  - kind: manual
  - kind: event
    eventType: agent.registered
    eventPattern: '{"group": ["edge"]}'
variables:
  region: eu-west
steps:
  - id: fetch
    type: job
    config:
      command: exec
      payload:
        program: fetch-image
  - id: announce
    type: notify
    dependsOn: [fetch]
    config:
      channel: log
      target: ops
      message: "image fetched for ${input.region}"
`

func TestParse(t *testing.T) {
	def, err := Parse(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.ID != "provision" || def.Version != 1 || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Policy() != StopOnFirstError {
		t.Errorf("Policy() = %q", def.Policy())
	}
	if got := def.Steps[1].DependsOn; !cmp.Equal(got, []string{"fetch"}) {
		t.Errorf("dependsOn = %v", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	in := strings.ReplaceAll(sampleYAML, "variables:", "variablez:")
	if _, err := Parse(strings.NewReader(in)); !errkind.IsKind(err, errkind.Validation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	job := func(id string, deps ...string) Step {
		return Step{ID: id, Type: StepJob, DependsOn: deps, Config: StepConfig{Command: "echo"}}
	}

	cases := map[string]struct {
		def     Definition
		wantErr string
	}{
		"minimal valid": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{job("a")}},
		},
		"missing name": {
			def:     Definition{ID: "wf", Steps: []Step{job("a")}},
			wantErr: "Name",
		},
		"no steps": {
			def:     Definition{ID: "wf", Name: "wf"},
			wantErr: "Steps",
		},
		"unknown policy": {
			def:     Definition{ID: "wf", Name: "wf", ErrorPolicy: "explode", Steps: []Step{job("a")}},
			wantErr: "unknown error policy",
		},
		"cron trigger without expression": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{job("a")},
				Triggers: []Trigger{{Kind: TriggerCron}}},
			wantErr: "cron trigger without expression",
		},
		"event trigger without type": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{job("a")},
				Triggers: []Trigger{{Kind: TriggerEvent}}},
			wantErr: "event trigger without event type",
		},
		"duplicate step id": {
			def:     Definition{ID: "wf", Name: "wf", Steps: []Step{job("a"), job("a")}},
			wantErr: "duplicate step id",
		},
		"unknown dependency": {
			def:     Definition{ID: "wf", Name: "wf", Steps: []Step{job("a", "ghost")}},
			wantErr: "unknown step",
		},
		"dependency cycle": {
			def:     Definition{ID: "wf", Name: "wf", Steps: []Step{job("a", "b"), job("b", "a")}},
			wantErr: "cycle",
		},
		"unknown step type": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: "teleport"}}},
			wantErr: "unknown type",
		},
		"job without command": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepJob}}},
			wantErr: "without command",
		},
		"delay without duration": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepDelay}}},
			wantErr: "positive duration",
		},
		"parallel branch validated": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepParallel, Config: StepConfig{
					Branches: []Branch{{Name: "b1", Steps: []Step{{ID: "x", Type: StepJob}}}},
				}}}},
			wantErr: "without command",
		},
		"approval without approvers": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepApproval}}},
			wantErr: "without approvers",
		},
		"approval inside parallel branch": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepParallel, Config: StepConfig{
					Branches: []Branch{{Name: "b1", Steps: []Step{
						{ID: "gate", Type: StepApproval, Config: StepConfig{Approvers: []string{"ops"}}}}}},
				}}}},
			wantErr: "cannot suspend inside a nested group",
		},
		"wait_for_event inside foreach body": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepForEach, Config: StepConfig{
					Collection: "hosts",
					Body: []Step{
						{ID: "hold", Type: StepWaitForEvent, Config: StepConfig{EventType: "x"}}},
				}}}},
			wantErr: "cannot suspend inside a nested group",
		},
		"compensation validated": {
			def: Definition{ID: "wf", Name: "wf", Steps: []Step{
				{ID: "a", Type: StepJob, Config: StepConfig{Command: "up"},
					Compensation: &Step{ID: "undo-a", Type: StepJob}}}},
			wantErr: "without command",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errkind.IsKind(err, errkind.Validation) {
				t.Errorf("kind = %v, want Validation", errkind.KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestTopoSort(t *testing.T) {
	steps := []Step{
		{ID: "deploy", DependsOn: []string{"build", "approve"}},
		{ID: "build", DependsOn: []string{"checkout"}},
		{ID: "approve"},
		{ID: "checkout"},
	}
	order, err := TopoSort(steps)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if pos[dep] > pos[s.ID] {
				t.Errorf("dependency %s sorted after %s: %v", dep, s.ID, order)
			}
		}
	}
	if len(order) != len(steps) {
		t.Errorf("order %v misses steps", order)
	}
}
