package expr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEvaluate(t *testing.T) {
	scope := map[string]any{
		"count":  float64(3),
		"name":   "web-1",
		"ready":  true,
		"labels": []any{"edge", "canary"},
		"agent": map[string]any{
			"group": "edge",
			"load":  float64(0.25),
		},
		"input": map[string]string{"region": "eu-west"},
	}

	cases := map[string]struct {
		expr    string
		want    any
		wantErr bool
	}{
		"literal number":          {expr: "42", want: float64(42)},
		"literal string":          {expr: `"hello"`, want: "hello"},
		"literal bool":            {expr: "true", want: true},
		"literal null":            {expr: "null", want: nil},
		"variable":                {expr: "count", want: float64(3)},
		"unknown variable is nil": {expr: "missing", want: nil},
		"field access":            {expr: "agent.group", want: "edge"},
		"string map field":        {expr: "input.region", want: "eu-west"},
		"index access":            {expr: "labels[1]", want: "canary"},
		"addition":                {expr: "count + 2", want: float64(5)},
		"string concat":           {expr: `name + "-suffix"`, want: "web-1-suffix"},
		"comparison":              {expr: "count > 2", want: true},
		"equality":                {expr: `agent.group == "edge"`, want: true},
		"inequality":              {expr: "count != 3", want: false},
		"and short circuit":       {expr: "ready && count > 1", want: true},
		"or":                      {expr: "count > 10 || ready", want: true},
		"negation":                {expr: "!ready", want: false},
		"unary minus":             {expr: "-count", want: float64(-3)},
		"in operator":             {expr: `"edge" in labels`, want: true},
		"contains substring":      {expr: `name contains "web"`, want: true},
		"parens":                  {expr: "(count + 1) > 3", want: true},
		"unsupported operator":    {expr: "count * 2", wantErr: true},
		"array literal":           {expr: `["a", "b"]`, want: []any{"a", "b"}},
		"trailing garbage":        {expr: "count count", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Evaluate(tc.expr, scope)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Evaluate(%q) expected error, got %v", tc.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tc.expr, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Evaluate(%q) mismatch (-want +got):\n%s", tc.expr, diff)
			}
		})
	}
}

func TestEvaluateBool(t *testing.T) {
	scope := map[string]any{"n": float64(2), "s": "x"}

	cases := map[string]struct {
		expr    string
		want    bool
		wantErr bool
	}{
		"empty expression is true":    {expr: "", want: true},
		"blank expression is true":    {expr: "   ", want: true},
		"true comparison":             {expr: "n >= 2", want: true},
		"false comparison":            {expr: "n < 2", want: false},
		"non-bool result is an error": {expr: "s", wantErr: true},
		"nil result is an error":      {expr: "missing", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := EvaluateBool(tc.expr, scope)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("EvaluateBool(%q) expected error, got %v", tc.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("EvaluateBool(%q): %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("EvaluateBool(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestInterpolate(t *testing.T) {
	scope := map[string]any{
		"host": "node-7",
		"job":  map[string]any{"id": "j-42"},
		"n":    float64(5),
	}

	cases := map[string]struct {
		template string
		want     string
		wantErr  bool
	}{
		"no placeholders":  {template: "plain text", want: "plain text"},
		"single":           {template: "host=${host}", want: "host=node-7"},
		"nested field":     {template: "job ${job.id} done", want: "job j-42 done"},
		"number rendering": {template: "${n} items", want: "5 items"},
		"multiple":         {template: "${host}/${job.id}", want: "node-7/j-42"},
		"unknown is empty": {template: "[${missing}]", want: "[]"},
		"unclosed brace":   {template: "${host", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Interpolate(tc.template, scope)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Interpolate(%q) expected error, got %q", tc.template, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Interpolate(%q): %v", tc.template, err)
			}
			if got != tc.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}
