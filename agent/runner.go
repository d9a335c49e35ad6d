package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/orbitmesh/orbitmesh/session"
)

// EchoRunner returns the job payload unchanged. Useful for wiring checks and
// tests.
type EchoRunner struct{}

func (EchoRunner) Run(_ context.Context, job session.ExecuteJob, report Reporter) ([]byte, error) {
	report.Progress(100, "echoed", nil)
	return job.Payload, nil
}

// execPayload is the payload shape the exec runner expects.
type execPayload struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// ExecRunner runs a local process. Stdout lines are published as stream
// items; the collected output is the result. Cancellation kills the process
// through the command context.
type ExecRunner struct {
	// AllowedPrograms, when non-empty, restricts what may be executed.
	AllowedPrograms []string
}

func (r ExecRunner) Run(ctx context.Context, job session.ExecuteJob, report Reporter) ([]byte, error) {
	var p execPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding exec payload: %w", err)
	}
	if p.Program == "" {
		return nil, fmt.Errorf("exec payload without program")
	}
	if len(r.AllowedPrograms) > 0 && !contains(r.AllowedPrograms, p.Program) {
		return nil, fmt.Errorf("program %q not allowed on this agent", p.Program)
	}

	cmd := exec.CommandContext(ctx, p.Program, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", p.Program, err)
	}

	report.Progress(0, "started "+p.Program, nil)
	var out strings.Builder
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		report.Stream([]byte(line), false)
	}
	err = cmd.Wait()
	report.Stream(nil, true)
	if err != nil {
		return []byte(out.String()), fmt.Errorf("%s: %w", p.Program, err)
	}
	report.Progress(100, "finished "+p.Program, nil)
	return []byte(out.String()), nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
