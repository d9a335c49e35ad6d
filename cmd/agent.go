package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/orbitmesh/orbitmesh/agent"
	"github.com/orbitmesh/orbitmesh/cmd/flag"
	"github.com/orbitmesh/orbitmesh/pkg/resilience"
	"github.com/orbitmesh/orbitmesh/session/natschan"
)

const agentName = "orbitmesh-agent"

// ExecuteAgent parses args and runs the agent until ctx is done. Lost
// sessions reconnect with exponential backoff; a successful session resets
// the backoff.
func ExecuteAgent(ctx context.Context, args []string) error {
	ac := &flag.AgentConfig{
		NATSURL:           "nats://127.0.0.1:4222",
		NATSStream:        "orbitmesh",
		HeartbeatInterval: 10 * time.Second,
	}
	fs := &flag.Set{FlagSet: ff.NewFlagSet(agentName)}
	flag.RegisterAgent(fs, ac)
	cmd := &ff.Command{
		Name:     agentName,
		Usage:    "orbitmesh-agent [flags]",
		LongHelp: "OrbitMesh agent: executes dispatched jobs and reports results.",
		Flags:    fs.FlagSet,
	}
	if err := cmd.Parse(args, ff.WithEnvVarPrefix("ORBITMESH")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}

	a := agent.New(agent.Config{
		Log:               defaultLogger(ac.LogLevel),
		ID:                ac.ID,
		Name:              ac.Name,
		Group:             ac.Group,
		Capabilities:      ac.Capabilities,
		Tags:              ac.Tags,
		HeartbeatInterval: ac.HeartbeatInterval,
		Runners: map[string]agent.Runner{
			"echo": agent.EchoRunner{},
			"exec": agent.ExecRunner{AllowedPrograms: ac.AllowedPrograms},
		},
	})
	log := defaultLogger(ac.LogLevel).WithValues("agent", a.ID())
	log.Info("starting agent", "group", ac.Group, "capabilities", ac.Capabilities)

	nc, err := natschan.Connect(ac.NATSURL, agentName+"-"+a.ID())
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", ac.NATSURL, err)
	}
	defer nc.Close()

	bo := resilience.Backoff(time.Second, 30*time.Second)
	for {
		ch, err := natschan.Dial(log, nc, ac.NATSStream, a.ID())
		if err == nil {
			start := time.Now()
			err = a.Run(ctx, ch)
			if time.Since(start) > time.Minute {
				// A session that held for a while earns a fresh backoff.
				bo = resilience.Backoff(time.Second, 30*time.Second)
			}
		}
		if ctx.Err() != nil {
			log.Info("agent stopped")
			return nil
		}
		wait := bo.NextBackOff()
		log.Error(err, "session lost, reconnecting", "wait", wait)
		select {
		case <-ctx.Done():
			log.Info("agent stopped")
			return nil
		case <-time.After(wait):
		}
	}
}
