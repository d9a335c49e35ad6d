// Package cmd parses the CLI surface and wires the orbitmesh binaries
// together: the control plane server and the worker agent.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/orbitmesh/orbitmesh/cmd/flag"
	"github.com/orbitmesh/orbitmesh/dispatch"
	"github.com/orbitmesh/orbitmesh/pkg/backend/memory"
	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/registry"
	"github.com/orbitmesh/orbitmesh/server"
	"github.com/orbitmesh/orbitmesh/session"
	"github.com/orbitmesh/orbitmesh/session/natschan"
	"github.com/orbitmesh/orbitmesh/stream"
	"github.com/orbitmesh/orbitmesh/trigger"
	"github.com/orbitmesh/orbitmesh/workflow"
)

const serverName = "orbitmesh"

// Execute parses args and runs the control plane until ctx is done.
func Execute(ctx context.Context, args []string) error {
	sc := &flag.ServerConfig{
		NATSURL:                "nats://127.0.0.1:4222",
		NATSStream:             "orbitmesh",
		HeartbeatSweepInterval: 5 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		DispatchWorkers:        4,
		QueueCapacity:          1024,
		AckTimeout:             10 * time.Second,
		DefaultJobTimeout:      5 * time.Minute,
		DefaultMaxRetries:      3,
		MaxUnroutableAttempts:  10,
		BackoffBase:            200 * time.Millisecond,
		BackoffMax:             30 * time.Second,
		IdempotencyTTL:         time.Hour,
		RoutingPolicy:          string(dispatch.LeastConnections),
		MaxConcurrentInstances: 64,
		ApprovalTimeout:        24 * time.Hour,
		ApprovalTimeoutAction:  string(workflow.TimeoutReject),
		ProgressHistoryCap:     64,
		StreamBufferCap:        1024,
		MetricsAddr:            ":9090",
	}
	fs := &flag.Set{FlagSet: ff.NewFlagSet(serverName)}
	flag.RegisterServer(fs, sc)
	cmd := &ff.Command{
		Name:     serverName,
		Usage:    "orbitmesh [flags]",
		LongHelp: "OrbitMesh control plane: agent registry, job dispatcher, workflow engine.",
		Flags:    fs.FlagSet,
	}
	if err := cmd.Parse(args, ff.WithEnvVarPrefix("ORBITMESH")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}

	log := defaultLogger(sc.LogLevel)
	log.Info("starting server", "natsURL", sc.NATSURL, "stream", sc.NATSStream, "routingPolicy", sc.RoutingPolicy)
	return serve(ctx, log, sc)
}

// lazySender breaks the dispatcher/server construction cycle: the dispatcher
// needs a Sender before the server that implements it exists.
type lazySender struct {
	srv *server.Server
}

func (s *lazySender) Deliver(ctx context.Context, agentID string, job *data.Job) error {
	return s.srv.Deliver(ctx, agentID, job)
}

func (s *lazySender) CancelJob(ctx context.Context, agentID, jobID, reason string) error {
	return s.srv.CancelJob(ctx, agentID, jobID, reason)
}

func serve(ctx context.Context, log logr.Logger, sc *flag.ServerConfig) error {
	be := memory.New()
	if err := be.Recover(ctx); err != nil {
		return fmt.Errorf("recovering job state: %w", err)
	}

	metrics := prometheus.NewRegistry()

	var srv *server.Server
	reg := registry.New(registry.Config{
		Log:              log,
		Store:            be.Agents,
		Events:           be.Events,
		HeartbeatTimeout: sc.HeartbeatTimeout,
		OnExpired: func(agentID, sessionID string) {
			srv.HandleExpiredAgent(agentID, sessionID)
		},
	}, metrics)

	bus := stream.NewBus(stream.Config{
		Log:                log,
		ProgressHistoryCap: sc.ProgressHistoryCap,
		StreamBufferCap:    sc.StreamBufferCap,
	}, metrics)

	sender := &lazySender{}
	disp := dispatch.New(dispatch.Config{
		Log:                   log,
		Store:                 be.Jobs,
		Router:                dispatch.NewRouter(dispatch.Policy(sc.RoutingPolicy), reg, be.Jobs),
		Sender:                sender,
		WorkerCount:           sc.DispatchWorkers,
		QueueCapacity:         sc.QueueCapacity,
		AckTimeout:            sc.AckTimeout,
		DefaultJobTimeout:     sc.DefaultJobTimeout,
		DefaultMaxRetries:     sc.DefaultMaxRetries,
		MaxUnroutableAttempts: sc.MaxUnroutableAttempts,
		BackoffBase:           sc.BackoffBase,
		BackoffMax:            sc.BackoffMax,
		IdempotencyTTL:        sc.IdempotencyTTL,
	}, metrics)

	eng := workflow.NewEngine(workflow.EngineConfig{
		Log:                    log,
		Definitions:            be.Definitions,
		Instances:              be.Instances,
		Events:                 be.Events,
		Dispatcher:             disp,
		MaxConcurrentInstances: sc.MaxConcurrentInstances,
		ApprovalDefaultTimeout: sc.ApprovalTimeout,
		ApprovalTimeoutAction:  workflow.TimeoutAction(sc.ApprovalTimeoutAction),
	}, metrics)

	triggers := trigger.NewService(log, be.Definitions, eng)
	srv = server.New(server.Config{
		Log:        log,
		Registry:   reg,
		Dispatcher: disp,
		Bus:        bus,
		Triggers:   triggers,
	}, metrics)
	sender.srv = srv

	if sc.WorkflowDir != "" {
		n, err := loadDefinitions(ctx, be, sc.WorkflowDir)
		if err != nil {
			return err
		}
		log.Info("loaded workflow definitions", "dir", sc.WorkflowDir, "count", n)
	}

	nc, err := natschan.Connect(sc.NATSURL, serverName)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", sc.NATSURL, err)
	}
	defer nc.Close()

	listener := natschan.NewListener(log, nc, sc.NATSStream, func(agentID string, ch session.Channel) {
		srv.Attach(ctx, agentID, ch)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: sc.MetricsAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Start(ctx)
	})
	g.Go(func() error {
		return disp.Start(ctx)
	})
	g.Go(func() error {
		reg.StartHeartbeatMonitor(ctx, sc.HeartbeatSweepInterval)
		return nil
	})
	g.Go(func() error {
		if err := triggers.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		triggers.Stop()
		return ctx.Err()
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

// loadDefinitions parses every YAML file in dir and saves it, keeping the
// version each file declares.
func loadDefinitions(ctx context.Context, be *memory.Backend, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return 0, err
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return 0, err
	}
	paths = append(paths, more...)

	loaded := 0
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return loaded, fmt.Errorf("opening workflow file %s: %w", p, err)
		}
		def, err := workflow.Parse(f)
		f.Close()
		if err != nil {
			return loaded, fmt.Errorf("parsing workflow file %s: %w", p, err)
		}
		if err := be.Definitions.SaveDefinition(ctx, def); err != nil {
			return loaded, fmt.Errorf("saving workflow %s: %w", def.ID, err)
		}
		loaded++
	}
	return loaded, nil
}
