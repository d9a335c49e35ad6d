package flag

import (
	"time"

	"github.com/peterbourgon/ff/v4/ffval"
)

// ServerConfig is the CLI surface of the control plane binary.
type ServerConfig struct {
	LogLevel int

	NATSURL    string
	NATSStream string

	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration

	DispatchWorkers       int
	QueueCapacity         int
	AckTimeout            time.Duration
	DefaultJobTimeout     time.Duration
	DefaultMaxRetries     int
	MaxUnroutableAttempts int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	IdempotencyTTL        time.Duration
	RoutingPolicy         string

	WorkflowDir            string
	MaxConcurrentInstances int
	ApprovalTimeout        time.Duration
	ApprovalTimeoutAction  string

	ProgressHistoryCap int
	StreamBufferCap    int

	MetricsAddr string
}

var LogLevelConfig = Config{
	Name:  "log-level",
	Usage: "log level (v-level); higher is more verbose",
}

var NATSURLConfig = Config{
	Name:  "nats-url",
	Usage: "NATS server URL for agent sessions",
}

var NATSStreamConfig = Config{
	Name:  "nats-stream",
	Usage: "subject prefix shared by server and agents",
}

var HeartbeatSweepIntervalConfig = Config{
	Name:  "heartbeat-sweep-interval",
	Usage: "how often the registry sweeps for expired agent heartbeats",
}

var HeartbeatTimeoutConfig = Config{
	Name:  "heartbeat-timeout",
	Usage: "agents silent for longer than this are marked disconnected",
}

var DispatchWorkersConfig = Config{
	Name:  "dispatch-workers",
	Usage: "number of concurrent dispatch workers",
}

var QueueCapacityConfig = Config{
	Name:  "queue-capacity",
	Usage: "pending job queue capacity before backpressure",
}

var AckTimeoutConfig = Config{
	Name:  "ack-timeout",
	Usage: "how long to wait for an agent to ack a delivered job",
}

var DefaultJobTimeoutConfig = Config{
	Name:  "default-job-timeout",
	Usage: "execution timeout applied to jobs that do not set one",
}

var DefaultMaxRetriesConfig = Config{
	Name:  "default-max-retries",
	Usage: "retry budget applied to jobs that do not set one",
}

var MaxUnroutableAttemptsConfig = Config{
	Name:  "max-unroutable-attempts",
	Usage: "routing attempts before an unroutable job is failed",
}

var BackoffBaseConfig = Config{
	Name:  "backoff-base",
	Usage: "initial requeue backoff for unroutable jobs",
}

var BackoffMaxConfig = Config{
	Name:  "backoff-max",
	Usage: "requeue backoff ceiling for unroutable jobs",
}

var IdempotencyTTLConfig = Config{
	Name:  "idempotency-ttl",
	Usage: "how long enqueue idempotency keys are remembered",
}

var RoutingPolicyConfig = Config{
	Name:  "routing-policy",
	Usage: "agent selection policy for unconstrained jobs",
}

var WorkflowDirConfig = Config{
	Name:  "workflow-dir",
	Usage: "directory of workflow definition YAML files loaded at startup",
}

var MaxConcurrentInstancesConfig = Config{
	Name:  "max-concurrent-instances",
	Usage: "workflow instances the engine schedules at once",
}

var ApprovalTimeoutConfig = Config{
	Name:  "approval-timeout",
	Usage: "default deadline for approval steps without one",
}

var ApprovalTimeoutActionConfig = Config{
	Name:  "approval-timeout-action",
	Usage: "what an expired approval does when the step does not say",
}

var ProgressHistoryCapConfig = Config{
	Name:  "progress-history-cap",
	Usage: "progress updates retained per job",
}

var StreamBufferCapConfig = Config{
	Name:  "stream-buffer-cap",
	Usage: "stream items retained per job before backpressure",
}

var MetricsAddrConfig = Config{
	Name:  "metrics-addr",
	Usage: "listen address for the Prometheus metrics endpoint",
}

// RegisterServer registers every server flag with the flag set.
func RegisterServer(fs *Set, sc *ServerConfig) {
	fs.Register(LogLevelConfig, ffval.NewValueDefault(&sc.LogLevel, sc.LogLevel))
	fs.Register(NATSURLConfig, ffval.NewValueDefault(&sc.NATSURL, sc.NATSURL))
	fs.Register(NATSStreamConfig, ffval.NewValueDefault(&sc.NATSStream, sc.NATSStream))
	fs.Register(HeartbeatSweepIntervalConfig, ffval.NewValueDefault(&sc.HeartbeatSweepInterval, sc.HeartbeatSweepInterval))
	fs.Register(HeartbeatTimeoutConfig, ffval.NewValueDefault(&sc.HeartbeatTimeout, sc.HeartbeatTimeout))
	fs.Register(DispatchWorkersConfig, ffval.NewValueDefault(&sc.DispatchWorkers, sc.DispatchWorkers))
	fs.Register(QueueCapacityConfig, ffval.NewValueDefault(&sc.QueueCapacity, sc.QueueCapacity))
	fs.Register(AckTimeoutConfig, ffval.NewValueDefault(&sc.AckTimeout, sc.AckTimeout))
	fs.Register(DefaultJobTimeoutConfig, ffval.NewValueDefault(&sc.DefaultJobTimeout, sc.DefaultJobTimeout))
	fs.Register(DefaultMaxRetriesConfig, ffval.NewValueDefault(&sc.DefaultMaxRetries, sc.DefaultMaxRetries))
	fs.Register(MaxUnroutableAttemptsConfig, ffval.NewValueDefault(&sc.MaxUnroutableAttempts, sc.MaxUnroutableAttempts))
	fs.Register(BackoffBaseConfig, ffval.NewValueDefault(&sc.BackoffBase, sc.BackoffBase))
	fs.Register(BackoffMaxConfig, ffval.NewValueDefault(&sc.BackoffMax, sc.BackoffMax))
	fs.Register(IdempotencyTTLConfig, ffval.NewValueDefault(&sc.IdempotencyTTL, sc.IdempotencyTTL))
	fs.Register(RoutingPolicyConfig, ffval.NewEnum(&sc.RoutingPolicy,
		"round_robin", "least_connections", "random", "preferred_agent_with_fallback"))
	fs.Register(WorkflowDirConfig, ffval.NewValueDefault(&sc.WorkflowDir, sc.WorkflowDir))
	fs.Register(MaxConcurrentInstancesConfig, ffval.NewValueDefault(&sc.MaxConcurrentInstances, sc.MaxConcurrentInstances))
	fs.Register(ApprovalTimeoutConfig, ffval.NewValueDefault(&sc.ApprovalTimeout, sc.ApprovalTimeout))
	fs.Register(ApprovalTimeoutActionConfig, ffval.NewEnum(&sc.ApprovalTimeoutAction, "reject", "approve"))
	fs.Register(ProgressHistoryCapConfig, ffval.NewValueDefault(&sc.ProgressHistoryCap, sc.ProgressHistoryCap))
	fs.Register(StreamBufferCapConfig, ffval.NewValueDefault(&sc.StreamBufferCap, sc.StreamBufferCap))
	fs.Register(MetricsAddrConfig, ffval.NewValueDefault(&sc.MetricsAddr, sc.MetricsAddr))
}
