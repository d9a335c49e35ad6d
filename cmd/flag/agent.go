package flag

import (
	"time"

	"github.com/peterbourgon/ff/v4/ffval"
)

// AgentConfig is the CLI surface of the agent binary.
type AgentConfig struct {
	LogLevel int

	ID           string
	Name         string
	Group        string
	Capabilities []string
	Tags         []string

	NATSURL    string
	NATSStream string

	HeartbeatInterval time.Duration
	AllowedPrograms   []string
}

var AgentIDConfig = Config{
	Name:  "id",
	Usage: "stable agent identity; generated when empty",
}

var AgentNameConfig = Config{
	Name:  "name",
	Usage: "human-readable agent name",
}

var AgentGroupConfig = Config{
	Name:  "group",
	Usage: "group this agent joins",
}

var AgentCapabilitiesConfig = Config{
	Name:  "capability",
	Usage: "capability this agent advertises; repeatable",
}

var AgentTagsConfig = Config{
	Name:  "tag",
	Usage: "tag this agent advertises; repeatable",
}

var AgentHeartbeatIntervalConfig = Config{
	Name:  "heartbeat-interval",
	Usage: "how often the agent heartbeats",
}

var AgentAllowedProgramsConfig = Config{
	Name:  "allowed-program",
	Usage: "program the exec runner may launch; repeatable, empty allows all",
}

// RegisterAgent registers every agent flag with the flag set.
func RegisterAgent(fs *Set, ac *AgentConfig) {
	fs.Register(LogLevelConfig, ffval.NewValueDefault(&ac.LogLevel, ac.LogLevel))
	fs.Register(AgentIDConfig, ffval.NewValueDefault(&ac.ID, ac.ID))
	fs.Register(AgentNameConfig, ffval.NewValueDefault(&ac.Name, ac.Name))
	fs.Register(AgentGroupConfig, ffval.NewValueDefault(&ac.Group, ac.Group))
	fs.Register(AgentCapabilitiesConfig, ffval.NewList(&ac.Capabilities))
	fs.Register(AgentTagsConfig, ffval.NewList(&ac.Tags))
	fs.Register(NATSURLConfig, ffval.NewValueDefault(&ac.NATSURL, ac.NATSURL))
	fs.Register(NATSStreamConfig, ffval.NewValueDefault(&ac.NATSStream, ac.NATSStream))
	fs.Register(AgentHeartbeatIntervalConfig, ffval.NewValueDefault(&ac.HeartbeatInterval, ac.HeartbeatInterval))
	fs.Register(AgentAllowedProgramsConfig, ffval.NewList(&ac.AllowedPrograms))
}
