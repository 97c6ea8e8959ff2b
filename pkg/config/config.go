// Package config reads the settings of the dwarfkeeper and dwarfcli binaries from flags, the
// environment and .env files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mikekulinski/dwarfkeeper/pkg/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DWARF_DATA_DIR for --data-dir.
const EnvPrefix = "dwarf"

const (
	DefaultHub        = "localhost:7070"
	DefaultListen     = ":7070"
	DefaultDataDir    = "data"
	DefaultLogLevel   = "info"
	DefaultTimeout    = 10 * time.Second
	DefaultDevServers = 3
)

// ServerConfig holds everything the dwarfkeeper subcommands need.
type ServerConfig struct {
	Group            string
	Hub              string
	Listen           string
	DataDir          string
	BatchSize        int
	ApplyQueue       int
	MaxInflight      int
	BroadcastTimeout time.Duration
	StateTimeout     time.Duration
	LogLevel         string
	MetricsAddr      string
	// Servers is only used by the dev subcommand.
	Servers int
}

type ClientConfig struct {
	Hub      string
	Group    string
	Timeout  time.Duration
	LogLevel string
}

// Init loads .env files and makes viper read DWARF_ prefixed environment variables.
func Init() {
	InitViper(viper.GetViper())
}

// InitViper does what Init does for a specific viper instance.
func InitViper(v *viper.Viper) {
	// Missing files are fine.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// WrapString breaks s into lines of at most 60 characters so long flag usages stay readable.
func WrapString(s string) string {
	const width = 60
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	line := 0
	for i, w := range words {
		if i > 0 {
			if line+1+len(w) > width {
				b.WriteString("\n")
				line = 0
			} else {
				b.WriteString(" ")
				line++
			}
		}
		b.WriteString(w)
		line += len(w)
	}
	return b.String()
}

// SetupCommonFlags adds the flags every binary understands.
func SetupCommonFlags(cmd *cobra.Command) {
	key := "group"
	cmd.PersistentFlags().String(key, server.DefaultGroup, WrapString("Name of the group the servers join"))

	key = "hub"
	cmd.PersistentFlags().String(key, DefaultHub, WrapString("Address of the hub that orders the group's messages"))

	key = "log-level"
	cmd.PersistentFlags().String(key, DefaultLogLevel, WrapString("Log level (panic, fatal, error, warn, info, debug, trace)"))
}

// SetupServerFlags adds the flags of the dwarfkeeper binary.
func SetupServerFlags(cmd *cobra.Command) {
	SetupCommonFlags(cmd)

	key := "listen"
	cmd.PersistentFlags().String(key, DefaultListen, WrapString("Address the hub listens on"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, DefaultDataDir, WrapString("Directory the logger writes its log and snapshot files to"))

	key = "batch-size"
	cmd.PersistentFlags().Int(key, server.DefaultQueueBacklog, WrapString("Number of commands the logger collects before writing them out"))

	key = "apply-queue"
	cmd.PersistentFlags().Int(key, server.DefaultApplyQueue, WrapString("Number of deliveries that can wait to be applied"))

	key = "max-inflight"
	cmd.PersistentFlags().Int(key, server.DefaultMaxInflight, WrapString("Number of client requests a replica works on at once"))

	key = "broadcast-timeout"
	cmd.PersistentFlags().Duration(key, 0, WrapString("How long a replica waits for the replies to a write. Zero waits until the transport gives up"))

	key = "state-timeout"
	cmd.PersistentFlags().Duration(key, server.DefaultStateTimeout, WrapString("How long a joining member waits for one member to send its state"))

	key = "metrics-addr"
	cmd.PersistentFlags().String(key, "", WrapString("Address to serve prometheus metrics on. Empty disables metrics"))

	key = "servers"
	cmd.PersistentFlags().Int(key, DefaultDevServers, WrapString("Number of replicas started by the dev command"))
}

// SetupClientFlags adds the flags of the dwarfcli binary.
func SetupClientFlags(cmd *cobra.Command) {
	SetupCommonFlags(cmd)

	key := "timeout"
	cmd.PersistentFlags().Duration(key, DefaultTimeout, WrapString("Timeout of a single request"))
}

// BindCommandFlags makes the flags of cmd visible to v. Flags set on the command line win over
// the environment.
func BindCommandFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// LoadServerConfig reads a ServerConfig from v and validates it.
func LoadServerConfig(v *viper.Viper) (*ServerConfig, error) {
	c := &ServerConfig{
		Group:            v.GetString("group"),
		Hub:              v.GetString("hub"),
		Listen:           v.GetString("listen"),
		DataDir:          v.GetString("data-dir"),
		BatchSize:        v.GetInt("batch-size"),
		ApplyQueue:       v.GetInt("apply-queue"),
		MaxInflight:      v.GetInt("max-inflight"),
		BroadcastTimeout: v.GetDuration("broadcast-timeout"),
		StateTimeout:     v.GetDuration("state-timeout"),
		LogLevel:         v.GetString("log-level"),
		MetricsAddr:      v.GetString("metrics-addr"),
		Servers:          v.GetInt("servers"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ServerConfig) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group must not be empty")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch-size must not be negative, got %d", c.BatchSize)
	}
	if c.ApplyQueue < 0 {
		return fmt.Errorf("apply-queue must not be negative, got %d", c.ApplyQueue)
	}
	if c.MaxInflight < 0 {
		return fmt.Errorf("max-inflight must not be negative, got %d", c.MaxInflight)
	}
	if c.BroadcastTimeout < 0 {
		return fmt.Errorf("broadcast-timeout must not be negative, got %s", c.BroadcastTimeout)
	}
	if c.StateTimeout < 0 {
		return fmt.Errorf("state-timeout must not be negative, got %s", c.StateTimeout)
	}
	if c.Servers < 0 {
		return fmt.Errorf("servers must not be negative, got %d", c.Servers)
	}
	if _, err := logrus.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return nil
}

// Options turns the config into the options of a replica or logger.
func (c *ServerConfig) Options(log *logrus.Entry) server.Options {
	return server.Options{
		Group:            c.Group,
		ApplyQueue:       c.ApplyQueue,
		MaxInflight:      c.MaxInflight,
		BatchSize:        c.BatchSize,
		BroadcastTimeout: c.BroadcastTimeout,
		StateTimeout:     c.StateTimeout,
		Log:              log,
	}
}

// LoadClientConfig reads a ClientConfig from v and validates it.
func LoadClientConfig(v *viper.Viper) (*ClientConfig, error) {
	c := &ClientConfig{
		Hub:      v.GetString("hub"),
		Group:    v.GetString("group"),
		Timeout:  v.GetDuration("timeout"),
		LogLevel: v.GetString("log-level"),
	}
	if c.Hub == "" {
		return nil, fmt.Errorf("hub must not be empty")
	}
	if c.Group == "" {
		return nil, fmt.Errorf("group must not be empty")
	}
	if c.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return c, nil
}
