// Package config loads and validates broker configuration via Viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. DATASOURCE_BUS_DRIVER.
const EnvPrefix = "DATASOURCE"

// Bus drivers.
const (
	BusMemory = "memory"
	BusPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Logging      logging.Config              `mapstructure:"logging"`
	Bus          BusConfig                   `mapstructure:"bus"`
	Broker       BrokerConfig                `mapstructure:"broker"`
	Registry     RegistryConfig              `mapstructure:"registry"`
	Orchestrator OrchestratorConfig          `mapstructure:"orchestrator"`
	Progress     ProgressConfig              `mapstructure:"progress"`
	Bridge       BridgeConfig                `mapstructure:"bridge"`
	Connectors   map[string]connector.Params `mapstructure:"connectors"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BusConfig selects the messaging transport.
type BusConfig struct {
	Driver             string        `mapstructure:"driver"`
	ProjectID          string        `mapstructure:"project_id"`
	SubscriptionPrefix string        `mapstructure:"subscription_prefix"`
	AckDeadline        time.Duration `mapstructure:"ack_deadline"`
	SubscriptionTTL    time.Duration `mapstructure:"subscription_ttl"`
	MemoryBuffer       int           `mapstructure:"memory_buffer"`
}

// BrokerConfig controls channel naming, beacons and concurrency.
type BrokerConfig struct {
	Address          string        `mapstructure:"address"`
	CommandChannel   string        `mapstructure:"command_channel"`
	ChannelPrefix    string        `mapstructure:"channel_prefix"`
	DiscoveryChannel string        `mapstructure:"discovery_channel"`
	BeaconInterval   time.Duration `mapstructure:"beacon_interval"`
	MaxInFlight      int64         `mapstructure:"max_in_flight"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// RegistryConfig controls connector discovery.
type RegistryConfig struct {
	ExternalDir string        `mapstructure:"external_dir"`
	Watch       bool          `mapstructure:"watch"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// OrchestratorConfig controls how workers are launched.
type OrchestratorConfig struct {
	Launcher     string        `mapstructure:"launcher"`
	LauncherArgs []string      `mapstructure:"launcher_args"`
	DataRoot     string        `mapstructure:"data_root"`
	WorkDir      string        `mapstructure:"work_dir"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	Env          []string      `mapstructure:"env"`
}

// ProgressConfig controls the progress hub and its bus channel.
type ProgressConfig struct {
	ChannelPrefix  string        `mapstructure:"channel_prefix"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	// Monitor makes the control plane follow its own progress channel and
	// export it as Prometheus metrics.
	Monitor bool `mapstructure:"monitor"`
}

// BridgeConfig controls the realtime ingestion socket.
type BridgeConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Address          string        `mapstructure:"address"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MaxLineBytes     int           `mapstructure:"max_line_bytes"`
	PlaceholderDelay time.Duration `mapstructure:"placeholder_delay"`
	ForwardChannel   string        `mapstructure:"forward_channel"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("bus.driver", BusMemory)
	v.SetDefault("bus.project_id", "")
	v.SetDefault("bus.subscription_ttl", 0)
	v.SetDefault("bus.subscription_prefix", "sub")
	v.SetDefault("bus.ack_deadline", 10*time.Second)
	v.SetDefault("bus.memory_buffer", 256)
	v.SetDefault("broker.address", "")
	v.SetDefault("broker.command_channel", "")
	v.SetDefault("broker.channel_prefix", "datasource_commands")
	v.SetDefault("broker.discovery_channel", "manager_registry")
	v.SetDefault("broker.beacon_interval", 5*time.Second)
	v.SetDefault("broker.max_in_flight", 0)
	v.SetDefault("broker.request_timeout", 30*time.Second)
	v.SetDefault("registry.external_dir", "connectors")
	v.SetDefault("registry.watch", true)
	v.SetDefault("registry.debounce", 500*time.Millisecond)
	v.SetDefault("orchestrator.launcher", "")
	v.SetDefault("orchestrator.work_dir", "")
	v.SetDefault("orchestrator.launcher_args", []string{"launch"})
	v.SetDefault("orchestrator.data_root", "data")
	v.SetDefault("orchestrator.stop_grace", 5*time.Second)
	v.SetDefault("progress.channel_prefix", "datasource_progress")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.monitor", true)
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.address", "127.0.0.1:65432")
	v.SetDefault("bridge.idle_timeout", 5*time.Minute)
	v.SetDefault("bridge.max_line_bytes", 1<<20)
	v.SetDefault("bridge.placeholder_delay", 0)
	v.SetDefault("bridge.forward_channel", "realtime_events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when the admin server is enabled")
	}
	switch c.Bus.Driver {
	case BusMemory:
	case BusPubSub:
		if c.Bus.ProjectID == "" {
			return fmt.Errorf("bus.project_id must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("bus.driver must be %q or %q, got %q", BusMemory, BusPubSub, c.Bus.Driver)
	}
	if c.Broker.BeaconInterval < 0 {
		return fmt.Errorf("broker.beacon_interval must be >= 0")
	}
	if c.Broker.MaxInFlight < 0 {
		return fmt.Errorf("broker.max_in_flight must be >= 0")
	}
	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker.request_timeout must be > 0")
	}
	if c.Orchestrator.DataRoot == "" {
		return fmt.Errorf("orchestrator.data_root must be set")
	}
	if c.Progress.MaxBatchEvents < 0 || c.Progress.BufferSize < 0 {
		return fmt.Errorf("progress.buffer_size and progress.max_batch_events must be >= 0")
	}
	if c.Bridge.PlaceholderDelay < 0 {
		return fmt.Errorf("bridge.placeholder_delay must be >= 0")
	}
	if c.Bridge.Enabled {
		if _, _, err := net.SplitHostPort(c.Bridge.Address); err != nil {
			return fmt.Errorf("bridge.address: %w", err)
		}
	}
	return nil
}

// ConnectorDefaults returns params for name with configured defaults filled
// in underneath the caller's values.
func (c Config) ConnectorDefaults(name string, params connector.Params) connector.Params {
	out := connector.Params{}
	for k, v := range c.Connectors[name] {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
