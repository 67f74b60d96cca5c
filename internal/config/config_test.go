package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/datasource-broker/internal/connector"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Driver != BusMemory {
		t.Fatalf("expected memory bus by default, got %q", cfg.Bus.Driver)
	}
	if cfg.Broker.BeaconInterval != 5*time.Second {
		t.Fatalf("expected 5s beacon interval, got %v", cfg.Broker.BeaconInterval)
	}
	if cfg.Broker.DiscoveryChannel != "manager_registry" {
		t.Fatalf("unexpected discovery channel %q", cfg.Broker.DiscoveryChannel)
	}
	if cfg.Broker.MaxInFlight != 0 {
		t.Fatalf("expected unbounded in-flight, got %d", cfg.Broker.MaxInFlight)
	}
	if cfg.Bridge.PlaceholderDelay != 0 {
		t.Fatalf("expected placeholder disabled, got %v", cfg.Bridge.PlaceholderDelay)
	}
	if cfg.Bridge.Address != "127.0.0.1:65432" {
		t.Fatalf("unexpected bridge address %q", cfg.Bridge.Address)
	}
	if len(cfg.Orchestrator.LauncherArgs) != 1 || cfg.Orchestrator.LauncherArgs[0] != "launch" {
		t.Fatalf("unexpected launcher args %v", cfg.Orchestrator.LauncherArgs)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  addr: ":9090"
logging:
  development: true
  level: debug
bus:
  driver: pubsub
  project_id: demo
  ack_deadline: 20s
broker:
  address: 10.1.1.1
  beacon_interval: 2s
  max_in_flight: 8
registry:
  external_dir: /etc/connectors
  watch: false
orchestrator:
  launcher: /usr/local/bin/datasource-broker
  launcher_args: ["launch", "--verbose"]
  data_root: /var/lib/datasource
progress:
  max_batch_wait: 1s
bridge:
  enabled: true
  address: 127.0.0.1:7000
  placeholder_delay: 10s
connectors:
  github:
    token: abc
    base_url: https://ghe.example.com/
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %q", cfg.Server.Addr)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Bus.Driver != BusPubSub || cfg.Bus.ProjectID != "demo" || cfg.Bus.AckDeadline != 20*time.Second {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.Broker.Address != "10.1.1.1" || cfg.Broker.MaxInFlight != 8 || cfg.Broker.BeaconInterval != 2*time.Second {
		t.Fatalf("expected broker overrides, got %+v", cfg.Broker)
	}
	if cfg.Registry.Watch {
		t.Fatal("expected registry watch disabled")
	}
	if got := strings.Join(cfg.Orchestrator.LauncherArgs, " "); got != "launch --verbose" {
		t.Fatalf("unexpected launcher args %q", got)
	}
	if cfg.Progress.MaxBatchWait != time.Second {
		t.Fatalf("expected 1s batch wait, got %v", cfg.Progress.MaxBatchWait)
	}
	if !cfg.Bridge.Enabled || cfg.Bridge.PlaceholderDelay != 10*time.Second {
		t.Fatalf("expected bridge overrides, got %+v", cfg.Bridge)
	}

	params := cfg.ConnectorDefaults("github", connector.Params{"username": "octo", "token": "override"})
	if params.String("token") != "override" || params.String("base_url") != "https://ghe.example.com/" {
		t.Fatalf("unexpected merged params %v", params)
	}
	if params.String("username") != "octo" {
		t.Fatalf("caller params lost: %v", params)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("DATASOURCE_BROKER_ADDRESS", "192.168.0.9")
	t.Setenv("DATASOURCE_BRIDGE_PLACEHOLDER_DELAY", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Address != "192.168.0.9" {
		t.Fatalf("expected env override, got %q", cfg.Broker.Address)
	}
	if cfg.Bridge.PlaceholderDelay != 3*time.Second {
		t.Fatalf("expected env override, got %v", cfg.Bridge.PlaceholderDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Enabled: true, Addr: ":8080"},
		Bus:          BusConfig{Driver: BusMemory},
		Broker:       BrokerConfig{RequestTimeout: time.Second},
		Orchestrator: OrchestratorConfig{DataRoot: "data"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c *Config)
		want string
	}{
		{name: "missing admin addr", cfg: func(c *Config) { c.Server.Addr = "" }, want: "server.addr"},
		{name: "unknown bus driver", cfg: func(c *Config) { c.Bus.Driver = "redis" }, want: "bus.driver"},
		{name: "pubsub without project", cfg: func(c *Config) { c.Bus.Driver = BusPubSub }, want: "bus.project_id"},
		{name: "negative in-flight", cfg: func(c *Config) { c.Broker.MaxInFlight = -1 }, want: "broker.max_in_flight"},
		{name: "zero request timeout", cfg: func(c *Config) { c.Broker.RequestTimeout = 0 }, want: "broker.request_timeout"},
		{name: "missing data root", cfg: func(c *Config) { c.Orchestrator.DataRoot = "" }, want: "orchestrator.data_root"},
		{name: "negative placeholder", cfg: func(c *Config) { c.Bridge.PlaceholderDelay = -time.Second }, want: "bridge.placeholder_delay"},
		{
			name: "bad bridge address",
			cfg: func(c *Config) {
				c.Bridge.Enabled = true
				c.Bridge.Address = "nope"
			},
			want: "bridge.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.cfg(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
