package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nand-nor/plant-minder/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Gateway.PollInterval != 15*time.Second {
		t.Errorf("Gateway.PollInterval = %v, want %v", cfg.Gateway.PollInterval, 15*time.Second)
	}

	if cfg.Gateway.BrokerTickRate != 1*time.Second {
		t.Errorf("Gateway.BrokerTickRate = %v, want %v", cfg.Gateway.BrokerTickRate, 1*time.Second)
	}

	if cfg.Gateway.PortPoolBase != 1213 {
		t.Errorf("Gateway.PortPoolBase = %d, want %d", cfg.Gateway.PortPoolBase, 1213)
	}

	if cfg.Gateway.PortPoolSize != 100 {
		t.Errorf("Gateway.PortPoolSize = %d, want %d", cfg.Gateway.PortPoolSize, 100)
	}

	if cfg.Gateway.SessionSilenceTimeout != 100*time.Second {
		t.Errorf("Gateway.SessionSilenceTimeout = %v, want %v", cfg.Gateway.SessionSilenceTimeout, 100*time.Second)
	}

	if cfg.Mesh.Transport != "dbus" {
		t.Errorf("Mesh.Transport = %q, want %q", cfg.Mesh.Transport, "dbus")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
gateway:
  poll_interval: "30s"
  port_pool_base: 2000
  port_pool_size: 50
mesh:
  transport: "cli"
  cli_bin: "ot-ctl"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Gateway.PollInterval != 30*time.Second {
		t.Errorf("Gateway.PollInterval = %v, want %v", cfg.Gateway.PollInterval, 30*time.Second)
	}

	if cfg.Gateway.PortPoolBase != 2000 {
		t.Errorf("Gateway.PortPoolBase = %d, want %d", cfg.Gateway.PortPoolBase, 2000)
	}

	if cfg.Gateway.PortPoolSize != 50 {
		t.Errorf("Gateway.PortPoolSize = %d, want %d", cfg.Gateway.PortPoolSize, 50)
	}

	if cfg.Mesh.Transport != "cli" {
		t.Errorf("Mesh.Transport = %q, want %q", cfg.Mesh.Transport, "cli")
	}

	if cfg.Mesh.CLIBin != "ot-ctl" {
		t.Errorf("Mesh.CLIBin = %q, want %q", cfg.Mesh.CLIBin, "ot-ctl")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override gateway.poll_interval and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
gateway:
  poll_interval: "5s"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Gateway.PollInterval != 5*time.Second {
		t.Errorf("Gateway.PollInterval = %v, want %v", cfg.Gateway.PollInterval, 5*time.Second)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Gateway.PortPoolBase != 1213 {
		t.Errorf("Gateway.PortPoolBase = %d, want default %d", cfg.Gateway.PortPoolBase, 1213)
	}

	if cfg.Gateway.SessionSilenceTimeout != 100*time.Second {
		t.Errorf("Gateway.SessionSilenceTimeout = %v, want default %v", cfg.Gateway.SessionSilenceTimeout, 100*time.Second)
	}

	if cfg.Mesh.Transport != "dbus" {
		t.Errorf("Mesh.Transport = %q, want default %q", cfg.Mesh.Transport, "dbus")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "zero poll interval",
			modify: func(cfg *config.Config) {
				cfg.Gateway.PollInterval = 0
			},
			wantErr: config.ErrInvalidPollInterval,
		},
		{
			name: "negative broker tick rate",
			modify: func(cfg *config.Config) {
				cfg.Gateway.BrokerTickRate = -1 * time.Second
			},
			wantErr: config.ErrInvalidBrokerTickRate,
		},
		{
			name: "zero port pool size",
			modify: func(cfg *config.Config) {
				cfg.Gateway.PortPoolSize = 0
			},
			wantErr: config.ErrInvalidPortPoolSize,
		},
		{
			name: "port pool range overflow",
			modify: func(cfg *config.Config) {
				cfg.Gateway.PortPoolBase = 65000
				cfg.Gateway.PortPoolSize = 1000
			},
			wantErr: config.ErrPortPoolRangeOverflow,
		},
		{
			name: "zero silence timeout",
			modify: func(cfg *config.Config) {
				cfg.Gateway.SessionSilenceTimeout = 0
			},
			wantErr: config.ErrInvalidSilenceTimeout,
		},
		{
			name: "invalid mesh transport",
			modify: func(cfg *config.Config) {
				cfg.Mesh.Transport = "carrier-pigeon"
			},
			wantErr: config.ErrInvalidMeshTransport,
		},
		{
			name: "empty ctlsock path",
			modify: func(cfg *config.Config) {
				cfg.CtlSock.Path = ""
			},
			wantErr: config.ErrEmptyCtlSockPath,
		},
		{
			name: "empty metrics addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("PMIND_GATEWAY_POLL_INTERVAL", "45s")
	t.Setenv("PMIND_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Gateway.PollInterval != 45*time.Second {
		t.Errorf("Gateway.PollInterval = %v, want %v (from env)", cfg.Gateway.PollInterval, 45*time.Second)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("PMIND_METRICS_ADDR", ":9200")
	t.Setenv("PMIND_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "plantminderd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
