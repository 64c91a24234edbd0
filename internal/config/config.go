// Package config manages plant-minder gateway daemon configuration using
// koanf/v2.
//
// Supports YAML files and environment variables, in the layering order
// defaults -> file -> env, the same pattern the teacher's gobfd daemon
// uses. Command-line flags are not read by this package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete plant-minder gateway configuration.
type Config struct {
	Gateway GatewayConfig `koanf:"gateway"`
	Mesh    MeshConfig    `koanf:"mesh"`
	CtlSock CtlSockConfig `koanf:"ctlsock"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// GatewayConfig holds the Event Router / Broker / Port Pool knobs named in
// spec §6's "Configuration keys".
type GatewayConfig struct {
	// PollInterval is the Event Router's poll-loop period (spec §4.6, §6).
	PollInterval time.Duration `koanf:"poll_interval"`

	// BrokerTickRate is the Broker's internal maintenance tick (spec §6:
	// broker_tick_rate_ms).
	BrokerTickRate time.Duration `koanf:"broker_tick_rate_ms"`

	// PortPoolBase is the first port in the Node Session port range (spec
	// §3, default 1213).
	PortPoolBase uint16 `koanf:"port_pool_base"`

	// PortPoolSize is the number of ports in the Node Session port range
	// (spec §3, default 100 -> [1213, 1313)).
	PortPoolSize int `koanf:"port_pool_size"`

	// SessionSilenceTimeout is the Node Session's silence-detection timeout
	// (spec §4.5, §6: session_silence_timeout_s, default 100s).
	SessionSilenceTimeout time.Duration `koanf:"session_silence_timeout_s"`
}

// MeshConfig selects and configures the Mesh Client transport (spec §4.1,
// §6: "implementation may use a CLI wrapper or DBus").
type MeshConfig struct {
	// Transport selects the Mesh Client implementation: "dbus" or "cli".
	Transport string `koanf:"transport"`

	// Interface is the Thread network interface name (e.g. "wpan0"),
	// passed to the DBus transport's Border Router object path.
	Interface string `koanf:"interface"`

	// CLIBin is the ot-ctl-compatible executable invoked by the CLI
	// transport.
	CLIBin string `koanf:"cli_bin"`
}

// CtlSockConfig configures the Unix-domain control-socket the daemon serves
// plantminderctl requests on.
type CtlSockConfig struct {
	// Path is the filesystem path of the control-socket.
	Path string `koanf:"path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults named
// throughout spec §3-§6.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			PollInterval:          15 * time.Second,
			BrokerTickRate:        1 * time.Second,
			PortPoolBase:          1213,
			PortPoolSize:          100,
			SessionSilenceTimeout: 100 * time.Second,
		},
		Mesh: MeshConfig{
			Transport: "dbus",
			Interface: "wpan0",
			CLIBin:    "ot-ctl",
		},
		CtlSock: CtlSockConfig{
			Path: "/run/plant-minder/plantminderd.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for plant-minder
// configuration. Variables are named PMIND_<section>_<key>, e.g.
// PMIND_GATEWAY_POLL_INTERVAL.
const envPrefix = "PMIND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PMIND_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	PMIND_GATEWAY_POLL_INTERVAL   -> gateway.poll_interval
//	PMIND_MESH_TRANSPORT          -> mesh.transport
//	PMIND_CTLSOCK_PATH            -> ctlsock.path
//	PMIND_METRICS_ADDR            -> metrics.addr
//	PMIND_LOG_LEVEL               -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PMIND_GATEWAY_POLL_INTERVAL -> gateway.poll_interval.
// Strips the PMIND_ prefix, lowercases, and replaces the first _ with . —
// every key past the section name keeps its underscores (koanf keys like
// "gateway.port_pool_base" contain them).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"gateway.poll_interval":             defaults.Gateway.PollInterval.String(),
		"gateway.broker_tick_rate_ms":       defaults.Gateway.BrokerTickRate.String(),
		"gateway.port_pool_base":            defaults.Gateway.PortPoolBase,
		"gateway.port_pool_size":            defaults.Gateway.PortPoolSize,
		"gateway.session_silence_timeout_s": defaults.Gateway.SessionSilenceTimeout.String(),
		"mesh.transport":                    defaults.Mesh.Transport,
		"mesh.interface":                    defaults.Mesh.Interface,
		"mesh.cli_bin":                      defaults.Mesh.CLIBin,
		"ctlsock.path":                      defaults.CtlSock.Path,
		"metrics.addr":                      defaults.Metrics.Addr,
		"metrics.path":                      defaults.Metrics.Path,
		"log.level":                         defaults.Log.Level,
		"log.format":                        defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPollInterval indicates the poll interval is not positive.
	ErrInvalidPollInterval = errors.New("gateway.poll_interval must be > 0")

	// ErrInvalidBrokerTickRate indicates the broker tick rate is not positive.
	ErrInvalidBrokerTickRate = errors.New("gateway.broker_tick_rate_ms must be > 0")

	// ErrInvalidPortPoolSize indicates the port pool size is not positive.
	ErrInvalidPortPoolSize = errors.New("gateway.port_pool_size must be > 0")

	// ErrPortPoolRangeOverflow indicates base+size overflows a uint16 range.
	ErrPortPoolRangeOverflow = errors.New("gateway.port_pool_base + port_pool_size exceeds 65535")

	// ErrInvalidSilenceTimeout indicates the session silence timeout is not
	// positive.
	ErrInvalidSilenceTimeout = errors.New("gateway.session_silence_timeout_s must be > 0")

	// ErrInvalidMeshTransport indicates an unrecognized mesh.transport value.
	ErrInvalidMeshTransport = errors.New("mesh.transport must be dbus or cli")

	// ErrEmptyCtlSockPath indicates the control-socket path is empty.
	ErrEmptyCtlSockPath = errors.New("ctlsock.path must not be empty")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// ValidMeshTransports lists the recognized mesh.transport strings.
var ValidMeshTransports = map[string]bool{
	"dbus": true,
	"cli":  true,
}

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Gateway.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.Gateway.BrokerTickRate <= 0 {
		return ErrInvalidBrokerTickRate
	}
	if cfg.Gateway.PortPoolSize <= 0 {
		return ErrInvalidPortPoolSize
	}
	if int(cfg.Gateway.PortPoolBase)+cfg.Gateway.PortPoolSize > 1<<16 {
		return ErrPortPoolRangeOverflow
	}
	if cfg.Gateway.SessionSilenceTimeout <= 0 {
		return ErrInvalidSilenceTimeout
	}
	if !ValidMeshTransports[cfg.Mesh.Transport] {
		return fmt.Errorf("mesh.transport %q: %w", cfg.Mesh.Transport, ErrInvalidMeshTransport)
	}
	if cfg.CtlSock.Path == "" {
		return ErrEmptyCtlSockPath
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
