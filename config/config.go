// Package config loads and validates the application configuration.
// Configuration comes from an optional JSON file with environment
// variable overrides layered on top; every field has a working default
// so a bare binary starts against a local NATS server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/c360/fleetlink/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "FLEETLINK"

// Duration is a time.Duration that unmarshals from either a duration
// string such as "45s" or a bare number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Config is the complete application configuration.
type Config struct {
	Platform PlatformConfig `json:"platform"`
	NATS     NATSConfig     `json:"nats"`
	Subjects SubjectsConfig `json:"subjects"`
	Command  CommandConfig  `json:"command"`
	Liveness LivenessConfig `json:"liveness"`
	Alert    AlertConfig    `json:"alert"`
	Metrics  MetricsConfig  `json:"metrics"`
	Workers  WorkerConfig   `json:"workers"`
}

// PlatformConfig identifies this deployment.
type PlatformConfig struct {
	ID          string `json:"id"`
	Environment string `json:"environment,omitempty"`
}

// NATSConfig defines the transport connection.
type NATSConfig struct {
	URL           string   `json:"url"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	ConnectWait   Duration `json:"connect_wait"`
	DrainTimeout  Duration `json:"drain_timeout"`
}

// SubjectsConfig defines the subject layout for fleet traffic.
type SubjectsConfig struct {
	CommandPrefix string `json:"command_prefix"` // outbound, per device
	Response      string `json:"response"`       // inbound acknowledgments
	Telemetry     string `json:"telemetry"`      // inbound readings
	EventPrefix   string `json:"event_prefix"`   // outbound domain events
	AuditStream   string `json:"audit_stream"`   // empty disables the audit stream
}

// CommandConfig tunes the command protocol.
type CommandConfig struct {
	DefaultTimeout Duration `json:"default_timeout"`
	HistorySize    int      `json:"history_size"`
}

// LivenessConfig tunes the liveness state machine.
type LivenessConfig struct {
	WarningThreshold Duration `json:"warning_threshold"`
	OfflineThreshold Duration `json:"offline_threshold"`
	SweepInterval    Duration `json:"sweep_interval"`
}

// AlertConfig tunes the threshold evaluator.
type AlertConfig struct {
	Cooldown Duration `json:"cooldown"`
}

// MetricsConfig defines the observability endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WorkerConfig sizes the inbound message pool.
type WorkerConfig struct {
	Count     int `json:"count"`
	QueueSize int `json:"queue_size"`
}

// DefaultConfig returns a configuration that runs against a local NATS
// server with the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		Platform: PlatformConfig{
			ID:          "fleetlink",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			ConnectWait:   Duration(5 * time.Second),
			DrainTimeout:  Duration(30 * time.Second),
		},
		Subjects: SubjectsConfig{
			CommandPrefix: "fleet.cmd.",
			Response:      "fleet.response",
			Telemetry:     "fleet.telemetry",
			EventPrefix:   "fleet.events.",
			AuditStream:   "FLEET_EVENTS",
		},
		Command: CommandConfig{
			DefaultTimeout: Duration(30 * time.Second),
			HistorySize:    100,
		},
		Liveness: LivenessConfig{
			WarningThreshold: Duration(3 * time.Minute),
			OfflineThreshold: Duration(5 * time.Minute),
			SweepInterval:    Duration(2 * time.Minute),
		},
		Alert: AlertConfig{
			Cooldown: Duration(5 * time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Workers: WorkerConfig{
			Count:     4,
			QueueSize: 256,
		},
	}
}

// Load reads path (if non-empty), layers environment overrides on top
// of the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_PLATFORM_ID"); val != "" {
		cfg.Platform.ID = val
	}
	if val := os.Getenv(EnvPrefix + "_ENVIRONMENT"); val != "" {
		cfg.Platform.Environment = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = n
		}
	}
	if val := os.Getenv(EnvPrefix + "_COMMAND_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Command.DefaultTimeout = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Workers.Count = n
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return invalid("platform.id is required")
	}
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}

	if c.Subjects.CommandPrefix == "" || !strings.HasSuffix(c.Subjects.CommandPrefix, ".") {
		return invalid("subjects.command_prefix must end with '.'")
	}
	if c.Subjects.EventPrefix == "" || !strings.HasSuffix(c.Subjects.EventPrefix, ".") {
		return invalid("subjects.event_prefix must end with '.'")
	}
	for _, subject := range []string{c.Subjects.Response, c.Subjects.Telemetry} {
		if !isValidSubject(subject) {
			return invalid(fmt.Sprintf("subject %q is not valid", subject))
		}
	}

	if c.Command.DefaultTimeout <= 0 {
		return invalid("command.default_timeout must be positive")
	}
	if c.Command.HistorySize <= 0 {
		return invalid("command.history_size must be positive")
	}

	if c.Liveness.WarningThreshold <= 0 || c.Liveness.OfflineThreshold <= 0 || c.Liveness.SweepInterval <= 0 {
		return invalid("liveness thresholds must be positive")
	}
	if c.Liveness.WarningThreshold >= c.Liveness.OfflineThreshold {
		return invalid("liveness.warning_threshold must be below liveness.offline_threshold")
	}

	if c.Alert.Cooldown <= 0 {
		return invalid("alert.cooldown must be positive")
	}

	if c.Workers.Count <= 0 {
		return invalid("workers.count must be positive")
	}
	if c.Workers.QueueSize <= 0 {
		return invalid("workers.queue_size must be positive")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port must be a valid port when metrics are enabled")
	}

	return nil
}

func invalid(reason string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", reason)
}

// isValidSubject checks that a string is usable as a literal NATS
// subject: dot-separated alphanumeric tokens, no wildcards.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return false
		}
		for _, r := range token {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

// String returns the configuration as indented JSON for startup logging.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
