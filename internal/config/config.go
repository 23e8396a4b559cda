// Package config loads pumpd configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pumpsync/pumpsync/internal/database"
)

// DevelopmentSigningKey is accepted only when the environment is development.
const DevelopmentSigningKey = "local-dev-signing-key-change-in-production"

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Devices    []DeviceConfig   `yaml:"devices"`
	Pump       PumpConfig       `yaml:"pump"`
	NATS       NATSConfig       `yaml:"nats"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Control    ControlConfig    `yaml:"control"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Interlocks InterlocksConfig `yaml:"interlocks"`
	Auth       AuthConfig       `yaml:"auth"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	Environment     string        `yaml:"environment"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CommandRateLimit is the number of command requests allowed per minute
	// per operator.
	CommandRateLimit int `yaml:"command_rate_limit"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig describes one managed pump.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Timezone string `yaml:"timezone"`

	// IdleListening is true when the transport receives sentry broadcasts
	// and false when it must actively poll.
	IdleListening bool `yaml:"idle_listening"`
}

// Location loads the device timezone.
func (d DeviceConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("device %s: timezone %q: %w", d.ID, d.Timezone, err)
	}
	return loc, nil
}

// PumpConfig tunes the bolus and recovery policies.
type PumpConfig struct {
	BolusFreshness time.Duration `yaml:"bolus_freshness"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
	TuneCooldown   time.Duration `yaml:"tune_cooldown"`
	LedgerRetries  uint64        `yaml:"ledger_retries"`
	LedgerTimeout  time.Duration `yaml:"ledger_timeout"`
}

// NATSConfig configures the radio bridge connection.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Name              string        `yaml:"name"`
	Prefix            string        `yaml:"prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	TuneTimeout       time.Duration `yaml:"tune_timeout"`
}

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
)

// LedgerConfig selects the dose ledger backend.
type LedgerConfig struct {
	Backend  string          `yaml:"backend"`
	Database database.Config `yaml:"database"`
}

// AlertsConfig configures advisory delivery.
type AlertsConfig struct {
	PubSub PubSubTopicConfig `yaml:"pubsub"`
}

// PubSubTopicConfig configures the advisory topic.
type PubSubTopicConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// ControlConfig configures the Pub/Sub control subscription.
type ControlConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ProjectID    string `yaml:"project_id"`
	Subscription string `yaml:"subscription"`
}

// HeartbeatConfig configures the heartbeat job.
type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// InterlocksConfig configures the command interlock flags. They are stored
// in the ledger backend.
type InterlocksConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AuthConfig configures operator token validation.
type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:             "8080",
			Environment:      "development",
			ShutdownTimeout:  30 * time.Second,
			CommandRateLimit: 10,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Pump: PumpConfig{
			BolusFreshness: 6 * time.Minute,
			ClockSkew:      time.Minute,
			TuneCooldown:   14 * time.Minute,
			LedgerRetries:  3,
			LedgerTimeout:  30 * time.Second,
		},
		NATS: NATSConfig{
			URL:               "nats://localhost:4222",
			Name:              "pumpd",
			Prefix:            "pump",
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
			RequestTimeout:    5 * time.Second,
			TuneTimeout:       30 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:  LedgerMemory,
			Database: database.DefaultConfig(),
		},
		Heartbeat: HeartbeatConfig{
			Interval:    time.Minute,
			Concurrency: 3,
			Timeout:     10 * time.Second,
		},
		Interlocks: InterlocksConfig{CacheTTL: 30 * time.Second},
		Auth: AuthConfig{
			Issuer:   "pumpsync",
			Audience: "pumpsync-operators",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRatio:  1,
		},
	}
}

// Load reads filename over the defaults, applies environment overrides and
// validates the result. An empty filename skips the file.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnvOrDefault("PUMPSYNC_PORT", c.Server.Port)
	c.Server.Environment = getEnvOrDefault("PUMPSYNC_ENV", c.Server.Environment)
	c.Log.Level = getEnvOrDefault("PUMPSYNC_LOG_LEVEL", c.Log.Level)
	c.NATS.URL = getEnvOrDefault("PUMPSYNC_NATS_URL", c.NATS.URL)
	c.Ledger.Backend = getEnvOrDefault("PUMPSYNC_LEDGER", c.Ledger.Backend)
	c.Ledger.Database.URL = getEnvOrDefault("PUMPSYNC_DATABASE_URL", c.Ledger.Database.URL)
	c.Auth.SigningKey = getEnvOrDefault("PUMPSYNC_JWT_SIGNING_KEY", c.Auth.SigningKey)
	c.Alerts.PubSub.ProjectID = getEnvOrDefault("PUMPSYNC_PUBSUB_PROJECT", c.Alerts.PubSub.ProjectID)
	c.Control.ProjectID = getEnvOrDefault("PUMPSYNC_PUBSUB_PROJECT", c.Control.ProjectID)
	c.Telemetry.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)

	if enabled, err := strconv.ParseBool(os.Getenv("OTEL_ENABLED")); err == nil {
		c.Telemetry.Enabled = enabled
	}

	// A single device can be configured entirely from the environment.
	if id := os.Getenv("PUMPSYNC_DEVICE_ID"); id != "" && len(c.Devices) == 0 {
		idle, _ := strconv.ParseBool(getEnvOrDefault("PUMPSYNC_IDLE_LISTENING", "true"))
		c.Devices = append(c.Devices, DeviceConfig{
			ID:            id,
			Timezone:      getEnvOrDefault("PUMPSYNC_TIMEZONE", "UTC"),
			IdleListening: idle,
		})
	}

	if c.Server.Environment == "development" && c.Auth.SigningKey == "" {
		c.Auth.SigningKey = DevelopmentSigningKey
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("at least one device is required"))
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, errors.New("device id is required"))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("device %s: duplicate id", d.ID))
		}
		seen[d.ID] = true
		if d.Timezone == "" {
			errs = append(errs, fmt.Errorf("device %s: timezone is required", d.ID))
		} else if _, err := d.Location(); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Ledger.Backend {
	case LedgerMemory, LedgerPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}

	if c.Alerts.PubSub.Enabled && (c.Alerts.PubSub.ProjectID == "" || c.Alerts.PubSub.TopicID == "") {
		errs = append(errs, errors.New("alerts.pubsub requires project_id and topic_id"))
	}
	if c.Control.Enabled && (c.Control.ProjectID == "" || c.Control.Subscription == "") {
		errs = append(errs, errors.New("control requires project_id and subscription"))
	}

	if c.Auth.SigningKey == "" {
		errs = append(errs, errors.New("auth.signing_key is required outside development"))
	} else if c.Auth.SigningKey == DevelopmentSigningKey && c.Server.Environment != "development" {
		errs = append(errs, errors.New("development signing key used outside development"))
	}

	if c.Pump.BolusFreshness <= 0 {
		errs = append(errs, errors.New("pump.bolus_freshness must be positive"))
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
