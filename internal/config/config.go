// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Stream    StreamConfig    `mapstructure:"stream"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MonitorConfig governs the crawler lifecycle manager.
type MonitorConfig struct {
	DataDir               string `mapstructure:"data_dir"`
	CredentialsFile       string `mapstructure:"credentials_file"`
	StatusIntervalSeconds int    `mapstructure:"status_interval_seconds"`
}

// StreamConfig configures the streaming transport and reconnect behavior.
type StreamConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	BackoffBaseMs      int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
	ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds"`
}

// RateLimitConfig paces rule-set mutations against the remote API.
type RateLimitConfig struct {
	RulesPerSecond float64 `mapstructure:"rules_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// PublisherConfig selects the downstream event publisher.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig sizes the event hub.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREAMWATCH")
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
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("monitor.data_dir", "./data")
	v.SetDefault("monitor.credentials_file", "./credentials.jsonl")
	v.SetDefault("monitor.status_interval_seconds", 10)
	v.SetDefault("stream.base_url", "https://api.twitter.com")
	v.SetDefault("stream.backoff_base_ms", 1000)
	v.SetDefault("stream.backoff_max_ms", 120000)
	v.SetDefault("stream.read_timeout_seconds", 30)
	v.SetDefault("ratelimit.rules_per_second", 1.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "streamwatch-events")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be > 0")
	}
	if c.Monitor.DataDir == "" {
		return fmt.Errorf("monitor.data_dir must be set")
	}
	if c.Monitor.CredentialsFile == "" {
		return fmt.Errorf("monitor.credentials_file must be set")
	}
	if c.Monitor.StatusIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.status_interval_seconds must be > 0")
	}
	if c.Stream.BaseURL == "" {
		return fmt.Errorf("stream.base_url must be set")
	}
	if c.Stream.BackoffBaseMs <= 0 {
		return fmt.Errorf("stream.backoff_base_ms must be > 0")
	}
	if c.Stream.BackoffMaxMs < c.Stream.BackoffBaseMs {
		return fmt.Errorf("stream.backoff_max_ms must be >= stream.backoff_base_ms")
	}
	if c.Stream.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("stream.read_timeout_seconds must be > 0")
	}
	if c.RateLimit.RulesPerSecond <= 0 {
		return fmt.Errorf("ratelimit.rules_per_second must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.burst must be > 0")
	}
	switch c.Publisher.Backend {
	case "memory", "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when backend is pubsub")
		}
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic must be set when backend is pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend must be one of memory, pubsub, none")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be > 0")
	}
	return nil
}

// StatusInterval converts the configured cadence into a duration.
func (c Config) StatusInterval() time.Duration {
	return time.Duration(c.Monitor.StatusIntervalSeconds) * time.Second
}

// BackoffBase returns the initial reconnect delay.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Stream.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Stream.BackoffMaxMs) * time.Millisecond
}

// ReadTimeout returns the stream read deadline.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSeconds) * time.Second
}

// ServerTimeout returns the ops API request budget.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
