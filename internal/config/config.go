package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kumobridge/internal/units"
)

// Config represents the application configuration
type Config struct {
	Cloud           CloudConfig       `yaml:"cloud"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Reconciler      ReconcilerConfig  `yaml:"reconciler"`
	Directory       DirectoryConfig   `yaml:"directory"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	DisplayUnit     string            `yaml:"display_unit"`     // celsius or fahrenheit
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// CloudConfig contains vendor cloud account and connection settings
type CloudConfig struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	BaseURL     string   `yaml:"base_url"`     // Override for testing; empty uses the production endpoint
	AppVersion  string   `yaml:"app_version"`  // Value sent in the x-app-version header
	Timeout     Duration `yaml:"timeout"`      // Overall HTTP timeout per request
	RateLimit   float64  `yaml:"rate_limit"`   // Requests per second toward the cloud (default: 0.5)
	TokenMargin Duration `yaml:"token_margin"` // Refresh access tokens this long before expiry
}

// MQTTConfig contains broker connection settings for the entity surface
type MQTTConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	TLS             bool   `yaml:"tls"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
}

// ReconcilerConfig contains device reconciliation settings
type ReconcilerConfig struct {
	PollInterval Duration `yaml:"poll_interval"` // Per-device state poll interval
	MaxAttempts  int      `yaml:"max_attempts"`  // Command dispatch attempts before giving up
	BackoffBase  Duration `yaml:"backoff_base"`  // First retry delay, doubled per attempt
	BackoffMax   Duration `yaml:"backoff_max"`   // Retry delay ceiling
}

// DirectoryConfig contains site/zone topology refresh settings
type DirectoryConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Unit returns the configured display unit.
func (c *Config) Unit() units.Unit {
	return units.Unit(c.DisplayUnit)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Cloud.Username == "" || cfg.Cloud.Password == "" {
		return nil, fmt.Errorf("cloud.username and cloud.password are required")
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./kumobridge.sqlite"
	}

	// Cloud defaults
	if cfg.Cloud.Timeout == 0 {
		cfg.Cloud.Timeout = Duration(45 * time.Second)
	}
	if cfg.Cloud.RateLimit == 0 {
		cfg.Cloud.RateLimit = 0.5
	}
	if cfg.Cloud.TokenMargin == 0 {
		cfg.Cloud.TokenMargin = Duration(5 * time.Minute)
	}

	// MQTT defaults
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "kumobridge"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}

	// Reconciler defaults
	if cfg.Reconciler.PollInterval == 0 {
		cfg.Reconciler.PollInterval = Duration(60 * time.Second)
	}
	if cfg.Reconciler.MaxAttempts == 0 {
		cfg.Reconciler.MaxAttempts = 3
	}
	if cfg.Reconciler.BackoffBase == 0 {
		cfg.Reconciler.BackoffBase = Duration(2 * time.Second)
	}
	if cfg.Reconciler.BackoffMax == 0 {
		cfg.Reconciler.BackoffMax = Duration(30 * time.Second)
	}

	// Directory defaults
	if cfg.Directory.RefreshInterval == 0 {
		cfg.Directory.RefreshInterval = Duration(15 * time.Minute)
	}

	// Display unit defaults to canonical Celsius
	if cfg.DisplayUnit == "" {
		cfg.DisplayUnit = string(units.Celsius)
	}
	if !cfg.Unit().Valid() {
		return nil, fmt.Errorf("invalid display_unit %q", cfg.DisplayUnit)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
