package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Retention policies.
const (
	RetentionDurable = "durable"
	RetentionMemory  = "memory"
)

// BusConfig holds the pub/sub broker settings.
type BusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Config is the server configuration. Values come from defaults, then an
// optional YAML file, then environment variables, strongest last.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// APIToken guards the dashboard API. Empty disables the check.
	APIToken string `yaml:"api_token"`

	// AuthKey is the shared secret pull-transport vehicles present.
	AuthKey string `yaml:"auth_key"`

	DataDir        string `yaml:"data_dir"`
	TestDataDir    string `yaml:"test_data_dir"`
	FlushThreshold int    `yaml:"flush_threshold"`

	Retention    string `yaml:"retention"`
	RingCapacity int    `yaml:"ring_capacity"`

	WindowSpanMS int `yaml:"window_span_ms"`
	FreshnessMS  int `yaml:"freshness_ms"`

	DefaultSource  string    `yaml:"default_source"`
	PullQueueDepth int       `yaml:"pull_queue_depth"`
	Bus            BusConfig `yaml:"bus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:     ":3000",
		LogLevel:       "info",
		DataDir:        "telemetry_data",
		TestDataDir:    "test_data",
		FlushThreshold: 1,
		Retention:      RetentionDurable,
		RingCapacity:   10000,
		WindowSpanMS:   15000,
		FreshnessMS:    5000,
		DefaultSource:  "pull",
		PullQueueDepth: 256,
		Bus: BusConfig{
			Addr:    "localhost:6379",
			Channel: "telemetry",
		},
	}
}

// Load builds the configuration from the optional YAML file at path and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("TELEMETRY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("TELEMETRY_LOG_LEVEL", cfg.LogLevel)
	cfg.APIToken = getEnv("TELEMETRY_API_TOKEN", cfg.APIToken)
	cfg.AuthKey = getEnv("TELEMETRY_AUTH_KEY", cfg.AuthKey)
	cfg.DataDir = getEnv("TELEMETRY_DATA_DIR", cfg.DataDir)
	cfg.TestDataDir = getEnv("TELEMETRY_TEST_DATA_DIR", cfg.TestDataDir)
	cfg.FlushThreshold = getEnvInt("TELEMETRY_FLUSH_THRESHOLD", cfg.FlushThreshold)
	cfg.Retention = getEnv("TELEMETRY_RETENTION", cfg.Retention)
	cfg.RingCapacity = getEnvInt("TELEMETRY_RING_CAPACITY", cfg.RingCapacity)
	cfg.DefaultSource = getEnv("TELEMETRY_DEFAULT_SOURCE", cfg.DefaultSource)
	cfg.Bus.Addr = getEnv("TELEMETRY_BUS_ADDR", cfg.Bus.Addr)
	cfg.Bus.Password = getEnv("TELEMETRY_BUS_PASSWORD", cfg.Bus.Password)
	cfg.Bus.DB = getEnvInt("TELEMETRY_BUS_DB", cfg.Bus.DB)
	cfg.Bus.Channel = getEnv("TELEMETRY_BUS_CHANNEL", cfg.Bus.Channel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Retention != RetentionDurable && c.Retention != RetentionMemory {
		return fmt.Errorf("invalid retention %q (want %q or %q)", c.Retention, RetentionDurable, RetentionMemory)
	}
	if c.DefaultSource != "bus" && c.DefaultSource != "pull" {
		return fmt.Errorf("invalid default_source %q (want \"bus\" or \"pull\")", c.DefaultSource)
	}
	if c.WindowSpanMS <= 0 || c.FreshnessMS <= 0 {
		return fmt.Errorf("window_span_ms and freshness_ms must be positive")
	}
	return nil
}

// WindowSpan returns the sliding window span.
func (c *Config) WindowSpan() time.Duration {
	return time.Duration(c.WindowSpanMS) * time.Millisecond
}

// Freshness returns the staleness threshold.
func (c *Config) Freshness() time.Duration {
	return time.Duration(c.FreshnessMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
