package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root issuesync configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source" validate:"required"`
	Target    TargetConfig    `yaml:"target" validate:"required"`
	Sync      SyncConfig      `yaml:"sync"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SourceConfig points at the issue tracker.
type SourceConfig struct {
	BaseURL          string `yaml:"base_url" validate:"required,url"`
	Token            string `yaml:"token"`
	Organization     string `yaml:"organization"`
	SyncPullRequests bool   `yaml:"sync_pull_requests"`
}

// TargetConfig points at the time-tracking system.
type TargetConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Token   string `yaml:"token"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "5m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// SyncConfig tunes the batch sync engine and scheduler.
type SyncConfig struct {
	Repositories     []string `yaml:"repositories" validate:"min=1"`
	Interval         Duration `yaml:"interval"`
	BatchSize        int      `yaml:"batch_size" validate:"gte=0"`
	MaxRetries       int      `yaml:"max_retries" validate:"gte=0,lte=10"`
	ConflictStrategy string   `yaml:"conflict_strategy" validate:"omitempty,oneof=source_wins target_wins merge manual"`
	FailureThreshold float64  `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	Workers          int      `yaml:"workers" validate:"gte=0,lte=64"`
	DryRun           bool     `yaml:"dry_run"`
}

// WebhookConfig tunes the live update path.
type WebhookConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Secret        string `yaml:"secret"`
	Workers       int    `yaml:"workers" validate:"gte=0,lte=64"`
	RedisURL      string `yaml:"redis_url"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig tunes the shared API rate limiter.
type RateLimitConfig struct {
	MaxRequests int      `yaml:"max_requests" validate:"gte=0"`
	Window      Duration `yaml:"window"`
}

// TelemetryConfig tunes observability.
type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat      string  `yaml:"log_format" validate:"omitempty,oneof=console json"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:         Duration(5 * time.Minute),
			BatchSize:        100,
			MaxRetries:       3,
			ConflictStrategy: "source_wins",
			FailureThreshold: 0.5,
			Workers:          10,
		},
		Webhook: WebhookConfig{
			Enabled:       true,
			ListenAddress: ":8090",
			Workers:       5,
			RedisURL:      "redis://localhost:6379",
		},
		Store: StoreConfig{
			Path: "issuesync.db",
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      Duration(time.Minute),
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "console",
			MetricsEnabled: true,
			TraceExporter:  "stdout",
			SamplingRate:   1.0,
		},
	}
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields the file set to zero values.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = d.Sync.Interval
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = d.Sync.BatchSize
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = d.Sync.MaxRetries
	}
	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = d.Sync.ConflictStrategy
	}
	if c.Sync.FailureThreshold == 0 {
		c.Sync.FailureThreshold = d.Sync.FailureThreshold
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = d.Sync.Workers
	}
	if c.Webhook.ListenAddress == "" {
		c.Webhook.ListenAddress = d.Webhook.ListenAddress
	}
	if c.Webhook.Workers == 0 {
		c.Webhook.Workers = d.Webhook.Workers
	}
	if c.Webhook.RedisURL == "" {
		c.Webhook.RedisURL = d.Webhook.RedisURL
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = d.RateLimit.MaxRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = d.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = d.Telemetry.LogFormat
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = d.Telemetry.TraceExporter
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = d.Telemetry.SamplingRate
	}
}
