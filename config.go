package gapline

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	// Server holds the wire listener settings.
	Server ServerConfig `yaml:"server"`

	// Storage holds data directory and WAL settings.
	Storage StorageConfig `yaml:"storage"`

	// Engine bounds every tenant engine.
	Engine EngineConfig `yaml:"engine"`

	// Holds configures the expired-hold sweeper.
	Holds HoldsConfig `yaml:"holds"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Streaming configures the websocket change feed.
	Streaming StreamingConfig `yaml:"streaming"`

	// Archive configures WAL segment archival to S3.
	// If nil or Enabled is false, nothing is archived.
	Archive *ArchiveConfig `yaml:"archive"`

	// LogLevel is debug, info, warn, or error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig groups wire listener settings.
type ServerConfig struct {
	// Bind is the listen address. Default: 127.0.0.1.
	Bind string `yaml:"bind"`

	// Port is the listen port. Default: 5433.
	Port int `yaml:"port"`

	// Password is required from every client at startup.
	// Default: "gapline".
	Password string `yaml:"password"`
}

// StorageConfig groups data directory and WAL settings.
type StorageConfig struct {
	// DataDir is the root directory; each tenant gets one subdirectory.
	// Default: ./data.
	DataDir string `yaml:"data_dir"`

	// CompactThreshold is the WAL record count that triggers compaction.
	// Default: 10000.
	CompactThreshold uint64 `yaml:"compact_threshold"`

	// CompactInterval is how often the record count is checked.
	// Default: 1 minute.
	CompactInterval time.Duration `yaml:"compact_interval"`
}

// EngineConfig groups per-tenant engine bounds.
type EngineConfig struct {
	// MaxTenants caps hosted engines. Default: 1024.
	MaxTenants int `yaml:"max_tenants"`

	// MaxResources caps resources per tenant. Default: 100000.
	MaxResources int `yaml:"max_resources"`

	// MaxIntervalsPerResource caps placed segments per resource.
	// Default: 100000.
	MaxIntervalsPerResource int `yaml:"max_intervals_per_resource"`

	// MaxRulesPerResource caps rules per resource. Default: 10000.
	MaxRulesPerResource int `yaml:"max_rules_per_resource"`

	// MaxBatchSize caps bookings per batch. Default: 1000.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxDepth caps the resource forest depth. Default: 32.
	MaxDepth int `yaml:"max_depth"`
}

// HoldsConfig groups expired-hold sweep settings.
type HoldsConfig struct {
	// ReapInterval is how often expired holds are swept. Default: 5 seconds.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// MetricsConfig groups Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled serves /metrics over HTTP. Default: false.
	Enabled bool `yaml:"enabled"`

	// Port is the metrics listen port. Default: 9090.
	Port int `yaml:"port"`
}

// StreamingConfig groups websocket feed settings.
type StreamingConfig struct {
	// Enabled serves /stream over HTTP. Default: false.
	Enabled bool `yaml:"enabled"`

	// Port is the streaming listen port. Default: 8089.
	Port int `yaml:"port"`
}

// ArchiveConfig configures WAL archival to an S3 bucket.
type ArchiveConfig struct {
	// Enabled turns on archival.
	Enabled bool `yaml:"enabled"`

	// Bucket is the target S3 bucket. Required when Enabled.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// Region is the bucket's region.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`

	// Interval is how often open WALs are archived. Default: 15 minutes.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Bind:     "127.0.0.1",
			Port:     5433,
			Password: "gapline",
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			CompactThreshold: DefaultCompactThreshold,
			CompactInterval:  DefaultCompactInterval,
		},
		Engine: EngineConfig{
			MaxTenants:              DefaultMaxTenants,
			MaxResources:            100000,
			MaxIntervalsPerResource: 100000,
			MaxRulesPerResource:     10000,
			MaxBatchSize:            1000,
			MaxDepth:                32,
		},
		Holds: HoldsConfig{
			ReapInterval: DefaultReapInterval,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Streaming: StreamingConfig{
			Enabled: false,
			Port:    8089,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays GAPLINE_* environment variables on the configuration.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("GAPLINE_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("GAPLINE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAPLINE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("GAPLINE_PASSWORD"); v != "" {
		c.Server.Password = v
	}
	if v := os.Getenv("GAPLINE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("GAPLINE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GAPLINE_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAPLINE_METRICS_PORT: %w", err)
		}
		c.Metrics.Enabled = true
		c.Metrics.Port = port
	}
	if v := os.Getenv("GAPLINE_STREAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAPLINE_STREAM_PORT: %w", err)
		}
		c.Streaming.Enabled = true
		c.Streaming.Port = port
	}
	return nil
}

// Limits converts the engine bounds into the engine's Limits.
func (c EngineConfig) Limits() Limits {
	return Limits{
		MaxResources:            c.MaxResources,
		MaxIntervalsPerResource: c.MaxIntervalsPerResource,
		MaxRulesPerResource:     c.MaxRulesPerResource,
		MaxBatchSize:            c.MaxBatchSize,
		MaxDepth:                c.MaxDepth,
	}
}
