// Package config loads the gateway's process configuration from a YAML
// file with environment-variable overrides, in the style of the
// teacher's pkg/core/config package (struct tags, layered defaults, an
// explicit Validate step before anything starts).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full process configuration.
type Config struct {
	// ListenAddr is the HTTP surface's bind address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// RegistryPath is the path to the device registry JSON file (phones.json).
	RegistryPath string `yaml:"registry_path"`

	// APIKey, when non-empty, gates /ask*, /warmup, and /jobs* behind a
	// shared-secret header (spec §6).
	APIKey string `yaml:"api_key"`

	Health     HealthConfig     `yaml:"health"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Cache      CacheConfig      `yaml:"cache"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	JobQueue   JobQueueConfig   `yaml:"job_queue"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HealthConfig configures the HealthProber.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BreakerConfig configures the per-device circuit breaker thresholds.
type BreakerConfig struct {
	FailThreshold int           `yaml:"fail_threshold"`
	OpenFor       time.Duration `yaml:"open_for"`
}

// CacheConfig configures the ResponseCache.
type CacheConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

// DispatchConfig configures the Dispatcher's HTTP behavior.
type DispatchConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
}

// JobQueueConfig configures the JobQueue's worker pool.
type JobQueueConfig struct {
	Workers int `yaml:"workers"`
}

// RateLimitConfig configures the optional global token-bucket limiter
// ahead of the guarded routes (/warmup, /ask*, /jobs*).
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
}

// Default returns the gateway's default configuration, matching the
// constants named in spec.md (CB_FAIL_THRESHOLD=3, CB_OPEN_SECONDS=30,
// health interval 10s, probe timeout ≤5s, LRU capacity 128).
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		RegistryPath: "phones.json",
		Health: HealthConfig{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailThreshold: 3,
			OpenFor:       30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 128,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			BaseBackoff:    500 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			StreamTimeout:  0, // no total timeout for streaming reads, per spec §5
		},
		JobQueue: JobQueueConfig{
			Workers: 4,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads a YAML config file at path (if it exists) over the
// defaults, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("GATEWAY_JOB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobQueue.Workers = n
		}
	}
}

// Validate rejects a configuration that would make startup unsafe
// (spec §7: configuration error is fatal at startup).
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("config: registry_path must not be empty")
	}
	if c.Breaker.FailThreshold < 1 {
		return fmt.Errorf("config: breaker.fail_threshold must be >= 1")
	}
	if c.JobQueue.Workers < 1 {
		return fmt.Errorf("config: job_queue.workers must be >= 1")
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("config: cache.capacity must be >= 1")
	}
	return nil
}
