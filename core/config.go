package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the orchestration core.
// It supports two-layer priority: default values (lowest) and environment
// variables prefixed VIRALFORGE_ (highest). Components receive the parts
// they need rather than the whole struct.
type Config struct {
	// Namespace prefixes every key written to the key-value store and
	// every pub/sub channel, so multiple deployments can share one Redis.
	Namespace string

	// RedisURL is the connection string for the key-value store and
	// pub/sub transport. Empty means components run on in-memory stores.
	RedisURL string

	// Balancer
	HealthCheckInterval    time.Duration
	StaleInstanceThreshold time.Duration

	// Dispatch
	DispatchTimeout    time.Duration
	DispatchRetries    int
	DispatchRetryDelay time.Duration

	// Scheduler
	SchedulerPollInterval time.Duration

	// Logging
	LogLevel LogLevel
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:              "viralforge",
		HealthCheckInterval:    30 * time.Second,
		StaleInstanceThreshold: 90 * time.Second,
		DispatchTimeout:        30 * time.Second,
		DispatchRetries:        3,
		DispatchRetryDelay:     time.Second,
		SchedulerPollInterval:  time.Second,
		LogLevel:               LogInfo,
	}
}

// NewConfig builds a Config from defaults overridden by environment
// variables. It returns an error for values that fail to parse rather
// than silently keeping the default.
func NewConfig() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("VIRALFORGE_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("VIRALFORGE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("VIRALFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	var err error
	if cfg.HealthCheckInterval, err = envDuration("VIRALFORGE_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval); err != nil {
		return nil, err
	}
	if cfg.StaleInstanceThreshold, err = envDuration("VIRALFORGE_STALE_INSTANCE_THRESHOLD", cfg.StaleInstanceThreshold); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = envDuration("VIRALFORGE_DISPATCH_TIMEOUT", cfg.DispatchTimeout); err != nil {
		return nil, err
	}
	if cfg.DispatchRetryDelay, err = envDuration("VIRALFORGE_DISPATCH_RETRY_DELAY", cfg.DispatchRetryDelay); err != nil {
		return nil, err
	}
	if cfg.SchedulerPollInterval, err = envDuration("VIRALFORGE_SCHEDULER_POLL_INTERVAL", cfg.SchedulerPollInterval); err != nil {
		return nil, err
	}
	if cfg.DispatchRetries, err = envInt("VIRALFORGE_DISPATCH_RETRIES", cfg.DispatchRetries); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty: %w", ErrInvalidConfiguration)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.SchedulerPollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive: %w", ErrInvalidConfiguration)
	}
	if c.DispatchRetries < 0 {
		return fmt.Errorf("dispatch retries must not be negative: %w", ErrInvalidConfiguration)
	}
	return nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %v: %w", name, v, err, ErrInvalidConfiguration)
	}
	return d, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %v: %w", name, v, err, ErrInvalidConfiguration)
	}
	return i, nil
}
