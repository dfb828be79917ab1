package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config holds all notemill configuration
type Config struct {
	// Worker pool and dispatch
	Workers WorkersConfig `json:"workers"`

	// Batch optimization
	Optimizer OptimizerConfig `json:"optimizer"`

	// Parse result caching
	Cache CacheConfig `json:"cache"`

	// Managed resource tracking
	Registry RegistryConfig `json:"registry"`

	// Health classification thresholds
	Health HealthConfig `json:"health"`

	// System logging
	Logging LoggingConfig `json:"logging"`
}

// WorkersConfig holds worker pool settings
type WorkersConfig struct {
	// PoolSize is the number of parse workers. Zero means the default of
	// min(2, max(1, NumCPU/2)).
	PoolSize int `json:"pool_size"`

	// RequestTimeoutSeconds bounds how long a dispatched request may wait
	// for its worker response
	RequestTimeoutSeconds int `json:"request_timeout_seconds"`

	// Enabled allows disabling background parsing entirely
	Enabled bool `json:"enabled"`
}

// OptimizerConfig holds batch optimization settings
type OptimizerConfig struct {
	MaxBatchSize          int  `json:"max_batch_size"`
	CompressionThreshold  int  `json:"compression_threshold_bytes"`
	TransferableThreshold int  `json:"transferable_threshold_bytes"`
	EnableDeduplication   bool `json:"enable_deduplication"`
	EnableCompression     bool `json:"enable_compression"`
}

// CacheConfig holds parse cache settings
type CacheConfig struct {
	MaxMemoryMB           int `json:"max_memory_mb"`
	MaxEntries            int `json:"max_entries"`
	DefaultTTLSeconds     int `json:"default_ttl_seconds"`
	ProjectStalenessHours int `json:"project_staleness_hours"`
	MaintenanceSeconds    int `json:"maintenance_interval_seconds"`
}

// RegistryConfig holds resource registry settings
type RegistryConfig struct {
	MaxResources          int `json:"max_resources"`
	MaxCleanupTimeSeconds int `json:"max_cleanup_time_seconds"`
	AutoCleanupSeconds    int `json:"auto_cleanup_interval_seconds"`
	LeakDetectionSeconds  int `json:"leak_detection_interval_seconds"`
	MemoryWarningMB       int `json:"memory_warning_mb"`
	MemoryCriticalMB      int `json:"memory_critical_mb"`
}

// HealthConfig holds health monitor settings
type HealthConfig struct {
	MemoryBudgetMB int `json:"memory_budget_mb"`
	SampleWindow   int `json:"sample_window"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// DefaultConfig returns a configuration with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Workers: WorkersConfig{
			PoolSize:              DefaultPoolSize(),
			RequestTimeoutSeconds: 60,
			Enabled:               true,
		},
		Optimizer: OptimizerConfig{
			MaxBatchSize:          50,
			CompressionThreshold:  10 * 1024,
			TransferableThreshold: 50 * 1024,
			EnableDeduplication:   true,
			EnableCompression:     true,
		},
		Cache: CacheConfig{
			MaxMemoryMB:           100,
			MaxEntries:            10000,
			DefaultTTLSeconds:     300,
			ProjectStalenessHours: 24,
			MaintenanceSeconds:    60,
		},
		Registry: RegistryConfig{
			MaxResources:          1000,
			MaxCleanupTimeSeconds: 5,
			AutoCleanupSeconds:    30,
			LeakDetectionSeconds:  60,
			MemoryWarningMB:       50,
			MemoryCriticalMB:      100,
		},
		Health: HealthConfig{
			MemoryBudgetMB: 500,
			SampleWindow:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPoolSize computes the default worker count: half the CPUs, at least
// one, at most two.
func DefaultPoolSize() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 2 {
		n = 2
	}
	return n
}

// DefaultConfigPath returns the conventional per-user config location
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".notemill", "config.json"), nil
}

// LoadConfig reads configuration from a JSON file, applying defaults for any
// missing section and environment overrides on top. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides overlays NOTEMILL_* environment variables
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NOTEMILL_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.PoolSize = n
		}
	}
	if v := os.Getenv("NOTEMILL_CACHE_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxMemoryMB = n
		}
	}
	if v := os.Getenv("NOTEMILL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Workers.PoolSize < 0 {
		return fmt.Errorf("workers.pool_size cannot be negative")
	}
	if c.Workers.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("workers.request_timeout_seconds must be positive")
	}
	if c.Optimizer.MaxBatchSize <= 0 {
		return fmt.Errorf("optimizer.max_batch_size must be positive")
	}
	if c.Cache.MaxMemoryMB <= 0 {
		return fmt.Errorf("cache.max_memory_mb must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Registry.MaxCleanupTimeSeconds <= 0 {
		return fmt.Errorf("registry.max_cleanup_time_seconds must be positive")
	}
	if c.Registry.MemoryWarningMB > c.Registry.MemoryCriticalMB {
		return fmt.Errorf("registry.memory_warning_mb cannot exceed registry.memory_critical_mb")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// SaveConfig writes the configuration to a JSON file
func (c *Config) SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RequestTimeout returns the worker request timeout as a duration
func (c *WorkersConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// MaxCleanupTime returns the per-resource cleanup bound as a duration
func (c *RegistryConfig) MaxCleanupTime() time.Duration {
	return time.Duration(c.MaxCleanupTimeSeconds) * time.Second
}

// AutoCleanupInterval returns the auto-cleanup tick as a duration
func (c *RegistryConfig) AutoCleanupInterval() time.Duration {
	return time.Duration(c.AutoCleanupSeconds) * time.Second
}

// LeakDetectionInterval returns the leak-detection tick as a duration
func (c *RegistryConfig) LeakDetectionInterval() time.Duration {
	return time.Duration(c.LeakDetectionSeconds) * time.Second
}

// DefaultTTL returns the default cache TTL as a duration
func (c *CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}
