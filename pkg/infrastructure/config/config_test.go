package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
	if cfg.Workers.PoolSize < 1 || cfg.Workers.PoolSize > 2 {
		t.Errorf("default pool size = %d, want 1 or 2", cfg.Workers.PoolSize)
	}
	if cfg.Optimizer.MaxBatchSize != 50 {
		t.Errorf("default max batch size = %d, want 50", cfg.Optimizer.MaxBatchSize)
	}
	if cfg.Cache.MaxMemoryMB != 100 {
		t.Errorf("default cache memory = %dMB, want 100", cfg.Cache.MaxMemoryMB)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative pool size", func(c *Config) { c.Workers.PoolSize = -1 }},
		{"zero request timeout", func(c *Config) { c.Workers.RequestTimeoutSeconds = 0 }},
		{"zero batch size", func(c *Config) { c.Optimizer.MaxBatchSize = 0 }},
		{"zero cache memory", func(c *Config) { c.Cache.MaxMemoryMB = 0 }},
		{"zero cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"zero cleanup time", func(c *Config) { c.Registry.MaxCleanupTimeSeconds = 0 }},
		{"warning above critical", func(c *Config) {
			c.Registry.MemoryWarningMB = 200
			c.Registry.MemoryCriticalMB = 100
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Errorf("MaxEntries = %d, want default 10000", cfg.Cache.MaxEntries)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Workers.PoolSize = 2
	cfg.Cache.DefaultTTLSeconds = 120
	cfg.Logging.Level = "debug"

	if err := cfg.SaveConfig(path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Workers.PoolSize != 2 {
		t.Errorf("loaded pool size = %d, want 2", loaded.Workers.PoolSize)
	}
	if loaded.Cache.DefaultTTLSeconds != 120 {
		t.Errorf("loaded TTL = %d, want 120", loaded.Cache.DefaultTTLSeconds)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("loaded log level = %q, want debug", loaded.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("NOTEMILL_POOL_SIZE", "7")
	os.Setenv("NOTEMILL_CACHE_MEMORY_MB", "25")
	os.Setenv("NOTEMILL_LOG_LEVEL", "warn")
	defer func() {
		os.Unsetenv("NOTEMILL_POOL_SIZE")
		os.Unsetenv("NOTEMILL_CACHE_MEMORY_MB")
		os.Unsetenv("NOTEMILL_LOG_LEVEL")
	}()

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Workers.PoolSize != 7 {
		t.Errorf("pool size = %d, want env override 7", cfg.Workers.PoolSize)
	}
	if cfg.Cache.MaxMemoryMB != 25 {
		t.Errorf("cache memory = %d, want env override 25", cfg.Cache.MaxMemoryMB)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want env override warn", cfg.Logging.Level)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workers.RequestTimeout() != 60*time.Second {
		t.Errorf("RequestTimeout() = %v, want 60s", cfg.Workers.RequestTimeout())
	}
	if cfg.Registry.MaxCleanupTime() != 5*time.Second {
		t.Errorf("MaxCleanupTime() = %v, want 5s", cfg.Registry.MaxCleanupTime())
	}
	if cfg.Cache.DefaultTTL() != 5*time.Minute {
		t.Errorf("DefaultTTL() = %v, want 5m", cfg.Cache.DefaultTTL())
	}
}
