// Package config provides configuration management for the bridge.
// All options come from the environment (§ external interface): the bridge is
// spawned by an editor host and has no config file of its own.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Permission modes governing automatic tool approval.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "accept_edits"
	PermissionBypass      = "bypass_permissions"
	PermissionPlan        = "plan"
)

// Backend adapter modes.
const (
	BackendSubprocess = "subprocess"
	BackendHTTP       = "http"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	PermissionMode string
	MaxTurns       int
	Debug          bool
	LogFile        string

	Backend BackendConfig
	Cache   CacheConfig
	Limits  LimitsConfig
}

// BackendConfig selects and parameterizes the backend agent adapter.
type BackendConfig struct {
	Mode        string // subprocess or http
	Path        string // executable path for the subprocess adapter
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// CacheConfig parameterizes the optional response caches.
type CacheConfig struct {
	MaxSize  int
	TTL      time.Duration
	Strategy string // lru, lfu, fifo
}

// LimitsConfig holds resource guard limits. Overridable for tests.
type LimitsConfig struct {
	MaxConcurrentSessions   int
	MaxConcurrentOperations int
	MemoryWarningMiB        int
	MemoryCriticalMiB       int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("permission_mode", PermissionDefault)
	v.SetDefault("max_turns", 0) // 0 means unlimited
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")

	v.SetDefault("backend_mode", BackendSubprocess)
	v.SetDefault("backend_path", "")
	v.SetDefault("backend_api_key", "")
	v.SetDefault("backend_model", "")
	v.SetDefault("backend_temperature", 0.0)
	v.SetDefault("backend_max_tokens", 4096)

	v.SetDefault("cache_max_size", 100)
	v.SetDefault("cache_ttl_ms", 60000)
	v.SetDefault("cache_strategy", "lru")

	v.SetDefault("max_concurrent_sessions", 100)
	v.SetDefault("max_concurrent_operations", 50)
	v.SetDefault("memory_warning_mib", 512)
	v.SetDefault("memory_critical_mib", 768)
}

// Load reads configuration from the environment. Invalid values fail with a
// precise diagnostic so the host sees the problem at spawn time.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// The host sets these without a prefix; bind each explicitly.
	for _, key := range []string{
		"permission_mode", "max_turns", "debug", "log_file",
		"backend_mode", "backend_path", "backend_api_key", "backend_model",
		"backend_temperature", "backend_max_tokens",
		"cache_max_size", "cache_ttl_ms", "cache_strategy",
		"max_concurrent_sessions", "max_concurrent_operations",
		"memory_warning_mib", "memory_critical_mib",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	// Reject non-numeric MAX_TURNS before viper coerces it to zero.
	if raw := v.GetString("max_turns"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", new(int)); err != nil {
			return nil, fmt.Errorf("invalid MAX_TURNS %q: must be a non-negative integer", raw)
		}
	}

	cfg := &Config{
		PermissionMode: v.GetString("permission_mode"),
		MaxTurns:       v.GetInt("max_turns"),
		Debug:          v.GetBool("debug"),
		LogFile:        v.GetString("log_file"),
		Backend: BackendConfig{
			Mode:        v.GetString("backend_mode"),
			Path:        v.GetString("backend_path"),
			APIKey:      v.GetString("backend_api_key"),
			Model:       v.GetString("backend_model"),
			Temperature: v.GetFloat64("backend_temperature"),
			MaxTokens:   v.GetInt("backend_max_tokens"),
		},
		Cache: CacheConfig{
			MaxSize:  v.GetInt("cache_max_size"),
			TTL:      time.Duration(v.GetInt("cache_ttl_ms")) * time.Millisecond,
			Strategy: v.GetString("cache_strategy"),
		},
		Limits: LimitsConfig{
			MaxConcurrentSessions:   v.GetInt("max_concurrent_sessions"),
			MaxConcurrentOperations: v.GetInt("max_concurrent_operations"),
			MemoryWarningMiB:        v.GetInt("memory_warning_mib"),
			MemoryCriticalMiB:       v.GetInt("memory_critical_mib"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// validate checks all fields and joins every failure into one diagnostic.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
	default:
		errs = append(errs, fmt.Sprintf(
			"PERMISSION_MODE must be one of: default, accept_edits, bypass_permissions, plan (got %q)",
			cfg.PermissionMode))
	}

	if cfg.MaxTurns < 0 {
		errs = append(errs, fmt.Sprintf("MAX_TURNS must be non-negative (got %d)", cfg.MaxTurns))
	}

	switch cfg.Backend.Mode {
	case BackendSubprocess, BackendHTTP:
	default:
		errs = append(errs, fmt.Sprintf(
			"BACKEND_MODE must be one of: subprocess, http (got %q)", cfg.Backend.Mode))
	}

	switch cfg.Cache.Strategy {
	case "lru", "lfu", "fifo":
	default:
		errs = append(errs, fmt.Sprintf(
			"CACHE_STRATEGY must be one of: lru, lfu, fifo (got %q)", cfg.Cache.Strategy))
	}

	if cfg.Limits.MaxConcurrentSessions <= 0 {
		errs = append(errs, "MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.Limits.MaxConcurrentOperations <= 0 {
		errs = append(errs, "MAX_CONCURRENT_OPERATIONS must be positive")
	}
	if cfg.Limits.MemoryCriticalMiB < cfg.Limits.MemoryWarningMiB {
		errs = append(errs, "MEMORY_CRITICAL_MIB must be >= MEMORY_WARNING_MIB")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// LogLevel derives the stderr log level from the DEBUG flag.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}
