package config

import (
	"conductor/log"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conductor"), nil
}

// Config represents the application configuration. The fields mirror the
// library-level knobs of the pool, cache and pipeline packages; LoadConfig
// fails open to defaults so a broken file never prevents startup.
type Config struct {
	// MaxConcurrent is the maximum number of work items in flight at once.
	MaxConcurrent int `json:"max_concurrent"`
	// MinConcurrent is the lower bound accepted for MaxConcurrent.
	MinConcurrent int `json:"min_concurrent"`
	// HealthCheckIntervalMs is how often the pool evaluates its health.
	HealthCheckIntervalMs int `json:"health_check_interval_ms"`
	// ErrorRateThreshold is the failed/finished ratio above which the pool is unhealthy.
	ErrorRateThreshold float64 `json:"error_rate_threshold"`
	// TimeoutRateThreshold is the timeout/finished ratio above which the pool is unhealthy.
	TimeoutRateThreshold float64 `json:"timeout_rate_threshold"`
	// MaxRetries is the number of automatic re-submissions for a failed work item.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the fixed delay before a failed item re-enters its queue.
	RetryDelayMs int `json:"retry_delay_ms"`
	// EnableCache turns on result caching in the pool.
	EnableCache bool `json:"enable_cache"`
	// CacheTTLMs is the lifetime of pool-level cache entries.
	CacheTTLMs int `json:"cache_ttl_ms"`
	// LookAhead is how many upcoming tasks the speculative pipeline prefetches.
	LookAhead int `json:"look_ahead"`
	// EnableSpeculation turns the speculative prefetch pipeline on.
	EnableSpeculation bool `json:"enable_speculation"`
	// TaskCommand is the program invoked for each task; the task description is
	// passed on stdin and the task id as the first argument.
	TaskCommand string `json:"task_command"`
	// TaskTimeoutMs bounds a single task invocation; 0 disables the deadline.
	TaskTimeoutMs int `json:"task_timeout_ms"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:         3,
		MinConcurrent:         1,
		HealthCheckIntervalMs: 30000,
		ErrorRateThreshold:    0.5,
		TimeoutRateThreshold:  0.3,
		MaxRetries:            2,
		RetryDelayMs:          1000,
		EnableCache:           true,
		CacheTTLMs:            30 * 60 * 1000,
		LookAhead:             2,
		EnableSpeculation:     true,
		TaskCommand:           "claude",
		TaskTimeoutMs:         0,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
