package config

import (
	"fmt"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if cfg.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be >= 1, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must be >= 0, got %d", cfg.Database.MaxIdleConns)
	}

	if cfg.Fetchers.Timeout <= 0 {
		return fmt.Errorf("fetchers.timeout must be > 0")
	}
	if cfg.Fetchers.API == "" {
		return fmt.Errorf("fetchers.api must not be empty")
	}

	if cfg.Dispatcher.IdleSleep <= 0 {
		return fmt.Errorf("dispatcher.idle_sleep must be > 0")
	}

	if cfg.Stitch.OutputPath == "" {
		return fmt.Errorf("stitch.output_path must not be empty")
	}
	if cfg.Stitch.Parallelism < 1 {
		return fmt.Errorf("stitch.parallelism must be >= 1, got %d", cfg.Stitch.Parallelism)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}
