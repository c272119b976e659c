package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for sift.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"   yaml:"database"`
	Fetchers   FetchersConfig   `mapstructure:"fetchers"   yaml:"fetchers"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Stitch     StitchConfig     `mapstructure:"stitch"     yaml:"stitch"`
	Logging    LoggingConfig    `mapstructure:"logging"    yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    yaml:"metrics"`
}

// DatabaseConfig controls the connection to the relational store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"               yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// FetchersConfig controls the fetcher transports.
type FetchersConfig struct {
	// ConfigPath points at the transport descriptor file, a JSON array
	// of {active?, type, script/user/group/host} objects.
	ConfigPath string `mapstructure:"config_path" yaml:"config_path"`

	// LocalScript is the fetch script used when the dispatcher runs
	// with --local, bypassing the descriptor file.
	LocalScript string `mapstructure:"local_script" yaml:"local_script"`

	// API names the upstream api flavor recorded with each fetcher.
	API string `mapstructure:"api" yaml:"api"`

	// Timeout is the wall-clock ceiling for one fetch subprocess.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DispatcherConfig controls the claim loop. The pacing interval is not
// configured here; it is derived from the number of active transports.
type DispatcherConfig struct {
	// IdleSleep is how long the loop sleeps when the queue is empty.
	IdleSleep time.Duration `mapstructure:"idle_sleep" yaml:"idle_sleep"`
}

// StitchConfig controls the stitching engine.
type StitchConfig struct {
	// OutputPath is the analytics SQLite database the engine writes.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Parallelism bounds how many locations are stitched concurrently.
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "postgres://sift@localhost/sift?sslmode=disable",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Fetchers: FetchersConfig{
			ConfigPath:  "fetchers.json",
			LocalScript: "./fetch_trends",
			API:         "web",
			Timeout:     60 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			IdleSleep: 1 * time.Second,
		},
		Stitch: StitchConfig{
			OutputPath:  "time_series.db",
			Parallelism: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}
