// Package config provides configuration management for the gec daemon.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Cue/greplin-exception-catcher/pkg/logger"
	"github.com/Cue/greplin-exception-catcher/pkg/report"
	"github.com/Cue/greplin-exception-catcher/pkg/scheduler"
	"github.com/Cue/greplin-exception-catcher/pkg/spill"
)

// Helper function to validate directory exists or can be created
func validateDirectoryWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all daemon configuration
type Config struct {
	// Reporter identity and queue limits
	Reporter ReporterConfig `toml:"reporter"`

	// Sync schedule and timeouts
	Sync SyncConfig `toml:"sync"`

	// Spool directory ingestion
	Spool SpoolConfig `toml:"spool"`

	// Spill store for records left over at shutdown
	Spill SpillConfig `toml:"spill"`

	// Metrics and health endpoint
	Metrics MetricsConfig `toml:"metrics"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ReporterConfig holds the reporter's identity and queue settings
type ReporterConfig struct {
	// ServerAddress is the collection server base URL
	ServerAddress string `toml:"server_address" env:"GEC_SERVER"`

	// Secret authenticates with the collection server
	Secret string `toml:"secret" env:"GEC_SECRET"`

	// Environment tag, e.g. "production"
	Environment string `toml:"environment" env:"GEC_ENVIRONMENT"`

	// Project name
	Project string `toml:"project" env:"GEC_PROJECT"`

	// ServerName identifies this host (default: hostname)
	ServerName string `toml:"server_name" env:"GEC_SERVER_NAME"`

	// ItemLimit is the maximum number of queued records
	ItemLimit int `toml:"item_limit" env:"GEC_ITEM_LIMIT"`

	// CaptureStack attaches a backtrace to records captured in-process
	CaptureStack bool `toml:"capture_stack" env:"GEC_CAPTURE_STACK"`
}

// SyncConfig holds sync scheduling settings
type SyncConfig struct {
	// Schedule is a cron expression or descriptor, e.g. "@every 30s"
	Schedule string `toml:"schedule" env:"GEC_SYNC_SCHEDULE"`

	// Timeout bounds each sync attempt, e.g. "10s"
	Timeout string `toml:"timeout" env:"GEC_SYNC_TIMEOUT"`

	// TriggerRate is the sustained rate of on-demand syncs per second
	TriggerRate float64 `toml:"trigger_rate"`

	// TriggerBurst is the number of on-demand syncs accepted at once
	TriggerBurst int `toml:"trigger_burst"`
}

// SpoolConfig holds spool directory settings
type SpoolConfig struct {
	// Enabled turns on directory ingestion
	Enabled bool `toml:"enabled" env:"GEC_SPOOL_ENABLED"`

	// Dir is the directory other processes drop *.gec.json files into
	Dir string `toml:"dir" env:"GEC_SPOOL_DIR"`

	// ScanInterval is how often the directory is scanned, e.g. "5s"
	ScanInterval string `toml:"scan_interval" env:"GEC_SPOOL_SCAN_INTERVAL"`
}

// SpillConfig holds spill store settings
type SpillConfig struct {
	// Enabled persists unsynced records at shutdown and restores them at start
	Enabled bool `toml:"enabled" env:"GEC_SPILL_ENABLED"`

	// Path to the SQLite database
	Path string `toml:"path" env:"GEC_SPILL_PATH"`

	// MaxRecords caps the stored records (0 = no cap)
	MaxRecords int `toml:"max_records"`
}

// MetricsConfig holds the HTTP endpoint settings
type MetricsConfig struct {
	// Enabled serves /metrics and /healthz
	Enabled bool `toml:"enabled" env:"GEC_METRICS_ENABLED"`

	// ListenAddr is the listen address
	ListenAddr string `toml:"listen_addr" env:"GEC_METRICS_ADDR"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" env:"GEC_LOG_LEVEL"`

	// Format is json or text
	Format string `toml:"format" env:"GEC_LOG_FORMAT"`

	// Output is stdout, stderr or file
	Output string `toml:"output" env:"GEC_LOG_OUTPUT"`

	// File is the log file when Output is file
	File string `toml:"file" env:"GEC_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Reporter: ReporterConfig{
			ItemLimit: 100,
		},
		Sync: SyncConfig{
			Schedule:     scheduler.DefaultSchedule,
			Timeout:      report.DefaultSyncTimeout.String(),
			TriggerRate:  scheduler.DefaultTriggerRate,
			TriggerBurst: scheduler.DefaultTriggerBurst,
		},
		Spool: SpoolConfig{
			Enabled:      false,
			Dir:          "/var/spool/gec",
			ScanInterval: "5s",
		},
		Spill: SpillConfig{
			Enabled:    false,
			Path:       spill.DefaultPath,
			MaxRecords: 10000,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
			File:   "",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".gec", "config.toml"),
		filepath.Join("/etc", "gec", "config.toml"),
		"./gec.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Reporter.ServerAddress != "" {
		u, err := url.Parse(c.Reporter.ServerAddress)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: reporter.server_address must be an http or https URL", ErrInvalidConfig)
		}
	}

	if c.Reporter.ItemLimit < 0 {
		return fmt.Errorf("%w: reporter.item_limit cannot be negative", ErrInvalidConfig)
	}

	if c.Sync.Schedule == "" {
		return fmt.Errorf("%w: sync.schedule is required", ErrInvalidConfig)
	}
	if _, err := parsePositiveDuration(c.Sync.Timeout); err != nil {
		return fmt.Errorf("%w: sync.timeout: %w", ErrInvalidConfig, err)
	}
	if c.Sync.TriggerRate < 0 {
		return fmt.Errorf("%w: sync.trigger_rate cannot be negative", ErrInvalidConfig)
	}
	if c.Sync.TriggerBurst < 0 {
		return fmt.Errorf("%w: sync.trigger_burst cannot be negative", ErrInvalidConfig)
	}

	if c.Spool.Enabled {
		if c.Spool.Dir == "" {
			return fmt.Errorf("%w: spool.dir is required when spool is enabled", ErrInvalidConfig)
		}
		if err := validateDirectoryWritable(c.Spool.Dir); err != nil {
			return fmt.Errorf("%w: spool directory %s: %w", ErrInvalidConfig, c.Spool.Dir, err)
		}
		if _, err := parsePositiveDuration(c.Spool.ScanInterval); err != nil {
			return fmt.Errorf("%w: spool.scan_interval: %w", ErrInvalidConfig, err)
		}
	}

	if c.Spill.Enabled {
		if c.Spill.Path == "" {
			return fmt.Errorf("%w: spill.path is required when spill is enabled", ErrInvalidConfig)
		}
		spillDir := filepath.Dir(c.Spill.Path)
		if err := validateDirectoryWritable(spillDir); err != nil {
			return fmt.Errorf("%w: spill directory %s: %w", ErrInvalidConfig, spillDir, err)
		}
	}
	if c.Spill.MaxRecords < 0 {
		return fmt.Errorf("%w: spill.max_records cannot be negative", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("%w: metrics.listen_addr is required when metrics are enabled", ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

// RequireServer reports ErrMissingValue unless a collection server is set.
// Commands that only inspect local state do not need one.
func (c *Config) RequireServer() error {
	if c.Reporter.ServerAddress == "" {
		return fmt.Errorf("%w: reporter.server_address", ErrMissingValue)
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// SyncTimeout returns the parsed sync timeout, or the default if unset or invalid
func (c *Config) SyncTimeout() time.Duration {
	d, err := parsePositiveDuration(c.Sync.Timeout)
	if err != nil {
		return report.DefaultSyncTimeout
	}
	return d
}

// ScanInterval returns the parsed spool scan interval, or 5s if unset or invalid
func (c *Config) ScanInterval() time.Duration {
	d, err := parsePositiveDuration(c.Spool.ScanInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ToReporterConfig converts the Config to report.Config
func (c *Config) ToReporterConfig() report.Config {
	return report.Config{
		ServerAddress: c.Reporter.ServerAddress,
		Secret:        c.Reporter.Secret,
		Environment:   c.Reporter.Environment,
		Project:       c.Reporter.Project,
		ServerName:    c.Reporter.ServerName,
		ItemLimit:     c.Reporter.ItemLimit,
		SyncTimeout:   c.SyncTimeout(),
		CaptureStack:  c.Reporter.CaptureStack,
	}
}

// ToSchedulerConfig converts the Config to scheduler.Config
func (c *Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Schedule:     c.Sync.Schedule,
		TriggerRate:  c.Sync.TriggerRate,
		TriggerBurst: c.Sync.TriggerBurst,
	}
}

// ToSpillConfig converts the Config to spill.Config
func (c *Config) ToSpillConfig() spill.Config {
	return spill.Config{
		Path:       c.Spill.Path,
		MaxRecords: c.Spill.MaxRecords,
	}
}

// ToLoggerConfig converts the Config to logger.Config
func (c *Config) ToLoggerConfig() logger.Config {
	output := c.Logging.Output
	if output == "file" {
		output = c.Logging.File
	}
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: output,
	}
}
