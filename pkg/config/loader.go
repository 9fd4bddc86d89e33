package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path. An empty path searches
// ConfigPaths; if nothing is found the defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		slog.Debug("no configuration file found, using defaults",
			"checked", ConfigPaths(),
			"hint", "create one with: gecd init",
		)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("unknown configuration keys ignored", "path", path, "keys", fmt.Sprint(undecoded))
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	// Reporter overrides
	if v := os.Getenv("GEC_SERVER"); v != "" {
		cfg.Reporter.ServerAddress = v
	}
	if v := os.Getenv("GEC_SECRET"); v != "" {
		cfg.Reporter.Secret = v
	}
	if v := os.Getenv("GEC_ENVIRONMENT"); v != "" {
		cfg.Reporter.Environment = v
	}
	if v := os.Getenv("GEC_PROJECT"); v != "" {
		cfg.Reporter.Project = v
	}
	if v := os.Getenv("GEC_SERVER_NAME"); v != "" {
		cfg.Reporter.ServerName = v
	}
	if v := os.Getenv("GEC_ITEM_LIMIT"); v != "" {
		n, err := envInt("GEC_ITEM_LIMIT", v)
		if err != nil {
			return err
		}
		cfg.Reporter.ItemLimit = n
	}
	if v := os.Getenv("GEC_CAPTURE_STACK"); v != "" {
		cfg.Reporter.CaptureStack = envBool(v)
	}

	// Sync overrides
	if v := os.Getenv("GEC_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}
	if v := os.Getenv("GEC_SYNC_TIMEOUT"); v != "" {
		cfg.Sync.Timeout = v
	}

	// Spool overrides
	if v := os.Getenv("GEC_SPOOL_ENABLED"); v != "" {
		cfg.Spool.Enabled = envBool(v)
	}
	if v := os.Getenv("GEC_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("GEC_SPOOL_SCAN_INTERVAL"); v != "" {
		cfg.Spool.ScanInterval = v
	}

	// Spill overrides
	if v := os.Getenv("GEC_SPILL_ENABLED"); v != "" {
		cfg.Spill.Enabled = envBool(v)
	}
	if v := os.Getenv("GEC_SPILL_PATH"); v != "" {
		cfg.Spill.Path = v
	}

	// Metrics overrides
	if v := os.Getenv("GEC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = envBool(v)
	}
	if v := os.Getenv("GEC_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}

	// Logging overrides
	if v := os.Getenv("GEC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GEC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GEC_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("GEC_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return nil
}

// Save saves the configuration to a file
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep Windows paths from being read as TOML escapes
	cfgCopy := *cfg
	cfgCopy.Spool.Dir = filepath.ToSlash(cfg.Spool.Dir)
	cfgCopy.Spill.Path = filepath.ToSlash(cfg.Spill.Path)
	if cfg.Logging.File != "" {
		cfgCopy.Logging.File = filepath.ToSlash(cfg.Logging.File)
	}

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	// The file holds the collector secret
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig writes an example configuration. An empty secret is
// left for the operator to fill in.
func GenerateExampleConfig(path, secret string) error {
	cfg := DefaultConfig()

	cfg.Reporter.ServerAddress = "https://gec.example.com"
	cfg.Reporter.Secret = secret
	cfg.Reporter.Project = "my-service"
	cfg.Reporter.Environment = "production"
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
