// Package config loads studysync settings from a YAML file, environment
// variables, and built-in defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STUDYSYNC_REMOTE_URL.
const EnvPrefix = "STUDYSYNC"

const (
	defaultConfigDir = ".studysync"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Config is the fully resolved configuration.
type Config struct {
	SQLitePath string          `mapstructure:"sqlite_path"`
	Remote     RemoteConfig    `mapstructure:"remote"`
	Sync       SyncConfig      `mapstructure:"sync"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	Log        LogConfig       `mapstructure:"log"`
	Dashboard  DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Provider   string        `mapstructure:"provider"`
	StagingDir string        `mapstructure:"staging_dir"`
}

type WorkerConfig struct {
	Size     int     `mapstructure:"size"`
	Attempts int     `mapstructure:"attempts"`
	Backoff  float64 `mapstructure:"backoff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"`
}

type DashboardConfig struct {
	// Port 0 disables the dashboard.
	Port int `mapstructure:"port"`
}

// RemoteAttached reports whether enough settings exist to reach the backend.
// Without them the app runs against the local cache only.
func (c *Config) RemoteAttached() bool {
	return c.Remote.URL != "" && c.Remote.APIKey != ""
}

// Dir returns the default configuration directory (~/.studysync).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, defaultConfigDir)
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("sqlite_path", filepath.Join(dir, "cache.db"))
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.rate_limit", 10.0)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.provider", "google")
	v.SetDefault("sync.staging_dir", filepath.Join(dir, "staging"))
	v.SetDefault("worker.size", 4)
	v.SetDefault("worker.attempts", 3)
	v.SetDefault("worker.backoff", 1.5)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("dashboard.port", 0)
}

// Load resolves configuration. When path is empty, config.yaml is looked up
// in ~/.studysync and the working directory; a missing file is not an error.
// An explicit path that cannot be read is.
func Load(path string) (*Config, error) {
	dir := Dir()
	v := viper.New()
	setDefaults(v, dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite_path cannot be empty")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Worker.Size < 1 {
		return fmt.Errorf("worker.size must be at least 1, got %d", c.Worker.Size)
	}
	if c.Worker.Attempts < 1 {
		return fmt.Errorf("worker.attempts must be at least 1, got %d", c.Worker.Attempts)
	}
	if c.Worker.Backoff < 1 {
		return fmt.Errorf("worker.backoff must be at least 1, got %g", c.Worker.Backoff)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if (c.Remote.URL == "") != (c.Remote.APIKey == "") {
		return fmt.Errorf("remote.url and remote.api_key must be set together")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
