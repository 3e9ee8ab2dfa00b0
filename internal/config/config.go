// Package config loads biotag settings.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file (.biotag/config.yaml unless --config is given), and
// environment variables prefixed with BIOTAG_ (store.path becomes
// BIOTAG_STORE_PATH).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gefbiotag/biotag/internal/store"
)

// DefaultDir is the per-project state directory.
const DefaultDir = ".biotag"

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "BIOTAG"

// Config is the complete application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Shelters  SheltersConfig  `mapstructure:"shelters"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver    string      `mapstructure:"driver"`
	Path      string      `mapstructure:"path"`
	Namespace string      `mapstructure:"namespace"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RemoteConfig describes the remote records service. An empty BaseURL
// runs the tool offline-only.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Collection string        `mapstructure:"collection"`
	HealthPath string        `mapstructure:"health_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Token      string        `mapstructure:"token"`
	MinVersion string        `mapstructure:"min_version"`
}

// DaemonConfig holds background loop settings.
type DaemonConfig struct {
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	SyncOnReconnect bool          `mapstructure:"sync_on_reconnect"`
	InboxDir        string        `mapstructure:"inbox_dir"`
	Debounce        time.Duration `mapstructure:"debounce"`
}

// DashboardConfig holds dashboard server settings.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// SheltersConfig points at the shelter catalogue. Empty uses the built-in
// reference shelters.
type SheltersConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	st := store.DefaultConfig()
	v.SetDefault("store.driver", st.Driver)
	v.SetDefault("store.path", filepath.Join(DefaultDir, "biotag.db"))
	v.SetDefault("store.namespace", st.Namespace)
	v.SetDefault("store.redis.addr", st.RedisAddr)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.collection", "/records")
	v.SetDefault("remote.health_path", "")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.min_version", "")

	v.SetDefault("daemon.probe_interval", "5s")
	v.SetDefault("daemon.sync_interval", "30s")
	v.SetDefault("daemon.sync_on_reconnect", true)
	v.SetDefault("daemon.inbox_dir", filepath.Join(DefaultDir, "inbox"))
	v.SetDefault("daemon.debounce", "200ms")

	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("shelters.file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("invalid built-in configuration: %v", err))
	}
	return cfg
}

// Load reads configuration. With an empty path the default location is
// tried and silently skipped when absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes a starter config file to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// StoreConfig converts the store section for store.Open.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:        c.Store.Driver,
		Path:          c.Store.Path,
		Namespace:     c.Store.Namespace,
		RedisAddr:     c.Store.Redis.Addr,
		RedisPassword: c.Store.Redis.Password,
		RedisDB:       c.Store.Redis.DB,
	}
}

// Offline reports whether no remote service is configured.
func (c *Config) Offline() bool {
	return c.Remote.BaseURL == ""
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case store.DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("store.driver must be one of sqlite, redis, memory (got %q)", c.Store.Driver)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}

	if c.Daemon.ProbeInterval <= 0 {
		return fmt.Errorf("daemon.probe_interval must be positive")
	}
	if c.Daemon.SyncInterval < 0 {
		return fmt.Errorf("daemon.sync_interval must not be negative")
	}
	if c.Daemon.Debounce < 0 {
		return fmt.Errorf("daemon.debounce must not be negative")
	}

	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}

	return nil
}
