// Package config loads homeboard settings from a TOML file, HB_* environment
// variables and an optional .env file, in increasing order of precedence
// for the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/homeboard/homeboard/internal/chore"
)

// EnvPrefix prefixes every environment override, e.g. HB_STORE_DRIVER.
const EnvPrefix = "HB"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRemote   = "remote"
)

// Config is the full settings tree.
type Config struct {
	Server ServerConfig `mapstructure:"server" toml:"server"`
	Store  StoreConfig  `mapstructure:"store" toml:"store"`
	Sync   SyncConfig   `mapstructure:"sync" toml:"sync"`
	Chore  ChoreConfig  `mapstructure:"chore" toml:"chore"`
	Log    LogConfig    `mapstructure:"log" toml:"log"`
}

// ServerConfig configures `hb serve`.
type ServerConfig struct {
	Addr            string   `mapstructure:"addr" toml:"addr"`
	CORSOrigins     []string `mapstructure:"cors_origins" toml:"cors_origins"`
	CORSCredentials bool     `mapstructure:"cors_credentials" toml:"cors_credentials"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"`
	Path   string `mapstructure:"path" toml:"path"` // sqlite file or file-store directory
	DSN    string `mapstructure:"dsn" toml:"dsn"`   // postgres
	URL    string `mapstructure:"url" toml:"url"`   // remote server

	// MaxAttempts bounds compare-and-swap retries on the remote driver
	MaxAttempts int `mapstructure:"max_attempts" toml:"max_attempts"`
}

// SyncConfig tunes the sync engines.
type SyncConfig struct {
	DebounceMS int    `mapstructure:"debounce_ms" toml:"debounce_ms"`
	ClientID   string `mapstructure:"client_id" toml:"client_id"`
}

// ChoreConfig configures the chore calculator.
type ChoreConfig struct {
	Timezone          string `mapstructure:"timezone" toml:"timezone"`
	BoundaryHour      int    `mapstructure:"boundary_hour" toml:"boundary_hour"`
	UpcomingThreshold int    `mapstructure:"upcoming_threshold" toml:"upcoming_threshold"`
}

// LogConfig configures log output. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8740",
		},
		Store: StoreConfig{
			Driver:      DriverSQLite,
			Path:        filepath.Join(DataDir(), "homeboard.db"),
			MaxAttempts: 10,
		},
		Sync: SyncConfig{
			DebounceMS: 600,
		},
		Chore: ChoreConfig{
			Timezone:          "Local",
			BoundaryHour:      chore.DefaultBoundaryHour,
			UpcomingThreshold: chore.UpcomingThreshold,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DataDir is where local data lives by default.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".homeboard"
	}
	return filepath.Join(home, ".homeboard")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads path (DefaultPath when empty). A missing file is not an
// error. A .env file next to the config file or in the working directory
// is loaded into the environment first; variables already set win.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	for _, env := range []string{".env", filepath.Join(filepath.Dir(path), ".env")} {
		if _, err := os.Stat(env); err == nil {
			if err := godotenv.Load(env); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", env, err)
			}
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.cors_credentials", d.Server.CORSCredentials)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.url", d.Store.URL)
	v.SetDefault("store.max_attempts", d.Store.MaxAttempts)
	v.SetDefault("sync.debounce_ms", d.Sync.DebounceMS)
	v.SetDefault("sync.client_id", d.Sync.ClientID)
	v.SetDefault("chore.timezone", d.Chore.Timezone)
	v.SetDefault("chore.boundary_hour", d.Chore.BoundaryHour)
	v.SetDefault("chore.upcoming_threshold", d.Chore.UpcomingThreshold)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Validate checks values that would otherwise fail later and far away.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case DriverRemote:
		if c.Store.URL == "" {
			return errors.New("store.url is required for the remote driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Chore.BoundaryHour < 0 || c.Chore.BoundaryHour > 23 {
		return fmt.Errorf("chore.boundary_hour must be between 0 and 23, got %d", c.Chore.BoundaryHour)
	}
	if c.Sync.DebounceMS < 0 {
		return fmt.Errorf("sync.debounce_ms must not be negative, got %d", c.Sync.DebounceMS)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves chore.timezone. Empty or "Local" is the local zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Chore.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Chore.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid chore.timezone %q: %w", c.Chore.Timezone, err)
	}
	return loc, nil
}

// Calculator builds the chore calculator for these settings.
func (c *Config) Calculator() (chore.Calculator, error) {
	loc, err := c.Location()
	if err != nil {
		return chore.Calculator{}, err
	}
	calc := chore.New(loc, c.Chore.BoundaryHour)
	if c.Chore.UpcomingThreshold != 0 {
		calc.Threshold = c.Chore.UpcomingThreshold
	}
	return calc, nil
}

// Debounce returns sync.debounce_ms as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}

// WriteDefault writes DefaultConfig to path. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := Encode(f, DefaultConfig()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes c as TOML.
func Encode(w io.Writer, c *Config) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
