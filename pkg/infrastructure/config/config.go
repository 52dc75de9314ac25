// Package config loads engine configuration.
//
// Configuration is loaded from:
// 1. batchalloc.yaml (optional, or the file given with --config)
// 2. Environment variables prefixed BATCHALLOC_ (store.sqlite_path -> BATCHALLOC_STORE_SQLITE_PATH)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Allocation AllocationConfig `mapstructure:"allocation"`
}

// StoreConfig selects and configures the batch store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// AllocationConfig contains caller-side allocation policy.
type AllocationConfig struct {
	ConflictRetries int    `mapstructure:"conflict_retries"`
	DefaultMode     string `mapstructure:"default_mode"`
}

// Mode parses DefaultMode.
func (c AllocationConfig) Mode() (entities.AllocationMode, error) {
	return entities.ParseAllocationMode(c.DefaultMode)
}

// Load reads configuration from file and environment variables.
// An empty path searches the default locations; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("batchalloc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/batchalloc")
	}

	v.SetEnvPrefix("BATCHALLOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must not be empty for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url must not be empty for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, postgres; got %q", c.Store.Driver)
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be positive")
	}
	if c.Allocation.ConflictRetries < 0 {
		return fmt.Errorf("allocation.conflict_retries must not be negative")
	}
	if _, err := c.Allocation.Mode(); err != nil {
		return fmt.Errorf("allocation.default_mode: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Store
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "batchalloc.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.max_conns", 10)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Worker pool
	v.SetDefault("worker.pool_size", 16)

	// Allocation
	v.SetDefault("allocation.conflict_retries", 3)
	v.SetDefault("allocation.default_mode", "exact")
}
