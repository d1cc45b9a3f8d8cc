// Package config loads runtime configuration from a YAML file, DISPOSAL_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/disposal-engine/internal/logging"
	"github.com/warp/disposal-engine/strategy"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultFile is read when no path is given. A missing default file is not
// an error.
const DefaultFile = "disposal.yaml"

// EnvPrefix prefixes environment overrides, e.g. DISPOSAL_SERVER_PORT.
const EnvPrefix = "DISPOSAL"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StrategyConfig struct {
	Default              string `mapstructure:"default"`
	WeightsFile          string `mapstructure:"weights_file"`
	LargeAmountThreshold string `mapstructure:"large_amount_threshold"`
	SmallPackageCases    int    `mapstructure:"small_package_cases"`
}

type BatchConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every known key. AutomaticEnv only resolves keys
// viper already knows about.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("database.path", "disposal.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("strategy.default", strategy.Intelligent)
	v.SetDefault("strategy.weights_file", "")
	v.SetDefault("strategy.large_amount_threshold", "10000000")
	v.SetDefault("strategy.small_package_cases", 50)
	v.SetDefault("batch.parallelism", 4)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
}

// Load reads path (or DefaultFile when empty) into v and decodes the result.
// An explicitly named file must exist.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		v.SetConfigFile(DefaultFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", DefaultFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: logging.format must be text or json, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	if !strategy.IsKnown(c.Strategy.Default) {
		return fmt.Errorf("%w: strategy.default %q is not a known strategy", ErrInvalidConfig, c.Strategy.Default)
	}
	if _, err := c.threshold(); err != nil {
		return err
	}
	if c.Strategy.SmallPackageCases < 0 {
		return fmt.Errorf("%w: strategy.small_package_cases must not be negative", ErrInvalidConfig)
	}
	if c.Batch.Parallelism < 1 {
		return fmt.Errorf("%w: batch.parallelism must be at least 1", ErrInvalidConfig)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval < time.Second {
		return fmt.Errorf("%w: scheduler.interval %s is too short", ErrInvalidConfig, c.Scheduler.Interval)
	}
	return nil
}

func (c Config) threshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Strategy.LargeAmountThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: strategy.large_amount_threshold %q: %v", ErrInvalidConfig, c.Strategy.LargeAmountThreshold, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: strategy.large_amount_threshold must not be negative", ErrInvalidConfig)
	}
	return d, nil
}

// SelectorConfig converts the strategy section for strategy.NewSelector.
// Call only on a validated config.
func (c Config) SelectorConfig() strategy.SelectorConfig {
	threshold, _ := c.threshold()
	return strategy.SelectorConfig{
		Default:              c.Strategy.Default,
		LargeAmountThreshold: threshold,
		SmallPackageCases:    c.Strategy.SmallPackageCases,
	}
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
