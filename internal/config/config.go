package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	StatusPort int `mapstructure:"status_port"`
	BufferSize int `mapstructure:"buffer_size"`

	Excludes    []string `mapstructure:"excludes"`
	ExcludeMode string   `mapstructure:"exclude_mode"`

	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	DebounceMaxDelay time.Duration `mapstructure:"debounce_max_delay"`

	Workers         int           `mapstructure:"workers"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`

	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMultiplier  float64       `mapstructure:"retry_multiplier"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	// RetryMaxAttempts of 0 retries forever at the capped interval.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`

	DBPath string `mapstructure:"db_path"`
}

var Default = Config{
	StatusPort:       9601,
	BufferSize:       256,
	Excludes:         nil,
	ExcludeMode:      "substring",
	DebounceWindow:   500 * time.Millisecond,
	DebounceMaxDelay: 5 * time.Second,
	Workers:          4,
	TransferTimeout:  2 * time.Minute,
	ShutdownGrace:    5 * time.Second,
	RetryInitial:     500 * time.Millisecond,
	RetryMultiplier:  2.0,
	RetryMaxInterval: time.Minute,
	RetryMaxAttempts: 0,
	DBPath:           "dirsynch.db",
}

func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home dir: %w", err)
	}

	configDir := filepath.Join(home, ".dirsynch")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	viper.SetDefault("status_port", Default.StatusPort)
	viper.SetDefault("buffer_size", Default.BufferSize)
	viper.SetDefault("excludes", Default.Excludes)
	viper.SetDefault("exclude_mode", Default.ExcludeMode)
	viper.SetDefault("debounce_window", Default.DebounceWindow)
	viper.SetDefault("debounce_max_delay", Default.DebounceMaxDelay)
	viper.SetDefault("workers", Default.Workers)
	viper.SetDefault("transfer_timeout", Default.TransferTimeout)
	viper.SetDefault("shutdown_grace", Default.ShutdownGrace)
	viper.SetDefault("retry_initial", Default.RetryInitial)
	viper.SetDefault("retry_multiplier", Default.RetryMultiplier)
	viper.SetDefault("retry_max_interval", Default.RetryMaxInterval)
	viper.SetDefault("retry_max_attempts", Default.RetryMaxAttempts)
	viper.SetDefault("db_path", Default.DBPath)

	viper.SetEnvPrefix("DIRSYNCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DebounceMaxDelay < cfg.DebounceWindow {
		cfg.DebounceMaxDelay = cfg.DebounceWindow
	}

	return &cfg, nil
}
