package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lucidjournal/statesync/logging"
)

// appConfig is the daemon configuration, loaded from YAML with SYNCD_*
// environment overrides.
type appConfig struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Remote struct {
		URL       string `mapstructure:"url"`
		NotifyURL string `mapstructure:"notify_url"`
	} `mapstructure:"remote"`

	Sync struct {
		BaseInterval time.Duration `mapstructure:"base_interval"`
		MaxInterval  time.Duration `mapstructure:"max_interval"`
		MaxQueueSize int           `mapstructure:"max_queue_size"`
		MaxRetries   int           `mapstructure:"max_retries"`
		InsightCap   int           `mapstructure:"insight_cap"`
	} `mapstructure:"sync"`

	Logging logging.Config `mapstructure:"logging"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/syncd")
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.path", "file:journal-state.db")
	v.SetDefault("sync.base_interval", "5m")
	v.SetDefault("sync.max_interval", "30m")
	v.SetDefault("sync.max_queue_size", 100)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.insight_cap", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	return v
}

func loadConfig(path string) (*appConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("remote.url is required")
	}
	return &cfg, nil
}
