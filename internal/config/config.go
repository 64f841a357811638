// Package config loads mdsync settings with viper.
//
// Precedence: command-line flags > MDSYNC_* environment variables >
// mdsync.yaml in the workspace root > built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Debounce       time.Duration `mapstructure:"debounce"`
	SuppressionTTL time.Duration `mapstructure:"suppression-ttl"`
	LockTimeout    time.Duration `mapstructure:"lock-timeout"`
	SendTimeout    time.Duration `mapstructure:"send-timeout"`
	AutosaveDelay  time.Duration `mapstructure:"autosave-delay"`
	LogFile        string        `mapstructure:"log-file"`
	LogMaxSizeMB   int           `mapstructure:"log-max-size-mb"`
}

// Load resolves the configuration. flags may be nil; workspaceDir is where
// an optional mdsync.yaml is looked up.
func Load(workspaceDir string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
	v.SetDefault("debounce", 200*time.Millisecond)
	v.SetDefault("suppression-ttl", 500*time.Millisecond)
	v.SetDefault("lock-timeout", 5*time.Second)
	v.SetDefault("send-timeout", 5*time.Second)
	v.SetDefault("autosave-delay", time.Second)
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-size-mb", 10)

	v.SetEnvPrefix("MDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if workspaceDir != "" {
		v.SetConfigName("mdsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(workspaceDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	return &cfg, nil
}
