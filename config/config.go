// Package config loads application settings from an optional YAML file,
// LUMI_* environment variables, and built-in defaults, in that order of
// increasing precedence for env over file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL string `mapstructure:"server_url"`

	Audio   AudioConfig   `mapstructure:"audio"`
	Beacon  BeaconConfig  `mapstructure:"beacon"`
	History HistoryConfig `mapstructure:"history"`
	LogDir  string        `mapstructure:"log_dir"`
}

type AudioConfig struct {
	// OutputRate is the playback rate for decoded reply audio.
	OutputRate int `mapstructure:"output_rate"`
}

type BeaconConfig struct {
	SilenceThreshold time.Duration `mapstructure:"silence_threshold"`
	BlinkInterval    time.Duration `mapstructure:"blink_interval"`
	BlinksPerGroup   int           `mapstructure:"blinks_per_group"`
	GroupInterval    time.Duration `mapstructure:"group_interval"`
}

type HistoryConfig struct {
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// Load reads settings. path may be empty, in which case only defaults and
// environment variables apply; a named file that does not exist is an
// error so typos are not silently ignored.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("server_url", "ws://localhost:8000/ws")
	v.SetDefault("audio.output_rate", 24000)
	v.SetDefault("beacon.silence_threshold", "30s")
	v.SetDefault("beacon.blink_interval", "2s")
	v.SetDefault("beacon.blinks_per_group", 3)
	v.SetDefault("beacon.group_interval", "10s")
	v.SetDefault("history.path", "")
	v.SetDefault("history.max_entries", 200)
	v.SetDefault("log_dir", "")

	v.SetEnvPrefix("LUMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url must be a ws:// or wss:// address, got %q", c.ServerURL)
	}
	if c.Audio.OutputRate <= 0 {
		return fmt.Errorf("audio.output_rate must be positive")
	}
	if c.Beacon.SilenceThreshold <= 0 || c.Beacon.BlinkInterval <= 0 {
		return fmt.Errorf("beacon intervals must be positive")
	}
	if c.Beacon.BlinksPerGroup <= 0 {
		return fmt.Errorf("beacon.blinks_per_group must be positive")
	}
	return nil
}
