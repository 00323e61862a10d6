// Package config loads arena client and dev server settings with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrReadConfig   = errors.New("failed to read config")
	ErrDecodeConfig = errors.New("failed to decode config")
	ErrInvalid      = errors.New("invalid config")
)

type Server struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ReconnectDelay is the pause before redialling after a lost connection.
	// Zero disables automatic reconnects.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type Player struct {
	Skill string `mapstructure:"skill"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Arena struct {
	Listen        string `mapstructure:"listen"`
	ChatPerSecond int    `mapstructure:"chat_per_second"`
}

type Config struct {
	Server  Server  `mapstructure:"server"`
	Player  Player  `mapstructure:"player"`
	Log     Log     `mapstructure:"log"`
	Metrics Metrics `mapstructure:"metrics"`
	Arena   Arena   `mapstructure:"arena"`
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("%w: server.url must be a ws:// or wss:// url, got %q", ErrInvalid, c.Server.URL)
	}
	if c.Server.DialTimeout <= 0 {
		return fmt.Errorf("%w: server.dial_timeout must be positive", ErrInvalid)
	}
	if c.Server.ReconnectDelay < 0 {
		return fmt.Errorf("%w: server.reconnect_delay must not be negative", ErrInvalid)
	}
	if c.Arena.ChatPerSecond <= 0 {
		return fmt.Errorf("%w: arena.chat_per_second must be positive", ErrInvalid)
	}
	return nil
}

var defaults = map[string]any{
	"server.url":             "ws://localhost:8080/ws",
	"server.dial_timeout":    "10s",
	"server.reconnect_delay": "2s",
	"player.skill":           "intermediate",
	"log.level":              "info",
	"log.file":               "",
	"metrics.addr":           "",
	"arena.listen":           ":8080",
	"arena.chat_per_second":  5,
}

// New returns a viper instance with defaults and ARENA_ environment overrides.
// Callers may bind cobra flags to it before calling Read.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("arena")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads cfgFile (if non-empty) into v and decodes the result. A missing
// default config file is not an error; an explicitly named one is.
func Read(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if errRead := v.ReadInConfig(); errRead != nil {
			return Config{}, errors.Join(errRead, ErrReadConfig)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("arena")
		v.SetConfigType("yml")
		if errRead := v.ReadInConfig(); errRead != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(errRead, &notFound) {
				return Config{}, errors.Join(errRead, ErrReadConfig)
			}
		}
	}

	var cfg Config
	if errDecode := v.Unmarshal(&cfg); errDecode != nil {
		return Config{}, errors.Join(errDecode, ErrDecodeConfig)
	}

	if errValid := cfg.Validate(); errValid != nil {
		return Config{}, errValid
	}

	return cfg, nil
}
