package configuration

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	SocketURL      string `mapstructure:"socket_url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type ChannelConfig struct {
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
	BackoffBaseMillis  int `mapstructure:"backoff_base_millis"`
	BackoffMaxSeconds  int `mapstructure:"backoff_max_seconds"`
}

type PresenceConfig struct {
	TypingTTLSeconds      int `mapstructure:"typing_ttl_seconds"`
	TypingSweepMillis     int `mapstructure:"typing_sweep_millis"`
	TypingThrottleSeconds int `mapstructure:"typing_throttle_seconds"`
}

type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Presence PresenceConfig `mapstructure:"presence"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// Derived
	GatewayTimeout time.Duration
	DialTimeout    time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	TypingTTL      time.Duration
	TypingSweep    time.Duration
	TypingThrottle time.Duration
}

// LoadConfig reads the yaml config at path, overlaid by TUTORHUB_* env vars
// (a .env file is honored when present). An empty path falls back to
// ./config.yaml and is optional; an explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("TUTORHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		// no file: env vars and defaults carry the config
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.GatewayTimeout = time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second
	cfg.DialTimeout = time.Duration(cfg.Channel.DialTimeoutSeconds) * time.Second
	cfg.BackoffBase = time.Duration(cfg.Channel.BackoffBaseMillis) * time.Millisecond
	cfg.BackoffMax = time.Duration(cfg.Channel.BackoffMaxSeconds) * time.Second
	cfg.TypingTTL = time.Duration(cfg.Presence.TypingTTLSeconds) * time.Second
	cfg.TypingSweep = time.Duration(cfg.Presence.TypingSweepMillis) * time.Millisecond
	cfg.TypingThrottle = time.Duration(cfg.Presence.TypingThrottleSeconds) * time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.base_url", "http://localhost:8080")
	v.SetDefault("gateway.socket_url", "ws://localhost:8080/ws")
	// the empty default registers the key so the env override is seen
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.timeout_seconds", 10)
	v.SetDefault("channel.dial_timeout_seconds", 10)
	v.SetDefault("channel.backoff_base_millis", 500)
	v.SetDefault("channel.backoff_max_seconds", 30)
	v.SetDefault("presence.typing_ttl_seconds", 4)
	v.SetDefault("presence.typing_sweep_millis", 1000)
	v.SetDefault("presence.typing_throttle_seconds", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}
