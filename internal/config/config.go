package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string       `mapstructure:"mode"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
}

type RelayConfig struct {
	Port      int   `mapstructure:"port"`
	ReadLimit int64 `mapstructure:"read_limit"`
}

type ClientConfig struct {
	ServerURL     string   `mapstructure:"server_url"`
	STUNURLs      []string `mapstructure:"stun_urls"`
	DeviceRate    int      `mapstructure:"device_rate"`
	CaptureWindow int      `mapstructure:"capture_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.device_rate", 48000)
	v.SetDefault("client.capture_window", 4096)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
