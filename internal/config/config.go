package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port            int     `env:"PORT" envDefault:"8443"`
	ControlPort     int     `env:"CONTROL_PORT" envDefault:"8444"`
	DeviceID        string  `env:"DEVICE_ID"`
	DeviceName      string  `env:"DEVICE_NAME" envDefault:"CribCall Monitor"`
	Transport       string  `env:"CONTROL_TRANSPORT" envDefault:"websocket"`
	LogLevel        string  `env:"LOG_LEVEL" envDefault:"info"`
	MaxFrameBytes   int     `env:"MAX_FRAME_BYTES" envDefault:"512000"`
	NoiseThreshold  float64 `env:"NOISE_THRESHOLD" envDefault:"60"`
	CooldownSeconds int     `env:"NOISE_COOLDOWN_SECONDS" envDefault:"30"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ControlAddr() string {
	return fmt.Sprintf(":%d", c.ControlPort)
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "websocket", "quic":
	default:
		return fmt.Errorf("CONTROL_TRANSPORT must be websocket or quic, got %q", c.Transport)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be positive")
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("NOISE_COOLDOWN_SECONDS must not be negative")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
