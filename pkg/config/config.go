// Package config provides YAML-based daemon configuration and the plain-text
// service table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration.
type Config struct {
	// Listen is the local TCP endpoint clients connect to.
	Listen string `mapstructure:"listen"`

	// Backlog for the listening socket.
	Backlog int `mapstructure:"backlog"`

	// SPI holds serial bus settings.
	SPI SPIConfig `mapstructure:"spi"`

	// IRQGPIO is the sysfs GPIO pin number carrying the peer interrupt.
	IRQGPIO string `mapstructure:"irq_gpio"`

	// ServicesFile is the path of the on-demand service table.
	ServicesFile string `mapstructure:"services_file"`

	// DrainTimeoutSec caps the graceful shutdown drain.
	DrainTimeoutSec int `mapstructure:"drain_timeout_sec"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`
}

// SPIConfig defines the spidev device settings.
type SPIConfig struct {
	Device  string `mapstructure:"device"`
	SpeedHz uint32 `mapstructure:"speed_hz"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the stock hardware settings.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:7110",
		Backlog:         16,
		SPI:             SPIConfig{Device: "/dev/spidev0.0", SpeedHz: 67000000},
		IRQGPIO:         "25",
		ServicesFile:    "/etc/opt/a314/a314d.conf",
		DrainTimeoutSec: 10,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/a314d.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
	}
}

// Load reads the daemon configuration. An empty path falls back to the
// A314D_CONFIG environment variable and then to defaults; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("A314D")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("backlog", cfg.Backlog)
	v.SetDefault("spi.device", cfg.SPI.Device)
	v.SetDefault("spi.speed_hz", cfg.SPI.SpeedHz)
	v.SetDefault("irq_gpio", cfg.IRQGPIO)
	v.SetDefault("services_file", cfg.ServicesFile)
	v.SetDefault("drain_timeout_sec", cfg.DrainTimeoutSec)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("A314D_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Backlog <= 0 {
		c.Backlog = 16
	}
	if c.DrainTimeoutSec <= 0 {
		c.DrainTimeoutSec = 10
	}
	if c.SPI.SpeedHz == 0 {
		c.SPI.SpeedHz = 67000000
	}
	return nil
}
