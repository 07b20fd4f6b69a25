// Package config provides YAML-based configuration loading for meshbridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application instance
	AppName string `mapstructure:"app_name"`

	// Device selects the radio link
	Device DeviceConfig `mapstructure:"device"`

	// Mesh holds messaging parameters
	Mesh MeshConfig `mapstructure:"mesh"`

	// MQTT configures the optional client proxy uplink
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// DeviceConfig selects and tunes the physical link to the radio.
type DeviceConfig struct {
	// Transport: serial or ble
	Transport string `mapstructure:"transport"`
	// Port is the serial device path, e.g. /dev/ttyUSB0
	Port string `mapstructure:"port"`
	// Address is the BLE MAC address of the radio
	Address string `mapstructure:"address"`
	// Name is the BLE advertised name, used when Address is empty
	Name string `mapstructure:"name"`
}

// MeshConfig tunes outbound messaging.
type MeshConfig struct {
	// HopLimit for outbound packets
	HopLimit uint8 `mapstructure:"hop_limit"`
	// HeartbeatSeconds between keepalives while the link is ready
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// MQTTConfig configures the client proxy uplink. Disabled when BrokerURL is
// empty.
type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	RootTopic string `mapstructure:"root_topic"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "meshbridge",
		Device: DeviceConfig{
			Transport: "serial",
			Port:      "/dev/ttyUSB0",
		},
		Mesh: MeshConfig{
			HopLimit:         3,
			HeartbeatSeconds: 300,
		},
		MQTT: MQTTConfig{
			RootTopic: "msh",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHBRIDGE and `.`/`-` are replaced
// with `_`. Example: MESHBRIDGE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("device.transport", cfg.Device.Transport)
	v.SetDefault("device.port", cfg.Device.Port)
	v.SetDefault("device.address", cfg.Device.Address)
	v.SetDefault("device.name", cfg.Device.Name)
	v.SetDefault("mesh.hop_limit", cfg.Mesh.HopLimit)
	v.SetDefault("mesh.heartbeat_seconds", cfg.Mesh.HeartbeatSeconds)
	v.SetDefault("mqtt.broker_url", cfg.MQTT.BrokerURL)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.root_topic", cfg.MQTT.RootTopic)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if path == "" {
		if envPath := os.Getenv("MESHBRIDGE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshbridge"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
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
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Device.Transport)) {
	case "serial":
		if strings.TrimSpace(c.Device.Port) == "" {
			return errors.New("device.port is required for serial transport")
		}
	case "ble":
		if c.Device.Address == "" && c.Device.Name == "" {
			return errors.New("device.address or device.name is required for ble transport")
		}
	default:
		return fmt.Errorf("invalid device.transport: %q", c.Device.Transport)
	}

	if c.Mesh.HeartbeatSeconds <= 0 {
		c.Mesh.HeartbeatSeconds = 300
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
