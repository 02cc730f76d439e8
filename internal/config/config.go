// Package config loads layered configuration (defaults, file, environment)
// for the zonewatch service.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Sensor     SensorConfig     `mapstructure:"sensor"`
	Fieldbus   FieldbusConfig   `mapstructure:"fieldbus"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// SensorConfig addresses the sensor's UDP data port and optional TCP
// command port, plus the optional source-IP allowlist filter.
type SensorConfig struct {
	Host        string `mapstructure:"host"`
	UDPPort     int    `mapstructure:"udp_port"`
	SourceIP    string `mapstructure:"source_ip"`
	CommandPort int    `mapstructure:"command_port"`
	CommandIP   string `mapstructure:"command_ip"`
}

// FieldbusConfig groups the two fieldbus publishers' enable flags and ports.
type FieldbusConfig struct {
	ModbusEnabled bool `mapstructure:"modbus_enabled"`
	ModbusPort    int  `mapstructure:"modbus_port"`

	ImplicitIOEnabled      bool `mapstructure:"implicitio_enabled"`
	ImplicitIOExplicitPort int  `mapstructure:"implicitio_explicit_port"`
	ImplicitIOCyclicPort   int  `mapstructure:"implicitio_cyclic_port"`
}

// BroadcastConfig addresses the live dashboard websocket endpoint.
type BroadcastConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CatalogConfig locates the persisted product catalog document.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// SimulationConfig enables the simulated scan source in place of live
// ingest, at a configurable rate.
type SimulationConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// Load reads configuration from file and environment variables, layered
// environment over file over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("ZONEWATCH")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sensor.host", "0.0.0.0")
	v.SetDefault("sensor.udp_port", 2112)
	v.SetDefault("sensor.source_ip", "")
	v.SetDefault("sensor.command_port", 2111)
	v.SetDefault("sensor.command_ip", "")

	v.SetDefault("fieldbus.modbus_enabled", true)
	v.SetDefault("fieldbus.modbus_port", 502)
	v.SetDefault("fieldbus.implicitio_enabled", true)
	v.SetDefault("fieldbus.implicitio_explicit_port", 44818)
	v.SetDefault("fieldbus.implicitio_cyclic_port", 2222)

	v.SetDefault("broadcast.host", "0.0.0.0")
	v.SetDefault("broadcast.port", 8081)

	v.SetDefault("catalog.path", "./data/catalog.json")

	v.SetDefault("simulation.enabled", false)
	v.SetDefault("simulation.rate", 12.5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.dir", "")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".zonewatch")
}
