// Package gwconfig loads the gateway process's startup configuration:
// in-code defaults, an optional YAML overlay, then environment
// variable overrides, applied in that order.
package gwconfig

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway process's full startup configuration.
type Config struct {
	GatewayID     string `yaml:"gateway_id"`
	MQTTBroker    string `yaml:"mqtt_broker"`
	CloudURL      string `yaml:"cloud_url"`
	APIKey        string `yaml:"api_key"`
	GatewaySecret string `yaml:"gateway_secret"`
	LogLevel      string `yaml:"log_level"`
	MetricsPort   int    `yaml:"metrics_port"`

	BatchSize           int           `yaml:"batch_size"`
	MaxWaitSeconds      int           `yaml:"max_wait_seconds"`
	ConfigCheckInterval time.Duration `yaml:"config_check_interval"`
}

// defaults mirrors fixed constants for a gateway that has not yet
// received a config override from the cloud.
func defaults() *Config {
	return &Config{
		GatewayID: "gateway-01",
		MQTTBroker: "tcp://mosquitto:1883",
		CloudURL: "http://cloud-api:8000",
		APIKey: "secretAPIkey",
		GatewaySecret: "gateway-secret",
		LogLevel: "info",
		MetricsPort: 9100,
		BatchSize: 50,
		MaxWaitSeconds: 5,
		ConfigCheckInterval: 30 * time.Second,
	}
}

// Load builds a Config starting from defaults, overlaying an optional
// YAML file at path (missing file is not an error), then applying
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		cfg.GatewayID = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}
	if v := os.Getenv("CLOUD_URL"); v != "" {
		cfg.CloudURL = v
	}
	if v := os.Getenv("CLOUD_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("GATEWAY_SECRET"); v != "" {
		cfg.GatewaySecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = n
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("MAX_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWaitSeconds = n
		}
	}
}
