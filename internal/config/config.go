package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration, loaded from a YAML file
// the way cmd/goqtt/main.go loaded config.yml.
type Config struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics MetricsConfig `yaml:"metrics"`
	Auth    AuthConfig    `yaml:"auth"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// StorageConfig points at the bbolt database holding the per-topic
// message logs, committed group offsets and the KV bucket.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig tunes the subscription dispatch engine: how long an
// ExclusivePushWorker waits for an ack, how many times it retries before
// escalating, how large a batch it reads from the topic log per poll,
// and how it backs off when a topic is idle.
type DispatchConfig struct {
	AckTimeoutMs  int `yaml:"ack_timeout_ms"`
	MaxRetries    int `yaml:"max_retries"`
	ReadBatchSize int `yaml:"read_batch_size"`
	PollEmptyMs   int `yaml:"poll_empty_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
}

func (d DispatchConfig) AckTimeout() time.Duration {
	return time.Duration(d.AckTimeoutMs) * time.Millisecond
}

func (d DispatchConfig) PollEmptyInterval() time.Duration {
	return time.Duration(d.PollEmptyMs) * time.Millisecond
}

func (d DispatchConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMs) * time.Millisecond
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AuthConfig struct {
	DBPath string `yaml:"db_path"`
}

// Default returns the configuration used when no config.yml is present,
// suitable for local development.
func Default() Config {
	return Config{
		Name:    "fluxmqd",
		Version: "dev",
		Server:  ServerConfig{Port: ":1883"},
		Logging: LoggingConfig{Level: "debug", Format: "text", Environment: "development"},
		Storage: StorageConfig{Path: "./store/fluxmq.db"},
		Dispatch: DispatchConfig{
			AckTimeoutMs:  5000,
			MaxRetries:    3,
			ReadBatchSize: 5,
			PollEmptyMs:   100,
			MaxBackoffMs:  30000,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9464"},
		Auth:    AuthConfig{DBPath: "./store/store.db"},
	}
}

// Load reads and parses a YAML config file from path. A missing file is
// not an error: callers fall back to Default.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
