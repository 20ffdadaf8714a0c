// Package config provides configuration loading and management for the
// Dispatch Core.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	semstreamsconfig "github.com/c360studio/semstreams/config"
	"gopkg.in/yaml.v3"

	"github.com/selfevolve/dispatchcore/internal/dispatch"
)

// Config represents the complete Dispatch Core configuration.
type Config struct {
	Dispatch dispatch.Config `yaml:"dispatch"`
	NATS     NATSConfig      `yaml:"nats"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// MetricsConfig configures the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	// ListenAddr is where the /metrics handler binds (empty disables it).
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dispatch: dispatch.DefaultConfig(),
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := semstreamsconfig.ExpandEnvWithDefaults(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). The queue table itself is replaced wholesale rather than
// merged per-entry: adding or removing queues is a restart-time decision, not
// something a partial override should do silently.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Dispatch.StreamName != "" {
		c.Dispatch.StreamName = other.Dispatch.StreamName
	}
	if other.Dispatch.ConsumerPrefix != "" {
		c.Dispatch.ConsumerPrefix = other.Dispatch.ConsumerPrefix
	}
	if len(other.Dispatch.Queues) > 0 {
		c.Dispatch.Queues = other.Dispatch.Queues
	}
	if other.Dispatch.Pool.Workers != 0 {
		c.Dispatch.Pool.Workers = other.Dispatch.Pool.Workers
	}
	if other.Dispatch.Pool.BatchSize != 0 {
		c.Dispatch.Pool.BatchSize = other.Dispatch.Pool.BatchSize
	}
	if other.Dispatch.Pool.PollIntervalMS != 0 {
		c.Dispatch.Pool.PollIntervalMS = other.Dispatch.Pool.PollIntervalMS
	}
	if other.Dispatch.Pool.VisibilitySeconds != 0 {
		c.Dispatch.Pool.VisibilitySeconds = other.Dispatch.Pool.VisibilitySeconds
	}
	if other.Dispatch.Approval.DefaultTTLSeconds != 0 {
		c.Dispatch.Approval.DefaultTTLSeconds = other.Dispatch.Approval.DefaultTTLSeconds
	}
	if other.Dispatch.Approval.GCIntervalSeconds != 0 {
		c.Dispatch.Approval.GCIntervalSeconds = other.Dispatch.Approval.GCIntervalSeconds
	}
	if other.Dispatch.Registry.TerminalRetentionSeconds != 0 {
		c.Dispatch.Registry.TerminalRetentionSeconds = other.Dispatch.Registry.TerminalRetentionSeconds
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}

// PolicyOverlay extracts the per-queue policy table from the config, keyed by
// logical queue name. The Watcher does not diff overlays: on each reload it
// forwards the whole queue table.
func (c *Config) PolicyOverlay() map[string]dispatch.QueueConfig {
	out := make(map[string]dispatch.QueueConfig, len(c.Dispatch.Queues))
	for _, q := range c.Dispatch.Queues {
		out[q.LogicalName] = q
	}
	return out
}
