// Package config handles agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig. Then:
// ./agent.yaml, ~/.config/meshagent/agent.yaml, /config/agent.yaml,
// /etc/meshagent/agent.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"agent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "meshagent", "agent.yaml"))
	}

	paths = append(paths, "/config/agent.yaml") // Container convention
	paths = append(paths, "/etc/meshagent/agent.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agent configuration.
type Config struct {
	// Endpoint is the broker URL (ws://, wss://, dgram://, mqtt://,
	// mqtts://). Empty means standalone mode unless Discovery.Name is set.
	Endpoint string `yaml:"endpoint"`
	// Token authenticates the login handshake.
	Token string `yaml:"token"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	// HandlerTimeout is the default per-handler-invocation timeout.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// Workers bounds concurrently running synchronous handlers.
	Workers int `yaml:"workers"`
	// SendQueueSize is the outbound frame queue's high-water mark.
	SendQueueSize int `yaml:"send_queue_size"`
	// MaxDataSize and MaxMetaSize are byte caps for a non-Large frame's
	// serialized Data/Meta fields. The agent advertises their sum to the
	// broker as the filter command's data.size; it does not check its
	// own outbound or inbound frames against them (Frame.Validate does
	// that only when a caller runs it).
	MaxDataSize int `yaml:"max_data_size"`
	MaxMetaSize int `yaml:"max_meta_size"`

	LogLevel string `yaml:"log_level"`
}

// DiscoveryConfig configures mDNS endpoint resolution, used when
// Endpoint is empty.
type DiscoveryConfig struct {
	Name   string `yaml:"name"`
	Scheme string `yaml:"scheme"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MESHAGENT_TOKEN}). This is a
	// convenience for container deployments; the recommended approach is
	// to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.MaxDataSize == 0 {
		c.MaxDataSize = 512
	}
	if c.MaxMetaSize == 0 {
		c.MaxMetaSize = 256
	}
	if c.Discovery.Scheme == "" {
		c.Discovery.Scheme = "ws"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler_timeout must be positive, got %s", c.HandlerTimeout)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be >= 1, got %d", c.SendQueueSize)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration for standalone local use
// (no endpoint, no token). All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
