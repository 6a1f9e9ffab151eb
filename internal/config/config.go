// Package config loads the weft daemon configuration from a JSON file or
// from WEFT_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level weft configuration.
type Config struct {
	Node      NodeConfig      `json:"node"`
	Protocols ProtocolsConfig `json:"protocols"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Agents    []AgentConfig   `json:"agents"`
	API       APIConfig       `json:"api"`
}

// NodeConfig holds node-level settings.
type NodeConfig struct {
	ID      string `json:"id"`
	DataDir string `json:"data_dir"`
}

// ProtocolsConfig tunes the conversation engines. Durations are seconds.
type ProtocolsConfig struct {
	RequestTTL       int    `json:"request_ttl,omitempty"`       // default 300
	ContractNetTTL   int    `json:"contract_net_ttl,omitempty"`  // default 1800
	BiddingWindow    int    `json:"bidding_window,omitempty"`    // default 30
	ExecutionTimeout int    `json:"execution_timeout,omitempty"` // default 120
	MaxViolations    int    `json:"max_violations,omitempty"`    // default 5
	SweepSchedule    string `json:"sweep_schedule,omitempty"`    // cron spec, default "@every 30s"
}

// DeliveryConfig tunes the outbound courier.
type DeliveryConfig struct {
	MaxAttempts     int `json:"max_attempts,omitempty"`      // default 3
	RetryIntervalMS int `json:"retry_interval_ms,omitempty"` // default 500
	MaxIntervalMS   int `json:"max_interval_ms,omitempty"`   // default 10000
	InboxSize       int `json:"inbox_size,omitempty"`        // default 64
}

// AgentConfig pre-registers an agent's capabilities at startup.
type AgentConfig struct {
	ID           string           `json:"id"`
	Capabilities []CapabilitySpec `json:"capabilities"`
}

// CapabilitySpec is one advertised capability.
type CapabilitySpec struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a minimal config from environment variables with WEFT_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			ID:      getenv("WEFT_NODE_ID", "weft"),
			DataDir: getenv("WEFT_DATA_DIR", "/data"),
		},
		API: APIConfig{
			Host: getenv("WEFT_API_HOST", "0.0.0.0"),
			Port: getenvInt("WEFT_API_PORT", 8080),
			Key:  os.Getenv("WEFT_API_KEY"),
		},
	}
	cfg.Protocols.RequestTTL = getenvInt("WEFT_REQUEST_TTL", 0)
	cfg.Protocols.ContractNetTTL = getenvInt("WEFT_CONTRACT_NET_TTL", 0)
	cfg.Protocols.BiddingWindow = getenvInt("WEFT_BIDDING_WINDOW", 0)
	cfg.Protocols.ExecutionTimeout = getenvInt("WEFT_EXECUTION_TIMEOUT", 0)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Protocols.RequestTTL <= 0 {
		c.Protocols.RequestTTL = 300
	}
	if c.Protocols.ContractNetTTL <= 0 {
		c.Protocols.ContractNetTTL = 1800
	}
	if c.Protocols.BiddingWindow <= 0 {
		c.Protocols.BiddingWindow = 30
	}
	if c.Protocols.ExecutionTimeout <= 0 {
		c.Protocols.ExecutionTimeout = 120
	}
	if c.Protocols.MaxViolations <= 0 {
		c.Protocols.MaxViolations = 5
	}
	if c.Protocols.SweepSchedule == "" {
		c.Protocols.SweepSchedule = "@every 30s"
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.RetryIntervalMS <= 0 {
		c.Delivery.RetryIntervalMS = 500
	}
	if c.Delivery.MaxIntervalMS <= 0 {
		c.Delivery.MaxIntervalMS = 10000
	}
	if c.Delivery.InboxSize <= 0 {
		c.Delivery.InboxSize = 64
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// RequestTTLDuration returns protocols.request_ttl as a duration.
func (c *Config) RequestTTLDuration() time.Duration {
	return time.Duration(c.Protocols.RequestTTL) * time.Second
}

// ContractNetTTLDuration returns protocols.contract_net_ttl as a duration.
func (c *Config) ContractNetTTLDuration() time.Duration {
	return time.Duration(c.Protocols.ContractNetTTL) * time.Second
}

// BiddingWindowDuration returns protocols.bidding_window as a duration.
func (c *Config) BiddingWindowDuration() time.Duration {
	return time.Duration(c.Protocols.BiddingWindow) * time.Second
}

// ExecutionTimeoutDuration returns protocols.execution_timeout as a duration.
func (c *Config) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(c.Protocols.ExecutionTimeout) * time.Second
}

// RetryInterval returns delivery.retry_interval_ms as a duration.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Delivery.RetryIntervalMS) * time.Millisecond
}

// MaxRetryInterval returns delivery.max_interval_ms as a duration.
func (c *Config) MaxRetryInterval() time.Duration {
	return time.Duration(c.Delivery.MaxIntervalMS) * time.Millisecond
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	}
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		for j, spec := range a.Capabilities {
			if spec.Name == "" {
				errs = append(errs, fmt.Sprintf("agents[%d].capabilities[%d].name is required", i, j))
			}
			if spec.Score < 0 || spec.Score > 1 {
				errs = append(errs, fmt.Sprintf("agents[%d].capabilities[%d].score must be in [0,1]", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
