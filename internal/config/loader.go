package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ProviderEntry configures one upstream completion backend.
type ProviderEntry struct {
	ID            string  `json:"id" yaml:"id" toml:"id"`
	Priority      int     `json:"priority" yaml:"priority" toml:"priority"`
	URL           string  `json:"url" yaml:"url" toml:"url"`
	Model         string  `json:"model" yaml:"model" toml:"model"`
	APIKeyFile    string  `json:"api_key_file" yaml:"api_key_file" toml:"api_key_file"`
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second" toml:"rate_per_second"`
	RateBurst     int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
}

// Config holds runtime parameters for the service.
// Durations are plain integers with the unit in the field name so all
// three formats parse them the same way.
type Config struct {
	ChannelName string `json:"channel_name" yaml:"channel_name" toml:"channel_name"`
	SlotSize    int    `json:"slot_size" yaml:"slot_size" toml:"slot_size"`
	SlotCount   int    `json:"slot_count" yaml:"slot_count" toml:"slot_count"`

	BufferTiers []int `json:"buffer_tiers" yaml:"buffer_tiers" toml:"buffer_tiers"`
	BufferCap   int   `json:"buffer_cap" yaml:"buffer_cap" toml:"buffer_cap"`

	MaxConcurrent     int    `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	AdmissionPolicy   string `json:"admission_policy" yaml:"admission_policy" toml:"admission_policy"`
	AdmissionWaitMS   int    `json:"admission_wait_ms" yaml:"admission_wait_ms" toml:"admission_wait_ms"`
	AdmissionQueue    int    `json:"admission_queue" yaml:"admission_queue" toml:"admission_queue"`
	ConnIdleTimeoutMS int    `json:"conn_idle_timeout_ms" yaml:"conn_idle_timeout_ms" toml:"conn_idle_timeout_ms"`

	FailureThreshold  int `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	BreakerCooldownMS int `json:"breaker_cooldown_ms" yaml:"breaker_cooldown_ms" toml:"breaker_cooldown_ms"`
	MaxRetries        int `json:"max_retries" yaml:"max_retries" toml:"max_retries"`

	InitialBackoffMS  int     `json:"initial_backoff_ms" yaml:"initial_backoff_ms" toml:"initial_backoff_ms"`
	MaxBackoffMS      int     `json:"max_backoff_ms" yaml:"max_backoff_ms" toml:"max_backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	MaxReconnects     int     `json:"max_reconnects" yaml:"max_reconnects" toml:"max_reconnects"`

	StreamBufferMin int `json:"stream_buffer_min" yaml:"stream_buffer_min" toml:"stream_buffer_min"`
	StreamBufferMax int `json:"stream_buffer_max" yaml:"stream_buffer_max" toml:"stream_buffer_max"`
	SlowDrainMS     int `json:"slow_drain_ms" yaml:"slow_drain_ms" toml:"slow_drain_ms"`

	AdminAddr string          `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr"`
	Providers []ProviderEntry `json:"providers" yaml:"providers" toml:"providers"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ChannelName:       "relayd-main",
		SlotSize:          64 * 1024,
		SlotCount:         16,
		BufferTiers:       []int{1 << 10, 16 << 10, 64 << 10},
		BufferCap:         32,
		MaxConcurrent:     8,
		AdmissionPolicy:   "block",
		AdmissionWaitMS:   5000,
		AdmissionQueue:    16,
		ConnIdleTimeoutMS: 120_000,
		FailureThreshold:  3,
		BreakerCooldownMS: 30_000,
		InitialBackoffMS:  100,
		MaxBackoffMS:      30_000,
		BackoffMultiplier: 2,
		MaxReconnects:     10,
		StreamBufferMin:   4,
		StreamBufferMax:   64,
		SlowDrainMS:       50,
		AdminAddr:         ":8090",
	}
}

// Load reads a configuration file based on its extension. Fields the
// file omits keep their defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.ChannelName == "" {
		return fmt.Errorf("channel_name must not be empty")
	}
	if c.SlotSize < 16 {
		return fmt.Errorf("slot_size %d too small", c.SlotSize)
	}
	if c.SlotCount < 1 {
		return fmt.Errorf("slot_count must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	switch c.AdmissionPolicy {
	case "block", "reject", "drop_oldest":
	default:
		return fmt.Errorf("unknown admission_policy %q", c.AdmissionPolicy)
	}
	if c.StreamBufferMin < 1 || c.StreamBufferMax < c.StreamBufferMin {
		return fmt.Errorf("stream buffer bounds %d..%d invalid", c.StreamBufferMin, c.StreamBufferMax)
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id must not be empty", i)
		}
		if p.URL == "" {
			return fmt.Errorf("provider %s: url must not be empty", p.ID)
		}
	}
	return nil
}
