// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package config loads the indexer configuration from YAML with
// environment expansion, so secrets can live in the environment while
// the file stays checked in.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/dexindexer/storage"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ChainConfig describes one indexed chain.
type ChainConfig struct {
	ChainID uint64 `yaml:"chain_id"`
	Name    string `yaml:"name"`
	RPC     string `yaml:"rpc"`

	// LiveThreshold is the first block whose side effects (pushes,
	// cache refreshes) run; earlier blocks are treated as backfill.
	LiveThreshold uint64 `yaml:"live_threshold"`

	// Contracts maps tracked contract addresses to their role
	// (orderbook, vault, bridge).
	Contracts map[string]string `yaml:"contracts"`
}

// GatewayConfig tunes the websocket gateway.
type GatewayConfig struct {
	Listen            string   `yaml:"listen"`
	JWTSecret         string   `yaml:"jwt_secret"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ControlInterval   Duration `yaml:"control_interval"`
	ControlBurst      int      `yaml:"control_burst"`
}

// RateLimitConfig tunes the request limiter.
type RateLimitConfig struct {
	MaxRequests int64    `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// CacheConfig tunes the metadata cache.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// Config is the root document.
type Config struct {
	Storage   storage.Config  `yaml:"storage"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Cache     CacheConfig     `yaml:"cache"`
	Chains    []ChainConfig   `yaml:"chains"`
}

// Load reads, env-expands and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendMemory
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8080"
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Gateway.ControlInterval == 0 {
		c.Gateway.ControlInterval = Duration(200 * time.Millisecond)
	}
	if c.Gateway.ControlBurst == 0 {
		c.Gateway.ControlBurst = 5
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(time.Hour)
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(5 * time.Minute)
	}
}

func (c *Config) validate() error {
	backend, err := storage.ParseBackend(string(c.Storage.Backend))
	if err != nil {
		return err
	}
	c.Storage.Backend = backend
	if backend != storage.BackendMemory && c.Storage.URL == "" {
		return fmt.Errorf("storage backend %s requires a url", backend)
	}

	seen := make(map[uint64]bool)
	for i, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chain %d: chain_id required", i)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chain %d: duplicate chain_id %d", i, chain.ChainID)
		}
		seen[chain.ChainID] = true
		for addr, role := range chain.Contracts {
			switch role {
			case "orderbook", "vault", "bridge":
			default:
				return fmt.Errorf("chain %d: contract %s has unknown role %q", chain.ChainID, addr, role)
			}
		}
	}
	return nil
}

// Roles flattens every chain's contract map into one address-to-role
// map for the pipeline registry.
func (c *Config) Roles() map[string]string {
	out := make(map[string]string)
	for _, chain := range c.Chains {
		for addr, role := range chain.Contracts {
			out[addr] = role
		}
	}
	return out
}
