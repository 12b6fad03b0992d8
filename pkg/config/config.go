// Package config loads GEF's runtime configuration: where the ledger
// lives, which key signs it, and which optional subsystems (durability
// mode, telemetry, anchor publishing, read index, rate limiting) are
// active. Defaults are 12-factor environment variables; an optional YAML
// profile file can override them for a named deployment.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/guardclaw/gef/pkg/ledger"
)

// Config is GEF's full runtime configuration.
type Config struct {
	LedgerPath string `yaml:"ledger_path"`
	KeyPath    string `yaml:"key_path"`
	AgentID    string `yaml:"agent_id"`

	Durability string `yaml:"durability"` // "sync" | "buffered"

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Anchor    AnchorConfig    `yaml:"anchor"`
	Index     IndexConfig     `yaml:"index"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// TelemetryConfig controls the OpenTelemetry exporters wired by
// pkg/telemetry.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// AnchorConfig controls whether, and where, pkg/anchor publishes head
// hashes.
type AnchorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// IndexConfig controls the optional read index.
type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // "sqlite" | "postgres"
	DSN     string `yaml:"dsn"`
}

// RateLimitConfig controls the optional emit throttle.
type RateLimitConfig struct {
	Enabled       bool    `yaml:"enabled"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"` // empty uses the in-process limiter
}

// Default returns a Config sufficient to run a local ledger with a
// generated key and every optional subsystem disabled. No profile file is
// required to use it.
func Default() *Config {
	return &Config{
		LedgerPath: "gef-ledger.jsonl",
		KeyPath:    "gef-signing-key.pem",
		AgentID:    "local-agent",
		Durability: "sync",
		Telemetry:  TelemetryConfig{ServiceName: "gef"},
	}
}

// DurabilityOption returns the ledger.Durability value corresponding to the
// configured mode string, defaulting to DurabilitySync for an unset or
// unrecognized value.
func (c *Config) DurabilityOption() ledger.Durability {
	if c.Durability == "buffered" {
		return ledger.DurabilityBuffered
	}
	return ledger.DurabilitySync
}

// FromEnv builds a Config from environment variables, falling back to
// Default() for anything unset.
func FromEnv() *Config {
	c := Default()

	if v := os.Getenv("GEF_LEDGER_PATH"); v != "" {
		c.LedgerPath = v
	}
	if v := os.Getenv("GEF_KEY_PATH"); v != "" {
		c.KeyPath = v
	}
	if v := os.Getenv("GEF_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("GEF_DURABILITY"); v != "" {
		c.Durability = v
	}
	if v := os.Getenv("GEF_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("GEF_ANCHOR_BUCKET"); v != "" {
		c.Anchor.Enabled = true
		c.Anchor.Bucket = v
	}
	if v := os.Getenv("GEF_INDEX_DSN"); v != "" {
		c.Index.Enabled = true
		c.Index.DSN = v
	}
	if v := os.Getenv("GEF_RATE_LIMIT_REDIS_ADDR"); v != "" {
		c.RateLimit.Enabled = true
		c.RateLimit.RedisAddr = v
	}

	return c
}

// LoadProfile reads a YAML profile file and overlays it onto a
// FromEnv()-derived Config. Any field absent from the file keeps its
// environment-derived value.
func LoadProfile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading profile %s: %w", path, err)
	}

	c := FromEnv()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing profile %s: %w", path, err)
	}
	return c, nil
}
