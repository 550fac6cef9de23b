// Package config holds deployment parameters for the negotiation core.
// Values load from environment variables with sane defaults; a YAML file
// can override them for packaged deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the core's deployment parameters.
type Config struct {
	// NodeID identifies this core in signatures and logs.
	NodeID string `yaml:"node_id" json:"node_id"`
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// NegotiationTTL bounds how long a session may negotiate before it
	// expires lazily on next touch.
	NegotiationTTL time.Duration `yaml:"negotiation_ttl" json:"negotiation_ttl"`
	// TokenTTL is the validity window length of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
	// CollaboratorTimeout bounds blocking collaborator calls (signature
	// verification, counters, rollback).
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout" json:"collaborator_timeout"`

	// MaxInvocationsPerActor is the default per-actor invocation cap.
	MaxInvocationsPerActor int `yaml:"max_invocations_per_actor" json:"max_invocations_per_actor"`
	// MaxInvocationsTotal is the default shared cap; zero means untracked.
	MaxInvocationsTotal int `yaml:"max_invocations_total" json:"max_invocations_total"`

	// SenderRatePerSecond throttles inbound envelopes per sender.
	SenderRatePerSecond float64 `yaml:"sender_rate_per_second" json:"sender_rate_per_second"`
	// SenderBurst is the per-sender burst allowance.
	SenderBurst int `yaml:"sender_burst" json:"sender_burst"`

	// AuditDBPath is the SQLite path of the durable audit sink; empty
	// disables the durable sink.
	AuditDBPath string `yaml:"audit_db_path" json:"audit_db_path"`

	// RedisAddr enables the Redis-backed shared invocation counter when
	// non-empty; otherwise an in-memory counter is used.
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		NodeID:                 envStr("ICNP_NODE_ID", "icnp-core"),
		LogLevel:               envStr("ICNP_LOG_LEVEL", "INFO"),
		NegotiationTTL:         envDuration("ICNP_NEGOTIATION_TTL", 10*time.Minute),
		TokenTTL:               envDuration("ICNP_TOKEN_TTL", 5*time.Minute),
		CollaboratorTimeout:    envDuration("ICNP_COLLABORATOR_TIMEOUT", 3*time.Second),
		MaxInvocationsPerActor: envInt("ICNP_MAX_INVOCATIONS_PER_ACTOR", 10),
		MaxInvocationsTotal:    envInt("ICNP_MAX_INVOCATIONS_TOTAL", 0),
		SenderRatePerSecond:    envFloat("ICNP_SENDER_RATE_PER_SECOND", 20),
		SenderBurst:            envInt("ICNP_SENDER_BURST", 40),
		AuditDBPath:            envStr("ICNP_AUDIT_DB_PATH", ""),
		RedisAddr:              envStr("ICNP_REDIS_ADDR", ""),
		RedisPassword:          envStr("ICNP_REDIS_PASSWORD", ""),
		RedisDB:                envInt("ICNP_REDIS_DB", 0),
	}
}

// LoadFile loads environment defaults and overlays a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
