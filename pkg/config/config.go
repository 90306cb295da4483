// Copyright 2025 Certen Protocol
//
// Package config loads node configuration from environment variables, with
// an optional YAML node-config file (see node_config.go) for the P2P and
// storage settings that are awkward to express as flat env vars.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all configuration for the key-directory node.
type Config struct {
	// Server configuration
	ListenAddr string

	// P2P configuration
	P2PListenAddr string
	BootstrapPeer string

	// Storage configuration
	DataDir     string
	DatabaseURL string // optional Postgres mirror of the key directory; empty disables it

	// Key material
	Ed25519KeyPath string
	BackendKeyPath string // optional; when set, RegisterDevice requires a matching attestation

	// Block production
	BlockInterval time.Duration

	LogLevel string
}

// Load reads configuration from environment variables, applying the same
// defaults a local single-node deployment needs.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),

		P2PListenAddr: getEnv("P2P_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/4001"),
		BootstrapPeer: getEnv("P2P_BOOTSTRAP_PEER", ""),

		DataDir:     getEnv("DATA_DIR", "./data"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		Ed25519KeyPath: getEnv("ED25519_KEY_PATH", ""),
		BackendKeyPath: getEnv("BACKEND_KEY_PATH", ""),

		BlockInterval: getEnvDuration("BLOCK_INTERVAL", 5*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that configuration required for a production node is
// present.
func (c *Config) Validate() error {
	var errs []string

	if c.Ed25519KeyPath == "" {
		errs = append(errs, "ED25519_KEY_PATH is required but not set")
	}
	if c.DataDir == "" {
		errs = append(errs, "DATA_DIR is required but not set")
	}
	if c.DatabaseURL != "" && strings.Contains(c.DatabaseURL, "sslmode=disable") {
		errs = append(errs, "DATABASE_URL must use sslmode=require for production security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
