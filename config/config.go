// Package config loads server configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server binary needs at startup.
type Config struct {
	// ListenAddr is the address for the administrative REST API.
	ListenAddr string `yaml:"listenAddr"`
	// DatabasePath locates the definition database; empty uses in-memory.
	DatabasePath string `yaml:"databasePath"`
	// EncryptionPassphrase enables password encryption-at-rest when set.
	EncryptionPassphrase string `yaml:"encryptionPassphrase"`

	// BorrowTimeout bounds how long a lookup waits for a pooled connection.
	BorrowTimeout time.Duration `yaml:"-"`
	// ShutdownGrace bounds graceful shutdown of in-flight requests.
	ShutdownGrace time.Duration `yaml:"-"`

	RawBorrowTimeout string `yaml:"borrowTimeout"`
	RawShutdownGrace string `yaml:"shutdownGrace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    ":8084",
		DatabasePath:  "cache-definitions.db",
		BorrowTimeout: 30 * time.Second,
		ShutdownGrace: 15 * time.Second,
	}
}

// Load reads path (when non-empty), then applies environment overrides:
// CACHE_LISTEN_ADDR, CACHE_DB_PATH, CACHE_BORROW_TIMEOUT,
// CACHE_SHUTDOWN_GRACE, CACHE_ENCRYPTION_PASSPHRASE. Durations accept the
// extended syntax of str2duration (e.g. "1d12h").
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("CACHE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CACHE_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CACHE_ENCRYPTION_PASSPHRASE"); v != "" {
		cfg.EncryptionPassphrase = v
	}
	if v := os.Getenv("CACHE_BORROW_TIMEOUT"); v != "" {
		cfg.RawBorrowTimeout = v
	}
	if v := os.Getenv("CACHE_SHUTDOWN_GRACE"); v != "" {
		cfg.RawShutdownGrace = v
	}

	if cfg.RawBorrowTimeout != "" {
		d, err := str2duration.ParseDuration(cfg.RawBorrowTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid borrowTimeout: %w", err)
		}
		cfg.BorrowTimeout = d
	}
	if cfg.RawShutdownGrace != "" {
		d, err := str2duration.ParseDuration(cfg.RawShutdownGrace)
		if err != nil {
			return cfg, fmt.Errorf("invalid shutdownGrace: %w", err)
		}
		cfg.ShutdownGrace = d
	}
	return cfg, nil
}
