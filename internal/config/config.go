// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package config loads layered configuration with Koanf v2:
// built-in defaults, then an optional YAML file, then RELAY_*
// environment variables. The loaded Config is immutable and safe for
// concurrent reads.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit
// wins.
var DefaultConfigPaths = []string{
	"relay.yaml",
	"relay.yml",
	"/etc/relay/relay.yaml",
	"/etc/relay/relay.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "RELAY_CONFIG_PATH"

// envPrefix namespaces every environment override.
const envPrefix = "RELAY_"

// Config is the root of all runtime settings.
type Config struct {
	Logging LoggingConfig `koanf:"logging"`
	Server  ServerConfig  `koanf:"server"`
	Gateway GatewayConfig `koanf:"gateway"`
	Store   StoreConfig   `koanf:"store"`
	Broker  BrokerConfig  `koanf:"broker"`
	Persist PersistConfig `koanf:"persist"`
	Auth    AuthConfig    `koanf:"auth"`
	Cache   CacheConfig   `koanf:"cache"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	UpgradeRateLimit  int           `koanf:"upgrade_rate_limit" validate:"gte=0"`
	UpgradeRateWindow time.Duration `koanf:"upgrade_rate_window" validate:"gt=0"`
}

// GatewayConfig shapes per-connection behavior.
type GatewayConfig struct {
	// Origin identifies this instance on the broker. Empty generates a
	// random id per process.
	Origin       string  `koanf:"origin"`
	SyncPageSize int     `koanf:"sync_page_size" validate:"gt=0,lte=1000"`
	IntentRate   float64 `koanf:"intent_rate" validate:"gt=0"`
	IntentBurst  int     `koanf:"intent_burst" validate:"gt=0"`
}

// StoreConfig selects and tunes the message store.
type StoreConfig struct {
	// Backend is "duckdb" for durable deployments or "memory" for
	// development.
	Backend            string        `koanf:"backend" validate:"oneof=duckdb memory"`
	Path               string        `koanf:"path" validate:"required_if=Backend duckdb"`
	BreakerMaxFailures int           `koanf:"breaker_max_failures" validate:"gt=0"`
	BreakerOpenFor     time.Duration `koanf:"breaker_open_for" validate:"gt=0"`
}

// BrokerConfig selects and tunes the cross-instance event fabric.
type BrokerConfig struct {
	// Backend is "nats" for multi-node deployments or "channel" for a
	// single process.
	Backend         string        `koanf:"backend" validate:"oneof=nats channel"`
	URL             string        `koanf:"url"`
	Embedded        bool          `koanf:"embedded"`
	StoreDir        string        `koanf:"store_dir"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait" validate:"gt=0"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age" validate:"gt=0"`
	DuplicateWindow time.Duration `koanf:"duplicate_window" validate:"gt=0"`
}

// PersistConfig tunes the async write-behind queue.
type PersistConfig struct {
	RetryMaxRetries      int           `koanf:"retry_max_retries" validate:"gt=0"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval" validate:"gt=0"`
	CloseTimeout         time.Duration `koanf:"close_timeout" validate:"gt=0"`
}

// AuthConfig selects the identity verifier.
type AuthConfig struct {
	// Mode is "jwt" for HMAC tokens or "oidc" for an external identity
	// provider.
	Mode          string        `koanf:"mode" validate:"oneof=jwt oidc"`
	JWTSecret     string        `koanf:"jwt_secret"`
	TokenLifetime time.Duration `koanf:"token_lifetime" validate:"gt=0"`
	OIDCIssuer    string        `koanf:"oidc_issuer"`
	OIDCClientID  string        `koanf:"oidc_client_id"`
	OIDCSecret    string        `koanf:"oidc_secret"`
	CacheTTL      time.Duration `koanf:"cache_ttl" validate:"gte=0"`
}

// CacheConfig holds the Badger key-value store shared by the auth
// cache and the failed-persist set.
type CacheConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// Default returns the built-in defaults, the base layer of every load.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			CORSOrigins:       []string{},
			UpgradeRateLimit:  30,
			UpgradeRateWindow: time.Minute,
		},
		Gateway: GatewayConfig{
			Origin:       "",
			SyncPageSize: 100,
			IntentRate:   20,
			IntentBurst:  40,
		},
		Store: StoreConfig{
			Backend:            "duckdb",
			Path:               "/data/relay.duckdb",
			BreakerMaxFailures: 5,
			BreakerOpenFor:     30 * time.Second,
		},
		Broker: BrokerConfig{
			Backend:         "nats",
			URL:             "nats://127.0.0.1:4222",
			Embedded:        true,
			StoreDir:        "/data/nats/jetstream",
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			StreamMaxAge:    24 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
		},
		Persist: PersistConfig{
			RetryMaxRetries:      5,
			RetryInitialInterval: time.Second,
			RetryMaxInterval:     time.Minute,
			CloseTimeout:         30 * time.Second,
		},
		Auth: AuthConfig{
			Mode:          "jwt",
			JWTSecret:     "",
			TokenLifetime: 24 * time.Hour,
			CacheTTL:      5 * time.Minute,
		},
		Cache: CacheConfig{
			Path:     "/data/relay-cache",
			InMemory: false,
		},
	}
}

// Load builds the effective configuration: defaults, then the config
// file when one exists, then environment variables.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

// envTransform maps RELAY_GATEWAY_SYNC_PAGE_SIZE to
// gateway.sync_page_size: strip the prefix, lowercase, and split the
// section off at the first underscore.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Auth.Mode {
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in jwt mode")
		}
	case "oidc":
		if c.Auth.OIDCIssuer == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("auth.oidc_issuer and auth.oidc_client_id are required in oidc mode")
		}
	}

	if c.Broker.Backend == "nats" && !c.Broker.Embedded && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when broker.backend is nats without the embedded server")
	}

	if !c.Cache.InMemory && c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required unless cache.in_memory is set")
	}

	return nil
}
