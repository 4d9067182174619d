// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig is the full configuration of the connection service.
type ServiceConfig struct {
	// ListenAddr is the HTTP bind address for health, status and metrics.
	ListenAddr string `yaml:"listen_addr"`

	// CORSOrigins lists the allowed cross-origin hosts for the HTTP
	// surface. Empty means same-origin only.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// Providers enables database engines by identifier (pgsql, mysql,
	// mongodb, cassandra).
	Providers []string `yaml:"providers"`

	// CredentialBackend selects the password store: "secretsmanager",
	// "env" or "memory".
	CredentialBackend string `yaml:"credential_backend"`

	// AWSRegion configures the Secrets Manager client.
	AWSRegion string `yaml:"aws_region,omitempty"`

	// SecretCacheTTLMs bounds how long passwords read from Secrets
	// Manager are cached in memory, in milliseconds. Zero means the
	// store default.
	SecretCacheTTLMs int `yaml:"secret_cache_ttl_ms,omitempty"`

	// Azure configures the federated account store. Zero value disables
	// federated authentication.
	Azure AzureConfig `yaml:"azure,omitempty"`

	// RedisAddr enables the cross-instance federated-token cache when
	// set.
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`

	// ProfilesPath is the YAML file saved connection profiles and
	// groups are persisted to.
	ProfilesPath string `yaml:"profiles_path,omitempty"`
}

// AzureConfig holds the Azure AD application identity used to mint
// federated security tokens.
type AzureConfig struct {
	TenantID     string `yaml:"tenant_id,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	// Username is the federated identity profiles are matched against.
	Username string `yaml:"username,omitempty"`
}

// Enabled reports whether federated authentication is configured.
func (a AzureConfig) Enabled() bool {
	return a.Username != ""
}

// SecretCacheTTL returns the secret cache TTL as a duration.
func (c *ServiceConfig) SecretCacheTTL() time.Duration {
	return time.Duration(c.SecretCacheTTLMs) * time.Millisecond
}

// LoadFromEnv loads the service configuration from environment
// variables. Variables are prefixed with CONNSVC_
// Example: CONNSVC_LISTEN_ADDR, CONNSVC_PROVIDERS, CONNSVC_REDIS_ADDR.
func LoadFromEnv() (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		ListenAddr:        getEnvOrDefault("CONNSVC_LISTEN_ADDR", ":8080"),
		CredentialBackend: getEnvOrDefault("CONNSVC_CREDENTIAL_BACKEND", "env"),
		AWSRegion:         os.Getenv("CONNSVC_AWS_REGION"),
		RedisAddr:         os.Getenv("CONNSVC_REDIS_ADDR"),
		RedisPassword:     os.Getenv("CONNSVC_REDIS_PASSWORD"),
		ProfilesPath:      os.Getenv("CONNSVC_PROFILES_PATH"),
		Azure: AzureConfig{
			TenantID:     os.Getenv("CONNSVC_AZURE_TENANT_ID"),
			ClientID:     os.Getenv("CONNSVC_AZURE_CLIENT_ID"),
			ClientSecret: os.Getenv("CONNSVC_AZURE_CLIENT_SECRET"),
			Username:     os.Getenv("CONNSVC_AZURE_USERNAME"),
		},
	}

	if providers := os.Getenv("CONNSVC_PROVIDERS"); providers != "" {
		for _, p := range strings.Split(providers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Providers = append(cfg.Providers, p)
			}
		}
	} else {
		cfg.Providers = []string{"pgsql"}
	}

	if origins := os.Getenv("CONNSVC_CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if ttlStr := os.Getenv("CONNSVC_SECRET_CACHE_TTL"); ttlStr != "" {
		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			// Accept plain milliseconds too.
			ms, serr := strconv.Atoi(ttlStr)
			if serr != nil {
				return nil, fmt.Errorf("invalid CONNSVC_SECRET_CACHE_TTL: %s", ttlStr)
			}
			ttl = time.Duration(ms) * time.Millisecond
		}
		cfg.SecretCacheTTLMs = int(ttl / time.Millisecond)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownProviders are the engine identifiers the service can wire.
var knownProviders = map[string]bool{
	"pgsql":     true,
	"mysql":     true,
	"mongodb":   true,
	"cassandra": true,
}

// Validate checks a service configuration for structural problems.
func Validate(cfg *ServiceConfig) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}
	for _, p := range cfg.Providers {
		if !knownProviders[p] {
			return fmt.Errorf("unknown provider %q", p)
		}
	}
	switch cfg.CredentialBackend {
	case "secretsmanager", "env", "memory":
	default:
		return fmt.Errorf("invalid credential_backend %q (want secretsmanager, env or memory)", cfg.CredentialBackend)
	}
	if cfg.SecretCacheTTLMs < 0 {
		return fmt.Errorf("secret_cache_ttl_ms cannot be negative")
	}
	return nil
}

// getEnvOrDefault returns environment variable value or default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
