// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads the service configuration from a YAML file.
// Environment variable references are expanded before parsing, using
// ${VAR_NAME} or $VAR_NAME syntax with ${VAR_NAME:-default} fallbacks.
func LoadFromFile(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg ServiceConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.CredentialBackend == "" {
		cfg.CredentialBackend = "env"
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []string{"pgsql"}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load resolves the service configuration: the file at path when one is
// given (or CONNSVC_CONFIG is set), environment variables otherwise.
func Load(path string) (*ServiceConfig, error) {
	if path == "" {
		path = os.Getenv("CONNSVC_CONFIG")
	}
	if path != "" {
		return LoadFromFile(path)
	}
	return LoadFromEnv()
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// GenerateExampleConfigFile generates an example configuration file.
func GenerateExampleConfigFile() string {
	return `# QueryDock connection service configuration
# Environment variables can be referenced using ${VAR_NAME} or
# ${VAR_NAME:-default} syntax.

listen_addr: ":8080"

cors_origins:
  - http://localhost:3000

# Engines to enable: pgsql, mysql, mongodb, cassandra
providers:
  - pgsql
  - mysql

# Password store: secretsmanager, env or memory
credential_backend: ${CONNSVC_CREDENTIAL_BACKEND:-env}
aws_region: ${AWS_REGION:-us-east-1}
secret_cache_ttl_ms: 300000

# Federated (Azure AD) authentication; leave username empty to disable.
azure:
  tenant_id: ${CONNSVC_AZURE_TENANT_ID}
  client_id: ${CONNSVC_AZURE_CLIENT_ID}
  client_secret: ${CONNSVC_AZURE_CLIENT_SECRET}
  username: ${CONNSVC_AZURE_USERNAME}

# Cross-instance federated-token cache; leave empty to disable.
redis_addr: ${CONNSVC_REDIS_ADDR}

# Saved connection profiles and groups.
profiles_path: ${CONNSVC_PROFILES_PATH:-profiles.yaml}
`
}
