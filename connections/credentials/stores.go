// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// secretName derives the Secrets Manager secret name for a profile.
// One secret per logical target identity.
func secretName(profile *base.ConnectionProfile) string {
	return fmt.Sprintf("querydock/connections/%s/%s/%s", profile.ProviderID, profile.Server, profile.Username)
}

// SecretsManagerStore implements base.CredentialStore on AWS Secrets
// Manager, with a short-lived read cache to keep connect latency down.
type SecretsManagerStore struct {
	client *secretsmanager.Client
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
}

type secretCacheEntry struct {
	password  string
	expiresAt time.Time
}

// SecretsManagerStoreOptions holds options for creating a SecretsManagerStore.
type SecretsManagerStoreOptions struct {
	Region   string
	CacheTTL time.Duration
}

// NewSecretsManagerStore creates an AWS Secrets Manager-backed
// credential store.
func NewSecretsManagerStore(ctx context.Context, opts SecretsManagerStoreOptions) (*SecretsManagerStore, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &SecretsManagerStore{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		log:    logger.New("connections.credentials.secretsmanager"),
	}, nil
}

// ReadPassword looks up the stored password for the profile's identity.
func (s *SecretsManagerStore) ReadPassword(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, bool, error) {
	name := secretName(profile)

	s.mu.RLock()
	entry, exists := s.cache[name]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		resolved := profile.Copy()
		resolved.Password = entry.password
		return resolved, true, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return profile.Copy(), false, nil
		}
		return profile.Copy(), false, fmt.Errorf("failed to get secret %s: %w", maskSecretName(name), err)
	}
	if result.SecretString == nil {
		return profile.Copy(), false, fmt.Errorf("secret %s has no string value", maskSecretName(name))
	}

	// Secrets are stored as {"password": "..."}; plain-string secrets
	// are accepted as the password itself.
	password := *result.SecretString
	var payload map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &payload); err == nil {
		if p, ok := payload["password"]; ok {
			password = p
		}
	}

	s.mu.Lock()
	s.cache[name] = &secretCacheEntry{password: password, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	resolved := profile.Copy()
	resolved.Password = password
	return resolved, true, nil
}

// IsPasswordRequired reports whether the profile needs a password at
// dispatch time: only password auth does.
func (s *SecretsManagerStore) IsPasswordRequired(profile *base.ConnectionProfile) bool {
	return profile.AuthType == base.AuthPassword
}

// SavePassword persists the profile's password, creating the secret on
// first save.
func (s *SecretsManagerStore) SavePassword(ctx context.Context, profile *base.ConnectionProfile) error {
	name := secretName(profile)
	payload, err := json.Marshal(map[string]string{"password": profile.Password})
	if err != nil {
		return fmt.Errorf("failed to marshal secret payload: %w", err)
	}

	_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(string(payload)),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to put secret %s: %w", maskSecretName(name), err)
		}
		_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(name),
			SecretString: aws.String(string(payload)),
		})
		if err != nil {
			return fmt.Errorf("failed to create secret %s: %w", maskSecretName(name), err)
		}
	}

	s.mu.Lock()
	s.cache[name] = &secretCacheEntry{password: profile.Password, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.log.Debug("", "", "Password saved", map[string]interface{}{"secret": maskSecretName(name)})
	return nil
}

// Invalidate removes a cached password for the profile.
func (s *SecretsManagerStore) Invalidate(profile *base.ConnectionProfile) {
	s.mu.Lock()
	delete(s.cache, secretName(profile))
	s.mu.Unlock()
}

// maskSecretName masks a secret name for logging (shows only the last 8
// characters).
func maskSecretName(name string) string {
	if len(name) <= 12 {
		return "***"
	}
	return "..." + name[len(name)-8:]
}

// EnvStore implements base.CredentialStore over environment variables.
// Useful for development and deployments without Secrets Manager.
// Passwords are looked up under QD_<PROVIDER>_<SERVER>_<USER>_PASSWORD
// with non-alphanumeric characters mapped to underscores.
type EnvStore struct {
	log *logger.Logger
}

// NewEnvStore creates an environment-variable-backed credential store.
func NewEnvStore() *EnvStore {
	return &EnvStore{log: logger.New("connections.credentials.env")}
}

func envKey(profile *base.ConnectionProfile) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z':
				return r - 32
			case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return "QD_" + sanitize(profile.ProviderID) + "_" + sanitize(profile.Server) + "_" + sanitize(profile.Username) + "_PASSWORD"
}

// ReadPassword looks up the password in the environment.
func (s *EnvStore) ReadPassword(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, bool, error) {
	password := os.Getenv(envKey(profile))
	resolved := profile.Copy()
	if password == "" {
		return resolved, false, nil
	}
	resolved.Password = password
	return resolved, true, nil
}

// IsPasswordRequired reports whether the profile needs a password.
func (s *EnvStore) IsPasswordRequired(profile *base.ConnectionProfile) bool {
	return profile.AuthType == base.AuthPassword
}

// SavePassword is a no-op: the environment is read-only configuration.
func (s *EnvStore) SavePassword(ctx context.Context, profile *base.ConnectionProfile) error {
	s.log.Debug("", "", "Ignoring password save for env-backed store", nil)
	return nil
}

// MemoryStore implements base.CredentialStore in memory, for tests and
// single-process development.
type MemoryStore struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{passwords: make(map[string]string)}
}

// ReadPassword looks up the stored password for the profile's identity.
func (s *MemoryStore) ReadPassword(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, bool, error) {
	s.mu.RLock()
	password, ok := s.passwords[secretName(profile)]
	s.mu.RUnlock()

	resolved := profile.Copy()
	if !ok {
		return resolved, false, nil
	}
	resolved.Password = password
	return resolved, true, nil
}

// IsPasswordRequired reports whether the profile needs a password.
func (s *MemoryStore) IsPasswordRequired(profile *base.ConnectionProfile) bool {
	return profile.AuthType == base.AuthPassword
}

// SavePassword stores the profile's password.
func (s *MemoryStore) SavePassword(ctx context.Context, profile *base.ConnectionProfile) error {
	s.mu.Lock()
	s.passwords[secretName(profile)] = profile.Password
	s.mu.Unlock()
	return nil
}
