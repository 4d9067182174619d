// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// AzureAccountStore implements base.AccountStore against Azure AD.
//
// With a client secret configured it authenticates as a service
// principal; otherwise it falls back to the DefaultAzureCredential
// chain (environment, workload identity, managed identity, az CLI),
// which covers both CI and local development.
type AzureAccountStore struct {
	tenantID string
	username string
	cred     azcore.TokenCredential
	log      *logger.Logger
}

// AzureAccountStoreOptions configures an AzureAccountStore.
type AzureAccountStoreOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Username is the identity the store exposes for profile matching.
	Username string
}

// NewAzureAccountStore creates an account store backed by Azure AD.
func NewAzureAccountStore(opts AzureAccountStoreOptions) (*AzureAccountStore, error) {
	var cred azcore.TokenCredential
	var err error

	if opts.ClientSecret != "" {
		if opts.TenantID == "" || opts.ClientID == "" {
			return nil, fmt.Errorf("service principal auth requires tenant id and client id")
		}
		cred, err = azidentity.NewClientSecretCredential(opts.TenantID, opts.ClientID, opts.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure default credential: %w", err)
		}
	}

	return &AzureAccountStore{
		tenantID: opts.TenantID,
		username: opts.Username,
		cred:     cred,
		log:      logger.New("connections.credentials.azure"),
	}, nil
}

// Accounts returns the configured Azure identity. The store represents
// one signed-in identity per service instance.
func (s *AzureAccountStore) Accounts(ctx context.Context, providerKind string) ([]base.Account, error) {
	if providerKind != AzureProviderKind {
		return nil, nil
	}
	return []base.Account{{
		ID:          "azure:" + s.username,
		Username:    s.username,
		DisplayName: s.username,
	}}, nil
}

// Refresh verifies the credential can still mint tokens. Azure SDK
// credentials refresh transparently, so a successful probe marks the
// account fresh.
func (s *AzureAccountStore) Refresh(ctx context.Context, account base.Account) (base.Account, error) {
	_, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{TokenResource("")},
	})
	if err != nil {
		if ctx.Err() != nil {
			return account, base.ErrUserCancelledAuth
		}
		return account, fmt.Errorf("azure credential probe failed: %w", err)
	}
	account.IsStale = false
	return account, nil
}

// SecurityTokens mints a token for the account against the resource,
// keyed by the store's tenant.
func (s *AzureAccountStore) SecurityTokens(ctx context.Context, account base.Account, resource string) (map[string]base.SecurityToken, error) {
	token, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{resource},
	})
	if err != nil {
		return nil, fmt.Errorf("azure token acquisition failed: %w", err)
	}

	tenant := s.tenantID
	if tenant == "" {
		tenant = "common"
	}
	return map[string]base.SecurityToken{
		tenant: {Token: token.Token, ExpiresOn: token.ExpiresOn},
	}, nil
}
