// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// AzureProviderKind is the account-store provider kind for Azure AD
// federated identities.
const AzureProviderKind = "azure"

// tokenExpirySkew treats tokens expiring within this window as stale,
// so an attempt never dispatches with a token about to lapse mid-handshake.
const tokenExpirySkew = 2 * time.Minute

// TokenResource maps a provider identifier to the Azure AD resource
// scope its tokens are requested against.
func TokenResource(providerID string) string {
	switch providerID {
	case "pgsql", "mysql":
		return "https://ossrdbms-aad.database.windows.net/.default"
	default:
		return "https://database.windows.net/.default"
	}
}

// Resolver retrieves stored passwords and, for federated auth, resolves
// security tokens from the account-management delegate. It never mutates
// the caller's profile: all changes land on returned or passed-in
// copies.
type Resolver struct {
	store    base.CredentialStore
	accounts base.AccountStore
	cache    *RedisTokenCache // optional cross-instance token cache
	log      *logger.Logger
}

// NewResolver creates a credential resolver. accounts may be nil when no
// federated provider is configured; cache may be nil.
func NewResolver(store base.CredentialStore, accounts base.AccountStore, cache *RedisTokenCache) *Resolver {
	return &Resolver{
		store:    store,
		accounts: accounts,
		cache:    cache,
		log:      logger.New("connections.credentials"),
	}
}

// ResolvePassword looks up a stored password for the profile. It
// returns a copy with the password populated and found=true on a hit;
// the original profile is never touched.
func (r *Resolver) ResolvePassword(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, bool, error) {
	if r.store == nil {
		return profile.Copy(), false, nil
	}
	resolved, found, err := r.store.ReadPassword(ctx, profile)
	if err != nil {
		return profile.Copy(), false, fmt.Errorf("credential store lookup: %w", err)
	}
	if !found {
		return profile.Copy(), false, nil
	}
	return resolved, true, nil
}

// IsPasswordRequired reports whether the profile needs a password at
// dispatch time.
func (r *Resolver) IsPasswordRequired(profile *base.ConnectionProfile) bool {
	if r.store == nil {
		return profile.AuthType == base.AuthPassword
	}
	return r.store.IsPasswordRequired(profile)
}

// SavePassword persists the profile's password through the store.
func (r *Resolver) SavePassword(ctx context.Context, profile *base.ConnectionProfile) error {
	if r.store == nil {
		return nil
	}
	return r.store.SavePassword(ctx, profile)
}

// FillSecurityToken resolves the federated security token for the
// profile, mutating the profile in place.
//
// Non-federated profiles get their token cleared and the call succeeds.
// A still-valid cached token short-circuits. Otherwise the account
// store is consulted: accounts under the azure provider are matched by
// username, stale accounts are refreshed (user cancellation surfaces as
// false, never a panic or raw error), and the token set is fetched keyed
// by tenant. The profile's configured tenant is preferred, else the
// first available tenant. On success the token replaces the plaintext
// password for the session.
//
// The returned bool is the overall verdict; the error carries detail for
// logging but a false verdict is not itself exceptional.
func (r *Resolver) FillSecurityToken(ctx context.Context, profile *base.ConnectionProfile) (bool, error) {
	if !profile.IsFederated() {
		profile.ClearToken()
		return true, nil
	}

	if profile.SecurityToken != "" && !tokenExpired(profile.SecurityToken) {
		return true, nil
	}

	if r.cache != nil {
		if token, ok, err := r.cache.Get(ctx, cacheKey(profile)); err == nil && ok && !tokenExpired(token) {
			profile.SecurityToken = token
			profile.Password = ""
			return true, nil
		}
	}

	if r.accounts == nil {
		return false, base.ErrAuthTokenFailure
	}

	accounts, err := r.accounts.Accounts(ctx, AzureProviderKind)
	if err != nil {
		return false, fmt.Errorf("listing accounts: %w", err)
	}
	account, found := matchAccount(accounts, profile.Username)
	if !found {
		r.log.Warn("", "", "No federated account matches profile username", map[string]interface{}{
			"username": profile.Username,
		})
		return false, base.ErrAuthTokenFailure
	}

	if account.IsStale {
		refreshed, err := r.accounts.Refresh(ctx, account)
		if err != nil {
			if errors.Is(err, base.ErrUserCancelledAuth) {
				r.log.Warn("", "", "Account refresh cancelled by user", map[string]interface{}{
					"account": account.ID,
				})
				return false, base.ErrUserCancelledAuth
			}
			return false, fmt.Errorf("refreshing account %s: %w", account.ID, err)
		}
		account = refreshed
	}

	tokens, err := r.accounts.SecurityTokens(ctx, account, TokenResource(profile.ProviderID))
	if err != nil {
		return false, fmt.Errorf("fetching security tokens: %w", err)
	}
	token, ok := pickToken(tokens, profile.TenantID)
	if !ok {
		return false, base.ErrAuthTokenFailure
	}

	profile.SecurityToken = token.Token
	// The token supersedes the password for federated sessions.
	profile.Password = ""

	if r.cache != nil {
		ttl := time.Until(token.ExpiresOn) - tokenExpirySkew
		if ttl > 0 {
			if err := r.cache.Put(ctx, cacheKey(profile), token.Token, ttl); err != nil {
				r.log.Warn("", "", "Failed to cache security token", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
	return true, nil
}

func matchAccount(accounts []base.Account, username string) (base.Account, bool) {
	for _, a := range accounts {
		if a.Username == username {
			return a, true
		}
	}
	return base.Account{}, false
}

// pickToken prefers the profile's configured tenant, then falls back to
// the lexically first tenant for determinism.
func pickToken(tokens map[string]base.SecurityToken, tenantID string) (base.SecurityToken, bool) {
	if len(tokens) == 0 {
		return base.SecurityToken{}, false
	}
	if tenantID != "" {
		if tok, ok := tokens[tenantID]; ok {
			return tok, true
		}
	}
	tenants := make([]string, 0, len(tokens))
	for t := range tokens {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tokens[tenants[0]], true
}

func cacheKey(profile *base.ConnectionProfile) string {
	return profile.Server + ":" + profile.Username + ":" + profile.TenantID
}

// tokenExpired reports whether a JWT's exp claim is in the past (or
// inside the skew window). Tokens that cannot be parsed are treated as
// expired so they get refetched rather than dispatched.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Now().Add(tokenExpirySkew).After(exp.Time)
}
