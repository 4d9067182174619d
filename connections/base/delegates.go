// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"context"
	"time"
)

// CredentialStore is the saved-password delegate. Implementations live
// outside the lifecycle core (Secrets Manager, environment, memory).
type CredentialStore interface {
	// ReadPassword looks up the stored password for the profile. It
	// returns a copy of the profile with the password populated and
	// found=true on a hit; the caller's profile is never mutated.
	ReadPassword(ctx context.Context, profile *ConnectionProfile) (*ConnectionProfile, bool, error)

	// IsPasswordRequired reports whether the profile's auth type needs a
	// password at dispatch time.
	IsPasswordRequired(profile *ConnectionProfile) bool

	// SavePassword persists the profile's password.
	SavePassword(ctx context.Context, profile *ConnectionProfile) error
}

// Account is one federated identity known to the account store.
type Account struct {
	ID          string
	Username    string
	DisplayName string
	// IsStale marks credentials that need an interactive refresh before
	// tokens can be minted.
	IsStale bool
}

// SecurityToken is one tenant-scoped token issued for an account.
type SecurityToken struct {
	Token     string
	ExpiresOn time.Time
}

// AccountStore is the account-management delegate for federated auth.
type AccountStore interface {
	// Accounts lists the accounts registered under the given identity
	// provider kind (e.g. "azure").
	Accounts(ctx context.Context, providerKind string) ([]Account, error)

	// Refresh re-authenticates a stale account. It returns
	// ErrUserCancelledAuth (possibly wrapped) if the user aborts.
	Refresh(ctx context.Context, account Account) (Account, error)

	// SecurityTokens mints tokens for the account against the given
	// resource, keyed by tenant identifier.
	SecurityTokens(ctx context.Context, account Account, resource string) (map[string]SecurityToken, error)
}

// RemediationInfo is the remediation delegate's verdict on a failure.
type RemediationInfo struct {
	CanHandle bool
	// IPAddress is the client address to provision, when the error is a
	// firewall rejection.
	IPAddress string
	// Metadata carries handler-specific detail through to Remediate.
	Metadata map[string]string
}

// RemediationDelegate decides whether a coded provider failure can be
// auto-resolved (e.g. by provisioning a firewall rule) and performs the
// remediation.
type RemediationDelegate interface {
	CanHandle(ctx context.Context, errorCode int, errorMessage, providerID string) (RemediationInfo, error)
	Remediate(ctx context.Context, profile *ConnectionProfile, info RemediationInfo) (bool, error)
}

// ConnectionGroup is one node of the saved-profile group tree.
type ConnectionGroup struct {
	ID       string
	Name     string
	ParentID string
}

// ProfileStore is the saved-profile/group persistence delegate, outside
// the lifecycle core.
type ProfileStore interface {
	// SaveProfile persists the profile and returns it with its assigned
	// ProfileID populated.
	SaveProfile(ctx context.Context, profile *ConnectionProfile) (*ConnectionProfile, error)

	// DeleteProfile removes the persisted profile.
	DeleteProfile(ctx context.Context, profile *ConnectionProfile) error

	// Groups returns every saved connection group.
	Groups(ctx context.Context) ([]ConnectionGroup, error)

	// ProfilesInGroup returns the profiles saved directly under a group.
	ProfilesInGroup(ctx context.Context, groupID string) ([]*ConnectionProfile, error)

	// DeleteGroup removes a group and its persisted configuration.
	DeleteGroup(ctx context.Context, groupID string) error
}

// DialogOpener is the narrow contract to the connection dialog: invoked
// when a connect cannot proceed without user input (missing credentials,
// unhandled provider error). The core never blocks on it.
type DialogOpener interface {
	OpenConnectionDialog(profile *ConnectionProfile, result *ConnectionResult)
}
