// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package base

// AuthType identifies how a connection authenticates against the server.
type AuthType string

const (
	// AuthPassword is classic username/password authentication.
	AuthPassword AuthType = "password"
	// AuthIntegrated uses the OS identity of the calling process.
	AuthIntegrated AuthType = "integrated"
	// AuthAzureMFA is federated authentication through Azure AD,
	// exchanging an account for a short-lived security token.
	AuthAzureMFA AuthType = "azureMFA"
)

// IsValid returns true if the AuthType is a known value.
func (a AuthType) IsValid() bool {
	switch a {
	case AuthPassword, AuthIntegrated, AuthAzureMFA:
		return true
	default:
		return false
	}
}

// String returns the string representation of the AuthType.
func (a AuthType) String() string {
	return string(a)
}

// OptionTokenKey is the provider option key under which the federated
// security token is materialized for dispatch. It must be present only
// when AuthType is AuthAzureMFA.
const OptionTokenKey = "azureAccountToken"

// ConnectionProfile describes one target server/database connection:
// identity, credentials, and provider passthrough options.
//
// Identity (ProviderID+Server+AuthType+Username+Database) is immutable for
// the lifetime of an attempt; Password, SecurityToken and Options may be
// filled in during credential resolution.
type ConnectionProfile struct {
	ProviderID string   `json:"provider_id"`
	Server     string   `json:"server"`
	Database   string   `json:"database,omitempty"`
	AuthType   AuthType `json:"auth_type"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"-"` // sensitive, never serialized

	// Persisted profile identity, assigned by the profile store on save.
	ProfileID string `json:"profile_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`

	// TenantID selects the Azure AD tenant for federated token requests.
	TenantID string `json:"tenant_id,omitempty"`

	SavePassword bool `json:"save_password"`
	SaveProfile  bool `json:"save_profile"`

	// Runtime-derived fields, stamped by the orchestrator before dispatch.
	// Kept as typed fields rather than option-bag entries.
	SecurityToken       string `json:"-"`
	DatabaseDisplayName string `json:"database_display_name,omitempty"`

	// Options is the provider-specific passthrough bag. Keys are unique;
	// runtime-derived values do not live here except when materialized for
	// dispatch (see DispatchOptions).
	Options map[string]string `json:"options,omitempty"`
}

// Copy returns a deep copy of the profile. Mutating the copy never
// affects the original, including its options map.
func (p *ConnectionProfile) Copy() *ConnectionProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Options != nil {
		cp.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}

// MatchesIdentity reports whether two profiles refer to the same logical
// target: provider, server, auth type, user and database all equal.
func (p *ConnectionProfile) MatchesIdentity(other *ConnectionProfile) bool {
	if p == nil || other == nil {
		return false
	}
	return p.ProviderID == other.ProviderID &&
		p.Server == other.Server &&
		p.AuthType == other.AuthType &&
		p.Username == other.Username &&
		p.Database == other.Database
}

// IsFederated reports whether the profile uses federated authentication.
func (p *ConnectionProfile) IsFederated() bool {
	return p.AuthType == AuthAzureMFA
}

// ClearToken removes the federated security token from the profile,
// both the typed field and any materialized option entry.
func (p *ConnectionProfile) ClearToken() {
	p.SecurityToken = ""
	if p.Options != nil {
		delete(p.Options, OptionTokenKey)
	}
}

// DispatchOptions returns the option bag to hand to the provider.
// The security token is materialized under OptionTokenKey only for
// federated profiles; for every other auth type the key is absent.
func (p *ConnectionProfile) DispatchOptions() map[string]string {
	opts := make(map[string]string, len(p.Options)+1)
	for k, v := range p.Options {
		opts[k] = v
	}
	delete(opts, OptionTokenKey)
	if p.IsFederated() && p.SecurityToken != "" {
		opts[OptionTokenKey] = p.SecurityToken
	}
	return opts
}
