// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package connections

import (
	"context"
	"fmt"

	"querydock/platform/connections/base"
	"querydock/platform/connections/status"
)

// ConnectionSummary is the read-only view of one active attempt.
type ConnectionSummary struct {
	OwnerURI   string
	ProviderID string
	State      status.State
	Profile    *base.ConnectionProfile
	ServerInfo *base.ServerInfo
}

// IsConnected reports whether the owner URI has an established
// connection.
func (m *Manager) IsConnected(ownerURI string) bool {
	return m.status.IsConnected(ownerURI)
}

// IsConnecting reports whether a connect is still in flight for the
// owner URI.
func (m *Manager) IsConnecting(ownerURI string) bool {
	return m.status.IsConnecting(ownerURI)
}

// IsProfileConnected reports whether any established connection matches
// the profile's identity.
func (m *Manager) IsProfileConnected(profile *base.ConnectionProfile) bool {
	_, ok := m.findByIdentity(profile, status.Connected)
	return ok
}

// IsProfileConnecting reports whether an in-flight attempt matches the
// profile's identity.
func (m *Manager) IsProfileConnecting(profile *base.ConnectionProfile) bool {
	_, ok := m.findByIdentity(profile, status.Connecting)
	return ok
}

// FindExistingConnection returns the owner URI of an established
// connection matching the profile's identity.
func (m *Manager) FindExistingConnection(profile *base.ConnectionProfile) (string, bool) {
	return m.findByIdentity(profile, status.Connected)
}

func (m *Manager) findByIdentity(profile *base.ConnectionProfile, want status.State) (string, bool) {
	for _, rec := range m.status.All() {
		if rec.State() == want && rec.Profile().MatchesIdentity(profile) {
			return rec.OwnerURI, true
		}
	}
	return "", false
}

// Profile returns the cached profile for the owner URI.
func (m *Manager) Profile(ownerURI string) (*base.ConnectionProfile, bool) {
	rec, ok := m.status.Find(ownerURI)
	if !ok || rec.State() == status.Deleted {
		return nil, false
	}
	return rec.Profile(), true
}

// ServerInfo returns the server metadata captured when the owner URI
// connected, nil while still connecting.
func (m *Manager) ServerInfo(ownerURI string) (*base.ServerInfo, bool) {
	rec, ok := m.status.Find(ownerURI)
	if !ok || rec.State() != status.Connected {
		return nil, false
	}
	return rec.ServerInfo(), true
}

// URIForConnectionID maps a provider-side connection identifier back to
// its owner URI.
func (m *Manager) URIForConnectionID(connectionID string) (string, bool) {
	return m.status.URIForConnectionID(connectionID)
}

// ActiveConnections returns a snapshot of every live attempt,
// connecting or connected.
func (m *Manager) ActiveConnections() []ConnectionSummary {
	recs := m.status.All()
	out := make([]ConnectionSummary, 0, len(recs))
	for _, rec := range recs {
		if rec.State() == status.Deleted {
			continue
		}
		out = append(out, ConnectionSummary{
			OwnerURI:   rec.OwnerURI,
			ProviderID: rec.ProviderID,
			State:      rec.State(),
			Profile:    rec.Profile(),
			ServerInfo: rec.ServerInfo(),
		})
	}
	return out
}

// Disconnect tears down the connection for the owner URI. A connect
// still in flight is lazily deleted; its eventual completion is
// swallowed. Returns false when the URI is unknown.
func (m *Manager) Disconnect(ctx context.Context, ownerURI string) (bool, error) {
	ownerURI = m.status.CanonicalURI(ownerURI)
	rec, ok := m.status.Find(ownerURI)
	if !ok || rec.State() == status.Deleted {
		return false, nil
	}

	wasConnected := rec.State() == status.Connected
	m.status.Delete(ownerURI)

	var err error
	if wasConnected {
		provider, perr := m.providers.Resolve(rec.ProviderID)
		if perr != nil {
			err = perr
		} else if _, derr := provider.Disconnect(ctx, ownerURI); derr != nil {
			// The record is gone either way; report the teardown failure.
			err = derr
		}
	}

	m.observers.notifyDeleted(ownerURI)
	m.observers.notifyFlavorChanged(ownerURI, "sql", "")
	m.log.Info(ownerURI, "", "Connection deleted", nil)
	return true, err
}

// DeleteConnection removes the saved profile for the owner URI in
// addition to disconnecting it.
func (m *Manager) DeleteConnection(ctx context.Context, ownerURI string) (bool, error) {
	profile, hasProfile := m.Profile(ownerURI)
	found, err := m.Disconnect(ctx, ownerURI)
	if hasProfile && m.profiles != nil && profile.ProfileID != "" {
		if derr := m.profiles.DeleteProfile(ctx, profile); derr != nil && err == nil {
			err = derr
		}
	}
	return found, err
}

// DeleteConnectionGroup removes a connection group and everything below
// it. Every profile in the subtree is disconnected first; configuration
// is removed only after all disconnects settle. Any disconnect failure
// leaves the stored profiles and groups untouched.
func (m *Manager) DeleteConnectionGroup(ctx context.Context, groupID string) error {
	if m.profiles == nil {
		return fmt.Errorf("no profile store configured")
	}
	groups, err := m.profiles.Groups(ctx)
	if err != nil {
		return err
	}

	children := make(map[string][]string, len(groups))
	for _, g := range groups {
		children[g.ParentID] = append(children[g.ParentID], g.ID)
	}

	// Collect the subtree depth first, children before their parent.
	var order []string
	var collect func(id string)
	collect = func(id string) {
		for _, child := range children[id] {
			collect(child)
		}
		order = append(order, id)
	}
	collect(groupID)

	profilesByGroup := make(map[string][]*base.ConnectionProfile, len(order))
	for _, id := range order {
		profiles, err := m.profiles.ProfilesInGroup(ctx, id)
		if err != nil {
			return err
		}
		profilesByGroup[id] = profiles
	}

	for _, id := range order {
		for _, p := range profilesByGroup[id] {
			uri, ok := m.findByIdentity(p, status.Connected)
			if !ok {
				continue
			}
			if _, err := m.Disconnect(ctx, uri); err != nil {
				return err
			}
		}
	}

	for _, id := range order {
		for _, p := range profilesByGroup[id] {
			if err := m.profiles.DeleteProfile(ctx, p); err != nil {
				return err
			}
		}
		if err := m.profiles.DeleteGroup(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// HasRegisteredServers reports whether any group in the saved tree,
// starting from the roots, contains at least one saved profile.
func (m *Manager) HasRegisteredServers(ctx context.Context) (bool, error) {
	if m.profiles == nil {
		return false, nil
	}
	groups, err := m.profiles.Groups(ctx)
	if err != nil {
		return false, err
	}

	children := make(map[string][]string, len(groups))
	roots := make([]string, 0)
	byID := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		byID[g.ID] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := byID[g.ParentID]; ok && g.ParentID != "" {
			children[g.ParentID] = append(children[g.ParentID], g.ID)
		} else {
			roots = append(roots, g.ID)
		}
	}

	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		profiles, err := m.profiles.ProfilesInGroup(ctx, id)
		if err != nil {
			return false, err
		}
		if len(profiles) > 0 {
			return true, nil
		}
		stack = append(stack, children[id]...)
	}
	return false, nil
}

// ChangeDatabase switches the active database of an established
// connection and updates the cached profile in place.
func (m *Manager) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	ownerURI = m.status.CanonicalURI(ownerURI)
	rec, ok := m.status.Find(ownerURI)
	if !ok || rec.State() != status.Connected {
		return false, base.ErrNotConnected
	}

	provider, err := m.providers.Resolve(rec.ProviderID)
	if err != nil {
		return false, err
	}
	changed, err := provider.ChangeDatabase(ctx, ownerURI, database)
	if err != nil || !changed {
		return changed, err
	}

	updated := rec.Profile().Copy()
	updated.Database = database
	updated.DatabaseDisplayName = database
	m.status.UpdateProfile(updated, ownerURI)
	return true, nil
}

// ListDatabases returns the database names visible on the server behind
// the owner URI.
func (m *Manager) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	provider, ownerURI, err := m.connectedProvider(ownerURI)
	if err != nil {
		return nil, err
	}
	return provider.ListDatabases(ctx, ownerURI)
}

// GetConnectionString renders the connection string for the owner URI.
func (m *Manager) GetConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error) {
	provider, ownerURI, err := m.connectedProvider(ownerURI)
	if err != nil {
		return "", err
	}
	return provider.ConnectionString(ctx, ownerURI, includePassword)
}

// BuildConnectionInfo parses a connection string into a profile using
// the named provider.
func (m *Manager) BuildConnectionInfo(ctx context.Context, providerID, connString string) (*base.ConnectionProfile, error) {
	provider, err := m.providers.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	return provider.BuildConnectionInfo(ctx, connString)
}

// DisconnectAll tears down every live connection, used at shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, rec := range m.status.Active() {
		if _, err := m.Disconnect(ctx, rec.OwnerURI); err != nil {
			m.log.ErrorWithErr(rec.OwnerURI, "", "Disconnect failed during shutdown", err, nil)
		}
	}
}

func (m *Manager) connectedProvider(ownerURI string) (base.Provider, string, error) {
	ownerURI = m.status.CanonicalURI(ownerURI)
	rec, ok := m.status.Find(ownerURI)
	if !ok || rec.State() != status.Connected {
		return nil, ownerURI, base.ErrNotConnected
	}
	provider, err := m.providers.Resolve(rec.ProviderID)
	if err != nil {
		return nil, ownerURI, err
	}
	return provider, ownerURI, nil
}
