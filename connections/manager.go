// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package connections

import (
	"context"
	"fmt"

	"querydock/platform/connections/base"
	"querydock/platform/connections/credentials"
	"querydock/platform/connections/recovery"
	"querydock/platform/connections/registry"
	"querydock/platform/connections/status"
	"querydock/platform/shared/logger"
)

// defaultDatabaseDisplayName is shown for profiles connecting to the
// server's default database.
const defaultDatabaseDisplayName = "<default>"

// ConnectionCallbacks is the optional per-call notification set. The
// terminal callback always reflects the same outcome as the returned
// result or error.
type ConnectionCallbacks struct {
	OnConnectStart   func(ownerURI string)
	OnConnectSuccess func(result *base.ConnectionResult)
	OnConnectReject  func(err error)
}

// ConnectOptions tunes one connect call.
type ConnectOptions struct {
	// Purpose selects the connection slot when no owner URI is given.
	Purpose Purpose
	// SaveProfile persists the profile through the profile store after
	// a successful connect.
	SaveProfile bool
	// UseRecovery enables error remediation with a single bounded
	// retry. The retry itself always runs with recovery disabled.
	UseRecovery bool
	// ShowDialogOnError routes credential shortfalls and unhandled
	// provider failures to the connection dialog instead of dropping
	// them on the caller.
	ShowDialogOnError bool
}

// DefaultConnectOptions are the options used by ConnectIfNotConnected.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Purpose:     PurposeDefault,
		UseRecovery: true,
	}
}

// Manager is the connection orchestrator: it drives a request through
// credential resolution, provider dispatch, result reconciliation and
// recovery-on-error, and owns the status registry. It is the single
// completion sink for every registered provider.
type Manager struct {
	providers *registry.Registry
	status    *status.Registry
	creds     *credentials.Resolver
	recovery  *recovery.Handler
	profiles  base.ProfileStore
	dialog    base.DialogOpener
	observers observerList
	log       *logger.Logger
}

// ManagerOptions wires the Manager's collaborators. Providers, Status
// and Credentials are required; the rest are optional.
type ManagerOptions struct {
	Providers   *registry.Registry
	Status      *status.Registry
	Credentials *credentials.Resolver
	Recovery    *recovery.Handler
	Profiles    base.ProfileStore
	Dialog      base.DialogOpener
}

// NewManager creates the orchestrator and registers it as the
// completion sink on every provider currently in the registry.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		providers: opts.Providers,
		status:    opts.Status,
		creds:     opts.Credentials,
		recovery:  opts.Recovery,
		profiles:  opts.Profiles,
		dialog:    opts.Dialog,
		log:       logger.New("connections"),
	}
	if m.recovery == nil {
		m.recovery = recovery.NewHandler(nil)
	}
	m.providers.SetCompletionSink(m)
	return m
}

// Subscribe registers an observer for lifecycle notifications.
// Delivery is synchronous, in registration order.
func (m *Manager) Subscribe(o Observer) {
	m.observers.subscribe(o)
}

// OnConnectionComplete is the single resolution point for provider
// completions. The record consulted is whichever is current for the
// URI at callback time, not the one captured at dispatch: that is what
// keeps interleaved delete-then-reconnect sequences correct.
func (m *Manager) OnConnectionComplete(result *base.ConnectionResult) {
	if result == nil || result.OwnerURI == "" {
		return
	}
	uri := m.status.CanonicalURI(result.OwnerURI)

	rec, ok := m.status.Find(uri)
	if !ok {
		m.log.Debug(uri, "", "Completion for unknown owner URI dropped", nil)
		return
	}

	if rec.State() == status.Deleted {
		// The slot was deleted mid-flight: swallow the raw outcome,
		// resolve success-shaped, and drop the record.
		result.ErrorHandled = true
		rec.Resolve(result)
		m.status.Remove(uri)
		return
	}

	if rec.Resolve(result) && !result.Connected {
		m.status.Remove(uri)
	}
}

// Connect establishes a connection for the profile, generating an owner
// URI when none is supplied. The returned result and the optional
// callbacks always agree on the terminal outcome.
func (m *Manager) Connect(ctx context.Context, profile *base.ConnectionProfile, ownerURI string, opts ConnectOptions, callbacks *ConnectionCallbacks) (*base.ConnectionResult, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: nil profile", base.ErrConnectFailed)
	}
	if !profile.AuthType.IsValid() {
		return nil, fmt.Errorf("%w: unknown auth type %q", base.ErrConnectFailed, profile.AuthType)
	}
	if ownerURI == "" {
		ownerURI = BuildOwnerURI(opts.Purpose, profile)
	}

	resolved, found, err := m.creds.ResolvePassword(ctx, profile)
	if err != nil {
		// A store outage is not fatal: the attempt proceeds with
		// whatever credentials the caller supplied.
		m.log.Warn(ownerURI, "", "Password lookup failed, continuing with supplied credentials", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if resolved.Password == "" && profile.Password != "" {
		resolved.Password = profile.Password
	}

	if callbacks != nil && callbacks.OnConnectStart != nil {
		callbacks.OnConnectStart(ownerURI)
	}

	result, err := m.tryConnect(ctx, resolved, ownerURI, opts, found)
	if err != nil {
		if callbacks != nil && callbacks.OnConnectReject != nil {
			callbacks.OnConnectReject(err)
		}
		return nil, err
	}
	if callbacks != nil {
		if result.Connected && callbacks.OnConnectSuccess != nil {
			callbacks.OnConnectSuccess(result)
		}
		if !result.Connected && callbacks.OnConnectReject != nil {
			callbacks.OnConnectReject(fmt.Errorf("%w: %s", base.ErrConnectFailed, result.ErrorMessage))
		}
	}
	return result, nil
}

// tryConnect backfills missing credentials, resolves the federated
// token, and either dispatches or short-circuits to the dialog path.
func (m *Manager) tryConnect(ctx context.Context, profile *base.ConnectionProfile, ownerURI string, opts ConnectOptions, passwordFound bool) (*base.ConnectionResult, error) {
	if m.creds.IsPasswordRequired(profile) && profile.Password == "" && !passwordFound {
		if backfilled, ok := m.backfillPassword(profile); ok {
			profile = backfilled
		}
	}

	if m.creds.IsPasswordRequired(profile) && profile.Password == "" {
		// Missing credentials route to the dialog, never to the caller
		// as a raw error.
		result := &base.ConnectionResult{
			OwnerURI:     ownerURI,
			Connected:    false,
			ErrorMessage: base.ErrCredentialUnavailable.Error(),
			ErrorHandled: true,
			Profile:      profile,
		}
		m.openDialog(opts, profile, result)
		return result, nil
	}

	if ok, err := m.creds.FillSecurityToken(ctx, profile); !ok {
		m.log.ErrorWithErr(ownerURI, "", "Federated token resolution failed", err, nil)
		return nil, fmt.Errorf("%w: %v", base.ErrAuthTokenFailure, err)
	}

	result, err := m.connectWithOptions(ctx, profile, ownerURI, opts)
	if err != nil {
		return nil, err
	}
	if !result.Connected && !result.ErrorHandled {
		m.openDialog(opts, profile, result)
	}
	return result, nil
}

// connectWithOptions is the dispatch core: it stamps derived fields,
// resolves URI aliasing, re-validates the federated token, dispatches,
// and performs post-connect bookkeeping or recovery.
func (m *Manager) connectWithOptions(ctx context.Context, profile *base.ConnectionProfile, ownerURI string, opts ConnectOptions) (*base.ConnectionResult, error) {
	profile.DatabaseDisplayName = profile.Database
	if profile.DatabaseDisplayName == "" {
		profile.DatabaseDisplayName = defaultDatabaseDisplayName
	}

	ownerURI = m.status.CanonicalURI(ownerURI)

	if ok, err := m.creds.FillSecurityToken(ctx, profile); !ok {
		return nil, fmt.Errorf("%w: %v", base.ErrAuthTokenFailure, err)
	}

	result, err := m.createNewConnection(ctx, ownerURI, profile)
	if err != nil {
		return nil, err
	}

	if result.Connected {
		// ErrorHandled on a successful result means the slot was deleted
		// mid-flight: the outcome is reported but never activated.
		if !result.ErrorHandled {
			m.activateConnection(ctx, profile, ownerURI, opts, result)
		}
		return result, nil
	}

	// ErrorHandled on a failed result means the outcome was already
	// settled elsewhere, either by a mid-flight delete or by an earlier
	// handler. Such failures never enter recovery.
	if opts.UseRecovery && result.ErrorCode != 0 && !result.ErrorHandled {
		handled, retry, rerr := m.recovery.Handle(ctx, result, profile)
		if retry {
			// Bounded retry: the recovery path is disabled so a second
			// failure of the same kind terminates.
			retryOpts := opts
			retryOpts.UseRecovery = false
			return m.connectWithOptions(ctx, profile, ownerURI, retryOpts)
		}
		if handled && rerr != nil {
			return nil, rerr
		}
	}
	return result, nil
}

// activateConnection performs post-success bookkeeping: advance the
// record, register the database-qualified alias, persist profile and
// password as requested, and fire the connection-added notification
// exactly once.
func (m *Manager) activateConnection(ctx context.Context, profile *base.ConnectionProfile, ownerURI string, opts ConnectOptions, result *base.ConnectionResult) {
	connectionID := ""
	if result.ServerInfo != nil {
		connectionID = result.ServerInfo.ConnectionID
	}
	m.status.MarkConnected(ownerURI, result.ServerInfo, connectionID)

	if profile.Database != "" {
		m.status.AddAlias(BuildDatabaseOwnerURI(opts.Purpose, profile), ownerURI)
	}

	if opts.SaveProfile && m.profiles != nil {
		saved, err := m.profiles.SaveProfile(ctx, profile)
		if err != nil {
			m.log.ErrorWithErr(ownerURI, "", "Failed to persist connection profile", err, nil)
		} else {
			m.status.UpdateProfile(saved, ownerURI)
			profile = saved
		}
	}

	if profile.SavePassword && profile.AuthType == base.AuthPassword && profile.Password != "" {
		if err := m.creds.SavePassword(ctx, profile); err != nil {
			m.log.ErrorWithErr(ownerURI, "", "Failed to persist password", err, nil)
		}
	}

	result.Profile = profile
	m.observers.notifyAdded(ownerURI, profile)
	m.log.Info(ownerURI, "", "Connection established", map[string]interface{}{
		"provider": profile.ProviderID,
		"server":   profile.Server,
	})
}

// createNewConnection registers a pending attempt record, dispatches to
// the provider, and waits for the one-shot completion. Last writer wins
// for record creation: an existing live record for the URI is deleted
// before the fresh attempt is registered.
func (m *Manager) createNewConnection(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) (*base.ConnectionResult, error) {
	if _, exists := m.status.Find(ownerURI); exists {
		m.status.Delete(ownerURI)
	}

	rec, err := m.status.Add(profile.Copy(), ownerURI)
	if err != nil {
		return nil, err
	}

	provider, err := m.providers.Resolve(profile.ProviderID)
	if err != nil {
		m.status.Remove(ownerURI)
		return nil, err
	}

	dispatch := profile.Copy()
	dispatch.Options = profile.DispatchOptions()

	if err := provider.Connect(ctx, ownerURI, dispatch); err != nil {
		m.status.Remove(ownerURI)
		return nil, fmt.Errorf("%w: %v", base.ErrConnectFailed, err)
	}

	select {
	case result := <-rec.Outcome():
		return result, nil
	case <-ctx.Done():
		m.status.Delete(ownerURI)
		return nil, ctx.Err()
	}
}

// ConnectIfNotConnected is the idempotent front door: when the derived
// owner URI is already connected it returns the canonical URI without
// dispatching; otherwise it performs a full connect with default
// recovery options and fails with ErrConnectFailed carrying the error
// message when the result is not connected.
func (m *Manager) ConnectIfNotConnected(ctx context.Context, profile *base.ConnectionProfile, purpose Purpose, saveProfile bool) (string, error) {
	ownerURI := BuildOwnerURI(purpose, profile)
	if m.status.IsConnected(ownerURI) {
		return m.status.CanonicalURI(ownerURI), nil
	}

	opts := DefaultConnectOptions()
	opts.Purpose = purpose
	opts.SaveProfile = saveProfile

	result, err := m.Connect(ctx, profile, ownerURI, opts, nil)
	if err != nil {
		return "", err
	}
	if !result.Connected {
		return "", fmt.Errorf("%w: %s", base.ErrConnectFailed, result.ErrorMessage)
	}
	return m.status.CanonicalURI(ownerURI), nil
}

// backfillPassword copies the password from an already-connected
// profile with the same identity, so reconnects for another purpose do
// not prompt again.
func (m *Manager) backfillPassword(profile *base.ConnectionProfile) (*base.ConnectionProfile, bool) {
	for _, rec := range m.status.Active() {
		cached := rec.Profile()
		if cached.MatchesIdentity(profile) && cached.Password != "" {
			filled := profile.Copy()
			filled.Password = cached.Password
			return filled, true
		}
	}
	return nil, false
}

func (m *Manager) openDialog(opts ConnectOptions, profile *base.ConnectionProfile, result *base.ConnectionResult) {
	if opts.ShowDialogOnError && m.dialog != nil {
		m.dialog.OpenConnectionDialog(profile, result)
	}
}
