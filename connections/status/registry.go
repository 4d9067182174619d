// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"sync"
	"time"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// State is the lifecycle tag of one connection attempt.
type State string

const (
	// Connecting indicates a dispatched attempt whose outcome has not
	// arrived yet.
	Connecting State = "connecting"
	// Connected indicates the provider completed the handshake. The
	// transition from Connecting is one-way; a fresh connect creates a
	// new record.
	Connected State = "connected"
	// Deleted indicates a delete raced an in-flight attempt; the record
	// stays until the completion resolves, then is removed.
	Deleted State = "deleted"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// AttemptRecord is one entry per active or recently-resolved owner URI.
// Lifecycle fields are mutated only through Registry methods and the
// one-shot completion handle.
type AttemptRecord struct {
	OwnerURI   string
	ProviderID string
	CreatedAt  time.Time

	mu         sync.Mutex
	state      State
	profile    *base.ConnectionProfile
	serverInfo *base.ServerInfo
	// connectionID is the provider-side identifier reported on success.
	connectionID string

	outcome chan *base.ConnectionResult
	once    sync.Once
}

// State returns the record's current lifecycle tag.
func (rec *AttemptRecord) State() State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Profile returns the profile snapshot the record currently carries.
// It may be replaced after dispatch when a save assigns a profile id.
func (rec *AttemptRecord) Profile() *base.ConnectionProfile {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.profile
}

// ServerInfo returns the server metadata captured after success, nil
// while connecting.
func (rec *AttemptRecord) ServerInfo() *base.ServerInfo {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.serverInfo
}

// ConnectionID returns the provider-side connection identifier, empty
// until the attempt succeeds.
func (rec *AttemptRecord) ConnectionID() string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.connectionID
}

// Resolve fires the record's completion handle. Only the first call
// delivers; every later call is a no-op returning false.
func (rec *AttemptRecord) Resolve(result *base.ConnectionResult) bool {
	fired := false
	rec.once.Do(func() {
		rec.outcome <- result
		fired = true
	})
	return fired
}

// Outcome is the one-shot completion channel. It receives exactly one
// ConnectionResult per attempt.
func (rec *AttemptRecord) Outcome() <-chan *base.ConnectionResult {
	return rec.outcome
}

// Registry is the authoritative in-memory mapping from owner URI to
// connection attempt state: the single source of truth for "is this URI
// connected / connecting / deleted". Pure bookkeeping, no network or
// persistence side effects.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*AttemptRecord
	// aliases collapses logically equivalent URIs (default-database vs
	// named-database slots for the same server) onto one canonical URI.
	aliases map[string]string
	log     *logger.Logger
}

// NewRegistry creates an empty status registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*AttemptRecord),
		aliases: make(map[string]string),
		log:     logger.New("connections.status"),
	}
}

// Add creates a new record in state Connecting for the owner URI.
// It fails with ErrDuplicateAttempt if a non-deleted record already
// exists for the URI.
func (r *Registry) Add(profile *base.ConnectionProfile, ownerURI string) (*AttemptRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[ownerURI]; ok {
		if existing.State() != Deleted {
			return nil, base.ErrDuplicateAttempt
		}
		// Superseding a lazily-deleted record: resolve its pending
		// completion stale so no waiter hangs, then replace it.
		existing.Resolve(&base.ConnectionResult{
			OwnerURI:     ownerURI,
			Connected:    false,
			ErrorHandled: true,
		})
	}

	rec := &AttemptRecord{
		OwnerURI:   ownerURI,
		ProviderID: profile.ProviderID,
		CreatedAt:  time.Now(),
		state:      Connecting,
		profile:    profile,
		outcome:    make(chan *base.ConnectionResult, 1),
	}
	r.records[ownerURI] = rec

	r.log.Debug(ownerURI, "", "Attempt record created", map[string]interface{}{
		"provider": profile.ProviderID,
	})
	return rec, nil
}

// Find returns the record for the owner URI, resolving aliases.
func (r *Registry) Find(ownerURI string) (*AttemptRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[r.canonicalLocked(ownerURI)]
	return rec, ok
}

// IsConnected reports whether the owner URI has an established
// connection.
func (r *Registry) IsConnected(ownerURI string) bool {
	rec, ok := r.Find(ownerURI)
	return ok && rec.State() == Connected
}

// IsConnecting reports whether an attempt is in flight for the owner
// URI.
func (r *Registry) IsConnecting(ownerURI string) bool {
	rec, ok := r.Find(ownerURI)
	return ok && rec.State() == Connecting
}

// MarkConnected advances the record to Connected, recording server
// metadata. The transition only applies from Connecting; it reports
// whether it took effect.
func (r *Registry) MarkConnected(ownerURI string, info *base.ServerInfo, connectionID string) bool {
	rec, ok := r.Find(ownerURI)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != Connecting {
		return false
	}
	rec.state = Connected
	rec.serverInfo = info
	rec.connectionID = connectionID
	return true
}

// Delete removes the record for the owner URI. If an attempt is in
// flight the record is instead marked Deleted so the pending completion
// can still resolve safely; Remove is called lazily afterwards.
func (r *Registry) Delete(ownerURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uri := r.canonicalLocked(ownerURI)
	rec, ok := r.records[uri]
	if !ok {
		return
	}

	rec.mu.Lock()
	inFlight := rec.state == Connecting
	if inFlight {
		rec.state = Deleted
	}
	rec.mu.Unlock()

	if !inFlight {
		delete(r.records, uri)
	}
	r.log.Debug(uri, "", "Attempt record deleted", map[string]interface{}{
		"lazy": inFlight,
	})
}

// Remove drops the record unconditionally. Used by the orchestrator
// after a failed or stale completion has been resolved.
func (r *Registry) Remove(ownerURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, r.canonicalLocked(ownerURI))
}

// UpdateProfile reconciles a record's profile after a save completes:
// the profile may have acquired a persisted identifier it lacked at
// dispatch time. Returns the new profile id.
func (r *Registry) UpdateProfile(profile *base.ConnectionProfile, ownerURI string) string {
	rec, ok := r.Find(ownerURI)
	if !ok {
		return ""
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.profile = profile
	return profile.ProfileID
}

// AddAlias records that alias resolves to canonical. Registering an
// alias never overwrites an existing canonical mapping.
func (r *Registry) AddAlias(alias, canonical string) {
	if alias == canonical {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aliases[alias]; !exists {
		r.aliases[alias] = canonical
	}
}

// CanonicalURI resolves URI aliasing: the canonical slot for the given
// owner URI, or the URI itself when unaliased.
func (r *Registry) CanonicalURI(ownerURI string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(ownerURI)
}

func (r *Registry) canonicalLocked(ownerURI string) string {
	if canonical, ok := r.aliases[ownerURI]; ok {
		return canonical
	}
	return ownerURI
}

// Active returns the records currently in state Connected.
func (r *Registry) Active() []*AttemptRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*AttemptRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.State() == Connected {
			active = append(active, rec)
		}
	}
	return active
}

// All returns a snapshot of every record regardless of state.
func (r *Registry) All() []*AttemptRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*AttemptRecord, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec)
	}
	return all
}

// URIForConnectionID finds the owner URI whose connected record carries
// the given provider-side connection id.
func (r *Registry) URIForConnectionID(connectionID string) (string, bool) {
	if connectionID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for uri, rec := range r.records {
		if rec.ConnectionID() == connectionID {
			return uri, true
		}
	}
	return "", false
}

// Count returns the number of records, regardless of state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
