// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package base

import "context"

// CompletionSink receives the asynchronous terminal outcome of connect
// attempts. The orchestrator registers itself as the sink on every
// provider; providers must post exactly one completion per accepted
// attempt, from any goroutine.
type CompletionSink interface {
	OnConnectionComplete(result *ConnectionResult)
}

// Provider is the pluggable backend implementing the actual network
// operations for one database engine family.
//
// Connect only acknowledges that the attempt was accepted; the real
// outcome arrives later through the registered CompletionSink. All
// other calls are synchronous.
type Provider interface {
	// ID returns the provider identifier (e.g. "pgsql", "mysql").
	ID() string

	// SetCompletionSink registers the sink completions are posted to.
	// Must be called before the first Connect.
	SetCompletionSink(sink CompletionSink)

	// Connect accepts a connection attempt for the owner URI.
	Connect(ctx context.Context, ownerURI string, profile *ConnectionProfile) error

	// Disconnect tears down the connection for the owner URI.
	Disconnect(ctx context.Context, ownerURI string) (bool, error)

	// ChangeDatabase switches the active database of an established
	// connection.
	ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error)

	// ListDatabases returns the database names visible on the server
	// behind the owner URI.
	ListDatabases(ctx context.Context, ownerURI string) ([]string, error)

	// ConnectionString renders the connection string for the owner URI,
	// optionally including the password.
	ConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error)

	// BuildConnectionInfo parses a connection string back into a profile.
	BuildConnectionInfo(ctx context.Context, connString string) (*ConnectionProfile, error)
}
