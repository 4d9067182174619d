// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package base

// ServerInfo carries the metadata a provider reports after a successful
// handshake.
type ServerInfo struct {
	ServerVersion   string `json:"server_version,omitempty"`
	ServerEdition   string `json:"server_edition,omitempty"`
	MachineName     string `json:"machine_name,omitempty"`
	IsCloud         bool   `json:"is_cloud"`
	ConnectionID    string `json:"connection_id,omitempty"`
	EngineVersionID int    `json:"engine_version_id,omitempty"`
}

// ConnectionResult is the terminal outcome of one connection attempt.
type ConnectionResult struct {
	// Connected is true when the provider completed the handshake.
	Connected bool `json:"connected"`

	// ErrorMessage and ErrorCode are set on failure. ErrorCode is
	// provider-specific (e.g. SQL error numbers) and zero when unknown.
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    int    `json:"error_code,omitempty"`

	// CallStack holds provider-side diagnostics, when available.
	CallStack string `json:"call_stack,omitempty"`

	// ErrorHandled marks a failure that has already been surfaced (or
	// deliberately swallowed, for deleted attempts); callers must not
	// present it to the user again.
	ErrorHandled bool `json:"error_handled,omitempty"`

	// OwnerURI identifies the attempt this result resolves.
	OwnerURI string `json:"owner_uri"`

	// Profile is the resolved profile the attempt ran with.
	Profile *ConnectionProfile `json:"profile,omitempty"`

	// ServerInfo is populated on success.
	ServerInfo *ServerInfo `json:"server_info,omitempty"`
}
