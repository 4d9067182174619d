// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection lifecycle. Callers classify
// failures with errors.Is; wrapped causes stay reachable via Unwrap.
var (
	// ErrUnregisteredProvider is returned when an operation references a
	// provider identifier with no registered, ready implementation.
	ErrUnregisteredProvider = errors.New("provider not registered")

	// ErrDuplicateAttempt is returned when a connect is requested for an
	// owner URI that already has a live (non-deleted) attempt record.
	ErrDuplicateAttempt = errors.New("connection attempt already exists for owner URI")

	// ErrCredentialUnavailable means a password was required but could
	// not be found or backfilled from an equivalent connected profile.
	ErrCredentialUnavailable = errors.New("required credential unavailable")

	// ErrAuthTokenFailure means federated token resolution failed before
	// any provider dispatch took place.
	ErrAuthTokenFailure = errors.New("failed to resolve federated security token")

	// ErrUserCancelledAuth means the user aborted an interactive account
	// refresh during federated token resolution.
	ErrUserCancelledAuth = errors.New("authentication cancelled by user")

	// ErrConnectFailed is the generic terminal failure of a connect call.
	ErrConnectFailed = errors.New("connection failed")

	// ErrRemediationFailed means the recovery path was exhausted: the
	// remediation was declined, inapplicable, or itself failed.
	ErrRemediationFailed = errors.New("connection not accepted")

	// ErrNotConnected is returned by operations that require an
	// established connection for the owner URI.
	ErrNotConnected = errors.New("no active connection for owner URI")
)

// ProviderError wraps a coded failure reported by a provider. The code
// drives recovery-handler selection (e.g. 40615 for firewall rejection).
type ProviderError struct {
	ProviderID string
	Code       int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: error %d: %s (cause: %v)", e.ProviderID, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: error %d: %s", e.ProviderID, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError.
func NewProviderError(providerID string, code int, message string, cause error) *ProviderError {
	return &ProviderError{
		ProviderID: providerID,
		Code:       code,
		Message:    message,
		Cause:      cause,
	}
}
