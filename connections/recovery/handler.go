// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

// Package recovery implements error-driven remediation of failed
// connection attempts: a failed result carrying a provider error code is
// offered to a remediation delegate (e.g. firewall-rule provisioning)
// and, when remediation succeeds, the orchestrator retries the dispatch
// exactly once with recovery disabled.
package recovery

import (
	"context"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// FirewallRuleErrorCode is the provider error code for a server-side
// firewall rejection, the primary remediable failure.
const FirewallRuleErrorCode = 40615

// Handler consults a remediation delegate about coded provider
// failures. It is stateless with respect to the status registry: it
// reads and annotates results but never mutates registry entries.
type Handler struct {
	delegate base.RemediationDelegate
	log      *logger.Logger
}

// NewHandler creates a recovery handler. A nil delegate disables
// recovery entirely.
func NewHandler(delegate base.RemediationDelegate) *Handler {
	return &Handler{
		delegate: delegate,
		log:      logger.New("connections.recovery"),
	}
}

// Handle offers a failed result to the remediation delegate.
//
// handled reports whether the delegate claimed the error (the result is
// then marked ErrorHandled so it is not surfaced twice). retry reports
// whether remediation succeeded and the caller should re-dispatch once.
// When the delegate claimed the error but remediation was declined or
// failed, err is ErrRemediationFailed; an unclaimed error returns
// (false, false, nil) and the original failure stands.
func (h *Handler) Handle(ctx context.Context, result *base.ConnectionResult, profile *base.ConnectionProfile) (handled, retry bool, err error) {
	if h.delegate == nil || result == nil || result.Connected || result.ErrorCode == 0 {
		return false, false, nil
	}

	info, err := h.delegate.CanHandle(ctx, result.ErrorCode, result.ErrorMessage, profile.ProviderID)
	if err != nil {
		h.log.Warn(result.OwnerURI, "", "Remediation delegate probe failed", map[string]interface{}{
			"error_code": result.ErrorCode,
			"error":      err.Error(),
		})
		return false, false, nil
	}
	if !info.CanHandle {
		return false, false, nil
	}

	// The delegate owns user-facing surfacing from here on.
	result.ErrorHandled = true
	h.log.Info(result.OwnerURI, "", "Attempting error remediation", map[string]interface{}{
		"error_code": result.ErrorCode,
		"provider":   profile.ProviderID,
	})

	ok, err := h.delegate.Remediate(ctx, profile, info)
	if err != nil {
		h.log.ErrorWithErr(result.OwnerURI, "", "Remediation failed", err, map[string]interface{}{
			"error_code": result.ErrorCode,
		})
		return true, false, base.ErrRemediationFailed
	}
	if !ok {
		h.log.Info(result.OwnerURI, "", "Remediation declined", map[string]interface{}{
			"error_code": result.ErrorCode,
		})
		return true, false, base.ErrRemediationFailed
	}

	return true, true, nil
}
