// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package connections

import (
	"strings"

	"github.com/google/uuid"

	"querydock/platform/connections/base"
)

// Purpose distinguishes the connection slots a single profile can own:
// the same target gets a separate owner URI per purpose.
type Purpose string

const (
	PurposeDefault   Purpose = "default"
	PurposeDashboard Purpose = "dashboard"
	PurposeInsights  Purpose = "insights"
	PurposeNotebook  Purpose = "notebook"
)

const uriScheme = "connection"

// BuildOwnerURI derives the owner URI for a profile and purpose. The
// URI is stable for a given identity, so repeat connects for the same
// target and purpose land on the same slot.
func BuildOwnerURI(purpose Purpose, profile *base.ConnectionProfile) string {
	if purpose == "" {
		purpose = PurposeDefault
	}
	parts := []string{uriScheme, string(purpose), profile.ProviderID, profile.Server, profile.Username}
	return strings.Join(parts, ":")
}

// BuildDatabaseOwnerURI derives the database-qualified owner URI for a
// profile. It aliases to the database-less URI of the same identity in
// the status registry.
func BuildDatabaseOwnerURI(purpose Purpose, profile *base.ConnectionProfile) string {
	if profile.Database == "" {
		return BuildOwnerURI(purpose, profile)
	}
	return BuildOwnerURI(purpose, profile) + ":" + profile.Database
}

// NewUntitledOwnerURI generates a unique owner URI for a slot with no
// profile identity yet (e.g. an unsaved editor).
func NewUntitledOwnerURI() string {
	return uriScheme + ":untitled:" + uuid.NewString()
}
