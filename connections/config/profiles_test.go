// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydock/platform/connections/base"
)

func testStore(t *testing.T) (*FileProfileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	store, err := NewFileProfileStore(path)
	require.NoError(t, err)
	return store, path
}

func TestProfileRoundTrip(t *testing.T) {
	store, path := testStore(t)
	ctx := context.Background()

	group, err := store.SaveGroup(ctx, base.ConnectionGroup{Name: "Production"})
	require.NoError(t, err)
	require.NotEmpty(t, group.ID)

	saved, err := store.SaveProfile(ctx, &base.ConnectionProfile{
		ProviderID: "pgsql",
		Server:     "db.example.com",
		Database:   "orders",
		AuthType:   base.AuthPassword,
		Username:   "app",
		Password:   "hunter2",
		GroupID:    group.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ProfileID)

	// Reopen from disk.
	reopened, err := NewFileProfileStore(path)
	require.NoError(t, err)

	profiles, err := reopened.ProfilesInGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "db.example.com", profiles[0].Server)
	assert.Equal(t, base.AuthPassword, profiles[0].AuthType)
	// The password must never be persisted.
	assert.Empty(t, profiles[0].Password)

	groups, err := reopened.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Production", groups[0].Name)
}

func TestSaveProfileOverwritesByID(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	saved, err := store.SaveProfile(ctx, &base.ConnectionProfile{
		ProviderID: "pgsql", Server: "a", Username: "u", AuthType: base.AuthPassword,
	})
	require.NoError(t, err)

	saved.Database = "analytics"
	again, err := store.SaveProfile(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, saved.ProfileID, again.ProfileID)

	profiles, err := store.ProfilesInGroup(ctx, "")
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "analytics", profiles[0].Database)
}

func TestDeleteProfile(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	saved, err := store.SaveProfile(ctx, &base.ConnectionProfile{
		ProviderID: "mysql", Server: "b", Username: "u", AuthType: base.AuthPassword,
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteProfile(ctx, saved))
	profiles, err := store.ProfilesInGroup(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, profiles)

	// Deleting by identity when no id is known.
	_, err = store.SaveProfile(ctx, &base.ConnectionProfile{
		ProviderID: "mysql", Server: "c", Username: "u", AuthType: base.AuthPassword,
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteProfile(ctx, &base.ConnectionProfile{
		ProviderID: "mysql", Server: "c", Username: "u",
	}))
	profiles, err = store.ProfilesInGroup(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestDeleteGroup(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	group, err := store.SaveGroup(ctx, base.ConnectionGroup{Name: "Staging"})
	require.NoError(t, err)
	require.NoError(t, store.DeleteGroup(ctx, group.ID))

	groups, err := store.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestNewFileProfileStoreMissingFileIsEmpty(t *testing.T) {
	store, _ := testStore(t)
	groups, err := store.Groups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
}
