// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydock/platform/connections/base"
)

func testProfile() *base.ConnectionProfile {
	return &base.ConnectionProfile{
		ProviderID: "pgsql",
		Server:     "db1",
		AuthType:   base.AuthPassword,
		Username:   "u",
		Database:   "app",
	}
}

func TestAddAndFind(t *testing.T) {
	r := NewRegistry()

	rec, err := r.Add(testProfile(), "connection:default:pgsql:db1:u")
	require.NoError(t, err)
	assert.Equal(t, Connecting, rec.State())

	got, ok := r.Find("connection:default:pgsql:db1:u")
	require.True(t, ok)
	assert.Same(t, rec, got)

	assert.True(t, r.IsConnecting("connection:default:pgsql:db1:u"))
	assert.False(t, r.IsConnected("connection:default:pgsql:db1:u"))
}

func TestAddDuplicate(t *testing.T) {
	r := NewRegistry()
	uri := "connection:default:pgsql:db1:u"

	_, err := r.Add(testProfile(), uri)
	require.NoError(t, err)

	_, err = r.Add(testProfile(), uri)
	assert.ErrorIs(t, err, base.ErrDuplicateAttempt)
}

func TestAddAfterLazyDeleteSucceeds(t *testing.T) {
	r := NewRegistry()
	uri := "connection:default:pgsql:db1:u"

	_, err := r.Add(testProfile(), uri)
	require.NoError(t, err)

	// Delete while in flight leaves a record in state Deleted; a fresh
	// connect may supersede it.
	r.Delete(uri)
	rec, ok := r.Find(uri)
	require.True(t, ok)
	assert.Equal(t, Deleted, rec.State())

	fresh, err := r.Add(testProfile(), uri)
	require.NoError(t, err)
	assert.Equal(t, Connecting, fresh.State())
}

func TestMarkConnectedIsOneWay(t *testing.T) {
	r := NewRegistry()
	uri := "connection:default:pgsql:db1:u"

	_, err := r.Add(testProfile(), uri)
	require.NoError(t, err)

	info := &base.ServerInfo{ServerVersion: "16.1"}
	assert.True(t, r.MarkConnected(uri, info, "conn-1"))
	assert.True(t, r.IsConnected(uri))

	// Second transition attempt does not apply.
	assert.False(t, r.MarkConnected(uri, nil, "conn-2"))

	rec, _ := r.Find(uri)
	assert.Equal(t, "conn-1", rec.ConnectionID())
	assert.Equal(t, "16.1", rec.ServerInfo().ServerVersion)
}

func TestDeleteConnectedRemovesImmediately(t *testing.T) {
	r := NewRegistry()
	uri := "connection:default:pgsql:db1:u"

	_, err := r.Add(testProfile(), uri)
	require.NoError(t, err)
	r.MarkConnected(uri, nil, "conn-1")

	r.Delete(uri)
	_, ok := r.Find(uri)
	assert.False(t, ok)
}

func TestResolveFiresExactlyOnce(t *testing.T) {
	r := NewRegistry()
	rec, err := r.Add(testProfile(), "connection:default:pgsql:db1:u")
	require.NoError(t, err)

	first := rec.Resolve(&base.ConnectionResult{Connected: true})
	second := rec.Resolve(&base.ConnectionResult{Connected: false})

	assert.True(t, first)
	assert.False(t, second)

	result := <-rec.Outcome()
	assert.True(t, result.Connected)

	select {
	case <-rec.Outcome():
		t.Fatal("outcome channel delivered twice")
	default:
	}
}

func TestAliases(t *testing.T) {
	r := NewRegistry()
	canonical := "connection:default:pgsql:db1:u"
	alias := "connection:default:pgsql:db1:u:app"

	rec, err := r.Add(testProfile(), canonical)
	require.NoError(t, err)
	r.AddAlias(alias, canonical)

	got, ok := r.Find(alias)
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, canonical, r.CanonicalURI(alias))
	assert.Equal(t, canonical, r.CanonicalURI(canonical))

	// An alias never overwrites an existing mapping.
	r.AddAlias(alias, "connection:other")
	assert.Equal(t, canonical, r.CanonicalURI(alias))
}

func TestUpdateProfile(t *testing.T) {
	r := NewRegistry()
	uri := "connection:default:pgsql:db1:u"
	_, err := r.Add(testProfile(), uri)
	require.NoError(t, err)

	saved := testProfile()
	saved.ProfileID = "profile-42"
	assert.Equal(t, "profile-42", r.UpdateProfile(saved, uri))

	rec, _ := r.Find(uri)
	assert.Equal(t, "profile-42", rec.Profile().ProfileID)

	assert.Empty(t, r.UpdateProfile(saved, "connection:unknown"))
}

func TestActiveAndURIForConnectionID(t *testing.T) {
	r := NewRegistry()

	_, err := r.Add(testProfile(), "uri-1")
	require.NoError(t, err)
	_, err = r.Add(testProfile(), "uri-2")
	require.NoError(t, err)
	r.MarkConnected("uri-2", nil, "conn-2")

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "uri-2", active[0].OwnerURI)

	uri, ok := r.URIForConnectionID("conn-2")
	require.True(t, ok)
	assert.Equal(t, "uri-2", uri)

	_, ok = r.URIForConnectionID("")
	assert.False(t, ok)
}

// At most one non-deleted record may exist per owner URI, under any
// interleaving of connect and delete.
func TestInvariantSingleLiveRecordPerURI(t *testing.T) {
	r := NewRegistry()
	uris := []string{"uri-a", "uri-b", "uri-c"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				uri := uris[rng.Intn(len(uris))]
				switch rng.Intn(3) {
				case 0:
					if rec, err := r.Add(testProfile(), uri); err == nil {
						_ = rec
					}
				case 1:
					r.Delete(uri)
				case 2:
					r.MarkConnected(uri, nil, fmt.Sprintf("conn-%d", i))
				}
			}
		}(int64(g))
	}
	wg.Wait()

	for _, uri := range uris {
		live := 0
		if rec, ok := r.Find(uri); ok && rec.State() != Deleted {
			live++
		}
		assert.LessOrEqual(t, live, 1, "uri %s", uri)
	}
}
