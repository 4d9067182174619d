// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package connections

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydock/platform/connections/base"
	"querydock/platform/connections/credentials"
	"querydock/platform/connections/recovery"
	"querydock/platform/connections/registry"
	"querydock/platform/connections/status"
)

// scriptedProvider implements base.Provider with a per-dispatch script.
// A nil scripted result holds the completion so the test can post it
// later through the sink, simulating a slow handshake.
type scriptedProvider struct {
	id      string
	sink    base.CompletionSink
	respond func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult
	// refuseDisconnect scripts a teardown failure for the given call.
	refuseDisconnect func(call int, ownerURI string) error

	mu           sync.Mutex
	dispatched   []*base.ConnectionProfile
	disconnected []string
	dispatchCh   chan string
}

func (p *scriptedProvider) ID() string                                 { return p.id }
func (p *scriptedProvider) SetCompletionSink(sink base.CompletionSink) { p.sink = sink }

func (p *scriptedProvider) Connect(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) error {
	p.mu.Lock()
	call := len(p.dispatched)
	p.dispatched = append(p.dispatched, profile.Copy())
	p.mu.Unlock()

	if p.dispatchCh != nil {
		p.dispatchCh <- ownerURI
	}
	if p.respond != nil {
		if result := p.respond(call, ownerURI, profile); result != nil {
			p.sink.OnConnectionComplete(result)
		}
	}
	return nil
}

func (p *scriptedProvider) Disconnect(ctx context.Context, ownerURI string) (bool, error) {
	p.mu.Lock()
	call := len(p.disconnected)
	p.disconnected = append(p.disconnected, ownerURI)
	p.mu.Unlock()

	if p.refuseDisconnect != nil {
		if err := p.refuseDisconnect(call, ownerURI); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (p *scriptedProvider) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	return true, nil
}

func (p *scriptedProvider) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	return []string{"postgres", "orders"}, nil
}

func (p *scriptedProvider) ConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error) {
	return "host=localhost", nil
}

func (p *scriptedProvider) BuildConnectionInfo(ctx context.Context, connString string) (*base.ConnectionProfile, error) {
	return &base.ConnectionProfile{ProviderID: p.id, Server: "localhost"}, nil
}

func (p *scriptedProvider) dispatchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatched)
}

func (p *scriptedProvider) dispatch(i int) *base.ConnectionProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatched[i]
}

func succeed(connectionID string) func(int, string, *base.ConnectionProfile) *base.ConnectionResult {
	return func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult {
		return &base.ConnectionResult{
			OwnerURI:  ownerURI,
			Connected: true,
			ServerInfo: &base.ServerInfo{
				ConnectionID:  connectionID,
				ServerVersion: "16.2",
			},
			Profile: profile,
		}
	}
}

type fakeRemediation struct {
	claim       bool
	remediateOK bool
	remediateErr error

	mu           sync.Mutex
	probes       int
	remediations int
}

func (f *fakeRemediation) CanHandle(ctx context.Context, errorCode int, errorMessage, providerID string) (base.RemediationInfo, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	return base.RemediationInfo{CanHandle: f.claim && errorCode == recovery.FirewallRuleErrorCode, IPAddress: "203.0.113.9"}, nil
}

func (f *fakeRemediation) Remediate(ctx context.Context, profile *base.ConnectionProfile, info base.RemediationInfo) (bool, error) {
	f.mu.Lock()
	f.remediations++
	f.mu.Unlock()
	return f.remediateOK, f.remediateErr
}

type fakeAccountStore struct {
	accounts []base.Account
	tokens   map[string]base.SecurityToken
	err      error
}

func (f *fakeAccountStore) Accounts(ctx context.Context, providerKind string) ([]base.Account, error) {
	return f.accounts, f.err
}

func (f *fakeAccountStore) Refresh(ctx context.Context, account base.Account) (base.Account, error) {
	account.IsStale = false
	return account, nil
}

func (f *fakeAccountStore) SecurityTokens(ctx context.Context, account base.Account, resource string) (map[string]base.SecurityToken, error) {
	return f.tokens, nil
}

type fakeProfileStore struct {
	mu              sync.Mutex
	nextID          int
	groups          []base.ConnectionGroup
	profilesByGroup map[string][]*base.ConnectionProfile
	deletedProfiles []string
	deletedGroups   []string
}

func (f *fakeProfileStore) SaveProfile(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := profile.Copy()
	if saved.ProfileID == "" {
		f.nextID++
		saved.ProfileID = fmt.Sprintf("profile-%d", f.nextID)
	}
	return saved, nil
}

func (f *fakeProfileStore) DeleteProfile(ctx context.Context, profile *base.ConnectionProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedProfiles = append(f.deletedProfiles, profile.Server+"/"+profile.Username)
	return nil
}

func (f *fakeProfileStore) Groups(ctx context.Context) ([]base.ConnectionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]base.ConnectionGroup(nil), f.groups...), nil
}

func (f *fakeProfileStore) ProfilesInGroup(ctx context.Context, groupID string) ([]*base.ConnectionProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profilesByGroup[groupID], nil
}

func (f *fakeProfileStore) DeleteGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedGroups = append(f.deletedGroups, groupID)
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	added   []string
	deleted []string
	flavors []string
}

func (o *recordingObserver) ConnectionAdded(ownerURI string, profile *base.ConnectionProfile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, ownerURI)
}

func (o *recordingObserver) ConnectionDeleted(ownerURI string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, ownerURI)
}

func (o *recordingObserver) LanguageFlavorChanged(ownerURI, language, flavor string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flavors = append(o.flavors, ownerURI+":"+language+":"+flavor)
}

func (o *recordingObserver) addedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.added)
}

func (o *recordingObserver) deletedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deleted)
}

type recordingDialog struct {
	mu    sync.Mutex
	calls int
}

func (d *recordingDialog) OpenConnectionDialog(profile *base.ConnectionProfile, result *base.ConnectionResult) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
}

type fixture struct {
	manager  *Manager
	provider *scriptedProvider
	observer *recordingObserver
	profiles *fakeProfileStore
	dialog   *recordingDialog
}

type fixtureOptions struct {
	respond  func(int, string, *base.ConnectionProfile) *base.ConnectionResult
	delegate base.RemediationDelegate
	accounts base.AccountStore
	hold     bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	provider := &scriptedProvider{id: "pgsql", respond: opts.respond}
	if opts.hold {
		provider.dispatchCh = make(chan string, 4)
	}

	providers := registry.NewRegistry()
	require.NoError(t, providers.Register(provider))
	providers.MarkReady("pgsql")

	profiles := &fakeProfileStore{profilesByGroup: map[string][]*base.ConnectionProfile{}}
	dialog := &recordingDialog{}

	m := NewManager(ManagerOptions{
		Providers:   providers,
		Status:      status.NewRegistry(),
		Credentials: credentials.NewResolver(credentials.NewMemoryStore(), opts.accounts, nil),
		Recovery:    recovery.NewHandler(opts.delegate),
		Profiles:    profiles,
		Dialog:      dialog,
	})

	observer := &recordingObserver{}
	m.Subscribe(observer)

	return &fixture{manager: m, provider: provider, observer: observer, profiles: profiles, dialog: dialog}
}

func testProfile() *base.ConnectionProfile {
	return &base.ConnectionProfile{
		ProviderID: "pgsql",
		Server:     "db.example.com",
		Database:   "orders",
		AuthType:   base.AuthPassword,
		Username:   "app",
		Password:   "hunter2",
	}
}

func TestConnectSuccess(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-1")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	require.True(t, result.Connected)
	assert.Empty(t, result.ErrorMessage)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "conn-1", result.ServerInfo.ConnectionID)

	uri := result.OwnerURI
	assert.True(t, fx.manager.IsConnected(uri))
	assert.Equal(t, 1, fx.provider.dispatchCount())
	assert.Equal(t, 1, fx.observer.addedCount())

	mapped, ok := fx.manager.URIForConnectionID("conn-1")
	require.True(t, ok)
	assert.Equal(t, uri, mapped)
}

func TestConnectCallbacksMatchOutcome(t *testing.T) {
	fx := newFixture(t, fixtureOptions{
		respond: func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult {
			return &base.ConnectionResult{OwnerURI: ownerURI, Connected: false, ErrorMessage: "login failed"}
		},
	})

	var started string
	var rejected error
	successes := 0
	callbacks := &ConnectionCallbacks{
		OnConnectStart:   func(ownerURI string) { started = ownerURI },
		OnConnectSuccess: func(result *base.ConnectionResult) { successes++ },
		OnConnectReject:  func(err error) { rejected = err },
	}

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), callbacks)
	require.NoError(t, err)
	assert.False(t, result.Connected)
	assert.NotEmpty(t, started)
	assert.Zero(t, successes)
	require.Error(t, rejected)
	assert.ErrorIs(t, rejected, base.ErrConnectFailed)
	assert.Contains(t, rejected.Error(), "login failed")

	// Failed attempts leave no residue in the registry.
	assert.False(t, fx.manager.IsConnected(started))
	assert.False(t, fx.manager.IsConnecting(started))
}

func TestFirewallRemediationRetriesOnce(t *testing.T) {
	delegate := &fakeRemediation{claim: true, remediateOK: true}
	fx := newFixture(t, fixtureOptions{
		delegate: delegate,
		respond: func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult {
			if call == 0 {
				return &base.ConnectionResult{
					OwnerURI:     ownerURI,
					Connected:    false,
					ErrorCode:    recovery.FirewallRuleErrorCode,
					ErrorMessage: "Client with IP address is not allowed to access the server",
				}
			}
			return succeed("conn-2")(call, ownerURI, profile)
		},
	})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.Equal(t, 2, fx.provider.dispatchCount())
	assert.Equal(t, 1, delegate.remediations)
}

func TestRecoveryRetryIsBounded(t *testing.T) {
	delegate := &fakeRemediation{claim: true, remediateOK: true}
	fx := newFixture(t, fixtureOptions{
		delegate: delegate,
		respond: func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult {
			return &base.ConnectionResult{
				OwnerURI:  ownerURI,
				Connected: false,
				ErrorCode: recovery.FirewallRuleErrorCode,
			}
		},
	})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	assert.False(t, result.Connected)
	// The retry runs with recovery disabled, so exactly two dispatches
	// and one remediation no matter how often the failure repeats.
	assert.Equal(t, 2, fx.provider.dispatchCount())
	assert.Equal(t, 1, delegate.remediations)
}

func TestRemediationDeclinedSurfacesError(t *testing.T) {
	delegate := &fakeRemediation{claim: true, remediateOK: false}
	fx := newFixture(t, fixtureOptions{
		delegate: delegate,
		respond: func(call int, ownerURI string, profile *base.ConnectionProfile) *base.ConnectionResult {
			return &base.ConnectionResult{
				OwnerURI:  ownerURI,
				Connected: false,
				ErrorCode: recovery.FirewallRuleErrorCode,
			}
		},
	})

	_, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	assert.ErrorIs(t, err, base.ErrRemediationFailed)
	assert.Equal(t, 1, fx.provider.dispatchCount())
}

func TestFederatedTokenResolutionFailureRejectsBeforeDispatch(t *testing.T) {
	fx := newFixture(t, fixtureOptions{
		respond:  succeed("conn-3"),
		accounts: &fakeAccountStore{accounts: nil},
	})

	profile := testProfile()
	profile.AuthType = base.AuthAzureMFA
	profile.Password = ""

	_, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	assert.ErrorIs(t, err, base.ErrAuthTokenFailure)
	assert.Zero(t, fx.provider.dispatchCount())
}

func TestFederatedTokenMaterializedInDispatchOptions(t *testing.T) {
	fx := newFixture(t, fixtureOptions{
		respond: succeed("conn-4"),
		accounts: &fakeAccountStore{
			accounts: []base.Account{{ID: "acct-1", Username: "app@corp.example"}},
			tokens: map[string]base.SecurityToken{
				"tenant-a": {Token: "tok-tenant-a", ExpiresOn: time.Now().Add(time.Hour)},
			},
		},
	})

	profile := testProfile()
	profile.AuthType = base.AuthAzureMFA
	profile.Username = "app@corp.example"
	profile.Password = ""

	result, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	require.True(t, result.Connected)

	dispatched := fx.provider.dispatch(0)
	assert.Equal(t, "tok-tenant-a", dispatched.Options[base.OptionTokenKey])
	// The token supersedes the password for the session.
	assert.Empty(t, dispatched.Password)
}

func TestNonFederatedDispatchNeverCarriesToken(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-5")})

	profile := testProfile()
	profile.SecurityToken = "stale-token"
	profile.Options = map[string]string{base.OptionTokenKey: "stale-token", "sslmode": "require"}

	result, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	require.True(t, result.Connected)

	dispatched := fx.provider.dispatch(0)
	_, hasToken := dispatched.Options[base.OptionTokenKey]
	assert.False(t, hasToken)
	assert.Equal(t, "require", dispatched.Options["sslmode"])
}

func TestDeleteMidFlightResolvesHandled(t *testing.T) {
	fx := newFixture(t, fixtureOptions{hold: true})

	type outcome struct {
		result *base.ConnectionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
		done <- outcome{result, err}
	}()

	var uri string
	select {
	case uri = <-fx.provider.dispatchCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never arrived")
	}

	// Delete races the in-flight attempt.
	found, err := fx.manager.Disconnect(context.Background(), uri)
	require.NoError(t, err)
	assert.True(t, found)

	// The handshake then completes successfully.
	fx.provider.sink.OnConnectionComplete(&base.ConnectionResult{
		OwnerURI:   uri,
		Connected:  true,
		ServerInfo: &base.ServerInfo{ConnectionID: "conn-late"},
	})

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never resolved")
	}
	require.NoError(t, got.err)
	assert.True(t, got.result.Connected)
	assert.True(t, got.result.ErrorHandled)

	// The slot is gone: no registry entry, no added notification.
	assert.False(t, fx.manager.IsConnected(uri))
	assert.Empty(t, fx.manager.ActiveConnections())
	assert.Zero(t, fx.observer.addedCount())
	assert.Equal(t, 1, fx.observer.deletedCount())
}

func TestConnectIfNotConnectedIsIdempotent(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-6")})

	first, err := fx.manager.ConnectIfNotConnected(context.Background(), testProfile(), PurposeDefault, false)
	require.NoError(t, err)
	second, err := fx.manager.ConnectIfNotConnected(context.Background(), testProfile(), PurposeDefault, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.provider.dispatchCount())
}

func TestMissingPasswordOpensDialog(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-7")})

	profile := testProfile()
	profile.Password = ""

	opts := DefaultConnectOptions()
	opts.ShowDialogOnError = true

	result, err := fx.manager.Connect(context.Background(), profile, "", opts, nil)
	require.NoError(t, err)
	assert.False(t, result.Connected)
	assert.True(t, result.ErrorHandled)
	assert.Zero(t, fx.provider.dispatchCount())
	assert.Equal(t, 1, fx.dialog.calls)
}

func TestPasswordBackfillFromConnectedProfile(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-8")})

	_, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)

	// Same identity, different purpose, no password supplied.
	bare := testProfile()
	bare.Password = ""
	opts := DefaultConnectOptions()
	opts.Purpose = PurposeDashboard

	result, err := fx.manager.Connect(context.Background(), bare, "", opts, nil)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.Equal(t, 2, fx.provider.dispatchCount())
	assert.Equal(t, "hunter2", fx.provider.dispatch(1).Password)
}

func TestDisconnect(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-9")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	uri := result.OwnerURI

	found, err := fx.manager.Disconnect(context.Background(), uri)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, fx.manager.IsConnected(uri))
	assert.Equal(t, []string{uri}, fx.provider.disconnected)
	assert.Equal(t, 1, fx.observer.deletedCount())

	// A second disconnect is a no-op.
	found, err = fx.manager.Disconnect(context.Background(), uri)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestChangeDatabaseUpdatesCachedProfile(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-10")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	uri := result.OwnerURI

	changed, err := fx.manager.ChangeDatabase(context.Background(), uri, "analytics")
	require.NoError(t, err)
	assert.True(t, changed)

	cached, ok := fx.manager.Profile(uri)
	require.True(t, ok)
	assert.Equal(t, "analytics", cached.Database)
}

func TestChangeDatabaseRequiresConnection(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-11")})

	_, err := fx.manager.ChangeDatabase(context.Background(), "connection:default:pgsql:nope:app", "analytics")
	assert.ErrorIs(t, err, base.ErrNotConnected)
}

func TestDeleteConnectionGroupDepthFirst(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-12")})

	profile := testProfile()
	result, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	require.True(t, result.Connected)

	fx.profiles.groups = []base.ConnectionGroup{
		{ID: "root", Name: "Servers"},
		{ID: "child", Name: "Production", ParentID: "root"},
	}
	fx.profiles.profilesByGroup["child"] = []*base.ConnectionProfile{profile}

	require.NoError(t, fx.manager.DeleteConnectionGroup(context.Background(), "root"))

	// Child group is removed before its parent, and the connected
	// profile inside it was disconnected first.
	assert.Equal(t, []string{"child", "root"}, fx.profiles.deletedGroups)
	assert.Equal(t, []string{"db.example.com/app"}, fx.profiles.deletedProfiles)
	assert.False(t, fx.manager.IsConnected(result.OwnerURI))
}

func TestHasRegisteredServers(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})

	got, err := fx.manager.HasRegisteredServers(context.Background())
	require.NoError(t, err)
	assert.False(t, got)

	fx.profiles.groups = []base.ConnectionGroup{
		{ID: "root", Name: "Servers"},
		{ID: "empty", Name: "Staging", ParentID: "root"},
		{ID: "deep", Name: "Production", ParentID: "empty"},
	}
	got, err = fx.manager.HasRegisteredServers(context.Background())
	require.NoError(t, err)
	assert.False(t, got)

	fx.profiles.profilesByGroup["deep"] = []*base.ConnectionProfile{testProfile()}
	got, err = fx.manager.HasRegisteredServers(context.Background())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSaveProfileOnConnect(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-13")})

	opts := DefaultConnectOptions()
	opts.SaveProfile = true

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", opts, nil)
	require.NoError(t, err)
	require.True(t, result.Connected)

	cached, ok := fx.manager.Profile(result.OwnerURI)
	require.True(t, ok)
	assert.NotEmpty(t, cached.ProfileID)
}

func TestFindExistingConnection(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-14")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)

	uri, ok := fx.manager.FindExistingConnection(testProfile())
	require.True(t, ok)
	assert.Equal(t, result.OwnerURI, uri)

	other := testProfile()
	other.Database = "somewhere-else"
	_, ok = fx.manager.FindExistingConnection(other)
	assert.False(t, ok)
}

func TestConnectRejectsUnknownProvider(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-15")})

	profile := testProfile()
	profile.ProviderID = "oracle"

	_, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	assert.ErrorIs(t, err, base.ErrUnregisteredProvider)
}

func TestConnectRejectsInvalidAuthType(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-16")})

	profile := testProfile()
	profile.AuthType = "kerberos"

	_, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	assert.Error(t, err)
	assert.Zero(t, fx.provider.dispatchCount())
}

func TestStaleCompletionForUnknownURIIsDropped(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-17")})

	// Must not panic or create registry entries.
	fx.manager.OnConnectionComplete(&base.ConnectionResult{OwnerURI: "connection:default:pgsql:ghost:app", Connected: true})
	fx.manager.OnConnectionComplete(nil)
	assert.Empty(t, fx.manager.ActiveConnections())
}

func TestLastWriterWinsOnSameOwnerURI(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-18")})

	profile := testProfile()
	result, err := fx.manager.Connect(context.Background(), profile, "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	uri := result.OwnerURI

	// Reconnecting the same URI replaces the previous connection.
	again, err := fx.manager.Connect(context.Background(), profile, uri, DefaultConnectOptions(), nil)
	require.NoError(t, err)
	assert.True(t, again.Connected)
	assert.Equal(t, 2, fx.provider.dispatchCount())
	assert.True(t, fx.manager.IsConnected(uri))
	assert.Len(t, fx.manager.ActiveConnections(), 1)
}

func TestDeletedSlotFailureSkipsRecovery(t *testing.T) {
	delegate := &fakeRemediation{claim: true, remediateOK: true}
	fx := newFixture(t, fixtureOptions{hold: true, delegate: delegate})

	type outcome struct {
		result *base.ConnectionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
		done <- outcome{result, err}
	}()

	var uri string
	select {
	case uri = <-fx.provider.dispatchCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never arrived")
	}

	found, err := fx.manager.Disconnect(context.Background(), uri)
	require.NoError(t, err)
	assert.True(t, found)

	// The handshake fails with a remediable code after the delete.
	fx.provider.sink.OnConnectionComplete(&base.ConnectionResult{
		OwnerURI:     uri,
		Connected:    false,
		ErrorCode:    recovery.FirewallRuleErrorCode,
		ErrorMessage: "Client with IP address is not allowed to access the server",
	})

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never resolved")
	}
	require.NoError(t, got.err)
	assert.False(t, got.result.Connected)
	assert.True(t, got.result.ErrorHandled)

	// The deleted slot is never offered to remediation or re-dispatched.
	assert.Zero(t, delegate.probes)
	assert.Zero(t, delegate.remediations)
	assert.Equal(t, 1, fx.provider.dispatchCount())
	assert.Empty(t, fx.manager.ActiveConnections())
}

func TestDeleteConnectionGroupKeepsConfigWhenDisconnectFails(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-20")})
	fx.provider.refuseDisconnect = func(call int, ownerURI string) error {
		if call == 1 {
			return fmt.Errorf("session teardown refused")
		}
		return nil
	}

	first := testProfile()
	second := testProfile()
	second.Server = "db2.example.com"

	for _, p := range []*base.ConnectionProfile{first, second} {
		result, err := fx.manager.Connect(context.Background(), p, "", DefaultConnectOptions(), nil)
		require.NoError(t, err)
		require.True(t, result.Connected)
	}

	fx.profiles.groups = []base.ConnectionGroup{{ID: "grp", Name: "Servers"}}
	fx.profiles.profilesByGroup["grp"] = []*base.ConnectionProfile{first, second}

	err := fx.manager.DeleteConnectionGroup(context.Background(), "grp")
	require.Error(t, err)

	// A failed disconnect leaves the stored configuration untouched:
	// no profile and no group is removed.
	assert.Empty(t, fx.profiles.deletedProfiles)
	assert.Empty(t, fx.profiles.deletedGroups)
}

func TestProfileReadsDuringConcurrentChangeDatabase(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-21")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	uri := result.OwnerURI

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			name := "orders"
			if i%2 == 1 {
				name = "analytics"
			}
			_, err := fx.manager.ChangeDatabase(context.Background(), uri, name)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			fx.manager.ActiveConnections()
			fx.manager.Profile(uri)
			fx.manager.FindExistingConnection(testProfile())
		}
	}()
	wg.Wait()

	cached, ok := fx.manager.Profile(uri)
	require.True(t, ok)
	assert.Contains(t, []string{"orders", "analytics"}, cached.Database)
}

func TestConcurrentConnectDeleteInterleavings(t *testing.T) {
	fx := newFixture(t, fixtureOptions{hold: true})
	rng := rand.New(rand.NewSource(7))

	profile := testProfile()
	uri := BuildOwnerURI(PurposeDefault, profile)

	for round := 0; round < 40; round++ {
		done := make(chan error, 1)
		go func() {
			_, err := fx.manager.Connect(context.Background(), profile, uri, DefaultConnectOptions(), nil)
			done <- err
		}()

		select {
		case <-fx.provider.dispatchCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: dispatch never arrived", round)
		}

		post := func() {
			fx.provider.sink.OnConnectionComplete(&base.ConnectionResult{
				OwnerURI:   uri,
				Connected:  true,
				ServerInfo: &base.ServerInfo{ConnectionID: fmt.Sprintf("conn-r%d", round)},
			})
		}
		del := func() {
			_, derr := fx.manager.Disconnect(context.Background(), uri)
			assert.NoError(t, derr)
		}

		switch rng.Intn(3) {
		case 0:
			del()
			post()
		case 1:
			post()
			del()
		default:
			var race sync.WaitGroup
			race.Add(2)
			go func() { defer race.Done(); post() }()
			go func() { defer race.Done(); del() }()
			race.Wait()
		}

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: connect never resolved", round)
		}

		// Never more than one live record for the URI, whatever the
		// interleaving.
		active := fx.manager.ActiveConnections()
		require.LessOrEqual(t, len(active), 1)
		fx.manager.Disconnect(context.Background(), uri)
		assert.Empty(t, fx.manager.ActiveConnections())
	}
}

func TestListDatabasesAndConnectionString(t *testing.T) {
	fx := newFixture(t, fixtureOptions{respond: succeed("conn-19")})

	result, err := fx.manager.Connect(context.Background(), testProfile(), "", DefaultConnectOptions(), nil)
	require.NoError(t, err)
	uri := result.OwnerURI

	dbs, err := fx.manager.ListDatabases(context.Background(), uri)
	require.NoError(t, err)
	assert.Contains(t, dbs, "orders")

	connString, err := fx.manager.GetConnectionString(context.Background(), uri, false)
	require.NoError(t, err)
	assert.NotEmpty(t, connString)

	_, err = fx.manager.ListDatabases(context.Background(), "connection:default:pgsql:ghost:app")
	assert.ErrorIs(t, err, base.ErrNotConnected)
}
