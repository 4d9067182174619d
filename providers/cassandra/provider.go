// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package cassandra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// ProviderID identifies this engine in the provider registry.
const ProviderID = "cassandra"

// Provider implements base.Provider for Cassandra with gocql. One
// session per owner URI; the profile's Database is the keyspace.
type Provider struct {
	sink base.CompletionSink
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	session *gocql.Session
	profile *base.ConnectionProfile
}

// New creates a Cassandra provider.
func New() *Provider {
	return &Provider{
		log:   logger.New("providers.cassandra"),
		conns: make(map[string]*connection),
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string { return ProviderID }

// SetCompletionSink registers the sink terminal outcomes are posted to.
func (p *Provider) SetCompletionSink(sink base.CompletionSink) { p.sink = sink }

// Connect acknowledges the attempt; session creation runs on its own
// goroutine and posts the outcome to the completion sink.
func (p *Provider) Connect(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) error {
	if p.sink == nil {
		return fmt.Errorf("cassandra: completion sink not set")
	}

	go p.handshake(ctx, ownerURI, profile)
	return nil
}

func (p *Provider) handshake(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) {
	session, err := createSession(profile)
	if err != nil {
		p.sink.OnConnectionComplete(&base.ConnectionResult{
			OwnerURI:     ownerURI,
			Connected:    false,
			ErrorMessage: err.Error(),
			ErrorCode:    errorCode(err),
			Profile:      profile,
		})
		return
	}

	info := &base.ServerInfo{ConnectionID: uuid.New().String()}
	if err := session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&info.ServerVersion); err != nil {
		p.log.Warn(ownerURI, "", "Failed to read server version", map[string]interface{}{
			"error": err.Error(),
		})
	}

	p.mu.Lock()
	p.conns[ownerURI] = &connection{session: session, profile: profile}
	p.mu.Unlock()

	p.sink.OnConnectionComplete(&base.ConnectionResult{
		OwnerURI:   ownerURI,
		Connected:  true,
		ServerInfo: info,
		Profile:    profile,
	})
}

func createSession(profile *base.ConnectionProfile) (*gocql.Session, error) {
	cluster := gocql.NewCluster(strings.Split(profile.Server, ",")...)
	cluster.Keyspace = profile.Database
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second

	cluster.Consistency = gocql.Quorum
	if name, ok := profile.Options["consistency"]; ok {
		consistency, err := gocql.ParseConsistencyWrapper(name)
		if err != nil {
			return nil, fmt.Errorf("invalid consistency %q: %w", name, err)
		}
		cluster.Consistency = consistency
	}

	if profile.Username != "" {
		password := profile.Password
		if token, ok := profile.Options[base.OptionTokenKey]; ok {
			password = token
		}
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: profile.Username,
			Password: password,
		}
	}
	return cluster.CreateSession()
}

// Disconnect closes the session for the owner URI.
func (p *Provider) Disconnect(ctx context.Context, ownerURI string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	delete(p.conns, ownerURI)
	p.mu.Unlock()

	if !ok {
		return false, nil
	}
	conn.session.Close()
	return true, nil
}

// ChangeDatabase reattaches the session to a different keyspace by
// creating a fresh session; gocql binds the keyspace at session
// creation.
func (p *Provider) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	p.mu.Unlock()
	if !ok {
		return false, base.ErrNotConnected
	}

	next := conn.profile.Copy()
	next.Database = database

	session, err := createSession(next)
	if err != nil {
		return false, base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
	}

	p.mu.Lock()
	old := p.conns[ownerURI]
	p.conns[ownerURI] = &connection{session: session, profile: next}
	p.mu.Unlock()
	if old != nil {
		old.session.Close()
	}
	return true, nil
}

// ListDatabases returns the keyspaces on the cluster.
func (p *Provider) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return nil, err
	}

	iter := conn.session.Query("SELECT keyspace_name FROM system_schema.keyspaces").WithContext(ctx).Iter()
	var names []string
	var name string
	for iter.Scan(&name) {
		names = append(names, name)
	}
	if err := iter.Close(); err != nil {
		return nil, base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
	}
	return names, nil
}

// ConnectionString renders a cassandra:// URI for the owner URI.
func (p *Provider) ConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return "", err
	}
	return buildURI(conn.profile, includePassword), nil
}

// BuildConnectionInfo parses a cassandra:// URI into a profile. The
// host part may carry a comma-separated contact-point list.
func (p *Provider) BuildConnectionInfo(ctx context.Context, connString string) (*base.ConnectionProfile, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("cassandra: invalid connection string: %w", err)
	}
	if u.Scheme != "cassandra" {
		return nil, fmt.Errorf("cassandra: unsupported scheme %q", u.Scheme)
	}

	profile := &base.ConnectionProfile{
		ProviderID: ProviderID,
		Server:     u.Host,
		Database:   strings.TrimPrefix(u.Path, "/"),
		AuthType:   base.AuthPassword,
	}
	if u.User != nil {
		profile.Username = u.User.Username()
		if password, set := u.User.Password(); set {
			profile.Password = password
		}
	}
	if len(u.Query()) > 0 {
		profile.Options = make(map[string]string, len(u.Query()))
		for k, v := range u.Query() {
			profile.Options[k] = v[0]
		}
	}
	return profile, nil
}

func (p *Provider) lookup(ownerURI string) (*connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[ownerURI]
	if !ok {
		return nil, base.ErrNotConnected
	}
	return conn, nil
}

func buildURI(profile *base.ConnectionProfile, includePassword bool) string {
	u := &url.URL{
		Scheme: "cassandra",
		Host:   profile.Server,
		Path:   "/" + profile.Database,
	}
	if profile.Database == "" {
		u.Path = "/"
	}
	if profile.Username != "" {
		if includePassword && profile.Password != "" {
			u.User = url.UserPassword(profile.Username, profile.Password)
		} else {
			u.User = url.User(profile.Username)
		}
	}

	q := url.Values{}
	for k, v := range profile.Options {
		if k == base.OptionTokenKey {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// errorCode extracts the CQL error code from request errors.
func errorCode(err error) int {
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code()
	}
	return 0
}
