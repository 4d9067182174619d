// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// ProviderID identifies this engine in the provider registry.
const ProviderID = "mongodb"

// Provider implements base.Provider for MongoDB. One *mongo.Client per
// owner URI; the profile's Database selects the default database for
// listings.
type Provider struct {
	sink base.CompletionSink
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	client  *mongo.Client
	profile *base.ConnectionProfile
}

// New creates a MongoDB provider.
func New() *Provider {
	return &Provider{
		log:   logger.New("providers.mongodb"),
		conns: make(map[string]*connection),
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string { return ProviderID }

// SetCompletionSink registers the sink terminal outcomes are posted to.
func (p *Provider) SetCompletionSink(sink base.CompletionSink) { p.sink = sink }

// Connect acknowledges the attempt; the handshake runs on its own
// goroutine and posts the outcome to the completion sink.
func (p *Provider) Connect(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) error {
	if p.sink == nil {
		return fmt.Errorf("mongodb: completion sink not set")
	}

	clientOpts := options.Client().ApplyURI(buildURI(profile, true))
	go p.handshake(ctx, ownerURI, profile, clientOpts)
	return nil
}

func (p *Provider) handshake(ctx context.Context, ownerURI string, profile *base.ConnectionProfile, clientOpts *options.ClientOptions) {
	client, err := mongo.Connect(ctx, clientOpts)
	if err == nil {
		err = client.Ping(ctx, readpref.Primary())
	}
	if err != nil {
		if client != nil {
			_ = client.Disconnect(context.Background())
		}
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
	var buildInfo struct {
		Version string `bson:"version"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&buildInfo); err != nil {
		p.log.Warn(ownerURI, "", "Failed to read server version", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		info.ServerVersion = buildInfo.Version
	}

	p.mu.Lock()
	p.conns[ownerURI] = &connection{client: client, profile: profile}
	p.mu.Unlock()

	p.sink.OnConnectionComplete(&base.ConnectionResult{
		OwnerURI:   ownerURI,
		Connected:  true,
		ServerInfo: info,
		Profile:    profile,
	})
}

// Disconnect closes the client for the owner URI.
func (p *Provider) Disconnect(ctx context.Context, ownerURI string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	delete(p.conns, ownerURI)
	p.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := conn.client.Disconnect(ctx); err != nil {
		return true, fmt.Errorf("mongodb: failed to disconnect: %w", err)
	}
	return true, nil
}

// ChangeDatabase switches the default database. The client is server
// scoped, so only the cached profile changes.
func (p *Provider) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[ownerURI]
	if !ok {
		return false, base.ErrNotConnected
	}
	next := conn.profile.Copy()
	next.Database = database
	conn.profile = next
	return true, nil
}

// ListDatabases returns the database names visible on the server.
func (p *Provider) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return nil, err
	}

	names, err := conn.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
	}
	return names, nil
}

// ConnectionString renders the mongodb:// URI for the owner URI.
func (p *Provider) ConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return "", err
	}
	return buildURI(conn.profile, includePassword), nil
}

// BuildConnectionInfo parses a mongodb:// URI into a profile.
func (p *Provider) BuildConnectionInfo(ctx context.Context, connString string) (*base.ConnectionProfile, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("mongodb: invalid connection string: %w", err)
	}
	if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
		return nil, fmt.Errorf("mongodb: unsupported scheme %q", u.Scheme)
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

// buildURI renders the mongodb:// connection URI.
func buildURI(profile *base.ConnectionProfile, includePassword bool) string {
	u := &url.URL{
		Scheme: "mongodb",
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

// errorCode extracts the server error code from command errors.
func errorCode(err error) int {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return int(cmdErr.Code)
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) && writeErr.WriteConcernError != nil {
		return writeErr.WriteConcernError.Code
	}
	return 0
}
