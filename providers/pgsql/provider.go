// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package pgsql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// ProviderID identifies this engine in the provider registry.
const ProviderID = "pgsql"

// firewallErrorCode is the engine code for server-side firewall
// rejections (Azure Database for PostgreSQL).
const firewallErrorCode = 40615

// loginFailedErrorCode is the engine code reported for rejected
// credentials.
const loginFailedErrorCode = 18456

// Provider implements base.Provider for PostgreSQL over database/sql
// with the lib/pq driver. One *sql.DB pool per owner URI.
type Provider struct {
	sink base.CompletionSink
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	db      *sql.DB
	profile *base.ConnectionProfile
}

// New creates a PostgreSQL provider.
func New() *Provider {
	return &Provider{
		log:   logger.New("providers.pgsql"),
		conns: make(map[string]*connection),
	}
}

// ID returns the provider identifier.
func (p *Provider) ID() string { return ProviderID }

// SetCompletionSink registers the sink terminal outcomes are posted to.
func (p *Provider) SetCompletionSink(sink base.CompletionSink) { p.sink = sink }

// Connect acknowledges the attempt and performs the handshake on its
// own goroutine; the outcome arrives at the completion sink.
func (p *Provider) Connect(ctx context.Context, ownerURI string, profile *base.ConnectionProfile) error {
	if p.sink == nil {
		return fmt.Errorf("pgsql: completion sink not set")
	}

	dsn := buildDSN(profile, true)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("pgsql: failed to open pool: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	go p.handshake(ctx, ownerURI, profile, db)
	return nil
}

func (p *Provider) handshake(ctx context.Context, ownerURI string, profile *base.ConnectionProfile, db *sql.DB) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		p.sink.OnConnectionComplete(failedResult(ownerURI, profile, err))
		return
	}

	info := &base.ServerInfo{ConnectionID: uuid.New().String()}
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&info.ServerVersion); err != nil {
		p.log.Warn(ownerURI, "", "Failed to read server version", map[string]interface{}{
			"error": err.Error(),
		})
	}

	p.mu.Lock()
	p.conns[ownerURI] = &connection{db: db, profile: profile}
	p.mu.Unlock()

	p.sink.OnConnectionComplete(&base.ConnectionResult{
		OwnerURI:   ownerURI,
		Connected:  true,
		ServerInfo: info,
		Profile:    profile,
	})
}

// Disconnect closes the pool for the owner URI.
func (p *Provider) Disconnect(ctx context.Context, ownerURI string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	delete(p.conns, ownerURI)
	p.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := conn.db.Close(); err != nil {
		return true, fmt.Errorf("pgsql: failed to close pool: %w", err)
	}
	return true, nil
}

// ChangeDatabase reopens the pool against the new database. PostgreSQL
// binds a session to one database, so a fresh pool is the only way.
func (p *Provider) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	p.mu.Unlock()
	if !ok {
		return false, base.ErrNotConnected
	}

	next := conn.profile.Copy()
	next.Database = database

	db, err := sql.Open("postgres", buildDSN(next, true))
	if err != nil {
		return false, fmt.Errorf("pgsql: failed to open pool: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return false, mapError(ownerURI, err)
	}

	p.mu.Lock()
	old := p.conns[ownerURI]
	p.conns[ownerURI] = &connection{db: db, profile: next}
	p.mu.Unlock()
	if old != nil {
		old.db.Close()
	}
	return true, nil
}

// ListDatabases returns the non-template databases on the server.
func (p *Provider) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return nil, err
	}

	rows, err := conn.db.QueryContext(ctx, "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname")
	if err != nil {
		return nil, mapError(ownerURI, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("pgsql: failed to scan database name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ConnectionString renders the DSN for the owner URI.
func (p *Provider) ConnectionString(ctx context.Context, ownerURI string, includePassword bool) (string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return "", err
	}
	return buildDSN(conn.profile, includePassword), nil
}

// BuildConnectionInfo parses a postgres:// URL into a profile.
func (p *Provider) BuildConnectionInfo(ctx context.Context, connString string) (*base.ConnectionProfile, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("pgsql: invalid connection string: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("pgsql: unsupported scheme %q", u.Scheme)
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

// buildDSN renders the key=value DSN lib/pq accepts. For federated
// profiles the security token travels as the password.
func buildDSN(profile *base.ConnectionProfile, includePassword bool) string {
	host := profile.Server
	port := "5432"
	if h, p, ok := strings.Cut(profile.Server, ":"); ok {
		host, port = h, p
	}

	parts := []string{
		"host=" + quoteDSNValue(host),
		"port=" + quoteDSNValue(port),
	}
	if profile.Username != "" {
		parts = append(parts, "user="+quoteDSNValue(profile.Username))
	}
	if includePassword {
		password := profile.Password
		if token, ok := profile.Options[base.OptionTokenKey]; ok {
			password = token
		}
		if password != "" {
			parts = append(parts, "password="+quoteDSNValue(password))
		}
	}
	if profile.Database != "" {
		parts = append(parts, "dbname="+quoteDSNValue(profile.Database))
	}

	sslmode := "require"
	extra := make([]string, 0, len(profile.Options))
	for k, v := range profile.Options {
		if k == base.OptionTokenKey {
			continue
		}
		if k == "sslmode" {
			sslmode = v
			continue
		}
		extra = append(extra, k+"="+quoteDSNValue(v))
	}
	sort.Strings(extra)
	parts = append(parts, extra...)
	parts = append(parts, "sslmode="+quoteDSNValue(sslmode))

	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
	return "'" + escaped + "'"
}

func failedResult(ownerURI string, profile *base.ConnectionProfile, err error) *base.ConnectionResult {
	code := errorCode(err)
	return &base.ConnectionResult{
		OwnerURI:     ownerURI,
		Connected:    false,
		ErrorMessage: err.Error(),
		ErrorCode:    code,
		Profile:      profile,
	}
}

// errorCode maps driver errors to the numeric codes the recovery layer
// keys on. Azure's gateway reports firewall rejections with 40615
// embedded in the message.
func errorCode(err error) int {
	if pqErr, ok := err.(*pq.Error); ok {
		if strings.Contains(pqErr.Message, "40615") {
			return firewallErrorCode
		}
		// 28000 invalid_authorization_specification covers the
		// firewall-denied class on Azure.
		if pqErr.Code == "28000" && strings.Contains(strings.ToLower(pqErr.Message), "not allowed to access") {
			return firewallErrorCode
		}
		if pqErr.Code == "28P01" {
			return loginFailedErrorCode
		}
	}
	if strings.Contains(err.Error(), "40615") {
		return firewallErrorCode
	}
	return 0
}

func mapError(ownerURI string, err error) error {
	return base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
}
