// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"querydock/platform/connections/base"
	"querydock/platform/shared/logger"
)

// ProviderID identifies this engine in the provider registry.
const ProviderID = "mysql"

// firewallErrorCode is the engine code for server-side firewall
// rejections (Azure Database for MySQL).
const firewallErrorCode = 40615

// Provider implements base.Provider for MySQL over database/sql with
// the go-sql-driver. One *sql.DB pool per owner URI.
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

// New creates a MySQL provider.
func New() *Provider {
	return &Provider{
		log:   logger.New("providers.mysql"),
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
		return fmt.Errorf("mysql: completion sink not set")
	}

	db, err := sql.Open("mysql", buildDSN(profile, true))
	if err != nil {
		return fmt.Errorf("mysql: failed to open pool: %w", err)
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
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&info.ServerVersion); err != nil {
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
		return true, fmt.Errorf("mysql: failed to close pool: %w", err)
	}
	return true, nil
}

// ChangeDatabase swaps the pool for one whose DSN defaults to the new
// schema. USE would only affect single sessions inside the pool.
func (p *Provider) ChangeDatabase(ctx context.Context, ownerURI, database string) (bool, error) {
	p.mu.Lock()
	conn, ok := p.conns[ownerURI]
	p.mu.Unlock()
	if !ok {
		return false, base.ErrNotConnected
	}

	next := conn.profile.Copy()
	next.Database = database

	db, err := sql.Open("mysql", buildDSN(next, true))
	if err != nil {
		return false, fmt.Errorf("mysql: failed to open pool: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return false, base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
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

// ListDatabases returns the schemas visible to the session.
func (p *Provider) ListDatabases(ctx context.Context, ownerURI string) ([]string, error) {
	conn, err := p.lookup(ownerURI)
	if err != nil {
		return nil, err
	}

	rows, err := conn.db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, base.NewProviderError(ProviderID, errorCode(err), err.Error(), err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mysql: failed to scan database name: %w", err)
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

// BuildConnectionInfo parses a go-sql-driver DSN into a profile.
func (p *Provider) BuildConnectionInfo(ctx context.Context, connString string) (*base.ConnectionProfile, error) {
	cfg, err := mysql.ParseDSN(connString)
	if err != nil {
		return nil, fmt.Errorf("mysql: invalid connection string: %w", err)
	}

	profile := &base.ConnectionProfile{
		ProviderID: ProviderID,
		Server:     cfg.Addr,
		Database:   cfg.DBName,
		AuthType:   base.AuthPassword,
		Username:   cfg.User,
		Password:   cfg.Passwd,
	}
	if len(cfg.Params) > 0 {
		profile.Options = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			profile.Options[k] = v
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

// buildDSN renders a go-sql-driver DSN. Federated profiles send the
// security token as the password.
func buildDSN(profile *base.ConnectionProfile, includePassword bool) string {
	cfg := mysql.NewConfig()
	cfg.User = profile.Username
	if includePassword {
		cfg.Passwd = profile.Password
		if token, ok := profile.Options[base.OptionTokenKey]; ok {
			cfg.Passwd = token
		}
	}
	cfg.Net = "tcp"
	cfg.Addr = profile.Server
	if !strings.Contains(cfg.Addr, ":") {
		cfg.Addr += ":3306"
	}
	cfg.DBName = profile.Database
	cfg.ParseTime = true

	for k, v := range profile.Options {
		if k == base.OptionTokenKey {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params[k] = v
	}
	return cfg.FormatDSN()
}

// errorCode maps driver errors to the codes the recovery layer keys on.
func errorCode(err error) int {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if strings.Contains(myErr.Message, "40615") {
			return firewallErrorCode
		}
		return int(myErr.Number)
	}
	if strings.Contains(err.Error(), "40615") {
		return firewallErrorCode
	}
	return 0
}
