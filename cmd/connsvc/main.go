// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"querydock/platform/connections"
	"querydock/platform/connections/base"
	"querydock/platform/connections/config"
	"querydock/platform/connections/credentials"
	"querydock/platform/connections/metrics"
	"querydock/platform/connections/recovery"
	"querydock/platform/connections/registry"
	"querydock/platform/connections/status"
	"querydock/platform/providers/cassandra"
	"querydock/platform/providers/mongodb"
	"querydock/platform/providers/mysql"
	"querydock/platform/providers/pgsql"
	"querydock/platform/shared/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	printExample := flag.Bool("print-example-config", false, "print an example configuration file and exit")
	flag.Parse()

	if *printExample {
		os.Stdout.WriteString(config.GenerateExampleConfigFile())
		return
	}

	log := logger.New("connsvc")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.ErrorWithErr("", "", "Failed to load configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, log)
	if err != nil {
		log.ErrorWithErr("", "", "Failed to build service", err, nil)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: svc.handler(cfg),
	}

	go func() {
		log.Info("", "", "Connection service listening", map[string]interface{}{
			"addr":      cfg.ListenAddr,
			"providers": cfg.Providers,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "", "HTTP server failed", err, nil)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("", "", "Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.ErrorWithErr("", "", "HTTP shutdown failed", err, nil)
	}
	svc.manager.DisconnectAll(shutdownCtx)
}

// service bundles the wired collaborators behind the HTTP surface.
type service struct {
	manager *connections.Manager
	log     *logger.Logger
}

func buildService(ctx context.Context, cfg *config.ServiceConfig, log *logger.Logger) (*service, error) {
	store, err := buildCredentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var accounts base.AccountStore
	if cfg.Azure.Enabled() {
		azure, err := credentials.NewAzureAccountStore(credentials.AzureAccountStoreOptions{
			TenantID:     cfg.Azure.TenantID,
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
			Username:     cfg.Azure.Username,
		})
		if err != nil {
			return nil, err
		}
		accounts = azure
	}

	var tokenCache *credentials.RedisTokenCache
	if cfg.RedisAddr != "" {
		tokenCache, err = credentials.NewRedisTokenCache(ctx, credentials.RedisTokenCacheOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, err
		}
	}

	var profiles base.ProfileStore
	if cfg.ProfilesPath != "" {
		profiles, err = config.NewFileProfileStore(cfg.ProfilesPath)
		if err != nil {
			return nil, err
		}
	}

	providers := registry.NewRegistry()
	for _, id := range cfg.Providers {
		var provider base.Provider
		switch id {
		case pgsql.ProviderID:
			provider = pgsql.New()
		case mysql.ProviderID:
			provider = mysql.New()
		case mongodb.ProviderID:
			provider = mongodb.New()
		case cassandra.ProviderID:
			provider = cassandra.New()
		default:
			return nil, fmt.Errorf("unknown provider %q", id)
		}
		if err := providers.Register(provider); err != nil {
			return nil, err
		}
		providers.MarkReady(id)
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	manager := connections.NewManager(connections.ManagerOptions{
		Providers:   providers,
		Status:      status.NewRegistry(),
		Credentials: credentials.NewResolver(store, accounts, tokenCache),
		Recovery:    recovery.NewHandler(nil),
		Profiles:    profiles,
	})
	manager.Subscribe(collector)

	// Count terminal outcomes before the orchestrator resolves them.
	providers.SetCompletionSink(collector.Sink(manager))

	return &service{manager: manager, log: log}, nil
}

func buildCredentialStore(ctx context.Context, cfg *config.ServiceConfig) (base.CredentialStore, error) {
	switch cfg.CredentialBackend {
	case "secretsmanager":
		return credentials.NewSecretsManagerStore(ctx, credentials.SecretsManagerStoreOptions{
			Region:   cfg.AWSRegion,
			CacheTTL: cfg.SecretCacheTTL(),
		})
	case "memory":
		return credentials.NewMemoryStore(), nil
	default:
		return credentials.NewEnvStore(), nil
	}
}

func (s *service) handler(cfg *config.ServiceConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/connections", s.listConnectionsHandler).Methods("GET")
	r.HandleFunc("/v1/connections", s.connectHandler).Methods("POST")
	r.HandleFunc("/v1/connections/{owner}", s.disconnectHandler).Methods("DELETE")
	r.HandleFunc("/v1/connections/{owner}/databases", s.listDatabasesHandler).Methods("GET")

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (s *service) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": len(s.manager.ActiveConnections()),
	})
}

func (s *service) listConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		OwnerURI      string `json:"owner_uri"`
		Provider      string `json:"provider"`
		State         string `json:"state"`
		Server        string `json:"server"`
		Database      string `json:"database,omitempty"`
		ServerVersion string `json:"server_version,omitempty"`
	}

	summaries := s.manager.ActiveConnections()
	entries := make([]entry, 0, len(summaries))
	for _, c := range summaries {
		e := entry{
			OwnerURI: c.OwnerURI,
			Provider: c.ProviderID,
			State:    c.State.String(),
			Server:   c.Profile.Server,
			Database: c.Profile.Database,
		}
		if c.ServerInfo != nil {
			e.ServerVersion = c.ServerInfo.ServerVersion
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

type connectRequest struct {
	Provider    string            `json:"provider"`
	Server      string            `json:"server"`
	Database    string            `json:"database,omitempty"`
	AuthType    string            `json:"auth_type,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	SaveProfile bool              `json:"save_profile,omitempty"`
}

func (s *service) connectHandler(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	authType := base.AuthType(req.AuthType)
	if req.AuthType == "" {
		authType = base.AuthPassword
	}
	profile := &base.ConnectionProfile{
		ProviderID:  req.Provider,
		Server:      req.Server,
		Database:    req.Database,
		AuthType:    authType,
		Username:    req.Username,
		Password:    req.Password,
		TenantID:    req.TenantID,
		Options:     req.Options,
		SaveProfile: req.SaveProfile,
	}

	ownerURI, err := s.manager.ConnectIfNotConnected(r.Context(), profile, connections.PurposeDefault, req.SaveProfile)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	response := map[string]interface{}{"owner_uri": ownerURI}
	if info, ok := s.manager.ServerInfo(ownerURI); ok {
		response["server_version"] = info.ServerVersion
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *service) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	found, err := s.manager.Disconnect(r.Context(), owner)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such connection"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *service) listDatabasesHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	names, err := s.manager.ListDatabases(r.Context(), owner)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"databases": names})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
