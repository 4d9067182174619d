// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

// Command connsvc runs the QueryDock connection service: a small HTTP
// surface over the connection lifecycle manager and its database
// providers.
//
// Configuration comes from a YAML file (-config, or CONNSVC_CONFIG) or
// from the environment:
//
//	CONNSVC_LISTEN_ADDR         HTTP listen address (default ":8080")
//	CONNSVC_CORS_ORIGINS        comma-separated allowed CORS origins
//	CONNSVC_PROVIDERS           comma-separated provider list
//	                            (pgsql, mysql, mongodb, cassandra)
//	CONNSVC_CREDENTIAL_BACKEND  secretsmanager, env or memory
//	CONNSVC_AWS_REGION          region for the Secrets Manager backend
//	CONNSVC_SECRET_CACHE_TTL    secret cache TTL ("5m" or milliseconds)
//	CONNSVC_AZURE_TENANT_ID     Azure AD tenant for federated auth
//	CONNSVC_AZURE_CLIENT_ID     Azure AD application client ID
//	CONNSVC_AZURE_CLIENT_SECRET Azure AD client secret
//	CONNSVC_AZURE_USERNAME      account enabling federated auth
//	CONNSVC_REDIS_ADDR          Redis address for the token cache
//	CONNSVC_REDIS_PASSWORD      Redis password
//	CONNSVC_PROFILES_PATH       path of the YAML profile store
//
// Endpoints:
//
//	GET    /healthz                          liveness plus connection count
//	GET    /metrics                          Prometheus metrics
//	GET    /v1/connections                   active connections
//	POST   /v1/connections                   connect (idempotent per profile)
//	DELETE /v1/connections/{owner}           disconnect
//	GET    /v1/connections/{owner}/databases list databases
package main
