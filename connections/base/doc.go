// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

// Package base defines the shared contracts of the connection lifecycle
// core: the ConnectionProfile descriptor, attempt results, the pluggable
// Provider interface, the collaborator delegates (credential store,
// account store, remediation, profile store), and the error taxonomy.
//
// Every other connections package depends on base; base depends on
// nothing but the standard library.
package base
