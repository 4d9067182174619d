// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

// Package config loads the connection service configuration from YAML
// files or prefixed environment variables, and persists saved
// connection profiles and groups to disk. Secrets referenced from the
// YAML file are expanded from the environment; passwords never touch
// the profiles file.
package config
