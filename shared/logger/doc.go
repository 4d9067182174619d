// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging for QueryDock
connection-service components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (connections, credentials, provider id, etc.)
  - Instance ID and container name (for distributed tracing)
  - Owner URI (for connection-slot correlation)
  - Request ID (for call correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("connections")

Log messages with owner URI and request context:

	log.Info("connection:default:pgsql:db1:u", "req-456", "Dispatching connect", map[string]interface{}{
	    "provider": "pgsql",
	})

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
