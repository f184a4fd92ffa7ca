// Package config handles configuration loading for parley-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/relay.yaml
//  3. ~/.config/parley/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  write_timeout: "10s"
//	  ping_interval: "54s"
//	  pong_wait: "60s"
//	  request_timeout: "15s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/relay.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
