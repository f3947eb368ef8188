// Package config handles configuration loading for atelier-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${ATELIER_TOKEN_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	backend:
//	  provision_timeout: "30s"
//	  health_interval: "10s"
//	  restart_backoff_base: "1s"
//	  restart_backoff_cap: "1m"
//
// # Configuration Sections
//
// Server and TLS:
//
//	server:
//	  http_addr: "0.0.0.0:8443"
//	  domain: "workspaces.example.com"
//	tls:
//	  cert_file: "/etc/atelier/tls/fullchain.pem"
//	  key_file: "/etc/atelier/tls/privkey.pem"
//	  renew_threshold: "720h"
//	  renew_command: "certbot renew --deploy-hook 'true'"
//
// Authentication and tokens:
//
//	auth:
//	  token_secret: "${ATELIER_TOKEN_SECRET}"  # >= 32 bytes, required
//	  token_ttl: "60s"
//	  rate_limit_window: "1m"
//	  rate_limit_max_failures: 5
//	  admin_token: "${ATELIER_ADMIN_TOKEN}"
//
// Backend workspace processes:
//
//	backend:
//	  command: "workspace-server"
//	  args: ["--port", "{port}", "--user", "{tenant}"]
//	  port_range_start: 8081
//	  port_range_end: 8180
//	  health_path: "/healthz"
//	  provision_timeout: "30s"
//	  restart_max_attempts: 5
//
// # Validation
//
// Load() validates:
//
//   - Token secret minimum length (32 bytes)
//   - Backend command and port range presence and ordering
//   - TLS cert/key pairing
//   - Duration format validity
package config
