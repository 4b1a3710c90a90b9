// Package config loads the audit-relay YAML configuration: HTTP server,
// delivery tuning, durable store, transport and telemetry settings.
package config
