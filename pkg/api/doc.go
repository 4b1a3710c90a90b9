// Package api implements the Gin-based HTTP ingest API through which producers
// in other processes submit audit events, plus health, queue introspection,
// forced flush and Prometheus endpoints.
package api
