// Package ratelimit provides keyed token-bucket rate limiting middleware for
// the audit ingest API, with automatic stale-entry cleanup.
package ratelimit
