// Package metrics defines Prometheus metrics for the audit relay, covering
// queue depth, flush outcomes, retries and abandonment, the durable mirror,
// transports and the ingest API.
package metrics
