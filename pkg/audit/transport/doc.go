// Package transport provides audit.Transport implementations: a structured
// log transport, an HTTP webhook that posts whole batches, a Kafka producer,
// and a circuit breaker wrapper that fails fast while the backend is down.
package transport
