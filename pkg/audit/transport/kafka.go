/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/metrics"
)

// KafkaConfig configures a Kafka transport.
type KafkaConfig struct {
	// Name is the identifier for this transport instance.
	Name string

	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic receives one message per audit event.
	Topic string

	TLS  *KafkaTLSConfig
	SASL *KafkaSASLConfig

	// BatchTimeout is how long the writer waits to fill a partition batch.
	// Send is synchronous, so keep this short.
	// Default: 50ms
	BatchTimeout time.Duration

	// WriteTimeout is the timeout for writing messages.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// RequiredAcks determines the level of acknowledgment required.
	// -1: all replicas, 1: leader only. Zero selects -1; fire-and-forget
	// acknowledgement is not offered because Send must confirm delivery.
	RequiredAcks int

	// CompressionCodec: "none", "gzip", "snappy", "lz4", "zstd".
	// Default: "snappy"
	CompressionCodec string
}

// KafkaTLSConfig holds TLS configuration for Kafka connections.
type KafkaTLSConfig struct {
	Enabled bool

	// CACert is the PEM-encoded CA certificate for verifying the server.
	CACert []byte

	// ClientCert and ClientKey are PEM-encoded for mTLS.
	ClientCert []byte
	ClientKey  []byte

	// InsecureSkipVerify skips server certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool
}

// KafkaSASLConfig holds SASL authentication configuration.
type KafkaSASLConfig struct {
	// Mechanism: "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Mechanism string
	Username  string
	Password  string
}

// messageWriter is the subset of *kafka.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes every event of a batch as one message keyed by event ID, so
// consumers can deduplicate retried batches.
type Kafka struct {
	name   string
	writer messageWriter
	logger *zap.Logger
	mu     sync.Mutex
	closed bool

	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
	batchesSent     atomic.Int64
	connected       atomic.Bool
}

// NewKafka validates cfg and creates a Kafka transport. No connection is
// made until the first Send.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("Kafka topic is required")
	}

	transport := &kafka.Transport{}
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1
	}

	compression, err := compressionCodec(cfg.CompressionCodec)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "kafka"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              audit.DefaultBatchSize * 2,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequiredAcks(requiredAcks),
		Compression:            compression,
		Transport:              transport,
		AllowAutoTopicCreation: false,
	}

	k := newKafkaWithWriter(name, writer, logger)
	logger.Info("Kafka audit transport created",
		zap.String("name", name),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls_enabled", cfg.TLS != nil && cfg.TLS.Enabled),
		zap.Bool("sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != ""))
	return k, nil
}

func newKafkaWithWriter(name string, w messageWriter, logger *zap.Logger) *Kafka {
	k := &Kafka{name: name, writer: w, logger: logger.Named("kafka-transport")}
	k.connected.Store(true) // optimistic until the first failure
	metrics.TransportConnected.WithLabelValues(name).Set(1)
	return k
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	case "snappy", "":
		return kafka.Snappy, nil
	default:
		return 0, fmt.Errorf("unknown compression codec %q", name)
	}
}

// Send writes the batch. The whole batch fails if any event cannot be encoded.
func (k *Kafka) Send(ctx context.Context, events []audit.Event) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for i := range events {
		msg, err := eventMessage(&events[i])
		if err != nil {
			metrics.TransportErrors.WithLabelValues(k.name, "serialization").Inc()
			return err
		}
		messages = append(messages, msg)
	}

	start := time.Now()
	err := k.writer.WriteMessages(ctx, messages...)
	if errorType := observe(k.name, start, err); errorType != "" {
		k.messagesFailed.Add(int64(len(messages)))
		k.connected.Store(false)

		logFields := []zap.Field{
			zap.Error(err),
			zap.String("error_type", errorType),
			zap.Int("batch_size", len(messages)),
			zap.Duration("duration", time.Since(start)),
		}
		switch errorType {
		case "auth", "authorization":
			k.logger.Error("Kafka authentication/authorization failed", logFields...)
		case "tls":
			k.logger.Error("Kafka TLS error", logFields...)
		default:
			k.logger.Warn("failed to write batch to Kafka", logFields...)
		}
		return fmt.Errorf("failed to write batch to Kafka (%s): %w", errorType, err)
	}

	metrics.KafkaBatchesSent.WithLabelValues(k.name).Inc()
	k.messagesWritten.Add(int64(len(messages)))
	k.batchesSent.Add(1)
	if !k.connected.Swap(true) {
		k.logger.Info("Kafka transport connection restored",
			zap.String("name", k.name),
			zap.Int("batch_size", len(messages)))
	}
	return nil
}

func eventMessage(e *audit.Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal audit event %s: %w", e.ID, err)
	}
	headers := []kafka.Header{
		{Key: "event-type", Value: []byte(e.Type)},
		{Key: "kind", Value: []byte(e.Kind)},
		{Key: "timestamp", Value: []byte(e.Timestamp.Format(time.RFC3339))},
	}
	if e.BranchID != "" {
		headers = append(headers, kafka.Header{Key: "branch-id", Value: []byte(e.BranchID)})
	}
	return kafka.Message{Key: []byte(e.ID), Value: value, Headers: headers}, nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	metrics.TransportConnected.WithLabelValues(k.name).Set(0)

	k.logger.Info("closing Kafka audit transport",
		zap.String("name", k.name),
		zap.Int64("messages_written", k.messagesWritten.Load()),
		zap.Int64("messages_failed", k.messagesFailed.Load()),
		zap.Int64("batches_sent", k.batchesSent.Load()))

	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

func (k *Kafka) Name() string { return k.name }

// IsConnected reports whether the last write succeeded.
func (k *Kafka) IsConnected() bool { return k.connected.Load() }

func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}
	if len(cfg.CACert) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(cfg.CACert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}
	if len(cfg.ClientCert) > 0 && len(cfg.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}

// KafkaStats holds the Kafka transport counters.
type KafkaStats struct {
	MessagesWritten int64
	MessagesFailed  int64
	BatchesSent     int64
	Connected       bool
}

func (k *Kafka) Stats() KafkaStats {
	return KafkaStats{
		MessagesWritten: k.messagesWritten.Load(),
		MessagesFailed:  k.messagesFailed.Load(),
		BatchesSent:     k.batchesSent.Load(),
		Connected:       k.connected.Load(),
	}
}
