// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package relay wires the configured durable store, delivery transport and
// audit service together and owns their lifetime.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/audit/transport"
	"github.com/telekom/audit-relay/pkg/config"
	"github.com/telekom/audit-relay/pkg/kvstore"
	"github.com/telekom/audit-relay/pkg/kvstore/file"
	"github.com/telekom/audit-relay/pkg/kvstore/memory"
	"github.com/telekom/audit-relay/pkg/kvstore/postgres"
	"github.com/telekom/audit-relay/pkg/kvstore/redis"
	"github.com/telekom/audit-relay/pkg/kvstore/sqlite"
)

// Relay is the assembled delivery pipeline.
type Relay struct {
	Service   *audit.Service
	Store     kvstore.Store
	Transport audit.Transport

	logger *zap.Logger
}

// New opens the store, builds the transport and constructs a stopped service.
// Anything opened before a failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...audit.Option) (*Relay, error) {
	auditCfg, err := cfg.AuditConfig()
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}

	tr, err := NewTransport(cfg.Transport, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create %s transport: %w", cfg.Transport.Type, err)
	}

	if cfg.Delivery.DeviceInfo != "" {
		opts = append([]audit.Option{audit.WithDeviceInfo(cfg.Delivery.DeviceInfo)}, opts...)
	}
	svc, err := audit.NewService(auditCfg, tr, store, logger, opts...)
	if err != nil {
		_ = tr.Close()
		_ = store.Close()
		return nil, err
	}

	logger.Info("audit relay assembled",
		zap.String("store", cfg.Store.Type),
		zap.String("transport", tr.Name()),
		zap.Int("batchSize", auditCfg.BatchSize),
		zap.String("retryScope", string(auditCfg.RetryScope)))
	return &Relay{Service: svc, Store: store, Transport: tr, logger: logger}, nil
}

// Start restores the durable snapshot and starts scheduling.
func (r *Relay) Start(ctx context.Context) error {
	return r.Service.Start(ctx)
}

// Close stops the service (final flush and mirror write), then releases the
// transport and the store.
func (r *Relay) Close(ctx context.Context) error {
	var errs []error
	if err := r.Service.Stop(ctx); err != nil && !errors.Is(err, audit.ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := r.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := r.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured durable store backend.
func OpenStore(ctx context.Context, cfg config.Store) (kvstore.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "file", "":
		return file.New(cfg.File.Dir)
	case "sqlite":
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path})
	case "redis":
		return redis.Open(ctx, redis.Config{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       config.Duration(cfg.Redis.TTL),
		})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// NewTransport builds the configured transport, wrapped in a circuit breaker
// when enabled.
func NewTransport(cfg config.Transport, logger *zap.Logger) (audit.Transport, error) {
	var tr audit.Transport
	switch cfg.Type {
	case "log", "":
		tr = transport.NewLog(logger)
	case "webhook":
		w, err := transport.NewWebhook(transport.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: config.Duration(cfg.Webhook.Timeout),
		}, logger)
		if err != nil {
			return nil, err
		}
		tr = w
	case "kafka":
		kcfg, err := kafkaConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		k, err := transport.NewKafka(kcfg, logger)
		if err != nil {
			return nil, err
		}
		tr = k
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		tr = transport.NewCircuitBreakerTransport(tr, transport.CircuitBreakerConfig{
			FailureThreshold:    cb.FailureThreshold,
			SuccessThreshold:    cb.SuccessThreshold,
			OpenTimeout:         config.Duration(cb.OpenTimeout),
			HalfOpenMaxRequests: cb.HalfOpenMaxRequests,
		}, nil, logger)
	}
	return tr, nil
}

func kafkaConfig(k config.Kafka) (transport.KafkaConfig, error) {
	out := transport.KafkaConfig{
		Brokers:          k.Brokers,
		Topic:            k.Topic,
		BatchTimeout:     config.Duration(k.BatchTimeout),
		WriteTimeout:     config.Duration(k.WriteTimeout),
		RequiredAcks:     k.RequiredAcks,
		CompressionCodec: k.Compression,
	}
	if k.TLS.Enabled {
		tlsCfg := &transport.KafkaTLSConfig{Enabled: true, InsecureSkipVerify: k.TLS.InsecureSkipVerify}
		for _, f := range []struct {
			path string
			dst  *[]byte
		}{
			{k.TLS.CAFile, &tlsCfg.CACert},
			{k.TLS.CertFile, &tlsCfg.ClientCert},
			{k.TLS.KeyFile, &tlsCfg.ClientKey},
		} {
			if f.path == "" {
				continue
			}
			data, err := os.ReadFile(f.path)
			if err != nil {
				return out, fmt.Errorf("read kafka TLS material: %w", err)
			}
			*f.dst = data
		}
		out.TLS = tlsCfg
	}
	if k.SASL.Mechanism != "" {
		password, ok := os.LookupEnv(k.SASL.PasswordEnv)
		if !ok {
			return out, fmt.Errorf("kafka SASL password variable %s is not set", k.SASL.PasswordEnv)
		}
		out.SASL = &transport.KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  password,
		}
	}
	return out, nil
}
