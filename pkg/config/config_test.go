package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "server:\n  listenAddress: \":9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, "file", cfg.Store.Type)
	assert.Equal(t, "log", cfg.Transport.Type)
	assert.Equal(t, audit.DefaultSnapshotKey, cfg.Store.SnapshotKey)

	ac, err := cfg.AuditConfig()
	require.NoError(t, err)
	assert.Equal(t, audit.DefaultConfig(), ac)
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("KAFKA_PASSWORD", "secret")
	cfg, err := config.Load(writeConfig(t, `
server:
  listenAddress: ":8443"
  allowedOrigins: ["https://branch.example.com"]
  rateLimit:
    enabled: true
    rate: 5
    burst: 10
    keyHeader: X-Branch-ID
delivery:
  batchSize: 20
  maxRetries: 0
  baseDelay: 2s
  maxBackoff: 10m
  debounceDelay: 1s
  periodicFlushInterval: 15s
  recoveryWindow: 30m
  sendTimeout: 5s
  retryScope: batch
  flushOnStop: false
store:
  type: redis
  snapshotKey: branch-7-queue
  redis:
    url: redis://localhost:6379/0
    ttl: 2h
transport:
  type: kafka
  kafka:
    brokers: ["kafka-1:9093", "kafka-2:9093"]
    topic: compliance-audit
    sasl:
      mechanism: SCRAM-SHA-512
      username: relay
      passwordEnv: KAFKA_PASSWORD
  circuitBreaker:
    enabled: true
    failureThreshold: 3
telemetry:
  enabled: true
  exporter: stdout
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9093", "kafka-2:9093"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, "X-Branch-ID", cfg.Server.RateLimit.KeyHeader)
	assert.Equal(t, 2*time.Hour, config.Duration(cfg.Store.Redis.TTL))

	ac, err := cfg.AuditConfig()
	require.NoError(t, err)
	assert.Equal(t, 20, ac.BatchSize)
	assert.Equal(t, 0, ac.MaxRetries, "explicit zero survives defaulting")
	assert.Equal(t, 2*time.Second, ac.BaseDelay)
	assert.Equal(t, 10*time.Minute, ac.MaxBackoff)
	assert.Equal(t, time.Second, ac.DebounceDelay)
	assert.Equal(t, 15*time.Second, ac.PeriodicFlushInterval)
	assert.Equal(t, 30*time.Minute, ac.RecoveryWindow)
	assert.Equal(t, 5*time.Second, ac.SendTimeout)
	assert.Equal(t, audit.RetryScopeBatch, ac.RetryScope)
	assert.False(t, ac.FlushOnStop)
	assert.Equal(t, "branch-7-queue", ac.SnapshotKey)
}

func TestLoad_EnvPath(t *testing.T) {
	path := writeConfig(t, "transport:\n  type: log\n")
	t.Setenv(config.EnvConfigPath, path)

	assert.Equal(t, path, config.Path(""))
	assert.Equal(t, "explicit.yaml", config.Path("explicit.yaml"))

	_, err := config.Load("")
	require.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "unknown field", content: "delivery:\n  batchsize: 5\n", wantErr: "unmarshaling"},
		{name: "bad duration", content: "delivery:\n  baseDelay: soon\n", wantErr: "delivery.baseDelay"},
		{name: "negative retries", content: "delivery:\n  maxRetries: -1\n", wantErr: "maxRetries must not be negative"},
		{name: "bad scope", content: "delivery:\n  retryScope: global\n", wantErr: "retryScope"},
		{name: "base exceeds cap", content: "delivery:\n  baseDelay: 1h\n  maxBackoff: 1m\n", wantErr: "exceeds max backoff"},
		{name: "unknown store", content: "store:\n  type: etcd\n", wantErr: "store.type"},
		{name: "redis without url", content: "store:\n  type: redis\n", wantErr: "store.redis.url"},
		{name: "postgres without dsn", content: "store:\n  type: postgres\n", wantErr: "store.postgres.dsn"},
		{name: "webhook without url", content: "transport:\n  type: webhook\n", wantErr: "transport.webhook.url"},
		{name: "kafka without topic", content: "transport:\n  type: kafka\n  kafka:\n    brokers: [a:9092]\n", wantErr: "transport.kafka.topic"},
		{name: "sasl without password", content: "transport:\n  type: kafka\n  kafka:\n    brokers: [a:9092]\n    topic: t\n    sasl:\n      mechanism: PLAIN\n", wantErr: "passwordEnv"},
		{name: "unknown exporter", content: "telemetry:\n  exporter: zipkin\n", wantErr: "telemetry.exporter"},
		{name: "rate limit zero burst", content: "server:\n  rateLimit:\n    enabled: true\n    burst: -1\n", wantErr: "rateLimit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
