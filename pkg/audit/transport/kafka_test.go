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
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/audit-relay/pkg/audit"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestNewKafka_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewKafka(KafkaConfig{Topic: "audit"}, logger)
	assert.ErrorContains(t, err, "broker")

	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, logger)
	assert.ErrorContains(t, err, "topic")

	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit", CompressionCodec: "brotli"}, logger)
	assert.ErrorContains(t, err, "compression")

	_, err = NewKafka(KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "audit",
		SASL:    &KafkaSASLConfig{Mechanism: "GSSAPI"},
	}, logger)
	assert.ErrorContains(t, err, "unsupported SASL mechanism")

	_, err = NewKafka(KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "audit",
		TLS:     &KafkaTLSConfig{Enabled: true, CACert: []byte("not a pem")},
	}, logger)
	assert.ErrorContains(t, err, "CA certificate")

	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "kafka", k.Name())
	assert.True(t, k.IsConnected())
	require.NoError(t, k.Close())
}

func TestBuildSASLMechanism(t *testing.T) {
	for _, m := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
		mech, err := buildSASLMechanism(&KafkaSASLConfig{Mechanism: m, Username: "u", Password: "p"})
		require.NoError(t, err, m)
		assert.Equal(t, m, mech.Name())
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(&KafkaTLSConfig{Enabled: true, InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)

	_, err = buildTLSConfig(&KafkaTLSConfig{Enabled: true, ClientCert: []byte("x"), ClientKey: []byte("y")})
	assert.ErrorContains(t, err, "client certificate")
}

func TestKafka_SendWritesOneMessagePerEvent(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaWithWriter("kafka-test", w, zaptest.NewLogger(t))

	events := sampleEvents(2)
	require.NoError(t, k.Send(context.Background(), events))

	require.Len(t, w.messages, 2)
	msg := w.messages[0]
	assert.Equal(t, "evt-0", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "access_success", headers["event-type"])
	assert.Equal(t, "access", headers["kind"])
	assert.Equal(t, "2026-03-01T12:00:00Z", headers["timestamp"])
	assert.Equal(t, "branch-7", headers["branch-id"])
	assert.Contains(t, string(msg.Value), `"eventId":"evt-0"`)

	stats := k.Stats()
	assert.Equal(t, int64(2), stats.MessagesWritten)
	assert.Equal(t, int64(1), stats.BatchesSent)
}

func TestKafka_WriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("dial tcp: connection refused")}
	k := newKafkaWithWriter("kafka-fail", w, zaptest.NewLogger(t))

	err := k.Send(context.Background(), sampleEvents(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(network)")
	assert.False(t, k.IsConnected())
	assert.Equal(t, int64(3), k.Stats().MessagesFailed)

	w.err = nil
	require.NoError(t, k.Send(context.Background(), sampleEvents(1)))
	assert.True(t, k.IsConnected())
}

func TestKafka_EmptyBatchAndClose(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaWithWriter("kafka-close", w, zaptest.NewLogger(t))

	require.NoError(t, k.Send(context.Background(), []audit.Event{}))
	assert.Empty(t, w.messages)

	require.NoError(t, k.Close())
	require.NoError(t, k.Close())
	assert.True(t, w.closed)
	assert.ErrorIs(t, k.Send(context.Background(), sampleEvents(1)), ErrClosed)
}
