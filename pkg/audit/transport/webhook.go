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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-relay/pkg/audit"
)

// maxErrorBody bounds how much of a failed response body ends up in errors.
const maxErrorBody = 512

// WebhookConfig configures a Webhook transport.
type WebhookConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	// Timeout bounds the whole HTTP exchange.
	// Default: 10s
	Timeout time.Duration
	// Client overrides the HTTP client, e.g. for custom TLS.
	Client *http.Client
}

// Webhook posts each batch as one JSON document:
//
//	{"events": [...], "count": n}
//
// Any 2xx status means the whole batch was accepted. The Idempotency-Key
// header is derived from the event IDs, so a retried batch carries the same key.
type Webhook struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
	logger  *zap.Logger
	closed  atomic.Bool

	eventsWritten  atomic.Int64
	eventsFailed   atomic.Int64
	batchesWritten atomic.Int64
}

// NewWebhook validates cfg and creates a Webhook.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) (*Webhook, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("invalid webhook URL %q", cfg.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL %q must use http or https", cfg.URL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL %q has no host", cfg.URL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}

	w := &Webhook{
		name:    name,
		url:     cfg.URL,
		client:  client,
		headers: cfg.Headers,
		logger:  logger.Named("webhook-transport"),
	}
	w.logger.Info("webhook audit transport created",
		zap.String("name", name),
		zap.String("url", u.Redacted()),
		zap.Duration("timeout", timeout))
	return w, nil
}

type batchPayload struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

// Send posts the batch and returns nil only on a 2xx response.
func (w *Webhook) Send(ctx context.Context, events []audit.Event) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	err := w.post(ctx, events)
	if errorType := observe(w.name, start, err); errorType != "" {
		w.eventsFailed.Add(int64(len(events)))
		w.logger.Debug("webhook batch failed",
			zap.String("error_type", errorType),
			zap.Int("batch_size", len(events)),
			zap.Error(err))
		return err
	}

	w.eventsWritten.Add(int64(len(events)))
	w.batchesWritten.Add(1)
	w.logger.Debug("webhook batch sent successfully",
		zap.Int("batch_size", len(events)),
		zap.Int64("total_events", w.eventsWritten.Load()))
	return nil
}

func (w *Webhook) post(ctx context.Context, events []audit.Event) error {
	body, err := json.Marshal(batchPayload{Events: events, Count: len(events)})
	if err != nil {
		return fmt.Errorf("failed to marshal batch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-Size", strconv.Itoa(len(events)))
	req.Header.Set("Idempotency-Key", IdempotencyKey(events))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{URL: w.url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// IdempotencyKey hashes the ordered event IDs of a batch.
func IdempotencyKey(events []audit.Event) string {
	h := sha256.New()
	for i := range events {
		_, _ = io.WriteString(h, events[i].ID)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stats returns the webhook counters.
func (w *Webhook) Stats() (written, failed, batches int64) {
	return w.eventsWritten.Load(), w.eventsFailed.Load(), w.batchesWritten.Load()
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.client.CloseIdleConnections()
	w.logger.Info("closing webhook audit transport",
		zap.String("name", w.name),
		zap.Int64("events_written", w.eventsWritten.Load()),
		zap.Int64("events_failed", w.eventsFailed.Load()),
		zap.Int64("batches_written", w.batchesWritten.Load()))
	return nil
}
