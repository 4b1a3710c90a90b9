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

package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-relay/pkg/kvstore"
	"github.com/telekom/audit-relay/pkg/metrics"
)

var (
	ErrAlreadyStarted = errors.New("audit service already started")
	ErrNotStarted     = errors.New("audit service not started")
)

const tracerName = "github.com/telekom/audit-relay/pkg/audit"

// Service owns the queue, the scheduler and the durable mirror. Producers call
// the Log* methods, which never block on I/O and never fail loudly.
type Service struct {
	cfg       Config
	transport Transport
	queue     *Queue
	policy    RetryPolicy
	sched     *scheduler
	mirror    *Mirror
	clock     clock.WithTickerAndDelayedExecution
	tracer    trace.Tracer
	logger    *zap.Logger

	deviceInfo string
	newID      func() string

	lifecycleMu sync.Mutex
	started     atomic.Bool
	stopped     atomic.Bool
	cancel      context.CancelFunc

	enqueued  atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	abandoned atomic.Int64
	retries   atomic.Int64
	flushes   atomic.Int64

	lastMu      sync.Mutex
	lastFlushAt time.Time
	lastTrigger Trigger
	lastResult  FlushResult
	lastError   string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(s *Service) { s.clock = c }
}

// WithDeviceInfo sets the descriptor recorded when a call carries no Origin.
func WithDeviceInfo(info string) Option {
	return func(s *Service) { s.deviceInfo = info }
}

// WithTracer sets the tracer used for flush spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithIDGenerator replaces the UUID event ID generator.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// NewService creates a stopped Service. store may be nil to run without a
// durable mirror.
func NewService(cfg Config, transport Transport, store kvstore.Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	if transport == nil {
		return nil, errors.New("audit transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:        cfg,
		transport:  transport,
		queue:      NewQueue(),
		policy:     cfg.retryPolicy(),
		clock:      clock.RealClock{},
		logger:     logger.Named("audit-service"),
		deviceInfo: hostDescriptor(),
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.mirror = NewMirror(store, cfg.SnapshotKey, cfg.RecoveryWindow, s.clock, s.queue.Snapshot, logger)
	s.sched = newScheduler(s.clock, cfg, s.flush, logger)
	return s, nil
}

// Start restores the durable mirror and launches the background worker.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started.Load() {
		return ErrAlreadyStarted
	}

	entries, outcome := s.mirror.Load(ctx)
	restored := 0
	if len(entries) > 0 {
		restored = s.queue.Restore(entries)
	}
	size := s.queue.Len()
	metrics.QueueLength.Set(float64(size))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mirror.start(runCtx)
	s.sched.start(runCtx)
	s.started.Store(true)

	s.logger.Info("audit service started",
		zap.String("transport", s.transport.Name()),
		zap.Bool("durable", s.mirror.Enabled()),
		zap.String("recovery", string(outcome)),
		zap.Int("restored", restored),
		zap.Int("queueSize", size))

	if size > 0 {
		s.mirror.RequestSave()
		s.sched.notify(size)
	}
	return nil
}

// Stop halts scheduling, optionally performs a final flush and writes the
// mirror one last time. The transport is not closed; its owner does that.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started.Load() || s.stopped.Load() {
		return ErrNotStarted
	}
	s.stopped.Store(true)

	var errs []error
	if err := s.sched.stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for scheduler: %w", err))
	}
	if s.cfg.FlushOnStop && s.queue.Len() > 0 {
		result := s.sched.run(ctx, TriggerShutdown)
		s.logger.Info("final flush on stop", zap.String("result", string(result)), zap.Int("remaining", s.queue.Len()))
	}
	s.mirror.shutdown()
	s.cancel()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorWriteTimeout)
	defer cancel()
	s.mirror.Save(saveCtx)

	s.logger.Info("audit service stopped", zap.Int("queueSize", s.queue.Len()))
	return errors.Join(errs...)
}

// LogAccess records an access attempt, success or failure.
func (s *Service) LogAccess(ctx context.Context, eventType EventType, p AccessParams) string {
	ev := s.newEvent(ctx, KindAccess, eventType, p.AccessMethod, p.UserID, p.BranchID)
	ev.Access = &AccessDetails{SessionID: p.SessionID, FailureReason: p.FailureReason}
	return s.enqueue(ev)
}

// LogConfiguration records a device configuration change with full snapshots.
func (s *Service) LogConfiguration(ctx context.Context, eventType EventType, p ConfigurationParams) string {
	ev := s.newEvent(ctx, KindConfiguration, eventType, "", "", p.BranchID)
	ev.Configuration = &ConfigurationDetails{
		AdminUser:      p.AdminUser,
		DeviceID:       p.DeviceID,
		PreviousConfig: cloneConfig(p.PreviousConfig),
		NewConfig:      cloneConfig(p.NewConfig),
	}
	return s.enqueue(ev)
}

// LogCredentialGeneration records QR credential token lifecycle events.
func (s *Service) LogCredentialGeneration(ctx context.Context, eventType EventType, p CredentialGenerationParams) string {
	ev := s.newEvent(ctx, KindCredentialGeneration, eventType, "", "", p.BranchID)
	ev.CredentialGeneration = &CredentialGenerationDetails{SessionToken: p.SessionToken, ExpiresAt: p.ExpiresAt.UTC()}
	return s.enqueue(ev)
}

// LogCredentialScan records a QR credential scan.
func (s *Service) LogCredentialScan(ctx context.Context, eventType EventType, p CredentialScanParams) string {
	ev := s.newEvent(ctx, KindCredentialScan, eventType, "", "", p.BranchID)
	ev.CredentialScan = &CredentialScanDetails{
		SessionToken: p.SessionToken,
		SessionID:    p.SessionID,
		ErrorReason:  p.ErrorReason,
		Status:       p.Status,
	}
	return s.enqueue(ev)
}

// LogTransaction records transaction lifecycle events.
func (s *Service) LogTransaction(ctx context.Context, eventType EventType, p TransactionParams) string {
	ev := s.newEvent(ctx, KindTransaction, eventType, p.AccessMethod, p.UserID, p.BranchID)
	d := &TransactionDetails{
		TransactionType: p.TransactionType,
		SessionID:       p.SessionID,
		Reference:       p.Reference,
		ErrorReason:     p.ErrorReason,
	}
	if p.Amount != nil {
		amount := *p.Amount
		d.Amount = &amount
	}
	ev.Transaction = d
	return s.enqueue(ev)
}

// Submit enqueues a fully built event, for producers in other processes.
// Empty ID, timestamp and device info are filled in.
func (s *Service) Submit(ctx context.Context, ev Event) string {
	base := s.newEvent(ctx, ev.Kind, ev.Type, ev.AccessMethod, ev.UserID, ev.BranchID)
	if ev.ID == "" {
		ev.ID = base.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = base.Timestamp
	}
	if ev.DeviceInfo == "" {
		ev.DeviceInfo = base.DeviceInfo
	}
	if ev.IPAddress == "" {
		ev.IPAddress = base.IPAddress
	}
	if ev.Geolocation == nil {
		ev.Geolocation = base.Geolocation
	}
	if ev.Configuration != nil {
		c := *ev.Configuration
		c.PreviousConfig = cloneConfig(c.PreviousConfig)
		c.NewConfig = cloneConfig(c.NewConfig)
		ev.Configuration = &c
	}
	return s.enqueue(ev)
}

func (s *Service) newEvent(ctx context.Context, kind Kind, eventType EventType, method AccessMethod, userID, branchID string) Event {
	ev := Event{
		ID:           s.newID(),
		Kind:         kind,
		Type:         eventType,
		Timestamp:    s.clock.Now().UTC(),
		AccessMethod: method,
		DeviceInfo:   s.deviceInfo,
		UserID:       userID,
		BranchID:     branchID,
	}
	if o, ok := OriginFromContext(ctx); ok {
		if o.DeviceInfo != "" {
			ev.DeviceInfo = o.DeviceInfo
		}
		ev.IPAddress = o.IPAddress
		if o.Geolocation != nil {
			g := *o.Geolocation
			ev.Geolocation = &g
		}
	}
	return ev
}

// enqueue validates and appends ev, returning its ID or "" when rejected.
func (s *Service) enqueue(ev Event) (id string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic while enqueueing audit event",
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
			id = ""
		}
	}()

	if err := ev.Validate(); err != nil {
		s.rejected.Add(1)
		metrics.EventsRejected.WithLabelValues(kindLabel(ev.Kind)).Inc()
		s.logger.Error("rejected malformed audit event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return ""
	}

	size := s.queue.Enqueue(ev, s.clock.Now())
	s.enqueued.Add(1)
	metrics.EventsEnqueued.WithLabelValues(string(ev.Kind)).Inc()
	metrics.QueueLength.Set(float64(size))

	if s.stopped.Load() {
		// No background writer after Stop; persist inline so the event survives.
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		s.mirror.Save(ctx)
		cancel()
		s.logger.Warn("audit event enqueued after stop; it will be delivered on next start",
			zap.String("event_id", ev.ID))
		return ev.ID
	}
	s.mirror.RequestSave()
	s.sched.notify(size)
	return ev.ID
}

// flush delivers one batch. It runs only inside scheduler.run.
func (s *Service) flush(ctx context.Context, trigger Trigger) FlushResult {
	batch := s.queue.PeekBatch(s.cfg.BatchSize)
	if len(batch) == 0 {
		s.record(trigger, FlushSkippedEmpty, nil)
		return FlushSkippedEmpty
	}

	ctx, span := s.tracer.Start(ctx, "audit.flush", trace.WithAttributes(
		attribute.String("audit.trigger", string(trigger)),
		attribute.Int("audit.batch_size", len(batch)),
	))
	defer span.End()

	start := s.clock.Now()
	err := s.send(ctx, batch)
	metrics.FlushDuration.Observe(s.clock.Since(start).Seconds())

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorWriteTimeout)
	defer cancel()

	result := FlushDelivered
	if err == nil {
		removed := s.queue.RemoveConfirmed(batch)
		s.delivered.Add(int64(removed))
		metrics.EventsDelivered.Add(float64(removed))
		s.mirror.Save(saveCtx)
		s.logger.Info("flushed audit events",
			zap.Int("count", removed),
			zap.String("trigger", string(trigger)),
			zap.Int("remaining", s.queue.Len()))
	} else {
		result = FlushFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("audit batch delivery failed; entries stay queued",
			zap.String("transport", s.transport.Name()),
			zap.String("trigger", string(trigger)),
			zap.Int("batchSize", len(batch)),
			zap.Error(err))
		s.applyRetryPolicy(batch)
		s.mirror.Save(saveCtx)
	}
	metrics.QueueLength.Set(float64(s.queue.Len()))
	span.SetAttributes(attribute.String("audit.outcome", string(result)))
	s.record(trigger, result, err)
	return result
}

// send hands the batch to the transport. A panicking transport counts as a
// failed delivery.
func (s *Service) send(ctx context.Context, batch []Entry) (err error) {
	events := make([]Event, len(batch))
	for i := range batch {
		events[i] = batch[i].Event
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport %s panicked: %v", s.transport.Name(), r)
		}
	}()
	return s.transport.Send(sendCtx, events)
}

func (s *Service) applyRetryPolicy(batch []Entry) {
	var only map[string]struct{}
	if s.cfg.RetryScope == RetryScopeBatch {
		only = make(map[string]struct{}, len(batch))
		for i := range batch {
			only[batch[i].Event.ID] = struct{}{}
		}
	}

	now := s.clock.Now()
	abandoned, retried := s.queue.Reevaluate(func(e Entry) Decision {
		return s.policy.Decide(now, e)
	}, only)

	s.retries.Add(int64(retried))
	metrics.RetriesScheduled.Add(float64(retried))
	for _, e := range abandoned {
		s.abandoned.Add(1)
		metrics.EventsAbandoned.WithLabelValues(string(e.Event.Kind)).Inc()
		s.logger.Error("audit event abandoned after exhausting retries",
			zap.String("event_id", e.Event.ID),
			zap.String("event_type", string(e.Event.Type)),
			zap.String("kind", string(e.Event.Kind)),
			zap.Int("retry_count", e.RetryCount),
			zap.Time("enqueued_at", e.EnqueuedAt),
			zap.String("reason", "abandoned"))
	}
}

func (s *Service) record(trigger Trigger, result FlushResult, err error) {
	metrics.Flushes.WithLabelValues(string(trigger), string(result)).Inc()
	if result != FlushDelivered && result != FlushFailed {
		return
	}
	s.flushes.Add(1)
	s.lastMu.Lock()
	s.lastFlushAt = s.clock.Now()
	s.lastTrigger = trigger
	s.lastResult = result
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.lastMu.Unlock()
}

// QueueSize returns the number of entries awaiting confirmed delivery.
func (s *Service) QueueSize() int {
	return s.queue.Len()
}

// Entries returns a copy of the queued entries in delivery order.
func (s *Service) Entries() []Entry {
	return s.queue.Snapshot()
}

// ForceFlush cancels any pending debounce and attempts delivery now, on the
// caller's goroutine. It is a no-op returning FlushSkippedBusy while another
// flush is running.
func (s *Service) ForceFlush(ctx context.Context) FlushResult {
	return s.sched.run(ctx, TriggerForced)
}

// ClearQueue discards every pending entry and the durable mirror.
// Intended for tests and operator recovery only.
func (s *Service) ClearQueue(ctx context.Context) int {
	n := s.queue.Clear()
	s.mirror.Clear(ctx)
	metrics.QueueLength.Set(0)
	s.logger.Warn("audit queue cleared", zap.Int("discarded", n))
	return n
}

// Stats is a point-in-time view of the service counters.
type Stats struct {
	QueueLength      int         `json:"queueLength"`
	State            string      `json:"state"`
	Running          bool        `json:"running"`
	Durable          bool        `json:"durable"`
	Transport        string      `json:"transport"`
	Enqueued         int64       `json:"enqueued"`
	Rejected         int64       `json:"rejected"`
	Delivered        int64       `json:"delivered"`
	Abandoned        int64       `json:"abandoned"`
	RetriesScheduled int64       `json:"retriesScheduled"`
	Flushes          int64       `json:"flushes"`
	LastFlushAt      *time.Time  `json:"lastFlushAt,omitempty"`
	LastFlushTrigger Trigger     `json:"lastFlushTrigger,omitempty"`
	LastFlushResult  FlushResult `json:"lastFlushResult,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	running := s.started.Load() && !s.stopped.Load()

	st := Stats{
		QueueLength:      s.queue.Len(),
		State:            s.sched.State().String(),
		Running:          running,
		Durable:          s.mirror.Enabled(),
		Transport:        s.transport.Name(),
		Enqueued:         s.enqueued.Load(),
		Rejected:         s.rejected.Load(),
		Delivered:        s.delivered.Load(),
		Abandoned:        s.abandoned.Load(),
		RetriesScheduled: s.retries.Load(),
		Flushes:          s.flushes.Load(),
	}
	s.lastMu.Lock()
	if !s.lastFlushAt.IsZero() {
		t := s.lastFlushAt
		st.LastFlushAt = &t
	}
	st.LastFlushTrigger = s.lastTrigger
	st.LastFlushResult = s.lastResult
	st.LastError = s.lastError
	s.lastMu.Unlock()
	return st
}

// kindLabel keeps metric cardinality bounded for events submitted over the API.
func kindLabel(k Kind) string {
	for _, known := range Kinds {
		if k == known {
			return string(k)
		}
	}
	return "unknown"
}

func hostDescriptor() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s (%s/%s)", host, runtime.GOOS, runtime.GOARCH)
}
