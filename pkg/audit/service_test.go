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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/telekom/audit-relay/pkg/kvstore"
	"github.com/telekom/audit-relay/pkg/kvstore/memory"
	"github.com/telekom/audit-relay/pkg/metrics"
)

const abandonMsg = "audit event abandoned after exhausting retries"

// recordingTransport records delivered batches and can simulate failures.
type recordingTransport struct {
	mu      sync.Mutex
	batches [][]Event
	calls   atomic.Int64
	fail    atomic.Bool
}

func (t *recordingTransport) Send(_ context.Context, events []Event) error {
	t.calls.Add(1)
	if t.fail.Load() {
		return errors.New("backend unavailable")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches = append(t.batches, append([]Event(nil), events...))
	return nil
}

func (t *recordingTransport) Name() string { return "recording" }
func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) Batches() [][]Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]Event(nil), t.batches...)
}

func (t *recordingTransport) Delivered() int {
	n := 0
	for _, b := range t.Batches() {
		n += len(b)
	}
	return n
}

type testEnv struct {
	svc   *Service
	clock *testingclock.FakeClock
	logs  *observer.ObservedLogs
	store *memory.Store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 0
	cfg.DebounceDelay = time.Hour
	cfg.PeriodicFlushInterval = 24 * time.Hour
	return cfg
}

func newTestEnv(t *testing.T, cfg Config, tr Transport, store *memory.Store, start time.Time) *testEnv {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	if start.IsZero() {
		start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	}
	fc := testingclock.NewFakeClock(start)
	core, logs := observer.New(zapcore.DebugLevel)
	svc, err := NewService(cfg, tr, store, zap.New(core), WithClock(fc), WithDeviceInfo("test-device"))
	require.NoError(t, err)
	return &testEnv{svc: svc, clock: fc, logs: logs, store: store}
}

func (e *testEnv) logAccess() string {
	return e.svc.LogAccess(context.Background(), EventAccessAttempt, AccessParams{
		AccessMethod: AccessMethodMobileApp,
		UserID:       "user-1",
	})
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(DefaultConfig(), nil, nil, zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.RetryScope = "global"
	_, err = NewService(cfg, &recordingTransport{}, nil, zap.NewNop())
	assert.ErrorContains(t, err, "invalid retry scope")
}

func TestService_ScenarioA_SuccessEmptiesQueue(t *testing.T) {
	tr := &recordingTransport{}
	env := newTestEnv(t, testConfig(), tr, nil, time.Time{})

	id := env.logAccess()
	require.NotEmpty(t, id)
	assert.Equal(t, 1, env.svc.QueueSize())

	assert.Equal(t, FlushDelivered, env.svc.ForceFlush(context.Background()))
	assert.Equal(t, 0, env.svc.QueueSize())

	batches := tr.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, id, batches[0][0].ID)
	assert.Equal(t, "test-device", batches[0][0].DeviceInfo)

	assert.Equal(t, 1, env.logs.FilterMessage("flushed audit events").Len())
	assert.Equal(t, FlushSkippedEmpty, env.svc.ForceFlush(context.Background()))
}

func TestService_ScenarioB_AbandonAfterMaxRetries(t *testing.T) {
	tr := &recordingTransport{}
	tr.fail.Store(true)
	env := newTestEnv(t, testConfig(), tr, nil, time.Time{})
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.EventsAbandoned.WithLabelValues(string(KindAccess)))

	id := env.logAccess()

	for i := 1; i <= DefaultMaxRetries; i++ {
		assert.Equal(t, FlushFailed, env.svc.ForceFlush(ctx))
		entries := env.svc.Entries()
		require.Len(t, entries, 1, "entry stays queued during retries")
		assert.Equal(t, i, entries[0].RetryCount, "retry count grows by one per failed flush")
	}
	assert.Zero(t, env.logs.FilterMessage(abandonMsg).Len())

	assert.Equal(t, FlushFailed, env.svc.ForceFlush(ctx))
	assert.Equal(t, 0, env.svc.QueueSize())
	assert.Equal(t, int64(DefaultMaxRetries+1), tr.calls.Load())

	abandoned := env.logs.FilterMessage(abandonMsg).All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, zapcore.ErrorLevel, abandoned[0].Level)
	fields := abandoned[0].ContextMap()
	assert.Equal(t, id, fields["event_id"])
	assert.Equal(t, string(EventAccessAttempt), fields["event_type"])
	assert.Equal(t, string(KindAccess), fields["kind"])
	assert.Equal(t, int64(DefaultMaxRetries), fields["retry_count"])
	assert.Equal(t, "abandoned", fields["reason"])

	// Transient failures are warnings, distinguishable from abandonment.
	for _, e := range env.logs.FilterMessage("audit batch delivery failed; entries stay queued").All() {
		assert.Equal(t, zapcore.WarnLevel, e.Level)
	}

	after := testutil.ToFloat64(metrics.EventsAbandoned.WithLabelValues(string(KindAccess)))
	assert.Equal(t, before+1, after)
	assert.Equal(t, int64(1), env.svc.Stats().Abandoned)
}

func TestService_ScenarioC_ThresholdTriggersImmediateFlush(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 5
	tr := &recordingTransport{}
	env := newTestEnv(t, cfg, tr, nil, time.Time{})
	ctx := context.Background()
	require.NoError(t, env.svc.Start(ctx))
	t.Cleanup(func() { _ = env.svc.Stop(ctx) })

	for i := 0; i < cfg.BatchSize; i++ {
		require.NotEmpty(t, env.logAccess())
	}

	// The fake clock never moves, so neither debounce nor periodic can fire.
	require.Eventually(t, func() bool { return tr.Delivered() == cfg.BatchSize }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.svc.QueueSize() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, tr.Batches(), 1)
	assert.Equal(t, TriggerThreshold, env.svc.Stats().LastFlushTrigger)
}

func TestService_ScenarioD_RestartPreservesRetryCount(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	failing := &recordingTransport{}
	failing.fail.Store(true)

	first := newTestEnv(t, testConfig(), failing, store, time.Time{})
	id := first.logAccess()
	require.Equal(t, FlushFailed, first.svc.ForceFlush(ctx))
	// first is never stopped: the process "crashes" here.

	restart := first.clock.Now().Add(10 * time.Minute)
	second := newTestEnv(t, testConfig(), &recordingTransport{}, store, restart)
	require.NoError(t, second.svc.Start(ctx))
	t.Cleanup(func() { _ = second.svc.Stop(ctx) })

	entries := second.svc.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Event.ID)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestService_RecoveryWindow(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantLen int
	}{
		{"fresh snapshot is restored", 59 * time.Minute, 2},
		{"snapshot at window edge is restored", time.Hour, 2},
		{"stale snapshot is discarded", time.Hour + time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			failing := &recordingTransport{}
			failing.fail.Store(true)

			first := newTestEnv(t, testConfig(), failing, store, time.Time{})
			first.logAccess()
			first.logAccess()
			first.svc.ForceFlush(ctx)

			cfg := testConfig()
			cfg.FlushOnStop = false
			second := newTestEnv(t, cfg, &recordingTransport{}, store, first.clock.Now().Add(tt.age))
			require.NoError(t, second.svc.Start(ctx))
			t.Cleanup(func() { _ = second.svc.Stop(ctx) })

			assert.Equal(t, tt.wantLen, second.svc.QueueSize())
		})
	}
}

func TestService_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int64

	blocking := TransportFunc(func(ctx context.Context, events []Event) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	env := newTestEnv(t, testConfig(), blocking, nil, time.Time{})
	env.logAccess()

	done := make(chan FlushResult, 1)
	go func() { done <- env.svc.ForceFlush(ctx) }()
	<-entered

	assert.Equal(t, StateFlushInProgress.String(), env.svc.Stats().State)
	assert.Equal(t, FlushSkippedBusy, env.svc.ForceFlush(ctx), "second flush is a no-op")

	close(release)
	assert.Equal(t, FlushDelivered, <-done)
	assert.Equal(t, int64(1), maxInFlight.Load())
	assert.Equal(t, 0, env.svc.QueueSize())
}

func TestService_DebounceFiresOnceFromFirstEnqueue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DebounceDelay = 5 * time.Second
	tr := &recordingTransport{}
	env := newTestEnv(t, cfg, tr, nil, time.Time{})
	require.NoError(t, env.svc.Start(ctx))
	t.Cleanup(func() { _ = env.svc.Stop(ctx) })

	env.logAccess()
	assert.Equal(t, StateFlushPending.String(), env.svc.Stats().State)
	env.clock.Step(3 * time.Second)
	env.logAccess() // must not push the deadline back
	env.clock.Step(2 * time.Second)

	require.Eventually(t, func() bool { return tr.Delivered() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, tr.Batches(), 1)
	require.Eventually(t, func() bool { return env.svc.Stats().LastFlushTrigger == TriggerDebounce }, time.Second, 5*time.Millisecond)
}

func TestService_PeriodicFlush(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PeriodicFlushInterval = 30 * time.Second
	tr := &recordingTransport{}
	env := newTestEnv(t, cfg, tr, nil, time.Time{})
	require.NoError(t, env.svc.Start(ctx))
	t.Cleanup(func() { _ = env.svc.Stop(ctx) })

	// Wait for the worker to register its ticker.
	require.Eventually(t, env.clock.HasWaiters, time.Second, 5*time.Millisecond)
	env.logAccess()
	env.clock.Step(30 * time.Second)

	require.Eventually(t, func() bool { return tr.Delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.svc.Stats().LastFlushTrigger == TriggerPeriodic }, time.Second, 5*time.Millisecond)
}

func TestService_BackoffGatesRetryIncrements(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.BaseDelay = 10 * time.Second
	tr := &recordingTransport{}
	tr.fail.Store(true)
	env := newTestEnv(t, cfg, tr, nil, time.Time{})
	env.logAccess()

	retries := func() int { return env.svc.Entries()[0].RetryCount }

	env.svc.ForceFlush(ctx)
	assert.Equal(t, 0, retries(), "not eligible before enqueuedAt+base")

	env.clock.Step(10 * time.Second)
	env.svc.ForceFlush(ctx)
	assert.Equal(t, 1, retries())

	env.clock.Step(5 * time.Second)
	env.svc.ForceFlush(ctx)
	assert.Equal(t, 1, retries(), "second retry needs enqueuedAt+20s")

	env.clock.Step(5 * time.Second)
	env.svc.ForceFlush(ctx)
	assert.Equal(t, 2, retries())
}

func TestService_RetryScope(t *testing.T) {
	for _, scope := range []RetryScope{RetryScopeQueue, RetryScopeBatch} {
		t.Run(string(scope), func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = 2
			cfg.RetryScope = scope
			tr := &recordingTransport{}
			tr.fail.Store(true)
			env := newTestEnv(t, cfg, tr, nil, time.Time{})
			for i := 0; i < 3; i++ {
				env.logAccess()
			}

			require.Equal(t, FlushFailed, env.svc.ForceFlush(context.Background()))
			entries := env.svc.Entries()
			require.Len(t, entries, 3)
			assert.Equal(t, 1, entries[0].RetryCount)
			assert.Equal(t, 1, entries[1].RetryCount)
			if scope == RetryScopeQueue {
				assert.Equal(t, 1, entries[2].RetryCount, "whole queue is re-evaluated")
			} else {
				assert.Equal(t, 0, entries[2].RetryCount, "only the failed batch is re-evaluated")
			}
		})
	}
}

func TestService_BatchesPreserveFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	tr := &recordingTransport{}
	env := newTestEnv(t, cfg, tr, nil, time.Time{})

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, env.logAccess())
	}
	env.svc.ForceFlush(context.Background())
	env.svc.ForceFlush(context.Background())

	var got []string
	for _, b := range tr.Batches() {
		assert.LessOrEqual(t, len(b), cfg.BatchSize)
		for _, e := range b {
			got = append(got, e.ID)
		}
	}
	assert.Equal(t, want, got)
}

func TestService_PanickingTransportCountsAsFailure(t *testing.T) {
	tr := TransportFunc(func(context.Context, []Event) error { panic("boom") })
	env := newTestEnv(t, testConfig(), tr, nil, time.Time{})
	env.logAccess()

	assert.Equal(t, FlushFailed, env.svc.ForceFlush(context.Background()))
	assert.Equal(t, 1, env.svc.Entries()[0].RetryCount)
	assert.Contains(t, env.svc.Stats().LastError, "panicked")
}

func TestService_RejectsMalformedEvents(t *testing.T) {
	env := newTestEnv(t, testConfig(), &recordingTransport{}, nil, time.Time{})
	ctx := context.Background()

	id := env.svc.LogConfiguration(ctx, EventConfigUpdate, ConfigurationParams{DeviceID: "tab-1", NewConfig: map[string]interface{}{}})
	assert.Empty(t, id)
	id = env.svc.LogAccess(ctx, EventTransactionCompleted, AccessParams{})
	assert.Empty(t, id)

	assert.Equal(t, 0, env.svc.QueueSize())
	assert.Equal(t, int64(2), env.svc.Stats().Rejected)
	assert.Equal(t, 2, env.logs.FilterMessage("rejected malformed audit event").Len())
}

func TestService_ProducerAPIBuildsKinds(t *testing.T) {
	env := newTestEnv(t, testConfig(), &recordingTransport{}, nil, time.Time{})
	ctx := WithOrigin(context.Background(), Origin{DeviceInfo: "iPad; branch 12", IPAddress: "10.0.0.7"})

	cfgSnap := map[string]interface{}{"kiosk": true}
	require.NotEmpty(t, env.svc.LogConfiguration(ctx, EventConfigUpdate, ConfigurationParams{
		AdminUser: "admin", DeviceID: "tab-1", NewConfig: cfgSnap, BranchID: "b-12",
	}))
	cfgSnap["kiosk"] = false

	require.NotEmpty(t, env.svc.LogCredentialGeneration(ctx, EventQRGenerated, CredentialGenerationParams{
		SessionToken: "tok", ExpiresAt: env.clock.Now().Add(time.Minute),
	}))
	require.NotEmpty(t, env.svc.LogCredentialScan(ctx, EventQRScanFailure, CredentialScanParams{
		SessionToken: "tok", Status: ScanStatusExpired, ErrorReason: "expired",
	}))
	require.NotEmpty(t, env.svc.LogTransaction(ctx, EventTransactionInitiated, TransactionParams{
		TransactionType: "withdrawal", SessionID: "s-1", AccessMethod: AccessMethodQRCode,
	}))

	entries := env.svc.Entries()
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, "iPad; branch 12", e.Event.DeviceInfo)
		assert.Equal(t, "10.0.0.7", e.Event.IPAddress)
		assert.Equal(t, env.clock.Now(), e.Event.Timestamp)
		assert.Equal(t, env.clock.Now(), e.EnqueuedAt)
	}
	assert.Equal(t, true, entries[0].Event.Configuration.NewConfig["kiosk"], "snapshot is copied at creation")
	assert.Equal(t, "b-12", entries[0].Event.BranchID)
	assert.Equal(t, ScanStatusExpired, entries[2].Event.CredentialScan.Status)
	assert.Equal(t, AccessMethodQRCode, entries[3].Event.AccessMethod)
}

func TestService_MirrorFollowsQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(), &recordingTransport{}, nil, time.Time{})
	require.NoError(t, env.svc.Start(ctx))
	t.Cleanup(func() { _ = env.svc.Stop(ctx) })

	env.logAccess()
	require.Eventually(t, func() bool {
		snap, err := env.svc.mirror.Read(ctx)
		return err == nil && len(snap.Entries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, FlushDelivered, env.svc.ForceFlush(ctx))
	snap, err := env.svc.mirror.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Entries, "scheduler path re-mirrors synchronously")
}

func TestService_ClearQueue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testConfig(), &recordingTransport{}, nil, time.Time{})
	env.logAccess()
	env.svc.mirror.Save(ctx)

	assert.Equal(t, 1, env.svc.ClearQueue(ctx))
	assert.Equal(t, 0, env.svc.QueueSize())
	_, err := env.store.Get(ctx, DefaultSnapshotKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr := &recordingTransport{}
	env := newTestEnv(t, testConfig(), tr, nil, time.Time{})

	assert.ErrorIs(t, env.svc.Stop(ctx), ErrNotStarted)
	require.NoError(t, env.svc.Start(ctx))
	assert.ErrorIs(t, env.svc.Start(ctx), ErrAlreadyStarted)
	assert.True(t, env.svc.Stats().Running)

	env.logAccess()
	require.NoError(t, env.svc.Stop(ctx))
	assert.Equal(t, 1, tr.Delivered(), "stop performs a final flush")
	assert.Equal(t, 0, env.svc.QueueSize())
	assert.False(t, env.svc.Stats().Running)
	assert.ErrorIs(t, env.svc.Stop(ctx), ErrNotStarted)

	// Events logged after stop are persisted for the next start.
	id := env.logAccess()
	snap, err := env.svc.mirror.Read(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, id, snap.Entries[0].Event.ID)
}

func TestService_EventsLoggedBeforeStartSurviveRestore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	failing := &recordingTransport{}
	failing.fail.Store(true)
	first := newTestEnv(t, testConfig(), failing, store, time.Time{})
	old := first.logAccess()
	first.svc.ForceFlush(ctx)

	cfg := testConfig()
	cfg.FlushOnStop = false
	second := newTestEnv(t, cfg, &recordingTransport{}, store, first.clock.Now().Add(time.Minute))
	early := second.logAccess()
	require.NoError(t, second.svc.Start(ctx))
	t.Cleanup(func() { _ = second.svc.Stop(ctx) })

	entries := second.svc.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, old, entries[0].Event.ID, "recovered entries keep their place at the head")
	assert.Equal(t, early, entries[1].Event.ID)
}
