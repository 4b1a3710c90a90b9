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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-relay/pkg/kvstore"
	"github.com/telekom/audit-relay/pkg/metrics"
)

// SnapshotVersion is bumped when the persisted layout changes incompatibly.
const SnapshotVersion = 1

// mirrorWriteTimeout bounds a single background or final mirror write.
const mirrorWriteTimeout = 5 * time.Second

// Snapshot is the persisted form of the queue.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Entries []Entry   `json:"entries"`
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SavedAt)
}

// RecoveryOutcome describes what Load did with the stored snapshot.
type RecoveryOutcome string

const (
	RecoveryRestored RecoveryOutcome = "restored"
	RecoveryStale    RecoveryOutcome = "stale"
	RecoveryEmpty    RecoveryOutcome = "empty"
	RecoveryError    RecoveryOutcome = "error"
)

// Mirror backs the queue up into a kvstore.Store. It is best effort: every
// failure is logged and counted, none is returned to callers.
type Mirror struct {
	store  kvstore.Store
	key    string
	window time.Duration
	clock  clock.PassiveClock
	source func() []Entry
	logger *zap.Logger

	// writeMu serializes writes; the snapshot is taken while holding it so a
	// later write can never be overtaken by an older one.
	writeMu sync.Mutex

	dirty chan struct{}
	wg    sync.WaitGroup
	stop  context.CancelFunc
}

// NewMirror creates a mirror of source under key. A nil store disables persistence.
func NewMirror(store kvstore.Store, key string, recoveryWindow time.Duration, clk clock.PassiveClock, source func() []Entry, logger *zap.Logger) *Mirror {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &Mirror{
		store:  store,
		key:    key,
		window: recoveryWindow,
		clock:  clk,
		source: source,
		logger: logger.Named("audit-mirror"),
		dirty:  make(chan struct{}, 1),
	}
}

func (m *Mirror) Enabled() bool { return m.store != nil }

// Save writes the current queue synchronously.
func (m *Mirror) Save(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	snap := Snapshot{Version: SnapshotVersion, SavedAt: m.clock.Now().UTC(), Entries: m.source()}
	data, err := json.Marshal(&snap)
	if err != nil {
		m.fail("save", err)
		return
	}
	if err := m.store.Put(ctx, m.key, data); err != nil {
		m.fail("save", err)
		return
	}
	m.logger.Debug("mirrored audit queue", zap.Int("entries", len(snap.Entries)))
}

// RequestSave marks the mirror dirty. With the background writer running the
// write happens asynchronously and bursts collapse into one write.
func (m *Mirror) RequestSave() {
	if m.store == nil {
		return
	}
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Read returns the stored snapshot without judging its age.
func (m *Mirror) Read(ctx context.Context) (*Snapshot, error) {
	if m.store == nil {
		return nil, kvstore.ErrNotFound
	}
	data, err := m.store.Get(ctx, m.key)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", m.key, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has unsupported version %d", m.key, snap.Version)
	}
	return &snap, nil
}

// Load returns the entries to rehydrate. Snapshots older than the recovery
// window are deleted and yield nothing.
func (m *Mirror) Load(ctx context.Context) ([]Entry, RecoveryOutcome) {
	if m.store == nil {
		return nil, RecoveryEmpty
	}
	snap, err := m.Read(ctx)
	if errors.Is(err, kvstore.ErrNotFound) {
		metrics.MirrorRecoveries.WithLabelValues(string(RecoveryEmpty)).Inc()
		return nil, RecoveryEmpty
	}
	if err != nil {
		m.fail("load", err)
		metrics.MirrorRecoveries.WithLabelValues(string(RecoveryError)).Inc()
		return nil, RecoveryError
	}

	age := snap.Age(m.clock.Now())
	if age > m.window {
		m.logger.Warn("discarding stale audit queue snapshot",
			zap.Duration("age", age),
			zap.Duration("recoveryWindow", m.window),
			zap.Int("entries", len(snap.Entries)))
		m.Clear(ctx)
		metrics.MirrorRecoveries.WithLabelValues(string(RecoveryStale)).Inc()
		return nil, RecoveryStale
	}

	metrics.MirrorRecoveries.WithLabelValues(string(RecoveryRestored)).Inc()
	return snap.Entries, RecoveryRestored
}

// Clear deletes the stored snapshot.
func (m *Mirror) Clear(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.store.Delete(ctx, m.key); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		m.fail("delete", err)
	}
}

// start launches the background writer serving RequestSave.
func (m *Mirror) start(ctx context.Context) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.dirty:
				wctx, wcancel := context.WithTimeout(ctx, mirrorWriteTimeout)
				m.Save(wctx)
				wcancel()
			}
		}
	}()
}

// shutdown stops the background writer and waits for an in-flight write.
func (m *Mirror) shutdown() {
	if m.stop == nil {
		return
	}
	m.stop()
	m.wg.Wait()
	m.stop = nil
}

func (m *Mirror) fail(op string, err error) {
	metrics.MirrorErrors.WithLabelValues(op).Inc()
	m.logger.Warn("durable mirror operation failed; continuing without crash recovery",
		zap.String("op", op),
		zap.String("key", m.key),
		zap.Error(err))
}
