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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Trigger names what requested a flush.
type Trigger string

const (
	TriggerThreshold Trigger = "threshold"
	TriggerDebounce  Trigger = "debounce"
	TriggerPeriodic  Trigger = "periodic"
	TriggerForced    Trigger = "forced"
	TriggerShutdown  Trigger = "shutdown"
)

// FlushResult is the outcome of one flush request.
type FlushResult string

const (
	FlushSkippedEmpty FlushResult = "skipped_empty"
	FlushSkippedBusy  FlushResult = "skipped_busy"
	FlushDelivered    FlushResult = "delivered"
	FlushFailed       FlushResult = "failed"
)

// SchedulerState is the delivery scheduler's state machine position.
type SchedulerState int32

const (
	// StateIdle: no flush armed or running.
	StateIdle SchedulerState = iota
	// StateFlushPending: a debounce timer is armed.
	StateFlushPending
	// StateFlushInProgress: a flush is executing; further requests are dropped.
	StateFlushInProgress
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushPending:
		return "flush_pending"
	case StateFlushInProgress:
		return "flush_in_progress"
	default:
		return "unknown"
	}
}

// scheduler decides when to flush. All flushes, whether requested by a
// trigger on the worker goroutine or forced by a caller, pass through run,
// which admits one at a time.
//
// The debounce callback runs under the clock's internal lock when the clock
// is fake, so it must not take sc.mu or call back into the clock; it only
// flips an atomic and does a non-blocking channel send.
type scheduler struct {
	clock     clock.WithTickerAndDelayedExecution
	batchSize int
	debounce  time.Duration
	periodic  time.Duration
	flush     func(ctx context.Context, trigger Trigger) FlushResult
	logger    *zap.Logger

	state    atomic.Int32
	armed    atomic.Bool
	stopped  atomic.Bool
	requests chan Trigger

	mu    sync.Mutex // guards timer
	timer clock.Timer

	stopCh chan struct{}
	done   chan struct{}
}

func newScheduler(clk clock.WithTickerAndDelayedExecution, cfg Config, flush func(context.Context, Trigger) FlushResult, logger *zap.Logger) *scheduler {
	return &scheduler{
		clock:     clk,
		batchSize: cfg.BatchSize,
		debounce:  cfg.DebounceDelay,
		periodic:  cfg.PeriodicFlushInterval,
		flush:     flush,
		logger:    logger.Named("audit-scheduler"),
		requests:  make(chan Trigger, 1),
	}
}

func (sc *scheduler) State() SchedulerState {
	return SchedulerState(sc.state.Load())
}

// notify is called after every enqueue with the new queue length.
func (sc *scheduler) notify(size int) {
	if sc.stopped.Load() {
		return
	}
	if sc.armed.CompareAndSwap(false, true) {
		sc.mu.Lock()
		sc.timer = sc.clock.AfterFunc(sc.debounce, sc.debounceFired)
		sc.mu.Unlock()
		sc.state.CompareAndSwap(int32(StateIdle), int32(StateFlushPending))
	}
	if size >= sc.batchSize {
		sc.request(TriggerThreshold)
	}
}

func (sc *scheduler) debounceFired() {
	if sc.armed.CompareAndSwap(true, false) {
		sc.request(TriggerDebounce)
	}
}

// request hands a trigger to the worker. It is dropped when a flush is in
// progress or another request is already waiting.
func (sc *scheduler) request(t Trigger) {
	if sc.State() == StateFlushInProgress {
		sc.logger.Debug("flush in progress, dropping request", zap.String("trigger", string(t)))
		return
	}
	select {
	case sc.requests <- t:
	default:
	}
}

func (sc *scheduler) start(ctx context.Context) {
	sc.stopCh = make(chan struct{})
	sc.done = make(chan struct{})
	go sc.loop(ctx)
}

func (sc *scheduler) loop(ctx context.Context) {
	defer close(sc.done)
	ticker := sc.clock.NewTicker(sc.periodic)
	defer ticker.Stop()

	sc.logger.Debug("scheduler started",
		zap.Int("batchSize", sc.batchSize),
		zap.Duration("debounce", sc.debounce),
		zap.Duration("periodic", sc.periodic))

	for {
		select {
		case <-sc.stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-sc.requests:
			sc.run(ctx, t)
		case <-ticker.C():
			sc.run(ctx, TriggerPeriodic)
		}
	}
}

// run executes one flush if none is in progress.
func (sc *scheduler) run(ctx context.Context, t Trigger) FlushResult {
	if !sc.begin() {
		sc.logger.Debug("flush already in progress, skipping", zap.String("trigger", string(t)))
		return FlushSkippedBusy
	}
	defer sc.end()
	return sc.flush(ctx, t)
}

func (sc *scheduler) begin() bool {
	for {
		cur := sc.state.Load()
		if cur == int32(StateFlushInProgress) {
			return false
		}
		if sc.state.CompareAndSwap(cur, int32(StateFlushInProgress)) {
			break
		}
	}
	// A flush covers everything queued so far; the next enqueue re-arms.
	sc.disarm()
	return true
}

func (sc *scheduler) end() {
	if sc.armed.Load() {
		sc.state.Store(int32(StateFlushPending))
		return
	}
	sc.state.Store(int32(StateIdle))
}

func (sc *scheduler) disarm() {
	sc.armed.Store(false)
	sc.mu.Lock()
	if sc.timer != nil {
		sc.timer.Stop()
		sc.timer = nil
	}
	sc.mu.Unlock()
}

// stop halts the worker without interrupting a flush it is executing, and
// waits for it to exit or ctx to expire.
func (sc *scheduler) stop(ctx context.Context) error {
	if !sc.stopped.CompareAndSwap(false, true) {
		return nil
	}
	sc.disarm()
	if sc.stopCh == nil {
		return nil
	}
	close(sc.stopCh)
	select {
	case <-sc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
