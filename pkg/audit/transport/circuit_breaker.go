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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/audit-relay/pkg/audit"
	"github.com/telekom/audit-relay/pkg/metrics"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed: batches flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen: batches are rejected without reaching the backend.
	CircuitOpen
	// CircuitHalfOpen: a limited number of probe batches are let through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open state
	// required to close the circuit.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to wait before transitioning from open to half-open.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the maximum number of concurrent probes in half-open state.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is an optional callback when the circuit state changes.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops hammering a backend that keeps failing. A rejected
// batch counts as a failed flush for the retry policy, so entries stay queued.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	clock  clock.PassiveClock
	logger *zap.Logger

	state            atomic.Int32 // CircuitState
	consecutiveFails atomic.Int64
	consecutiveSuccs atomic.Int64
	halfOpenInFlight atomic.Int64

	totalRequests   atomic.Int64
	totalSuccesses  atomic.Int64
	totalFailures   atomic.Int64
	totalRejections atomic.Int64

	mu              sync.Mutex // guards transitions and the fields below
	lastStateChange time.Time
	lastFailureTime time.Time
	lastError       error
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses the real clock.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, clk clock.PassiveClock, logger *zap.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	cb := &CircuitBreaker{
		name:            name,
		config:          cfg,
		clock:           clk,
		logger:          logger.Named("circuit-breaker").With(zap.String("transport", name)),
		lastStateChange: clk.Now(),
	}
	cb.state.Store(int32(CircuitClosed))
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))

	cb.logger.Info("circuit breaker created",
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Int("success_threshold", cfg.SuccessThreshold),
		zap.Duration("open_timeout", cfg.OpenTimeout))
	return cb
}

// Execute runs fn unless the circuit is open, in which case it returns ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, ok := cb.admit()
	if !ok {
		cb.totalRejections.Add(1)
		metrics.CircuitBreakerRejections.WithLabelValues(cb.name).Inc()
		return ErrCircuitOpen
	}
	if probe {
		defer cb.halfOpenInFlight.Add(-1)
	}

	cb.totalRequests.Add(1)
	if err := fn(ctx); err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

// admit reports whether a call may proceed and whether it occupies a
// half-open probe slot that must be released afterwards.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return false, true
	case CircuitOpen:
		cb.mu.Lock()
		elapsed := cb.clock.Since(cb.lastStateChange)
		cb.mu.Unlock()
		if elapsed < cb.config.OpenTimeout {
			return false, false
		}
		cb.transitionTo(CircuitHalfOpen)
		return cb.admit()
	case CircuitHalfOpen:
		if cb.halfOpenInFlight.Add(1) <= int64(cb.config.HalfOpenMaxRequests) {
			return true, true
		}
		cb.halfOpenInFlight.Add(-1)
		return false, false
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses.Add(1)
	cb.consecutiveFails.Store(0)
	successes := cb.consecutiveSuccs.Add(1)

	if CircuitState(cb.state.Load()) == CircuitHalfOpen && int(successes) >= cb.config.SuccessThreshold {
		cb.transitionTo(CircuitClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.totalFailures.Add(1)
	cb.consecutiveSuccs.Store(0)
	cb.mu.Lock()
	cb.lastError = err
	cb.lastFailureTime = cb.clock.Now()
	cb.mu.Unlock()
	failures := cb.consecutiveFails.Add(1)

	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		if int(failures) >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	cb.mu.Lock()
	oldState := CircuitState(cb.state.Load())
	if oldState == newState {
		cb.mu.Unlock()
		return
	}
	cb.state.Store(int32(newState))
	cb.lastStateChange = cb.clock.Now()
	cb.consecutiveFails.Store(0)
	cb.consecutiveSuccs.Store(0)
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker state changed",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()))
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(newState))

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State            CircuitState
	ConsecutiveFails int64
	ConsecutiveSuccs int64
	TotalRequests    int64
	TotalSuccesses   int64
	TotalFailures    int64
	TotalRejections  int64
	LastFailureTime  time.Time
	LastStateChange  time.Time
	LastError        error
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            CircuitState(cb.state.Load()),
		ConsecutiveFails: cb.consecutiveFails.Load(),
		ConsecutiveSuccs: cb.consecutiveSuccs.Load(),
		TotalRequests:    cb.totalRequests.Load(),
		TotalSuccesses:   cb.totalSuccesses.Load(),
		TotalFailures:    cb.totalFailures.Load(),
		TotalRejections:  cb.totalRejections.Load(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
		LastError:        cb.lastError,
	}
}

// ForceOpen trips the circuit, e.g. during backend maintenance.
func (cb *CircuitBreaker) ForceOpen() { cb.transitionTo(CircuitOpen) }

// ForceClose closes the circuit without waiting for probes.
func (cb *CircuitBreaker) ForceClose() { cb.transitionTo(CircuitClosed) }

func (cb *CircuitBreaker) IsHealthy() bool {
	return CircuitState(cb.state.Load()) == CircuitClosed
}

// CircuitBreakerTransport wraps a Transport with circuit breaker protection.
type CircuitBreakerTransport struct {
	next    audit.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewCircuitBreakerTransport(next audit.Transport, cfg CircuitBreakerConfig, clk clock.PassiveClock, logger *zap.Logger) *CircuitBreakerTransport {
	return &CircuitBreakerTransport{
		next:    next,
		breaker: NewCircuitBreaker(next.Name(), cfg, clk, logger),
		logger:  logger.Named("cb-transport").With(zap.String("transport", next.Name())),
	}
}

func (t *CircuitBreakerTransport) Send(ctx context.Context, events []audit.Event) error {
	return t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.next.Send(ctx, events)
	})
}

func (t *CircuitBreakerTransport) Name() string { return t.next.Name() }

func (t *CircuitBreakerTransport) Close() error {
	t.logger.Info("closing circuit breaker transport",
		zap.String("state", t.breaker.State().String()))
	return t.next.Close()
}

// CircuitBreaker exposes the breaker for status checks.
func (t *CircuitBreakerTransport) CircuitBreaker() *CircuitBreaker { return t.breaker }
