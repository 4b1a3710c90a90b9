// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"time"
)

const (
	DefaultBatchSize             = 50
	DefaultMaxRetries            = 3
	DefaultBaseDelay             = time.Second
	DefaultMaxBackoff            = 30 * time.Minute
	DefaultDebounceDelay         = 5 * time.Second
	DefaultPeriodicFlushInterval = 30 * time.Second
	DefaultRecoveryWindow        = time.Hour
	DefaultSendTimeout           = 10 * time.Second
	DefaultSnapshotKey           = "audit-queue"
)

// Config configures the audit Service.
type Config struct {
	// BatchSize is both the flush threshold and the maximum batch handed to the transport.
	// Default: 50
	BatchSize int

	// MaxRetries is the retry ceiling; an entry whose counter reached it is
	// abandoned on the next failed flush.
	// Default: 3
	MaxRetries int

	// BaseDelay is the exponential backoff base, measured from enqueue time.
	// Default: 1s
	BaseDelay time.Duration

	// MaxBackoff caps the computed backoff.
	// Default: 30m
	MaxBackoff time.Duration

	// DebounceDelay is the delay between the first enqueue after a flush and the
	// debounced flush. Later enqueues do not push it back.
	// Default: 5s
	DebounceDelay time.Duration

	// PeriodicFlushInterval requests a flush unconditionally.
	// Default: 30s
	PeriodicFlushInterval time.Duration

	// RecoveryWindow is the maximum age of a durable snapshot that is still
	// restored on start.
	// Default: 1h
	RecoveryWindow time.Duration

	// SendTimeout bounds a single transport call.
	// Default: 10s
	SendTimeout time.Duration

	// RetryScope selects which entries are re-evaluated after a failure.
	// Default: queue
	RetryScope RetryScope

	// FlushOnStop performs one final flush during Stop.
	FlushOnStop bool

	// SnapshotKey is the durable store key holding the queue mirror.
	// Default: audit-queue
	SnapshotKey string
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:             DefaultBatchSize,
		MaxRetries:            DefaultMaxRetries,
		BaseDelay:             DefaultBaseDelay,
		MaxBackoff:            DefaultMaxBackoff,
		DebounceDelay:         DefaultDebounceDelay,
		PeriodicFlushInterval: DefaultPeriodicFlushInterval,
		RecoveryWindow:        DefaultRecoveryWindow,
		SendTimeout:           DefaultSendTimeout,
		RetryScope:            RetryScopeQueue,
		FlushOnStop:           true,
		SnapshotKey:           DefaultSnapshotKey,
	}
}

// withDefaults fills unset fields. MaxRetries and BaseDelay accept zero, so
// only negative values are replaced.
func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.PeriodicFlushInterval <= 0 {
		c.PeriodicFlushInterval = DefaultPeriodicFlushInterval
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = DefaultRecoveryWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryScope == "" {
		c.RetryScope = RetryScopeQueue
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = DefaultSnapshotKey
	}
	return c
}

// Validate rejects settings that withDefaults cannot repair.
func (c Config) Validate() error {
	if c.RetryScope != "" && !c.RetryScope.Valid() {
		return fmt.Errorf("invalid retry scope %q (want %q or %q)", c.RetryScope, RetryScopeQueue, RetryScopeBatch)
	}
	if c.MaxBackoff > 0 && c.BaseDelay > c.MaxBackoff {
		return fmt.Errorf("base delay %s exceeds max backoff %s", c.BaseDelay, c.MaxBackoff)
	}
	return nil
}

func (c Config) retryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxBackoff: c.MaxBackoff}
}
