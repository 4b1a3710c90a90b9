// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxBackoff: 30 * time.Minute}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Minute, p.Backoff(20), "capped")
	assert.Equal(t, 30*time.Minute, p.Backoff(500), "no overflow")

	uncapped := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, 1024*time.Second, uncapped.Backoff(10))
	assert.Positive(t, uncapped.Backoff(200))

	assert.Zero(t, RetryPolicy{}.Backoff(5))
}

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Second}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		retries int
		elapsed time.Duration
		want    Decision
	}{
		{"fresh entry before base delay", 0, 5 * time.Second, DecisionWait},
		{"fresh entry at base delay", 0, 10 * time.Second, DecisionRetry},
		{"second retry waits for doubled delay", 1, 15 * time.Second, DecisionWait},
		{"second retry after doubled delay", 1, 20 * time.Second, DecisionRetry},
		{"ceiling reached abandons", 3, 0, DecisionAbandon},
		{"ceiling beats backoff window", 3, time.Hour, DecisionAbandon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Entry{RetryCount: tt.retries, EnqueuedAt: t0}
			assert.Equal(t, tt.want, p.Decide(t0.Add(tt.elapsed), e))
		})
	}
}

func TestRetryPolicy_ZeroMaxRetriesAbandonsImmediately(t *testing.T) {
	p := RetryPolicy{MaxRetries: 0}
	assert.Equal(t, DecisionAbandon, p.Decide(time.Now(), Entry{}))
}

func TestRetryScope_Valid(t *testing.T) {
	assert.True(t, RetryScopeQueue.Valid())
	assert.True(t, RetryScopeBatch.Valid())
	assert.False(t, RetryScope("global").Valid())
}
