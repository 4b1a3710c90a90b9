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
	"fmt"
	"math"
	"time"
)

// Decision is the retry policy verdict for one entry after a failed flush.
type Decision int

const (
	// DecisionWait leaves the entry untouched; its backoff window has not elapsed.
	DecisionWait Decision = iota
	// DecisionRetry increments the entry's retry counter.
	DecisionRetry
	// DecisionAbandon removes the entry permanently.
	DecisionAbandon
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionRetry:
		return "retry"
	case DecisionAbandon:
		return "abandon"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// RetryScope selects which entries are re-evaluated after a failed flush.
type RetryScope string

const (
	// RetryScopeQueue re-evaluates every queued entry: one failure is taken as
	// evidence the whole channel is down.
	RetryScopeQueue RetryScope = "queue"
	// RetryScopeBatch re-evaluates only the entries of the failed batch.
	RetryScopeBatch RetryScope = "batch"
)

func (s RetryScope) Valid() bool {
	return s == RetryScopeQueue || s == RetryScopeBatch
}

// RetryPolicy implements exponential backoff measured from the original
// enqueue time, with a hard retry ceiling.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxBackoff caps BaseDelay*2^retryCount. Zero means uncapped.
	MaxBackoff time.Duration
}

// Backoff returns BaseDelay * 2^retryCount, capped at MaxBackoff.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// NextEligible is the earliest instant the entry may have its counter bumped.
func (p RetryPolicy) NextEligible(e Entry) time.Time {
	return e.EnqueuedAt.Add(p.Backoff(e.RetryCount))
}

// Decide returns the verdict for e at now. The ceiling check comes first, so an
// entry at MaxRetries is abandoned on the next failed evaluation regardless of
// its backoff window.
func (p RetryPolicy) Decide(now time.Time, e Entry) Decision {
	if e.RetryCount >= p.MaxRetries {
		return DecisionAbandon
	}
	if !now.Before(p.NextEligible(e)) {
		return DecisionRetry
	}
	return DecisionWait
}
