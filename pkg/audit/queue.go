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
	"sync"
	"time"
)

// Entry is an event plus queue bookkeeping. RetryCount never decreases.
type Entry struct {
	Event      Event     `json:"event"`
	RetryCount int       `json:"retryCount"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is the authoritative, insertion-ordered list of unconfirmed entries.
// Producers only append; removal happens through RemoveConfirmed and Reevaluate.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends event with a zero retry count and returns the new length.
func (q *Queue) Enqueue(event Event, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{Event: event, EnqueuedAt: now})
	return len(q.entries)
}

// PeekBatch returns copies of the first n entries without removing them.
func (q *Queue) PeekBatch(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.entries) == 0 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	return out
}

// RemoveConfirmed drops every queued entry whose event ID appears in batch and
// returns how many were removed. Entries appended after the batch was taken
// are untouched.
func (q *Queue) RemoveConfirmed(batch []Entry) int {
	if len(batch) == 0 {
		return 0
	}
	ids := make(map[string]struct{}, len(batch))
	for i := range batch {
		ids[batch[i].Event.ID] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if _, ok := ids[e.Event.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clearTail(q.entries, len(kept))
	q.entries = kept
	return removed
}

// Reevaluate applies decide to every entry (or only those whose ID is in
// only, when non-nil). Retry increments the counter, Abandon removes the entry.
// It returns the abandoned entries in queue order and the number of retries.
func (q *Queue) Reevaluate(decide func(Entry) Decision, only map[string]struct{}) (abandoned []Entry, retried int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if only != nil {
			if _, ok := only[e.Event.ID]; !ok {
				kept = append(kept, e)
				continue
			}
		}
		switch decide(e) {
		case DecisionAbandon:
			abandoned = append(abandoned, e)
			continue
		case DecisionRetry:
			e.RetryCount++
			retried++
		}
		kept = append(kept, e)
	}
	clearTail(q.entries, len(kept))
	q.entries = kept
	return abandoned, retried
}

// Restore puts recovered entries in front of anything already queued,
// skipping IDs that are present.
func (q *Queue) Restore(entries []Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	present := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		present[e.Event.ID] = struct{}{}
	}
	merged := make([]Entry, 0, len(entries)+len(q.entries))
	restored := 0
	for _, e := range entries {
		if _, dup := present[e.Event.ID]; dup {
			continue
		}
		present[e.Event.ID] = struct{}{}
		merged = append(merged, e)
		restored++
	}
	q.entries = append(merged, q.entries...)
	return restored
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of all entries in order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear discards all entries and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}

// clearTail zeroes the abandoned tail of s so dropped events can be collected.
func clearTail(s []Entry, from int) {
	for i := from; i < len(s); i++ {
		s[i] = Entry{}
	}
}
