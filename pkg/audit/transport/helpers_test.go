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
	"fmt"
	"time"

	"github.com/telekom/audit-relay/pkg/audit"
)

func sampleEvents(n int) []audit.Event {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]audit.Event, n)
	for i := range events {
		events[i] = audit.Event{
			ID:         fmt.Sprintf("evt-%d", i),
			Kind:       audit.KindAccess,
			Type:       audit.EventAccessSuccess,
			Timestamp:  ts.Add(time.Duration(i) * time.Second),
			DeviceInfo: "test-host/linux",
			BranchID:   "branch-7",
			Access:     &audit.AccessDetails{SessionID: "s-1"},
		}
	}
	return events
}
