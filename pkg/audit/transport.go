// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import "context"

// Transport delivers one ordered batch to the compliance backend. A nil error
// means every event was accepted; any error means none were. Implementations
// must honor ctx cancellation, and the backend must deduplicate by event ID.
type Transport interface {
	Send(ctx context.Context, events []Event) error
	Name() string
	Close() error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, events []Event) error

func (f TransportFunc) Send(ctx context.Context, events []Event) error { return f(ctx, events) }

func (f TransportFunc) Name() string { return "func" }

func (f TransportFunc) Close() error { return nil }
