// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import "context"

// Origin describes where a producer call came from. Fields left empty fall
// back to the service defaults.
type Origin struct {
	DeviceInfo  string
	IPAddress   string
	Geolocation *Geolocation
}

type originKey struct{}

// WithOrigin attaches per-request device and network data to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin attached by WithOrigin.
func OriginFromContext(ctx context.Context) (Origin, bool) {
	if ctx == nil {
		return Origin{}, false
	}
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}
