// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package kvstore defines the crash-surviving key/value persistence used to
// mirror the in-memory audit queue. Backends live in sub-packages.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a minimal key/value persistence layer.
// Put overwrites any previous value stored under the same key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ValidateKey rejects keys that backends cannot store safely.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: key must not be empty")
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("kvstore: key %q contains a path separator or NUL byte", key)
	}
	return nil
}
