// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/audit-relay/pkg/kvstore"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	defer func() { _ = s.Close() }()

	_, err := s.Get(ctx, "audit-queue")
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	require.NoError(t, s.Put(ctx, "audit-queue", []byte("first")))
	require.NoError(t, s.Put(ctx, "audit-queue", []byte("second")))

	got, err := s.Get(ctx, "audit-queue")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, s.Delete(ctx, "audit-queue"))
	_, err = s.Get(ctx, "audit-queue")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "kv.db")

	s1 := openTestStore(t, path)
	require.NoError(t, s1.Put(ctx, "k", []byte("persisted")))
	require.NoError(t, s1.Close())

	s2 := openTestStore(t, path)
	defer func() { _ = s2.Close() }()
	got, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestStore_EmptyValue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Put(ctx, "k", nil))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}
