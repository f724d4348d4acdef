// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/testutil"
	"github.com/rangescan/rangescan/internal/worktable"
)

func newKey() worktable.Key {
	return worktable.Key{Collection: "docs", Field: "_id"}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))

	m := New(store, key, time.Millisecond, time.Hour)
	table, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, table.Lock)

	require.NoError(t, m.Release(ctx, table))

	after, found, err := worktable.Read(ctx, store, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, after.Lock)
}

func TestReleaseWithoutHoldIsNoop(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))

	m := New(store, key, time.Millisecond, time.Hour)
	table, _, err := worktable.Read(ctx, store, key)
	require.NoError(t, err)

	// Never acquired: Release must not touch the record.
	require.NoError(t, m.Release(ctx, &table))

	after, found, err := worktable.Read(ctx, store, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, after.Lock)
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))

	first := New(store, key, 5*time.Millisecond, time.Hour)
	table, err := first.Acquire(ctx)
	require.NoError(t, err)

	second := New(store, key, 5*time.Millisecond, time.Hour)
	acquired := make(chan struct{})
	go func() {
		_, err := second.Acquire(ctx)
		assert.NoError(t, err)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before the first released")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx, table))

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never returned after release")
	}
}

func TestAcquireRecoversStuckLock(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))

	// Simulate a worker that grabbed the lease, initialized units, and
	// then crashed without releasing: locked, with units, ts far in
	// the past.
	stale := worktable.Table{
		Collection: key.Collection,
		Field:      key.Field,
		Lock:       true,
		TS:         time.Now().Add(-time.Hour),
		Units: []worktable.Unit{
			{Status: worktable.StatusOpen, TS: time.Now()},
		},
	}
	require.NoError(t, store.ReplaceOne(ctx, worktable.Collection, key.Filter(), stale))

	m := New(store, key, 5*time.Millisecond, 10*time.Millisecond)
	table, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Len(t, table.Units, 1)
	require.NoError(t, m.Release(ctx, table))
}

func TestAcquireDoesNotTreatUnitlessLockAsStuck(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()

	// No units yet: holding the lease for Strategy A's full scan is
	// legitimate even if it runs long, so it must never be force-cleared.
	held := worktable.Table{
		Collection: key.Collection,
		Field:      key.Field,
		Lock:       true,
		TS:         time.Now().Add(-time.Hour),
	}
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))
	require.NoError(t, store.ReplaceOne(ctx, worktable.Collection, key.Filter(), held))

	m := New(store, key, 5*time.Millisecond, 10*time.Millisecond)
	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireInterruptedByContext(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := newKey()
	require.NoError(t, worktable.Bootstrap(ctx, store, key, time.Now()))

	holder := New(store, key, 5*time.Millisecond, time.Hour)
	_, err := holder.Acquire(ctx)
	require.NoError(t, err)

	blocked := New(store, key, 20*time.Millisecond, time.Hour)
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = blocked.Acquire(cctx)
	assert.Error(t, err)
}
