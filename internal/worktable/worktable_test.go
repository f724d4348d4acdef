// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package worktable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/testutil"
)

func TestBootstrapCreatesRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := Key{Collection: "docs", Field: "_id"}

	require.NoError(t, Bootstrap(ctx, store, key, time.Now()))
	require.NoError(t, Bootstrap(ctx, store, key, time.Now()))

	table, found, err := Read(ctx, store, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "docs", table.Collection)
	assert.False(t, table.Lock)
	assert.Empty(t, table.Units)
}

func TestReadMissingRecord(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()

	_, found, err := Read(ctx, store, Key{Collection: "docs", Field: "_id"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNeedsInit(t *testing.T) {
	assert.True(t, NeedsInit(nil))
	assert.True(t, NeedsInit([]Unit{
		{Status: StatusCompleted},
		{Status: StatusCompleted},
	}))
	assert.False(t, NeedsInit([]Unit{
		{Status: StatusCompleted},
		{Status: StatusOpen},
	}))
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	u := Unit{TS: now.Add(-2 * time.Second)}
	assert.True(t, u.IsStale(now, time.Second))
	assert.False(t, u.IsStale(now, 3*time.Second))
}

func TestReadSnapshot(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()
	key := Key{Collection: "docs", Field: "_id"}
	require.NoError(t, Bootstrap(ctx, store, key, time.Now()))

	table, found, err := Read(ctx, store, key)
	require.NoError(t, err)
	require.True(t, found)

	oldest := time.Now().Add(-time.Hour)
	table.Units = []Unit{
		{Status: StatusOpen, TS: time.Now()},
		{Status: StatusProcessing, TS: oldest},
		{Status: StatusCompleted, TS: time.Now()},
	}
	require.NoError(t, store.ReplaceOne(ctx, Collection, key.Filter(), table))

	snap, err := ReadSnapshot(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalUnits)
	assert.Equal(t, 1, snap.ByStatus[StatusOpen])
	assert.Equal(t, 1, snap.ByStatus[StatusProcessing])
	assert.Equal(t, 1, snap.ByStatus[StatusCompleted])
	assert.WithinDuration(t, oldest, snap.OldestNonCompletedTS, time.Second)
}

func TestReadSnapshotMissingRecord(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFakeStore()

	snap, err := ReadSnapshot(ctx, store, Key{Collection: "docs", Field: "_id"})
	require.NoError(t, err)
	assert.Equal(t, 0, snap.TotalUnits)
	assert.False(t, snap.Locked)
}
