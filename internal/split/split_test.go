// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package split

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/testutil"
)

type doc struct {
	ID int32 `bson:"_id"`
}

func seedDocs(t *testing.T, store *testutil.FakeStore, collection string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Seed(collection, doc{ID: int32(i)}))
	}
}

func TestFindEmptyCollection(t *testing.T) {
	store := testutil.NewFakeStore()
	f := New(store, "docs", "_id")

	ranges, err := f.Find(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Nil(t, ranges[0].Lower)
	assert.Nil(t, ranges[0].Upper)
}

func TestFindStatsBasedTiling(t *testing.T) {
	store := testutil.NewFakeStore()
	seedDocs(t, store, "docs", 100)
	f := New(store, "docs", "_id")

	ranges, err := f.Find(context.Background(), 4)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)

	assert.Nil(t, ranges[0].Lower)
	assert.Nil(t, ranges[len(ranges)-1].Upper)
	for i := 0; i < len(ranges)-1; i++ {
		assert.Equal(t, ranges[i].Upper, ranges[i+1].Lower)
	}
}

func TestFindFallsBackToSamplingWhenSplitVectorUnsupported(t *testing.T) {
	store := testutil.NewFakeStore()
	store.SetSplitVectorUnsupported(true)
	seedDocs(t, store, "docs", 97)
	f := New(store, "docs", "_id")

	ranges, err := f.Find(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	assert.Nil(t, ranges[0].Lower)
	assert.Nil(t, ranges[len(ranges)-1].Upper)
}

func TestFindSamplingSingleUnit(t *testing.T) {
	store := testutil.NewFakeStore()
	store.SetSplitVectorUnsupported(true)
	seedDocs(t, store, "docs", 10)
	f := New(store, "docs", "_id")

	ranges, err := f.Find(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Nil(t, ranges[0].Lower)
	assert.Nil(t, ranges[0].Upper)
}

func TestFindSamplingMoreUnitsThanDocs(t *testing.T) {
	// The effective count may differ from the requested n, and callers
	// must use len(ranges).
	store := testutil.NewFakeStore()
	store.SetSplitVectorUnsupported(true)
	seedDocs(t, store, "docs", 3)
	f := New(store, "docs", "_id")

	ranges, err := f.Find(context.Background(), 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ranges), 3)
	assert.NotEmpty(t, ranges)
}
