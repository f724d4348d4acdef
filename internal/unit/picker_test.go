// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/worktable"
)

func strPtr(s string) *string { return &s }

func TestPickUnitClaimsOpenUnit(t *testing.T) {
	units := []worktable.Unit{
		{Status: worktable.StatusCompleted},
		{Status: worktable.StatusOpen},
		{Status: worktable.StatusOpen},
	}
	now := time.Now()

	pick, ok := PickUnit(units, "worker-a", now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 1, pick.Index)
	assert.False(t, pick.Cleanup)
	assert.Equal(t, worktable.StatusProcessing, units[1].Status)
	require.NotNil(t, units[1].Owner)
	assert.Equal(t, "worker-a", *units[1].Owner)
}

func TestPickUnitNoneAvailable(t *testing.T) {
	units := []worktable.Unit{
		{Status: worktable.StatusCompleted},
		{Status: worktable.StatusProcessing, Owner: strPtr("worker-b"), TS: time.Now()},
	}
	_, ok := PickUnit(units, "worker-a", time.Now(), time.Minute)
	assert.False(t, ok)
}

func TestPickUnitReclaimsStaleProcessing(t *testing.T) {
	now := time.Now()
	units := []worktable.Unit{
		{Status: worktable.StatusProcessing, Owner: strPtr("worker-b"), TS: now.Add(-time.Hour)},
		{Status: worktable.StatusOpen},
	}

	pick, ok := PickUnit(units, "worker-a", now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 0, pick.Index)
	assert.True(t, pick.Cleanup)
	assert.Equal(t, worktable.StatusCleanup, units[0].Status)
	assert.Equal(t, "worker-a", *units[0].Owner)
}

func TestPickUnitReclaimsStaleCleanup(t *testing.T) {
	// A cleanup owner that dies must still be reclaimable, not stuck
	// forever.
	now := time.Now()
	units := []worktable.Unit{
		{Status: worktable.StatusCleanup, Owner: strPtr("worker-b"), TS: now.Add(-time.Hour)},
	}

	pick, ok := PickUnit(units, "worker-a", now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 0, pick.Index)
	assert.True(t, pick.Cleanup)
	assert.Equal(t, worktable.StatusCleanup, units[0].Status)
	assert.Equal(t, "worker-a", *units[0].Owner)
}

func TestPickUnitPrefersReclaimOverOpen(t *testing.T) {
	now := time.Now()
	units := []worktable.Unit{
		{Status: worktable.StatusOpen},
		{Status: worktable.StatusProcessing, Owner: strPtr("worker-b"), TS: now.Add(-time.Hour)},
	}

	pick, ok := PickUnit(units, "worker-a", now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 1, pick.Index)
	assert.True(t, pick.Cleanup)
}

func TestMarkCompleteNormal(t *testing.T) {
	units := []worktable.Unit{
		{Status: worktable.StatusProcessing, Owner: strPtr("worker-a")},
	}
	MarkComplete(units, 0, false, time.Now())
	assert.Equal(t, worktable.StatusCompleted, units[0].Status)
	assert.Nil(t, units[0].Owner)
}

func TestMarkCompleteCleanupReopens(t *testing.T) {
	units := []worktable.Unit{
		{Status: worktable.StatusCleanup, Owner: strPtr("worker-a")},
	}
	MarkComplete(units, 0, true, time.Now())
	assert.Equal(t, worktable.StatusOpen, units[0].Status)
	assert.Nil(t, units[0].Owner)
}

func TestFired(t *testing.T) {
	units := []worktable.Unit{
		{Status: worktable.StatusProcessing, Owner: strPtr("worker-a")},
	}
	assert.False(t, Fired(units, 0, "worker-a"))
	assert.True(t, Fired(units, 0, "worker-b"))
	assert.True(t, Fired(units, 5, "worker-a"))
}
