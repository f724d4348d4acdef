// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package unit implements the picker: scanning the work table's unit
// list, under the lease, to choose either a stale unit to clean up or
// an open unit to process next.
package unit

import (
	"time"

	"github.com/rangescan/rangescan/internal/worktable"
)

// Pick is the result of a successful pick: which unit index was
// claimed, and whether it was claimed for cleanup (recovery of a
// stale unit) rather than regular processing.
type Pick struct {
	Index   int
	Cleanup bool
}

// PickUnit scans units in order and claims the first eligible one,
// mutating it in place. It must be called while the caller holds the
// work-table lease.
//
// Pass 1 scans for a stale processing unit to reclaim for cleanup. A
// unit already in StatusCleanup whose owner died is also reclaimable,
// not just StatusProcessing ones, since the picker otherwise has no
// way back to a unit stuck in cleanup forever.
//
// Pass 2 scans for an open unit to claim for regular processing.
//
// now and staleAfter (MAX_MISSED_HEARTBEATS * HEARTBEAT_MILLIS)
// determine which processing/cleanup units count as stale.
func PickUnit(units []worktable.Unit, self string, now time.Time, staleAfter time.Duration) (Pick, bool) {
	for i := range units {
		u := units[i]
		if (u.Status == worktable.StatusProcessing || u.Status == worktable.StatusCleanup) && u.IsStale(now, staleAfter) {
			units[i].Status = worktable.StatusCleanup
			units[i].Owner = ownerPtr(self)
			units[i].TS = now
			return Pick{Index: i, Cleanup: true}, true
		}
	}

	for i := range units {
		if units[i].Status == worktable.StatusOpen {
			units[i].Status = worktable.StatusProcessing
			units[i].Owner = ownerPtr(self)
			units[i].TS = now
			return Pick{Index: i, Cleanup: false}, true
		}
	}

	return Pick{}, false
}

// MarkComplete applies the post-iteration state transition: a
// normally-finished unit becomes completed; a cleaned-up unit is
// reopened for another worker to process normally.
func MarkComplete(units []worktable.Unit, index int, wasCleanup bool, now time.Time) {
	if wasCleanup {
		units[index].Status = worktable.StatusOpen
	} else {
		units[index].Status = worktable.StatusCompleted
	}
	units[index].Owner = nil
	units[index].TS = now
}

// Fired reports whether the unit at index no longer belongs to self,
// i.e. another worker has reclaimed it out from under this one.
func Fired(units []worktable.Unit, index int, self string) bool {
	if index < 0 || index >= len(units) {
		return true
	}
	owner := units[index].Owner
	return owner == nil || *owner != self
}

func ownerPtr(s string) *string {
	return &s
}
