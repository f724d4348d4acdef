// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package worktable implements the shared work-table record: one
// record per (collection, field) pair, holding the advisory lease and
// the ordered unit list. The "token" here is a boolean lock field on a
// single well-known document rather than an opaque per-client value.
package worktable

import (
	"context"
	"time"

	"github.com/rangescan/rangescan/internal/store"
)

// Status is a Unit's position in its state machine: open -> processing
// -> completed, or processing -> cleanup -> open.
type Status string

const (
	StatusOpen        Status = "open"
	StatusProcessing  Status = "processing"
	StatusCleanup     Status = "cleanup"
	StatusCompleted   Status = "completed"
)

// Collection is the name of the collection holding work-table records.
const Collection = "work"

// Unit is one contiguous range of the split field, plus its lifecycle
// bookkeeping.
type Unit struct {
	LowerBound interface{} `bson:"lower_bound"`
	UpperBound interface{} `bson:"upper_bound"`
	Status     Status      `bson:"status"`
	Owner      *string     `bson:"owner,omitempty"`
	TS         time.Time   `bson:"ts"`
}

// IsStale reports whether a processing/cleanup unit has gone longer
// than staleAfter since its last heartbeat.
func (u Unit) IsStale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(u.TS) > staleAfter
}

// Table is the single record coordinating all workers scanning one
// (collection, field) pair.
type Table struct {
	Collection string    `bson:"collection"`
	Field      string     `bson:"field"`
	Lock       bool       `bson:"lock"`
	TS         time.Time  `bson:"ts"`
	Units      []Unit     `bson:"units,omitempty"`
}

// Key identifies which work-table record a table belongs to, and
// doubles as the filter document for find/update operations.
type Key struct {
	Collection string `bson:"collection"`
	Field      string `bson:"field"`
}

func (k Key) filter() interface{} {
	return map[string]interface{}{"collection": k.Collection, "field": k.Field}
}

// Filter returns the filter document identifying the work-table record
// for key, for use by callers (the lease manager) composing their own
// compound filters.
func (k Key) Filter() map[string]interface{} {
	return map[string]interface{}{"collection": k.Collection, "field": k.Field}
}

// Bootstrap ensures the work-table record for key exists, creating the
// uniqueness index and inserting a fresh empty record on first use. A
// DuplicateKey error from the insert means another worker already
// created it, and is swallowed.
func Bootstrap(ctx context.Context, adapter store.Adapter, key Key, now time.Time) error {
	if err := adapter.EnsureUniqueIndex(ctx, Collection, []string{"collection", "field"}); err != nil {
		return err
	}

	doc := Table{
		Collection: key.Collection,
		Field:      key.Field,
		Lock:       false,
		TS:         now,
	}
	err := adapter.InsertUnique(ctx, Collection, doc)
	if err == store.ErrDuplicateKey {
		return nil
	}
	return err
}

// NeedsInit reports whether units must be (re)computed: either they
// were never set, or every unit has reached StatusCompleted, so a
// fresh partitioning can start from scratch.
func NeedsInit(units []Unit) bool {
	if len(units) == 0 {
		return true
	}
	for _, u := range units {
		if u.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Snapshot is a read-only view of a work table's progress, for operator
// introspection. It requires no lease: reading the record without
// modifying it is always safe.
type Snapshot struct {
	Collection  string
	Field       string
	Locked      bool
	TotalUnits  int
	ByStatus    map[Status]int
	OldestNonCompletedTS time.Time
}

// Read fetches the current work table for key without acquiring the
// lease. found is false if no record exists
// yet (the first worker hasn't bootstrapped it).
func Read(ctx context.Context, adapter store.Adapter, key Key) (t Table, found bool, err error) {
	cur, err := adapter.FindSorted(ctx, Collection, key.filter(), "collection", true)
	if err != nil {
		return Table{}, false, err
	}
	defer cur.Close(ctx)

	if cur.Next(ctx) {
		if err := cur.Decode(&t); err != nil {
			return Table{}, false, err
		}
		found = true
	}
	if err := cur.Err(); err != nil {
		return Table{}, false, err
	}
	return t, found, nil
}

// ReadSnapshot reads the current work table for key without taking the
// lease.
func ReadSnapshot(ctx context.Context, adapter store.Adapter, key Key) (*Snapshot, error) {
	t, found, err := Read(ctx, adapter, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Snapshot{Collection: key.Collection, Field: key.Field}, nil
	}

	snap := &Snapshot{
		Collection: t.Collection,
		Field:      t.Field,
		Locked:     t.Lock,
		TotalUnits: len(t.Units),
		ByStatus:   map[Status]int{},
	}
	for _, u := range t.Units {
		snap.ByStatus[u.Status]++
		if u.Status != StatusCompleted {
			if snap.OldestNonCompletedTS.IsZero() || u.TS.Before(snap.OldestNonCompletedTS) {
				snap.OldestNonCompletedTS = u.TS
			}
		}
	}
	return snap, nil
}
