// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package rangescan implements the coordinated parallel scan
// framework: a fleet of independent workers, coordinated only through
// a shared work-table record in a document store, each claiming a
// disjoint key range and processing every document in it exactly once
// (modulo crash recovery).
//
// Extension points are a plain struct of optional callbacks (Hooks)
// rather than an interface every caller must implement in full: no
// class hierarchy, no registry, just a Worker parameterized by a
// config and a set of functions.
package rangescan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/lease"
	"github.com/rangescan/rangescan/internal/logger"
	"github.com/rangescan/rangescan/internal/split"
	"github.com/rangescan/rangescan/internal/store"
	"github.com/rangescan/rangescan/internal/unit"
	"github.com/rangescan/rangescan/internal/worktable"
)

var log = logger.GetLogger("worker")

// ErrProcessRequired is returned by New when no Process hook is given;
// it is the only mandatory hook.
var ErrProcessRequired = errors.New("rangescan: Hooks.Process is required")

// Hooks are the user extension points of the worker loop. All fields
// are optional no-ops except Process.
type Hooks struct {
	// StartProcessing is called once, before the worker's first unit
	// iteration.
	StartProcessing func()

	// StartUnit is called before scanning a unit's range normally (not
	// on a cleanup pass).
	StartUnit func(lowerBound, upperBound interface{})

	// Process is invoked once per document in the current unit's
	// range, in ascending order of the split field. It is the only
	// mandatory hook. It must be idempotent or tolerate duplicates: a
	// crash mid-unit causes the unit to be reprocessed from the start
	// by whichever worker reclaims it.
	Process func(ctx context.Context, doc map[string]interface{}) error

	// FinishUnit is called after a normal unit's cursor is exhausted.
	FinishUnit func(lowerBound, upperBound interface{})

	// Cleanup is called instead of StartUnit/Process/FinishUnit when
	// the current unit was claimed for cleanup of a stale peer. It is
	// responsible for reverting any partial side effects of whatever
	// process the stale owner completed; the framework doesn't know
	// what Process did.
	Cleanup func(lowerBound, upperBound interface{})

	// Fired is called when a heartbeat discovers this worker's unit
	// was reassigned to another worker. The worker exits immediately
	// after, without marking the unit.
	Fired func(lowerBound, upperBound interface{})

	// FinishProcessing is called once, when the picker finds no more
	// work and the worker is about to exit normally.
	FinishProcessing func()
}

func (h Hooks) validate() error {
	if h.Process == nil {
		return ErrProcessRequired
	}
	return nil
}

func (h Hooks) startProcessing() {
	if h.StartProcessing != nil {
		h.StartProcessing()
	}
}

func (h Hooks) startUnit(lb, ub interface{}) {
	if h.StartUnit != nil {
		h.StartUnit(lb, ub)
	}
}

func (h Hooks) finishUnit(lb, ub interface{}) {
	if h.FinishUnit != nil {
		h.FinishUnit(lb, ub)
	}
}

func (h Hooks) cleanup(lb, ub interface{}) {
	if h.Cleanup != nil {
		h.Cleanup(lb, ub)
	}
}

func (h Hooks) fired(lb, ub interface{}) {
	if h.Fired != nil {
		h.Fired(lb, ub)
	}
}

func (h Hooks) finishProcessing() {
	if h.FinishProcessing != nil {
		h.FinishProcessing()
	}
}

// Params parameterizes a Worker: which store collection/field to scan,
// how many units to initially partition into, and the liveness
// tunables.
type Params struct {
	Collection string
	Field      string
	NumUnits   int

	BackoffMillis       time.Duration
	MaxLockMillis       time.Duration
	HeartbeatMillis     time.Duration
	MaxMissedHeartbeats int
}

func (p Params) staleAfter() time.Duration {
	return time.Duration(p.MaxMissedHeartbeats) * p.HeartbeatMillis
}

func (p Params) key() worktable.Key {
	return worktable.Key{Collection: p.Collection, Field: p.Field}
}

// Worker is one fleet member: an ephemeral actor with a unique
// identity, coordinating with its peers only through the shared work
// table.
type Worker struct {
	id      string
	adapter store.Adapter
	params  Params
	hooks   Hooks
	lease   *lease.Manager
	log     *logrus.Entry

	effectiveNumUnits int

	numUnit    int
	lowerBound interface{}
	upperBound interface{}
	cleanup    bool

	done chan error
}

// New constructs a Worker over adapter with the given parameters and
// hooks. It does not contact the store; call Start to bootstrap the
// work table, acquire the initial unit, and begin the worker loop.
func New(adapter store.Adapter, params Params, hooks Hooks) (*Worker, error) {
	if err := hooks.validate(); err != nil {
		return nil, err
	}
	if params.Field == "" {
		params.Field = "_id"
	}
	if params.NumUnits < 1 {
		params.NumUnits = 1
	}

	id, err := newWorkerID()
	if err != nil {
		return nil, fmt.Errorf("rangescan: generating worker id: %w", err)
	}

	return &Worker{
		id:      id,
		adapter: adapter,
		params:  params,
		hooks:   hooks,
		lease:   lease.New(adapter, params.key(), params.BackoffMillis, params.MaxLockMillis),
		log:     log.WithField("worker_id", id),
		done:    make(chan error, 1),
	}, nil
}

// ID returns this worker's opaque identity.
func (w *Worker) ID() string { return w.id }

// NumRanges returns the effective number of units the work table was
// partitioned into. It is only meaningful after Start has returned; the
// effective count may differ from the NumUnits requested in Params.
func (w *Worker) NumRanges() int { return w.effectiveNumUnits }

// Start bootstraps the work table if needed, acquires the lease to
// pick (and if necessary initialize) a unit, and — if a unit was
// picked — spawns the worker loop in its own goroutine and returns
// immediately. If no unit could be picked (all units already claimed
// by peers), Start returns nil without spawning anything; the worker
// has nothing to do and is finished.
//
// Call Wait to block for the worker loop's outcome.
func (w *Worker) Start(ctx context.Context) error {
	picked, err := w.initialize(ctx)
	if err != nil {
		w.done <- err
		return err
	}
	if !picked {
		w.done <- nil
		return nil
	}

	go func() {
		w.hooks.startProcessing()
		w.done <- w.run(ctx)
	}()
	return nil
}

// Wait blocks until the worker loop exits (or until Start decided
// there was nothing to do) and returns its terminal error, if any.
func (w *Worker) Wait() error {
	return <-w.done
}

// initialize ensures the work table exists, acquires the lease,
// initializes units if absent or all completed, picks one, and
// releases.
func (w *Worker) initialize(ctx context.Context) (bool, error) {
	now := time.Now()
	if err := worktable.Bootstrap(ctx, w.adapter, w.params.key(), now); err != nil {
		return false, fmt.Errorf("rangescan: bootstrap: %w", err)
	}

	table, err := w.lease.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("rangescan: acquiring lease: %w", err)
	}

	if worktable.NeedsInit(table.Units) {
		units, err := w.computeUnits(ctx)
		if err != nil {
			_ = w.lease.Release(ctx, table)
			return false, fmt.Errorf("rangescan: computing units: %w", err)
		}
		table.Units = units
	}
	w.effectiveNumUnits = len(table.Units)

	pick, ok := unit.PickUnit(table.Units, w.id, time.Now(), w.params.staleAfter())
	if err := w.lease.Release(ctx, table); err != nil {
		return false, fmt.Errorf("rangescan: releasing lease: %w", err)
	}
	if !ok {
		return false, nil
	}

	w.adoptPick(table.Units, pick)
	return true, nil
}

func (w *Worker) computeUnits(ctx context.Context) ([]worktable.Unit, error) {
	finder := split.New(w.adapter, w.params.Collection, w.params.Field)
	ranges, err := finder.Find(ctx, w.params.NumUnits)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	units := make([]worktable.Unit, len(ranges))
	for i, r := range ranges {
		units[i] = worktable.Unit{
			LowerBound: r.Lower,
			UpperBound: r.Upper,
			Status:     worktable.StatusOpen,
			TS:         now,
		}
	}
	return units, nil
}

func (w *Worker) adoptPick(units []worktable.Unit, pick unit.Pick) {
	w.numUnit = pick.Index
	w.lowerBound = units[pick.Index].LowerBound
	w.upperBound = units[pick.Index].UpperBound
	w.cleanup = pick.Cleanup
}

// run is the worker loop. It terminates when the picker finds no next
// unit, when a heartbeat detects the worker was fired, or when a store
// operation fails fatally.
func (w *Worker) run(ctx context.Context) error {
	for {
		if w.cleanup {
			w.hooks.cleanup(w.lowerBound, w.upperBound)
		} else {
			fired, err := w.processCurrentUnit(ctx)
			if err != nil {
				return err
			}
			if fired {
				w.hooks.fired(w.lowerBound, w.upperBound)
				return nil
			}
		}

		ok, err := w.completeAndAdvance(ctx)
		if err != nil {
			return err
		}
		if !ok {
			w.hooks.finishProcessing()
			return nil
		}
	}
}

// processCurrentUnit scans the current unit's range, invoking Process
// for every document and heartbeating every HeartbeatMillis. It
// returns fired=true if a heartbeat discovers this worker was reclaimed
// by a peer.
func (w *Worker) processCurrentUnit(ctx context.Context) (fired bool, err error) {
	w.hooks.startUnit(w.lowerBound, w.upperBound)

	cur, err := w.adapter.FindSorted(ctx, w.params.Collection, rangeFilter(w.params.Field, w.lowerBound, w.upperBound), w.params.Field, true)
	if err != nil {
		return false, fmt.Errorf("rangescan: scanning unit %d: %w", w.numUnit, err)
	}
	defer cur.Close(ctx)

	lastHeartbeat := time.Now()
	for cur.Next(ctx) {
		var doc map[string]interface{}
		if err := cur.Decode(&doc); err != nil {
			return false, fmt.Errorf("rangescan: decoding document: %w", err)
		}
		if err := w.hooks.Process(ctx, doc); err != nil {
			return false, fmt.Errorf("rangescan: process: %w", err)
		}

		if time.Since(lastHeartbeat) >= w.params.HeartbeatMillis {
			fired, err := w.heartbeat(ctx)
			if err != nil {
				return false, err
			}
			if fired {
				return true, nil
			}
			lastHeartbeat = time.Now()
		}
	}
	if err := cur.Err(); err != nil {
		return false, fmt.Errorf("rangescan: cursor: %w", err)
	}

	w.hooks.finishUnit(w.lowerBound, w.upperBound)
	return false, nil
}

// heartbeat acquires the lease, re-reads the current unit, and either
// refreshes its ts or discovers it was fired.
func (w *Worker) heartbeat(ctx context.Context) (fired bool, err error) {
	table, err := w.lease.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("rangescan: heartbeat acquire: %w", err)
	}

	fired = unit.Fired(table.Units, w.numUnit, w.id)
	if !fired {
		table.Units[w.numUnit].TS = time.Now()
	}

	if err := w.lease.Release(ctx, table); err != nil {
		return false, fmt.Errorf("rangescan: heartbeat release: %w", err)
	}
	return fired, nil
}

// completeAndAdvance runs under the lease: mark the just-finished unit
// complete (or reopen it, if this pass was a cleanup), pick the next
// unit, and release. It returns ok=false when there is no next unit.
func (w *Worker) completeAndAdvance(ctx context.Context) (ok bool, err error) {
	table, err := w.lease.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("rangescan: acquiring lease: %w", err)
	}

	unit.MarkComplete(table.Units, w.numUnit, w.cleanup, time.Now())

	pick, picked := unit.PickUnit(table.Units, w.id, time.Now(), w.params.staleAfter())
	if err := w.lease.Release(ctx, table); err != nil {
		return false, fmt.Errorf("rangescan: releasing lease: %w", err)
	}
	if !picked {
		return false, nil
	}

	w.adoptPick(table.Units, pick)
	return true, nil
}

// rangeFilter builds the store filter for a unit's [lower, upper) range
// over field, handling absent bounds on either side.
func rangeFilter(field string, lower, upper interface{}) map[string]interface{} {
	cond := map[string]interface{}{}
	if lower != nil {
		cond["$gte"] = lower
	}
	if upper != nil {
		cond["$lt"] = upper
	}
	if len(cond) == 0 {
		return map[string]interface{}{}
	}
	return map[string]interface{}{field: cond}
}

func newWorkerID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
