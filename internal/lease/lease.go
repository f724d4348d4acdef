// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package lease implements the advisory boolean lease over a work
// table record: acquire with randomized backoff and a stuck-lock
// recovery check, release on every exit path. The acquire/retry loop
// follows the same acquire-or-watch-and-retry shape as a linearizable
// lease orchestrator built on a compare-and-swap store, but backs onto
// a single filter-guarded conditional update instead of a
// CAS-on-revision primitive, since there is exactly one lease record
// to mediate rather than a per-resource key space.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/logger"
	"github.com/rangescan/rangescan/internal/store"
	"github.com/rangescan/rangescan/internal/worktable"
)

var log = logger.GetLogger("lease")

// ErrInterrupted is returned by Acquire when the backoff sleep is
// interrupted by context cancellation. This is treated as fatal: a
// human operator signaled termination.
var ErrInterrupted = errors.New("lease: acquire interrupted during backoff")

// Manager mediates mutual exclusion over one work-table record. At
// most one Manager may hold the lease at a time.
type Manager struct {
	adapter store.Adapter
	key     worktable.Key

	backoffMillis time.Duration
	maxLockMillis time.Duration

	held bool
}

// New builds a Manager for key. backoffMillis is the jittered retry
// interval between failed acquire attempts; maxLockMillis is the age
// past which a held lease is considered stuck.
func New(adapter store.Adapter, key worktable.Key, backoffMillis, maxLockMillis time.Duration) *Manager {
	return &Manager{
		adapter:       adapter,
		key:           key,
		backoffMillis: backoffMillis,
		maxLockMillis: maxLockMillis,
	}
}

// Acquire blocks until the lease is held, retrying with randomized
// backoff and attempting stuck-lock recovery on every failed attempt.
// It has no timeout; callers that want one should cancel ctx.
func (m *Manager) Acquire(ctx context.Context) (*worktable.Table, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var t worktable.Table
		filter := map[string]interface{}{
			"collection": m.key.Collection,
			"field":      m.key.Field,
			"lock":       false,
		}
		update := map[string]interface{}{
			"$set": map[string]interface{}{"lock": true, "ts": time.Now()},
		}
		err := m.adapter.FindOneAndUpdate(ctx, worktable.Collection, filter, update, &t)
		if err == nil {
			m.held = true
			return &t, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}

		m.tryClearStuckLock(ctx)

		if err := m.sleepBackoff(ctx); err != nil {
			return nil, err
		}
	}
}

// Release writes table back with the lease cleared. It is a no-op if
// the manager doesn't believe it holds the lease, and must be called
// on every exit path after a successful Acquire.
func (m *Manager) Release(ctx context.Context, table *worktable.Table) error {
	if !m.held {
		return nil
	}
	table.Lock = false
	table.TS = time.Now()

	err := m.adapter.ReplaceOne(ctx, worktable.Collection, m.key.Filter(), table)
	m.held = false
	return err
}

// tryClearStuckLock is the stuck-lock recovery check: read the record
// without modifying it; if it's been locked past maxLockMillis and
// units are already initialized, race to clear it, filtered on the
// observed ts so that at most one recoverer succeeds. Units being
// absent is never considered stuck, since initial partitioning (a full
// collection read, or a splitVector round trip) legitimately holds the
// lease for a long time.
func (m *Manager) tryClearStuckLock(ctx context.Context) {
	t, found, err := worktable.Read(ctx, m.adapter, m.key)
	if err != nil || !found {
		return
	}
	if !t.Lock || len(t.Units) == 0 {
		return
	}
	if time.Since(t.TS) <= m.maxLockMillis {
		return
	}

	filter := map[string]interface{}{
		"collection": m.key.Collection,
		"field":      m.key.Field,
		"ts":         t.TS,
	}
	update := map[string]interface{}{
		"$set": map[string]interface{}{"lock": false, "ts": time.Now()},
	}
	var cleared worktable.Table
	err = m.adapter.FindOneAndUpdate(ctx, worktable.Collection, filter, update, &cleared)
	switch err {
	case nil:
		log.WithFields(logrus.Fields{
			"collection": m.key.Collection,
			"field":      m.key.Field,
		}).Warn("cleared stuck lease")
	case store.ErrNotFound:
		// Someone else cleared it first, or it was released normally
		// in the meantime. Not an error.
	default:
		log.WithError(err).Warn("stuck-lease clear attempt failed")
	}
}

// sleepBackoff sleeps for a random duration in
// [0.9*backoffMillis, 1.1*backoffMillis], returning an error wrapping
// both ErrInterrupted and the context's own error if ctx is canceled
// first, so callers can match on either with errors.Is.
func (m *Manager) sleepBackoff(ctx context.Context) error {
	jitter := 0.9 + rand.Float64()*0.2
	d := time.Duration(float64(m.backoffMillis) * jitter)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}
