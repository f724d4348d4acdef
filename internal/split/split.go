// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package split divides a collection's key space into approximately
// equal Ranges, either by sampling every key (Strategy A) or by asking
// the store for a stats-driven split-vector (Strategy B).
package split

import (
	"context"

	"github.com/rangescan/rangescan/internal/logger"
	"github.com/rangescan/rangescan/internal/store"
)

var log = logger.GetLogger("split")

// Range is a half-open [Lower, Upper) interval over the split field.
// A nil bound means unbounded on that side.
type Range struct {
	Lower interface{}
	Upper interface{}
}

// Finder computes the initial partitioning of a collection.
type Finder struct {
	adapter    store.Adapter
	collection string
	field      string
}

// New builds a Finder over collection, partitioning by field.
func New(adapter store.Adapter, collection, field string) *Finder {
	return &Finder{adapter: adapter, collection: collection, field: field}
}

// Find produces Ranges tiling the collection's key space, targeting n
// units. The effective count of ranges returned may differ from n (the
// stats-based strategy rounds to whole chunks): the caller must use
// len(ranges), not n, from here on.
//
// Strategy B (stats-based) is tried first, since it scales to large
// collections without a full scan; if the store doesn't support the
// splitVector command (common on sharded routers and managed tiers),
// Find falls back to Strategy A.
func (f *Finder) Find(ctx context.Context, n int) ([]Range, error) {
	if n < 1 {
		n = 1
	}

	ranges, err := f.statsBased(ctx, n)
	if err == store.ErrUnsupported {
		log.WithField("collection", f.collection).Info("splitVector unsupported, falling back to full key sample")
		return f.sampling(ctx, n)
	}
	return ranges, err
}

// statsBased is Strategy B: query collection stats, compute a target
// chunk size, and ask the store for split keys.
func (f *Finder) statsBased(ctx context.Context, n int) ([]Range, error) {
	stats, err := f.adapter.CollStats(ctx, f.collection)
	if err != nil {
		return nil, err
	}
	if stats.Count == 0 {
		return []Range{{Lower: nil, Upper: nil}}, nil
	}

	chunkSize := int64(2) * stats.Count * max64(stats.AvgObjSize, 1) / int64(n)
	if chunkSize < 1 {
		chunkSize = 1
	}

	keys, err := f.adapter.SplitVector(ctx, f.collection, f.field, chunkSize)
	if err != nil {
		return nil, err
	}
	return boundariesToRanges(keys), nil
}

// sampling is Strategy A: project the key field for every document,
// sorted ascending, and divide the resulting sequence by index into n
// roughly-equal groups.
func (f *Finder) sampling(ctx context.Context, n int) ([]Range, error) {
	cur, err := f.adapter.FindSorted(ctx, f.collection, map[string]interface{}{}, f.field, true)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var values []interface{}
	for cur.Next(ctx) {
		var doc map[string]interface{}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		values = append(values, doc[f.field])
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	if len(values) == 0 {
		return []Range{{Lower: nil, Upper: nil}}, nil
	}
	if n == 1 {
		return []Range{{Lower: nil, Upper: nil}}, nil
	}

	step := len(values) / n
	if step == 0 {
		step = 1
		n = len(values)
	}

	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		var lower, upper interface{}
		if i == 0 {
			lower = nil
		} else {
			lower = values[i*step]
		}
		if i == n-1 {
			upper = nil
		} else {
			upper = values[(i+1)*step]
		}
		ranges = append(ranges, Range{Lower: lower, Upper: upper})
	}
	return ranges, nil
}

// boundariesToRanges turns a sorted list of interior split keys into
// the N ranges they imply: unbounded below on the first, unbounded
// above on the last, and consecutive pairs in between.
func boundariesToRanges(keys []interface{}) []Range {
	if len(keys) == 0 {
		return []Range{{Lower: nil, Upper: nil}}
	}
	ranges := make([]Range, 0, len(keys)+1)
	ranges = append(ranges, Range{Lower: nil, Upper: keys[0]})
	for i := 0; i < len(keys)-1; i++ {
		ranges = append(ranges, Range{Lower: keys[i], Upper: keys[i+1]})
	}
	ranges = append(ranges, Range{Lower: keys[len(keys)-1], Upper: nil})
	return ranges
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
