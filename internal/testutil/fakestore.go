// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package testutil provides an in-memory store.Adapter fake, used by
// the worktable, lease, split and worker tests in place of a live MongoDB
// deployment, plus a bitset-backed coverage tracker for verifying that
// every document gets visited. The fake still marshals through
// go.mongodb.org/mongo-driver/bson, so tests exercise the same
// document encoding a real MongoAdapter would.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rangescan/rangescan/internal/store"
)

// FakeStore is a minimal, single-process stand-in for the document
// store capability surface in internal/store.Adapter.
type FakeStore struct {
	mu         sync.Mutex
	docs       map[string][]bson.M
	uniqueIdx  map[string][][]string
	avgObjSize map[string]int64

	splitVectorUnsupported bool
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		docs:       map[string][]bson.M{},
		uniqueIdx:  map[string][][]string{},
		avgObjSize: map[string]int64{},
	}
}

// SetSplitVectorUnsupported makes SplitVector return store.ErrUnsupported,
// for exercising the Strategy A fallback.
func (f *FakeStore) SetSplitVectorUnsupported(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splitVectorUnsupported = v
}

// Seed inserts docs directly into collection, bypassing uniqueness
// checks, for test setup.
func (f *FakeStore) Seed(collection string, docs ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		m, err := toBSONMap(d)
		if err != nil {
			return err
		}
		f.docs[collection] = append(f.docs[collection], m)
	}
	return nil
}

func (f *FakeStore) EnsureUniqueIndex(ctx context.Context, collection string, fields []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := append([]string(nil), fields...)
	sort.Strings(cp)
	for _, existing := range f.uniqueIdx[collection] {
		if equalStrSlices(existing, cp) {
			return nil
		}
	}
	f.uniqueIdx[collection] = append(f.uniqueIdx[collection], cp)
	return nil
}

func (f *FakeStore) InsertUnique(ctx context.Context, collection string, doc interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := toBSONMap(doc)
	if err != nil {
		return err
	}
	for _, fields := range f.uniqueIdx[collection] {
		for _, existing := range f.docs[collection] {
			if matchesOnFields(existing, m, fields) {
				return store.ErrDuplicateKey
			}
		}
	}
	f.docs[collection] = append(f.docs[collection], m)
	return nil
}

func (f *FakeStore) FindOneAndUpdate(ctx context.Context, collection string, filter, update, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filterMap, err := toBSONMap(filter)
	if err != nil {
		return err
	}
	for i, d := range f.docs[collection] {
		if matchesFilter(d, filterMap) {
			applied, err := applyUpdate(d, update)
			if err != nil {
				return err
			}
			f.docs[collection][i] = applied
			return decodeBSON(applied, out)
		}
	}
	return store.ErrNotFound
}

func (f *FakeStore) ReplaceOne(ctx context.Context, collection string, filter, doc interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filterMap, err := toBSONMap(filter)
	if err != nil {
		return err
	}
	m, err := toBSONMap(doc)
	if err != nil {
		return err
	}
	for i, d := range f.docs[collection] {
		if matchesFilter(d, filterMap) {
			f.docs[collection][i] = m
			return nil
		}
	}
	return store.ErrNotFound
}

type fakeCursor struct {
	docs []bson.M
	idx  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.idx < len(c.docs) {
		c.idx++
		return true
	}
	return false
}

func (c *fakeCursor) Decode(v interface{}) error { return decodeBSON(c.docs[c.idx-1], v) }
func (c *fakeCursor) Err() error                 { return nil }
func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (f *FakeStore) FindSorted(ctx context.Context, collection string, filter interface{}, field string, asc bool) (store.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	filterMap, err := toBSONMap(filter)
	if err != nil {
		return nil, err
	}

	var matched []bson.M
	for _, d := range f.docs[collection] {
		if matchesFilter(d, filterMap) {
			matched = append(matched, d)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := compare(matched[i][field], matched[j][field])
		if asc {
			return c < 0
		}
		return c > 0
	})
	return &fakeCursor{docs: matched}, nil
}

func (f *FakeStore) CollStats(ctx context.Context, collection string) (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	avg := f.avgObjSize[collection]
	if avg == 0 {
		avg = 64
	}
	return store.Stats{Count: int64(len(f.docs[collection])), AvgObjSize: avg}, nil
}

func (f *FakeStore) SplitVector(ctx context.Context, collection, field string, maxChunkSizeBytes int64) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.splitVectorUnsupported {
		return nil, store.ErrUnsupported
	}

	docs := append([]bson.M(nil), f.docs[collection]...)
	sort.SliceStable(docs, func(i, j int) bool { return compare(docs[i][field], docs[j][field]) < 0 })
	if len(docs) == 0 {
		return nil, nil
	}

	avg := f.avgObjSize[collection]
	if avg == 0 {
		avg = 64
	}
	// Like MongoDB's splitVector, place a split point about every half
	// of maxChunkSizeBytes.
	perChunk := maxChunkSizeBytes / (2 * avg)
	if perChunk < 1 {
		perChunk = 1
	}

	var keys []interface{}
	for i := perChunk; i < int64(len(docs)); i += perChunk {
		keys = append(keys, docs[i][field])
	}
	return keys, nil
}

func toBSONMap(v interface{}) (bson.M, error) {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeBSON(m bson.M, out interface{}) error {
	b, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, out)
}

func matchesOnFields(a, b bson.M, fields []string) bool {
	for _, fl := range fields {
		if compare(a[fl], b[fl]) != 0 {
			return false
		}
	}
	return true
}

func matchesFilter(doc, filter bson.M) bool {
	for k, v := range filter {
		if opMap, ok := v.(bson.M); ok && isOperatorMap(opMap) {
			for op, opv := range opMap {
				switch op {
				case "$gte":
					if compare(doc[k], opv) < 0 {
						return false
					}
				case "$lt":
					if compare(doc[k], opv) >= 0 {
						return false
					}
				default:
					return false
				}
			}
			continue
		}
		if compare(doc[k], v) != 0 {
			return false
		}
	}
	return true
}

func isOperatorMap(m bson.M) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func applyUpdate(doc bson.M, update interface{}) (bson.M, error) {
	upd, err := toBSONMap(update)
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	if set, ok := upd["$set"].(bson.M); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	return out, nil
}

func equalStrSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// compare orders two decoded BSON values. It supports the scalar types
// this domain's keys, timestamps and lease flag decode to; unsupported
// comparisons return 0 (treated as equal), which is acceptable for a
// test double.
func compare(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	switch x := a.(type) {
	case int32:
		y := toI64(b)
		return cmpI64(int64(x), y)
	case int64:
		return cmpI64(x, toI64(b))
	case float64:
		y, _ := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		y, _ := b.(string)
		return strings.Compare(x, y)
	case bool:
		y, _ := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case time.Time:
		return cmpTime(x, toTime(b))
	case primitive.DateTime:
		return cmpTime(x.Time(), toTime(b))
	default:
		return 0
	}
}

// toTime normalizes the two shapes a timestamp can take once it has
// round-tripped through bson.Marshal/Unmarshal into a bson.M: a native
// time.Time (when decoded straight into a typed struct field) or a
// primitive.DateTime (the driver's default decoding of a BSON UTC
// datetime into an empty interface, which is what every bson.M value
// in this fake store is).
func toTime(v interface{}) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case primitive.DateTime:
		return x.Time()
	default:
		return time.Time{}
	}
}

func cmpTime(x, y time.Time) int {
	switch {
	case x.Before(y):
		return -1
	case x.After(y):
		return 1
	default:
		return 0
	}
}

func toI64(v interface{}) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func cmpI64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
