// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package store narrows the document-store surface the coordination
// packages depend on to exactly what they need: conditional
// find-and-update, insert-unique, a sorted range cursor, and a
// stats/split-vector facility. Nothing above this package imports the
// driver directly; everything codes against the Adapter interface.
package store

import (
	"context"
	"errors"
)

// ErrDuplicateKey is returned by InsertUnique when a uniqueness
// constraint was violated. Callers treat this as "someone else already
// did it".
var ErrDuplicateKey = errors.New("store: duplicate key")

// ErrNotFound is returned by FindOneAndUpdate when filter matched no
// document.
var ErrNotFound = errors.New("store: not found")

// Stats is the result of the collection-statistics command.
type Stats struct {
	Count      int64
	AvgObjSize int64
}

// Cursor iterates a sorted range scan. Callers must call Close when
// done, even after an error from Next.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Adapter is the capability surface a store must provide. It is
// implemented by *MongoAdapter for a real deployment, and by an
// in-memory fake in the unit tests of worktable/lease/split/worker.
type Adapter interface {
	// EnsureUniqueIndex creates a uniqueness constraint over fields in
	// the given collection if it does not already exist.
	EnsureUniqueIndex(ctx context.Context, collection string, fields []string) error

	// InsertUnique inserts doc into collection. It returns
	// ErrDuplicateKey if a uniqueness constraint rejected the insert.
	InsertUnique(ctx context.Context, collection string, doc interface{}) error

	// FindOneAndUpdate atomically applies update to the single document
	// matched by filter and returns the post-update document decoded
	// into out. It returns ErrNotFound if filter matched nothing.
	FindOneAndUpdate(ctx context.Context, collection string, filter, update, out interface{}) error

	// ReplaceOne atomically replaces the single document matched by
	// filter with doc.
	ReplaceOne(ctx context.Context, collection string, filter, doc interface{}) error

	// FindSorted returns a cursor over documents matching filter,
	// ordered ascending (or descending, if asc is false) by field.
	FindSorted(ctx context.Context, collection string, filter interface{}, field string, asc bool) (Cursor, error)

	// CollStats returns count and average object size for collection.
	CollStats(ctx context.Context, collection string) (Stats, error)

	// SplitVector asks the store for evenly-sized chunk boundary keys
	// over field, for chunks of at most maxChunkSizeBytes; like
	// MongoDB's splitVector, a split point falls about every half of
	// maxChunkSizeBytes. It returns
	// ErrUnsupported if the deployment doesn't support the command
	// (e.g. a mongos router or most managed/serverless tiers).
	SplitVector(ctx context.Context, collection, field string, maxChunkSizeBytes int64) ([]interface{}, error)
}

// ErrUnsupported is returned by SplitVector when the store deployment
// doesn't support the splitVector command, so callers fall back to a
// full sorted key sample.
var ErrUnsupported = errors.New("store: command not supported by this deployment")
