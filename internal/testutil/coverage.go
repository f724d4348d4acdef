// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package testutil

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Coverage tracks which of a fixed set of document indices a Process
// hook has observed, for asserting that every document is eventually
// processed at least once and that each key is visited, across
// scenario tests. A bitset is cheaper to
// mutate and intersect than a map[int]bool at that scale, and it makes
// "did we miss any" a single Len()-vs-Count() check instead of a full
// map walk.
type Coverage struct {
	mu   sync.Mutex
	seen *bitset.BitSet
	size uint
}

// NewCoverage returns a Coverage tracker over n document indices
// (0..n-1).
func NewCoverage(n int) *Coverage {
	return &Coverage{seen: bitset.New(uint(n)), size: uint(n)}
}

// Mark records that the document at index i was processed. It is safe
// to call concurrently and safe to call more than once for the same
// index (Process must tolerate duplicates, and so must this tracker).
func (c *Coverage) Mark(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Set(uint(i))
}

// Count returns how many distinct indices have been marked.
func (c *Coverage) Count() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Count()
}

// Missing returns the indices in [0, n) never marked, for a test
// failure message that names exactly what was missed rather than
// just a count mismatch.
func (c *Coverage) Missing() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []int
	for i := uint(0); i < c.size; i++ {
		if !c.seen.Test(i) {
			missing = append(missing, int(i))
		}
	}
	return missing
}

// Complete reports whether every index in [0, n) has been marked at
// least once.
func (c *Coverage) Complete() bool {
	return c.Count() == c.size
}

// String renders a short summary for test failure output.
func (c *Coverage) String() string {
	return fmt.Sprintf("coverage: %d/%d", c.Count(), c.size)
}
