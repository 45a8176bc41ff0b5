// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package loadindex maintains per-cell counts of registered reclaimable
// handles and the set of cells whose count has reached the overload
// threshold.
//
// # Key Features
//
//   - Lock-free counter updates; one cache line per counter
//   - O(1) overloaded-set maintenance on every increment and decrement
//   - Threshold changes re-evaluate every known cell once
//
// # Consistency
//
// Counters are updated atomically and set membership is re-derived from the
// counter's current value under a per-cell mutex after every change. Once
// concurrent writers quiesce, a cell is in the overloaded set exactly when its
// count is at or above the threshold.
package loadindex

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kianostad/reclaimer/internal/world"
)

// counter is one cell's live handle count.
type counter struct {
	_       cpu.CacheLinePad
	count   atomic.Int64
	mu      sync.Mutex // guards flagged and set membership
	flagged bool
	_       cpu.CacheLinePad
}

// regionCells holds the counters of one region.
type regionCells struct {
	cells      sync.Map // uint64 cell key -> *counter
	overloaded sync.Map // uint64 cell key -> struct{}
	flagged    atomic.Int64
}

// Index tracks handle counts per (region, cell).
type Index struct {
	regions   sync.Map // world.Region -> *regionCells
	threshold atomic.Int64
	rethresh  sync.Mutex
}

// New creates an index with the given overload threshold.
func New(threshold int) *Index {
	idx := &Index{}
	if threshold <= 0 {
		threshold = 1
	}
	idx.threshold.Store(int64(threshold))
	return idx
}

func (idx *Index) region(r world.Region) *regionCells {
	if v, ok := idx.regions.Load(r); ok {
		return v.(*regionCells)
	}
	v, _ := idx.regions.LoadOrStore(r, &regionCells{})
	return v.(*regionCells)
}

func (rc *regionCells) counter(cell world.CellPos) *counter {
	key := cell.Key()
	if v, ok := rc.cells.Load(key); ok {
		return v.(*counter)
	}
	v, _ := rc.cells.LoadOrStore(key, &counter{})
	return v.(*counter)
}

// Increment records one more handle in the cell and returns the new count.
func (idx *Index) Increment(ref world.CellRef) int {
	rc := idx.region(ref.Region)
	c := rc.counter(ref.Cell)
	n := c.count.Add(1)
	idx.reflag(rc, ref.Cell.Key(), c)
	return int(n)
}

// Decrement records one fewer handle in the cell and returns the new count.
func (idx *Index) Decrement(ref world.CellRef) int {
	rc := idx.region(ref.Region)
	c := rc.counter(ref.Cell)
	n := c.count.Add(-1)
	idx.reflag(rc, ref.Cell.Key(), c)
	return int(n)
}

// reflag re-derives the cell's overloaded membership from its current count.
func (idx *Index) reflag(rc *regionCells, key uint64, c *counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := c.count.Load() >= idx.threshold.Load()
	if want == c.flagged {
		return
	}
	c.flagged = want
	if want {
		rc.overloaded.Store(key, struct{}{})
		rc.flagged.Add(1)
	} else {
		rc.overloaded.Delete(key)
		rc.flagged.Add(-1)
	}
}

// Count returns the number of handles registered in the cell.
func (idx *Index) Count(ref world.CellRef) int {
	v, ok := idx.regions.Load(ref.Region)
	if !ok {
		return 0
	}
	c, ok := v.(*regionCells).cells.Load(ref.Cell.Key())
	if !ok {
		return 0
	}
	return int(c.(*counter).count.Load())
}

// IsOverloaded reports whether the cell is in the overloaded set.
func (idx *Index) IsOverloaded(ref world.CellRef) bool {
	v, ok := idx.regions.Load(ref.Region)
	if !ok {
		return false
	}
	_, ok = v.(*regionCells).overloaded.Load(ref.Cell.Key())
	return ok
}

// Overloaded returns the overloaded cells of a region.
func (idx *Index) Overloaded(r world.Region) []world.CellPos {
	v, ok := idx.regions.Load(r)
	if !ok {
		return nil
	}
	rc := v.(*regionCells)
	out := make([]world.CellPos, 0, rc.flagged.Load())
	rc.overloaded.Range(func(k, _ any) bool {
		out = append(out, world.CellFromKey(k.(uint64)))
		return true
	})
	return out
}

// OverloadedCount returns the size of a region's overloaded set.
func (idx *Index) OverloadedCount(r world.Region) int {
	v, ok := idx.regions.Load(r)
	if !ok {
		return 0
	}
	return int(v.(*regionCells).flagged.Load())
}

// Threshold returns the active overload threshold.
func (idx *Index) Threshold() int {
	return int(idx.threshold.Load())
}

// SetThreshold changes the overload threshold and re-evaluates every cell.
// It is a no-op when the threshold is unchanged.
func (idx *Index) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = 1
	}
	idx.rethresh.Lock()
	defer idx.rethresh.Unlock()
	if idx.threshold.Swap(int64(threshold)) == int64(threshold) {
		return
	}
	idx.regions.Range(func(_, v any) bool {
		rc := v.(*regionCells)
		rc.cells.Range(func(k, c any) bool {
			idx.reflag(rc, k.(uint64), c.(*counter))
			return true
		})
		return true
	})
}

// Regions lists every region that has ever held a counter.
func (idx *Index) Regions() []world.Region {
	var out []world.Region
	idx.regions.Range(func(k, _ any) bool {
		out = append(out, k.(world.Region))
		return true
	})
	return out
}
