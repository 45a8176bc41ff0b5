// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import "github.com/kianostad/reclaimer/internal/world"

// Iterator walks the live handles of a HandleIndex bucket by bucket.
// It never blocks writers and may miss handles inserted after it passed
// their bucket.
type Iterator struct {
	index     *HandleIndex
	bucketIdx uint64
	node      *node
	started   bool
}

// NewIterator creates an iterator positioned before the first handle.
func (h *HandleIndex) NewIterator() *Iterator {
	return &Iterator{index: h}
}

// Next advances to the next live handle.
func (it *Iterator) Next() bool {
	for {
		if it.node != nil {
			it.node = it.node.next.Load()
		} else if !it.started {
			it.started = true
			it.node = it.index.buckets[0].Load()
		} else {
			it.bucketIdx++
			if it.bucketIdx >= it.index.size {
				return false
			}
			it.node = it.index.buckets[it.bucketIdx].Load()
		}

		for it.node != nil && it.node.removed.Load() {
			it.node = it.node.next.Load()
		}
		if it.node != nil {
			return true
		}
	}
}

// Handle returns the current handle.
func (it *Iterator) Handle() world.Handle {
	if it.node == nil {
		return world.Handle{}
	}
	return it.node.handle
}

// Reset rewinds the iterator.
func (it *Iterator) Reset() {
	it.bucketIdx = 0
	it.node = nil
	it.started = false
}

// Snapshot returns a point-in-time copy of the live handles.
func (h *HandleIndex) Snapshot() []world.Handle {
	out := make([]world.Handle, 0, h.Len())
	for it := h.NewIterator(); it.Next(); {
		out = append(out, it.Handle())
	}
	return out
}
