// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides the lock-free handle index behind the report registry.
//
// HandleIndex is a fixed-size hash table of singly linked bucket chains keyed
// by a handle's stable identifier. Insertions publish a new chain head with
// CAS; removals only flip a tombstone flag on the node, so neither ever
// blocks the other or a concurrent reader.
//
// # Key Features
//
//   - Lock-free Insert, Remove, Contains and iteration
//   - Idempotent insertion: at most one live node per identifier
//   - Tombstoned nodes are physically unlinked by Compact, which is the only
//     writer of interior next pointers
//   - Live count maintained atomically
//
// # Usage Examples
//
//	idx := index.NewHandleIndex(1024)
//
//	if idx.Insert(handle) {
//	    // first registration of handle.ID
//	}
//	removed, ok := idx.Remove(handle.ID)
//
//	for it := idx.NewIterator(); it.Next(); {
//	    h := it.Handle()
//	    _ = h
//	}
//
//	idx.Compact()
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **Stale Reads**: Iteration may observe a node that is removed a moment later.
//   - **Memory**: Removed nodes stay in their chain until Compact runs.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/reclaimer/internal/world"
)

type node struct {
	handle  world.Handle
	removed atomic.Bool
	next    atomic.Pointer[node]
}

// HandleIndex is a lock-free set of handles keyed by identifier.
type HandleIndex struct {
	buckets []atomic.Pointer[node]
	size    uint64
	mask    uint64
	live    atomic.Int64
	compact sync.Mutex // serializes physical unlinking
}

// NewHandleIndex creates an index with size buckets.
func NewHandleIndex(size uint64) *HandleIndex {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}

	return &HandleIndex{
		buckets: make([]atomic.Pointer[node], size),
		size:    size,
		mask:    size - 1,
	}
}

// hash spreads sequential identifiers across buckets.
func (h *HandleIndex) hash(id uint64) uint64 {
	id ^= id >> 33
	id *= 0xff51afd7ed558ccd
	id ^= id >> 33
	id *= 0xc4ceb9fe1a85ec53
	id ^= id >> 33
	return id & h.mask
}

// findLive returns the live node for id in the chain starting at head.
func findLive(head *node, id uint64) *node {
	for n := head; n != nil; n = n.next.Load() {
		if n.handle.ID == id && !n.removed.Load() {
			return n
		}
	}
	return nil
}

// Insert adds handle if no live node holds its identifier.
// It returns true only when this call inserted the handle.
func (h *HandleIndex) Insert(handle world.Handle) bool {
	bucket := &h.buckets[h.hash(handle.ID)]
	newNode := &node{handle: handle}

	for {
		head := bucket.Load()
		if findLive(head, handle.ID) != nil {
			return false
		}
		// The scan above covered the exact head we publish over, so a
		// successful CAS proves no concurrent insert of the same id.
		newNode.next.Store(head)
		if bucket.CompareAndSwap(head, newNode) {
			h.live.Add(1)
			return true
		}
	}
}

// Remove tombstones the live node for id and returns its handle.
func (h *HandleIndex) Remove(id uint64) (world.Handle, bool) {
	bucket := &h.buckets[h.hash(id)]
	for n := bucket.Load(); n != nil; n = n.next.Load() {
		if n.handle.ID != id {
			continue
		}
		if n.removed.CompareAndSwap(false, true) {
			h.live.Add(-1)
			return n.handle, true
		}
	}
	return world.Handle{}, false
}

// Get returns the live handle for id.
func (h *HandleIndex) Get(id uint64) (world.Handle, bool) {
	if n := findLive(h.buckets[h.hash(id)].Load(), id); n != nil {
		return n.handle, true
	}
	return world.Handle{}, false
}

// Contains reports whether a live node holds id.
func (h *HandleIndex) Contains(id uint64) bool {
	return findLive(h.buckets[h.hash(id)].Load(), id) != nil
}

// Len returns the number of live handles.
func (h *HandleIndex) Len() int {
	return int(h.live.Load())
}

// RemoveIf tombstones every live handle matching pred and returns the handles
// this call removed. Handles inserted concurrently may or may not be visited.
func (h *HandleIndex) RemoveIf(pred func(world.Handle) bool) []world.Handle {
	var removed []world.Handle
	for i := range h.buckets {
		for n := h.buckets[i].Load(); n != nil; n = n.next.Load() {
			if n.removed.Load() || !pred(n.handle) {
				continue
			}
			if n.removed.CompareAndSwap(false, true) {
				h.live.Add(-1)
				removed = append(removed, n.handle)
			}
		}
	}
	return removed
}

// Compact unlinks tombstoned nodes and returns how many were unlinked.
func (h *HandleIndex) Compact() int {
	h.compact.Lock()
	defer h.compact.Unlock()

	unlinked := 0
	for i := range h.buckets {
		unlinked += h.compactBucket(&h.buckets[i])
	}
	return unlinked
}

func (h *HandleIndex) compactBucket(bucket *atomic.Pointer[node]) int {
	unlinked := 0
	for {
		n, done := unlinkPass(bucket)
		unlinked += n
		if done {
			return unlinked
		}
	}
}

// unlinkPass removes tombstoned nodes from one chain. It reports done=false
// when a concurrent insert moved the head and the pass must be repeated.
func unlinkPass(bucket *atomic.Pointer[node]) (int, bool) {
	unlinked := 0
	var prev *node
	for n := bucket.Load(); n != nil; {
		next := n.next.Load()
		if !n.removed.Load() {
			prev = n
			n = next
			continue
		}
		if prev == nil {
			if !bucket.CompareAndSwap(n, next) {
				return unlinked, false
			}
		} else {
			prev.next.Store(next)
		}
		unlinked++
		n = next
	}
	return unlinked, true
}

// Size returns the number of buckets in the index.
func (h *HandleIndex) Size() uint64 {
	return h.size
}

// BucketCount returns the number of nodes, live or not, in a bucket (for debugging).
func (h *HandleIndex) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= h.size {
		return 0
	}

	count := 0
	for n := h.buckets[bucketIdx].Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
