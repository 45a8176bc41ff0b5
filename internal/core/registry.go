// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sort"
	"sync"

	"github.com/kianostad/reclaimer/internal/storage/index"
	"github.com/kianostad/reclaimer/internal/storage/loadindex"
	"github.com/kianostad/reclaimer/internal/world"
)

// DefaultBuckets is the per-region bucket count of the handle index.
const DefaultBuckets = 1024

// Registry is the concurrent set of reclaimable handles, partitioned by
// region. Every insert and removal keeps the cell load index in step.
//
// Register, Unregister and IsRegistered are lock-free and may be called from
// any goroutine. Sweep may race with them: a handle whose object died can
// survive one extra cycle, but a live registered handle is never dropped.
type Registry struct {
	regions sync.Map // world.Region -> *index.HandleIndex
	load    *loadindex.Index
	buckets uint64
}

// NewRegistry creates an empty registry. buckets must be a power of 2.
func NewRegistry(threshold int, buckets uint64) *Registry {
	if buckets == 0 {
		buckets = DefaultBuckets
	}
	return &Registry{
		load:    loadindex.New(threshold),
		buckets: buckets,
	}
}

func (r *Registry) region(region world.Region) *index.HandleIndex {
	if v, ok := r.regions.Load(region); ok {
		return v.(*index.HandleIndex)
	}
	v, _ := r.regions.LoadOrStore(region, index.NewHandleIndex(r.buckets))
	return v.(*index.HandleIndex)
}

// Register adds h. It is a no-op if h's identifier is already registered in
// its region and reports whether h was added.
func (r *Registry) Register(h world.Handle) bool {
	if !r.region(h.Region).Insert(h) {
		return false
	}
	r.load.Increment(h.Ref())
	return true
}

// Unregister removes h and reports whether it was present.
func (r *Registry) Unregister(h world.Handle) bool {
	v, ok := r.regions.Load(h.Region)
	if !ok {
		return false
	}
	removed, ok := v.(*index.HandleIndex).Remove(h.ID)
	if !ok {
		return false
	}
	r.load.Decrement(removed.Ref())
	return true
}

// IsRegistered reports whether h's identifier is registered in its region.
func (r *Registry) IsRegistered(h world.Handle) bool {
	v, ok := r.regions.Load(h.Region)
	if !ok {
		return false
	}
	return v.(*index.HandleIndex).Contains(h.ID)
}

// Snapshot returns a point-in-time copy of a region's handles.
func (r *Registry) Snapshot(region world.Region) []world.Handle {
	v, ok := r.regions.Load(region)
	if !ok {
		return nil
	}
	return v.(*index.HandleIndex).Snapshot()
}

// Sweep removes handles whose object is no longer alive and returns how
// many it removed.
func (r *Registry) Sweep(region world.Region) int {
	v, ok := r.regions.Load(region)
	if !ok {
		return 0
	}
	idx := v.(*index.HandleIndex)
	removed := idx.RemoveIf(func(h world.Handle) bool { return !h.Valid() })
	for _, h := range removed {
		r.load.Decrement(h.Ref())
	}
	idx.Compact()
	return len(removed)
}

// Len returns the number of registered handles across all regions.
func (r *Registry) Len() int {
	n := 0
	r.regions.Range(func(_, v any) bool {
		n += v.(*index.HandleIndex).Len()
		return true
	})
	return n
}

// RegionLen returns the number of handles registered in region.
func (r *Registry) RegionLen(region world.Region) int {
	v, ok := r.regions.Load(region)
	if !ok {
		return 0
	}
	return v.(*index.HandleIndex).Len()
}

// Empty reports whether no handle is registered.
func (r *Registry) Empty() bool {
	empty := true
	r.regions.Range(func(_, v any) bool {
		empty = v.(*index.HandleIndex).Len() == 0
		return empty
	})
	return empty
}

// Regions returns every region that has ever held a handle, sorted.
func (r *Registry) Regions() []world.Region {
	var out []world.Region
	r.regions.Range(func(k, _ any) bool {
		out = append(out, k.(world.Region))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Load returns the cell load index maintained by the registry.
func (r *Registry) Load() *loadindex.Index {
	return r.load
}
