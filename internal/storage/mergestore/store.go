// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mergestore provides fixed-capacity item storage with an inverse
// index from item signature to slot indices.
//
// Every slot index is listed under exactly one signature at all times, with
// free slots listed under Empty. Finding a free slot or a partially filled
// slot of the same kind is a map lookup, not a scan.
//
// # Slot Order
//
// PlaceInEmpty pops from the tail of the free list. A fresh store lists its
// slots in ascending order, so it fills from the highest index downward; a
// slot freed by Set is reused before untouched ones.
//
// # Thread Safety
//
// A Store is not safe for concurrent use. The collection cycle owns stores on
// the tick thread and hands out copies through Contents.
package mergestore

import (
	"github.com/kianostad/reclaimer/internal/world"
)

// Store is a bounded multi-slot item container.
type Store struct {
	slots      []world.ItemStack
	index      map[Signature][]int
	pos        []int // position of each slot within its signature list
	limit      int
	annotation string
}

// New creates a store with capacity slots and the given per-signature merge
// limit. A non-empty annotation is written onto every stack the store holds.
func New(capacity, limit int, annotation string) *Store {
	if capacity < 0 {
		capacity = 0
	}
	s := &Store{
		slots:      make([]world.ItemStack, capacity),
		index:      make(map[Signature][]int),
		pos:        make([]int, capacity),
		limit:      limit,
		annotation: annotation,
	}
	s.resetIndex()
	return s
}

func (s *Store) resetIndex() {
	clear(s.index)
	free := make([]int, len(s.slots))
	for i := range free {
		free[i] = i
		s.pos[i] = i
	}
	if len(free) > 0 {
		s.index[Empty] = free
	}
}

// Capacity returns the fixed slot count.
func (s *Store) Capacity() int {
	return len(s.slots)
}

// FreeSlots returns the number of empty slots.
func (s *Store) FreeSlots() int {
	return len(s.index[Empty])
}

// Clear empties every slot.
func (s *Store) Clear() {
	clear(s.slots)
	s.resetIndex()
}

// Get returns the stack in slot.
func (s *Store) Get(slot int) world.ItemStack {
	if slot < 0 || slot >= len(s.slots) {
		return world.EmptyStack
	}
	return s.slots[slot]
}

// Contents returns a copy of every slot.
func (s *Store) Contents() []world.ItemStack {
	out := make([]world.ItemStack, len(s.slots))
	copy(out, s.slots)
	return out
}

// Total returns the sum of counts across all slots.
func (s *Store) Total() int {
	n := 0
	for _, st := range s.slots {
		if !st.IsEmpty() {
			n += st.Count
		}
	}
	return n
}

// Set installs stack in slot and moves the slot to its new signature list.
// Out-of-range slots are ignored.
func (s *Store) Set(slot int, stack world.ItemStack) {
	if slot < 0 || slot >= len(s.slots) {
		return
	}
	s.unlist(SignatureOf(s.slots[slot]), slot)
	if stack.IsEmpty() {
		stack = world.EmptyStack
	} else if s.annotation != "" {
		stack = stack.WithTag(world.AnnotationKey, s.annotation)
	}
	s.slots[slot] = stack
	s.list(SignatureOf(stack), slot)
}

func (s *Store) list(sig Signature, slot int) {
	s.pos[slot] = len(s.index[sig])
	s.index[sig] = append(s.index[sig], slot)
}

// unlist removes slot from sig's list by swapping in the list's tail.
func (s *Store) unlist(sig Signature, slot int) {
	l := s.index[sig]
	i := s.pos[slot]
	last := len(l) - 1
	if i != last {
		l[i] = l[last]
		s.pos[l[i]] = i
	}
	l = l[:last]
	if len(l) == 0 {
		delete(s.index, sig)
	} else {
		s.index[sig] = l
	}
}

// Add stores as much of stack as fits and reports whether all of it did.
// Empty stacks are ignored and report true.
func (s *Store) Add(stack world.ItemStack) bool {
	return s.AddPartial(stack).IsEmpty()
}

// AddPartial stores as much of stack as fits and returns the remainder.
func (s *Store) AddPartial(stack world.ItemStack) world.ItemStack {
	if stack.IsEmpty() {
		return world.EmptyStack
	}
	stack = s.MergeIntoExisting(stack)
	for !stack.IsEmpty() {
		var ok bool
		if stack, ok = s.PlaceInEmpty(stack); !ok {
			break
		}
	}
	if stack.IsEmpty() {
		return world.EmptyStack
	}
	return stack
}

// MergeIntoExisting tops up slots holding the same signature and returns the
// remainder.
func (s *Store) MergeIntoExisting(stack world.ItemStack) world.ItemStack {
	if stack.IsEmpty() {
		return world.EmptyStack
	}
	per := capFor(stack, s.limit)
	for _, slot := range s.index[SignatureOf(stack)] {
		cur := s.slots[slot]
		room := per - cur.Count
		if room <= 0 {
			continue
		}
		n := min(room, stack.Count)
		// Same signature, so the slot list is unchanged.
		s.slots[slot] = cur.WithCount(cur.Count + n)
		stack = stack.WithCount(stack.Count - n)
		if stack.Count == 0 {
			return world.EmptyStack
		}
	}
	return stack
}

// PlaceInEmpty puts up to one full stack into a free slot and returns the
// remainder. It reports false when no slot is free.
func (s *Store) PlaceInEmpty(stack world.ItemStack) (world.ItemStack, bool) {
	if stack.IsEmpty() {
		return world.EmptyStack, true
	}
	free := s.index[Empty]
	if len(free) == 0 {
		return stack, false
	}
	slot := free[len(free)-1]
	n := min(stack.Count, capFor(stack, s.limit))
	s.Set(slot, stack.WithCount(n))
	return stack.WithCount(stack.Count - n), true
}

// Slots returns the slot indices listed under sig.
func (s *Store) Slots(sig Signature) []int {
	return append([]int(nil), s.index[sig]...)
}
