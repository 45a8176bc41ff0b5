// Licensed under the MIT License. See LICENSE file in the project root for details.

package world

import "sort"

// DefaultMaxStack is the stack size used when an item does not declare one.
const DefaultMaxStack = 64

// AnnotationKey is the tag a merge store writes onto stacks it holds.
// Signatures never include it, so annotated and fresh stacks still merge.
const AnnotationKey = "reclaimer:annotation"

// ItemStack is an immutable stack of identical items.
//
// Use the With* constructors to derive modified copies. The tag map is never
// mutated after construction and may be shared between copies.
type ItemStack struct {
	Type      string
	Count     int
	MaxStack  int // 0 means DefaultMaxStack
	Damage    int
	MaxDamage int // >0 when the item has durability
	tags      map[string]string
}

// EmptyStack is the zero stack occupying free slots.
var EmptyStack ItemStack

// NewItemStack creates a stack of count items of the given type.
func NewItemStack(typ string, count int) ItemStack {
	return ItemStack{Type: typ, Count: count}
}

// IsEmpty reports whether the stack holds nothing.
func (s ItemStack) IsEmpty() bool {
	return s.Type == "" || s.Count <= 0
}

// StackLimit returns the largest count a single stack of this item may hold.
func (s ItemStack) StackLimit() int {
	if s.MaxStack <= 0 {
		return DefaultMaxStack
	}
	return s.MaxStack
}

// HasDurability reports whether damage is part of the item's identity.
func (s ItemStack) HasDurability() bool {
	return s.MaxDamage > 0
}

// WithCount returns a copy holding n items.
func (s ItemStack) WithCount(n int) ItemStack {
	s.Count = n
	return s
}

// WithMaxStack returns a copy with an explicit stack limit.
func (s ItemStack) WithMaxStack(n int) ItemStack {
	s.MaxStack = n
	return s
}

// WithDamage returns a copy carrying the given durability state.
func (s ItemStack) WithDamage(damage, maxDamage int) ItemStack {
	s.Damage = damage
	s.MaxDamage = maxDamage
	return s
}

// WithTag returns a copy with key set to value.
func (s ItemStack) WithTag(key, value string) ItemStack {
	tags := make(map[string]string, len(s.tags)+1)
	for k, v := range s.tags {
		tags[k] = v
	}
	tags[key] = value
	s.tags = tags
	return s
}

// WithoutTag returns a copy with key removed.
func (s ItemStack) WithoutTag(key string) ItemStack {
	if _, ok := s.tags[key]; !ok {
		return s
	}
	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		if k != key {
			tags[k] = v
		}
	}
	s.tags = tags
	return s
}

// Tag returns the value stored under key.
func (s ItemStack) Tag(key string) (string, bool) {
	v, ok := s.tags[key]
	return v, ok
}

// TagKeys returns the tag keys in sorted order.
func (s ItemStack) TagKeys() []string {
	keys := make([]string, 0, len(s.tags))
	for k := range s.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
