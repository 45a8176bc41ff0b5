// Licensed under the MIT License. See LICENSE file in the project root for details.

package mergestore

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/kianostad/reclaimer/internal/world"
)

// Signature identifies stacks that may merge. The zero Signature is reserved
// for empty slots.
type Signature struct {
	Type      string
	TagHash   uint64
	Damage    int
	HasDamage bool
}

// Empty is the signature of a free slot.
var Empty Signature

// SignatureOf derives the merge identity of a stack: its type, a hash of its
// tags except world.AnnotationKey, and its damage when it has durability.
func SignatureOf(s world.ItemStack) Signature {
	if s.IsEmpty() {
		return Empty
	}
	sig := Signature{Type: s.Type}
	if s.HasDurability() {
		sig.Damage = s.Damage
		sig.HasDamage = true
	}

	keys := s.TagKeys()
	if len(keys) == 0 {
		return sig
	}
	d := xxhash.New()
	hashed := 0
	for _, k := range keys {
		if k == world.AnnotationKey {
			continue
		}
		v, _ := s.Tag(k)
		_, _ = d.WriteString(strconv.Itoa(len(k)))
		_, _ = d.WriteString(k)
		_, _ = d.WriteString(strconv.Itoa(len(v)))
		_, _ = d.WriteString(v)
		hashed++
	}
	if hashed > 0 {
		sig.TagHash = d.Sum64()
	}
	return sig
}

// Combine merges stacks with equal signatures, capping each output stack at
// the smaller of limit and the item's own stack limit. Output order follows
// the first appearance of each signature. The result uses the minimum number
// of stacks for each signature.
func Combine(stacks []world.ItemStack, limit int) []world.ItemStack {
	type group struct {
		proto world.ItemStack
		total int
	}
	order := make([]Signature, 0, len(stacks))
	groups := make(map[Signature]*group, len(stacks))
	for _, s := range stacks {
		if s.IsEmpty() {
			continue
		}
		sig := SignatureOf(s)
		g, ok := groups[sig]
		if !ok {
			g = &group{proto: s}
			groups[sig] = g
			order = append(order, sig)
		}
		g.total += s.Count
	}

	var out []world.ItemStack
	for _, sig := range order {
		g := groups[sig]
		per := capFor(g.proto, limit)
		for g.total > 0 {
			n := min(g.total, per)
			out = append(out, g.proto.WithCount(n))
			g.total -= n
		}
	}
	return out
}

// capFor is the per-signature count limit.
func capFor(s world.ItemStack, limit int) int {
	c := s.StackLimit()
	if limit > 0 && limit < c {
		c = limit
	}
	return c
}
