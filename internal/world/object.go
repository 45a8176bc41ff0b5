// Licensed under the MIT License. See LICENSE file in the project root for details.

package world

import "time"

// Kind classifies a reclaimable object.
type Kind uint8

const (
	// KindItem is a dropped stackable item whose contents are kept on collection.
	KindItem Kind = iota
	// KindProjectile covers arrows, tridents and other projectile-like entities.
	KindProjectile
)

func (k Kind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindProjectile:
		return "projectile"
	default:
		return "unknown"
	}
}

// Object is the host's live world object. The reclaimer never owns it.
type Object interface {
	// Alive reports whether the object still exists in the world.
	Alive() bool
	// Kind classifies the object.
	Kind() Kind
	// Item returns the carried stack for KindItem objects.
	Item() (ItemStack, bool)
}

// Handle is a non-owning reference to a reclaimable object.
type Handle struct {
	ID     uint64
	Region Region
	Cell   CellPos
	Object Object
}

// Ref returns the handle's cell reference.
func (h Handle) Ref() CellRef {
	return CellRef{Region: h.Region, Cell: h.Cell}
}

// Valid reports whether the backing object is still alive.
func (h Handle) Valid() bool {
	return h.Object != nil && h.Object.Alive()
}

// Candidate is what a reclaimable-candidate object exposes to the eligibility
// hook on each of its ticks.
type Candidate interface {
	Handle() Handle
	// Age is the time the object has existed in the world.
	Age() time.Duration
	// TypeKey is matched against the allow and deny lists.
	TypeKey() string
}

// Clock supplies the current time. Tests use a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
