// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package world defines the value types and host ports shared by every
// reclaimer component.
//
// Nothing in this package holds state. Regions and cells are plain
// coordinates, item stacks are immutable values with With* constructors,
// and the host engine is reached only through the TokenPort and Object
// interfaces that the integration layer implements.
package world

import "fmt"

// Region identifies a world partition such as a dimension.
type Region string

// CellPos is the coordinate of a chunk-sized cell inside a region.
type CellPos struct {
	X int32
	Z int32
}

// Cell is a shorthand constructor for CellPos.
func Cell(x, z int32) CellPos {
	return CellPos{X: x, Z: z}
}

// Chebyshev returns the chessboard distance between two cells.
func (c CellPos) Chebyshev(o CellPos) int {
	dx := absInt(int(c.X) - int(o.X))
	dz := absInt(int(c.Z) - int(o.Z))
	if dx > dz {
		return dx
	}
	return dz
}

// Key packs the coordinate into a single uint64.
func (c CellPos) Key() uint64 {
	return uint64(uint32(c.X))<<32 | uint64(uint32(c.Z))
}

// CellFromKey is the inverse of CellPos.Key.
func CellFromKey(k uint64) CellPos {
	return CellPos{X: int32(uint32(k >> 32)), Z: int32(uint32(k))}
}

func (c CellPos) String() string {
	return fmt.Sprintf("[%d, %d]", c.X, c.Z)
}

// CellRef names a cell together with its region.
type CellRef struct {
	Region Region
	Cell   CellPos
}

func (r CellRef) String() string {
	return fmt.Sprintf("%s%s", r.Region, r.Cell)
}

// Square calls fn for every cell within radius of center, nearest rings first.
// Iteration stops when fn returns false.
func Square(center CellPos, radius int, fn func(CellPos) bool) {
	if radius < 0 {
		return
	}
	if !fn(center) {
		return
	}
	for ring := 1; ring <= radius; ring++ {
		r := int32(ring)
		for dx := -r; dx <= r; dx++ {
			if !fn(CellPos{X: center.X + dx, Z: center.Z - r}) {
				return
			}
			if !fn(CellPos{X: center.X + dx, Z: center.Z + r}) {
				return
			}
		}
		for dz := -r + 1; dz <= r-1; dz++ {
			if !fn(CellPos{X: center.X - r, Z: center.Z + dz}) {
				return
			}
			if !fn(CellPos{X: center.X + r, Z: center.Z + dz}) {
				return
			}
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
