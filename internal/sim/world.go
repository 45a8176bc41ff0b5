// Licensed under the MIT License. See LICENSE file in the project root for details.

package sim

import (
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/reclaimer/internal/world"
)

// Entity is a simulated world object. It implements world.Object and
// world.Candidate.
type Entity struct {
	id      uint64
	region  world.Region
	cell    world.CellPos
	kind    world.Kind
	stack   world.ItemStack
	typeKey string
	born    time.Time
	clock   world.Clock
	alive   atomic.Bool
}

// Alive implements world.Object.
func (e *Entity) Alive() bool { return e.alive.Load() }

// Kind implements world.Object.
func (e *Entity) Kind() world.Kind { return e.kind }

// Item implements world.Object.
func (e *Entity) Item() (world.ItemStack, bool) {
	if e.kind != world.KindItem {
		return world.EmptyStack, false
	}
	return e.stack, true
}

// Kill removes the entity from the world.
func (e *Entity) Kill() { e.alive.Store(false) }

// ID returns the entity's identifier.
func (e *Entity) ID() uint64 { return e.id }

// Handle implements world.Candidate.
func (e *Entity) Handle() world.Handle {
	return world.Handle{ID: e.id, Region: e.region, Cell: e.cell, Object: e}
}

// Age implements world.Candidate.
func (e *Entity) Age() time.Duration { return e.clock.Now().Sub(e.born) }

// TypeKey implements world.Candidate.
func (e *Entity) TypeKey() string { return e.typeKey }

// ItemTypes are the item kinds SpawnRandom chooses from.
var ItemTypes = []string{"cobblestone", "dirt", "sand", "rotten_flesh", "bone", "string", "arrow"}

// World holds simulated entities, tokens and time.
type World struct {
	Tokens *TokenTable
	Clock  *ManualClock

	mu       sync.Mutex
	entities map[uint64]*Entity
	rng      *rand.Rand
	nextID   atomic.Uint64
}

// NewWorld creates an empty world whose random choices derive from seed.
func NewWorld(seed uint64) *World {
	return &World{
		Tokens:   NewTokenTable(),
		Clock:    NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		entities: make(map[uint64]*Entity),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Spawn adds an entity. Item entities carry stack.
func (w *World) Spawn(region world.Region, cell world.CellPos, kind world.Kind, stack world.ItemStack) *Entity {
	typeKey := "projectile"
	if kind == world.KindItem {
		typeKey = stack.Type
	}
	e := &Entity{
		id:      w.nextID.Add(1),
		region:  region,
		cell:    cell,
		kind:    kind,
		stack:   stack,
		typeKey: typeKey,
		born:    w.Clock.Now(),
		clock:   w.Clock,
	}
	e.alive.Store(true)

	w.mu.Lock()
	w.entities[e.id] = e
	w.mu.Unlock()
	return e
}

// SpawnRandom adds n entities spread over regions and a square of cells of
// the given radius around the origin. One in eight is a projectile.
func (w *World) SpawnRandom(n int, regions []world.Region, radius int) []*Entity {
	out := make([]*Entity, 0, n)
	for i := 0; i < n; i++ {
		w.mu.Lock()
		region := regions[w.rng.IntN(len(regions))]
		cell := world.Cell(int32(w.rng.IntN(2*radius+1)-radius), int32(w.rng.IntN(2*radius+1)-radius))
		projectile := w.rng.IntN(8) == 0
		typ := ItemTypes[w.rng.IntN(len(ItemTypes))]
		count := 1 + w.rng.IntN(32)
		w.mu.Unlock()

		if projectile {
			out = append(out, w.Spawn(region, cell, world.KindProjectile, world.EmptyStack))
			continue
		}
		out = append(out, w.Spawn(region, cell, world.KindItem, world.NewItemStack(typ, count)))
	}
	return out
}

// Entities returns the live entities ordered by identifier.
func (w *World) Entities() []*Entity {
	w.mu.Lock()
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		if e.Alive() {
			out = append(out, e)
		}
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Reap forgets dead entities and returns how many were dropped.
func (w *World) Reap() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, e := range w.entities {
		if !e.Alive() {
			delete(w.entities, id)
			n++
		}
	}
	return n
}

// Alive returns the number of live entities.
func (w *World) Alive() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entities {
		if e.Alive() {
			n++
		}
	}
	return n
}
