// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package reclaimer tracks disposable world objects, collects them into
// bounded merge-indexed stores and manages which world cells keep their
// load guarantee.
//
// This is the main public API. It re-exports the types a host needs to
// integrate: the ports it implements, the configuration it supplies and the
// Reclaimer it drives.
//
// # Quick Start
//
//	import "github.com/kianostad/reclaimer"
//
//	r := reclaimer.New(myTokenPort, reclaimer.NewAtomicConfig(reclaimer.DefaultConfig()))
//	defer r.Close()
//
//	// each object tick
//	r.Hooks().Observe(candidate)
//	if r.Hooks().PollDiscard(candidate.Handle()) {
//		remove(candidate)
//	}
//
//	// each server tick
//	r.Tick(ctx, lastTickDuration)
//
// # Key Features
//
//   - Lock-free handle registry with per-cell overload detection
//   - Merge-indexed bounded stores with O(1) slot lookup per signature
//   - Residency state machine driving the host's load tokens
//   - Reverse-influence freezer for overloaded cells
//   - Hysteresis performance controller on a smoothed tick signal
//   - Asynchronous collection with tick-thread handoff
//
// # Host Ports
//
// The host implements TokenPort (and optionally SpatialTokenIndex) over its
// own load-token system, and exposes reclaimable objects as Object and
// Candidate values. All token calls are made from Tick, CollectNow and
// Manage.
package reclaimer

import (
	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/core"
	"github.com/kianostad/reclaimer/internal/residency"
	"github.com/kianostad/reclaimer/internal/world"
)

type (
	// Reclaimer is the root object a host drives
	Reclaimer = core.Reclaimer

	// Option configures a Reclaimer
	Option = core.Option

	// Hooks are the callbacks host objects call each tick
	Hooks = core.Hooks

	// Driver ticks a Reclaimer from its own goroutine
	Driver = core.Driver

	// CollectionResult reports one collection cycle
	CollectionResult = core.CollectionResult

	// RegionStats reports one region's part of a cycle
	RegionStats = core.RegionStats

	// TickReport describes what one Tick did
	TickReport = core.TickReport
)

type (
	// Config holds every threshold the reclaimer consults
	Config = config.Config

	// ConfigProvider supplies configuration on every use
	ConfigProvider = config.Provider

	// StaticConfig is a provider returning a fixed configuration
	StaticConfig = config.Static

	// AtomicConfig is a hot-reloadable provider
	AtomicConfig = config.Atomic
)

type (
	Region            = world.Region
	CellPos           = world.CellPos
	CellRef           = world.CellRef
	ItemStack         = world.ItemStack
	Handle            = world.Handle
	Kind              = world.Kind
	Object            = world.Object
	Candidate         = world.Candidate
	Token             = world.Token
	TokenKind         = world.TokenKind
	TokenPort         = world.TokenPort
	SpatialTokenIndex = world.SpatialTokenIndex
	Clock             = world.Clock
)

type (
	// ResidencyState is a cell's residency state
	ResidencyState = residency.State

	// ResidencyRecord is an immutable snapshot of a cell's residency
	ResidencyRecord = residency.Record
)

// Object kinds.
const (
	KindItem       = world.KindItem
	KindProjectile = world.KindProjectile
)

// Residency states.
const (
	Unmanaged         = residency.Unmanaged
	Managed           = residency.Managed
	ContentFrozen     = residency.ContentFrozen
	PerformanceFrozen = residency.PerformanceFrozen
)

// Sentinel errors.
var (
	ErrClosed            = core.ErrClosed
	ErrStale             = core.ErrStale
	ErrInvalidTransition = residency.ErrInvalidTransition
	ErrFrozen            = residency.ErrFrozen
	ErrInvalidConfig     = config.ErrInvalid
)

// New creates a Reclaimer driving port with configuration from provider.
func New(port TokenPort, provider ConfigProvider, opts ...Option) *Reclaimer {
	return core.New(port, provider, opts...)
}

// Re-exported options.
var (
	WithLogger  = core.WithLogger
	WithClock   = core.WithClock
	WithMetrics = core.WithMetrics
	WithWeight  = core.WithWeight
	WithBuckets = core.WithBuckets
)

// NewDriver creates a Driver ticking r every interval.
var NewDriver = core.NewDriver

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return config.Default()
}

// NewAtomicConfig creates a hot-reloadable provider holding cfg.
func NewAtomicConfig(cfg Config) *AtomicConfig {
	return config.NewAtomic(cfg)
}

// Cell returns the cell at the given coordinates.
func Cell(x, z int32) CellPos {
	return world.Cell(x, z)
}

// NewItemStack creates a stack of count items of the given type.
func NewItemStack(typ string, count int) ItemStack {
	return world.NewItemStack(typ, count)
}
