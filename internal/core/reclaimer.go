// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core ties the reclaimer together: the handle registry, the
// deletion signal, collection cycles and the tick-thread entry points.
//
// A host integrates by calling Hooks().Observe from each candidate object's
// tick, Hooks().PollDiscard from each registered object's tick, and Tick
// once per server tick (or running a Driver). Token operations and store
// writes only ever happen inside Tick, CollectNow and Manage, which are
// serialised against each other.
//
// # Usage Examples
//
//	r := core.New(tokenPort, config.NewAtomic(config.Default()),
//		core.WithLogger(logger))
//	defer r.Close()
//
//	// from each object's tick, on any goroutine
//	r.Hooks().Observe(candidate)
//	if r.Hooks().PollDiscard(handle) {
//		object.Remove()
//	}
//
//	// from the server tick loop
//	report, _ := r.Tick(ctx, lastTickDuration)
//
//	// from an admin command
//	result, err := r.CollectNow(ctx)
//
// # Dangers and Warnings
//
//   - **Tick Thread**: The token port is only called from Tick, CollectNow and
//     Manage. Hosts whose token system is bound to one thread must call these
//     from that thread.
//   - **Async Collection**: CollectAsync results are applied by the next Tick.
//     Without ticks they are never applied.
//   - **Close**: Close must be called to release the metrics goroutine and
//     wait for in-flight asynchronous cycles.
package core

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/reclaimer/internal/concurrency/epoch"
	"github.com/kianostad/reclaimer/internal/concurrency/handoff"
	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/monitoring/metrics"
	"github.com/kianostad/reclaimer/internal/residency"
	"github.com/kianostad/reclaimer/internal/storage/mergestore"
	"github.com/kianostad/reclaimer/internal/world"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kianostad/reclaimer/internal/core"

// ErrClosed is returned by operations on a closed Reclaimer.
var ErrClosed = errors.New("reclaimer is closed")

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reclaimer) { r.logger = l }
}

// WithClock sets the clock used for freeze expiry, the deletion signal and
// scheduling.
func WithClock(c world.Clock) Option {
	return func(r *Reclaimer) { r.clock = c }
}

// WithMetrics shares an existing metrics instance. The caller keeps
// ownership and must close it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reclaimer) { r.metrics = m }
}

// WithWeight overrides the load weight used by the performance controller.
// The default weight is the cell's registered handle count.
func WithWeight(w residency.Weigher) Option {
	return func(r *Reclaimer) { r.weight = w }
}

// WithBuckets sets the per-region bucket count of the handle index. It
// must be a power of 2.
func WithBuckets(n uint64) Option {
	return func(r *Reclaimer) { r.buckets = n }
}

// storeShape is the configuration a region's stores were built with.
type storeShape struct {
	capacity   int
	limit      int
	annotation string
}

// Reclaimer is the root object. Create one per server with New.
type Reclaimer struct {
	provider config.Provider
	port     world.TokenPort
	clock    world.Clock
	logger   zerolog.Logger
	tracer   trace.Tracer
	buckets  uint64
	weight   residency.Weigher

	cfg        atomic.Pointer[config.Config]
	registry   *Registry
	signal     *DeletionSignal
	residency  *residency.Store
	freezer    *residency.Freezer
	controller *residency.Controller
	metrics    *metrics.Metrics
	ownMetrics bool
	epochs     *epoch.Manager
	handoff    *handoff.Queue

	// tickMu serialises every operation that touches the token port or the
	// stores' contents.
	tickMu      sync.Mutex
	lastControl time.Time
	lastCollect time.Time

	storesMu sync.RWMutex
	stores   map[world.Region][]*mergestore.Store
	shape    storeShape

	// lifeMu orders workers.Add against the closed flag.
	lifeMu  sync.Mutex
	workers sync.WaitGroup
	closed  atomic.Bool
}

// New creates a Reclaimer driving port with configuration from provider.
func New(port world.TokenPort, provider config.Provider, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		provider: provider,
		port:     port,
		clock:    world.SystemClock{},
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		stores:   make(map[world.Region][]*mergestore.Store),
		epochs:   epoch.NewManager(),
		handoff:  handoff.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewMetrics()
		r.ownMetrics = true
	}

	cfg := config.Resolve(provider, r.logger)
	r.cfg.Store(&cfg)
	r.registry = NewRegistry(cfg.OverloadThreshold, r.buckets)
	if r.weight == nil {
		load := r.registry.Load()
		r.weight = func(ref world.CellRef) int { return load.Count(ref) }
	}
	r.signal = NewDeletionSignal(r.clock, func() bool { return !r.registry.Empty() })
	r.residency = residency.NewStore(port,
		residency.WithLogger(r.logger.With().Str("component", "residency").Logger()),
		residency.WithClock(r.clock))
	r.residency.SetVerbose(cfg.Verbose)
	r.freezer = residency.NewFreezer(r.residency, r.logger.With().Str("component", "freezer").Logger())
	r.controller = residency.NewController(r.residency, r.metrics, r.weight,
		r.logger.With().Str("component", "controller").Logger())

	now := r.clock.Now()
	r.lastControl = now
	r.lastCollect = now
	return r
}

// config returns the configuration resolved by the last refresh.
func (r *Reclaimer) config() config.Config {
	return *r.cfg.Load()
}

// refresh re-reads the provider and pushes threshold changes to the
// components that cache them.
func (r *Reclaimer) refresh() config.Config {
	cfg := config.Resolve(r.provider, r.logger)
	r.cfg.Store(&cfg)
	if r.registry.Load().Threshold() != cfg.OverloadThreshold {
		r.registry.Load().SetThreshold(cfg.OverloadThreshold)
	}
	r.residency.SetVerbose(cfg.Verbose)
	return cfg
}

// debug returns a debug event when verbose diagnostics are enabled.
func (r *Reclaimer) debug(cfg config.Config) *zerolog.Event {
	if !cfg.Verbose {
		return nil
	}
	return r.logger.Debug()
}

// Config returns the configuration currently in effect.
func (r *Reclaimer) Config() config.Config {
	return r.config()
}

// Hooks returns the callbacks host objects call each tick.
func (r *Reclaimer) Hooks() Hooks {
	return Hooks{r: r}
}

// Registry returns the handle registry.
func (r *Reclaimer) Registry() *Registry {
	return r.registry
}

// Signal returns the deletion signal.
func (r *Reclaimer) Signal() *DeletionSignal {
	return r.signal
}

// Metrics returns the telemetry sink.
func (r *Reclaimer) Metrics() *metrics.Metrics {
	return r.metrics
}

// Manage puts a cell under residency management.
func (r *Reclaimer) Manage(ref world.CellRef) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	r.refresh()
	err := r.residency.Manage(ref)
	if errors.Is(err, residency.ErrInvalidTransition) {
		r.metrics.RecordRefused()
	}
	return err
}

// GetResidencyState returns a cell's residency state.
func (r *Reclaimer) GetResidencyState(ref world.CellRef) residency.State {
	return r.residency.GetState(ref)
}

// ResidencyRecord returns a cell's full residency record.
func (r *Reclaimer) ResidencyRecord(ref world.CellRef) residency.Record {
	return r.residency.Lookup(ref)
}

// StateCounts returns how many cells are in each residency state.
func (r *Reclaimer) StateCounts() map[residency.State]int {
	return r.residency.StateCounts()
}

// Overloaded returns the region's overloaded cells.
func (r *Reclaimer) Overloaded(region world.Region) []world.CellPos {
	cells := r.registry.Load().Overloaded(region)
	sort.Slice(cells, func(i, j int) bool { return cells[i].Key() < cells[j].Key() })
	return cells
}

// GetStoreContents returns a copy of one of a region's stores, or nil when
// the store does not exist.
func (r *Reclaimer) GetStoreContents(region world.Region, storeIndex int) []world.ItemStack {
	r.storesMu.RLock()
	defer r.storesMu.RUnlock()
	list := r.stores[region]
	if storeIndex < 0 || storeIndex >= len(list) {
		return nil
	}
	return list[storeIndex].Contents()
}

// StoreCount returns how many stores a region has.
func (r *Reclaimer) StoreCount(region world.Region) int {
	r.storesMu.RLock()
	defer r.storesMu.RUnlock()
	return len(r.stores[region])
}

// Close stops accepting work, waits for in-flight asynchronous cycles and
// releases owned resources. Queued results are discarded.
func (r *Reclaimer) Close() {
	r.lifeMu.Lock()
	if !r.closed.CompareAndSwap(false, true) {
		r.lifeMu.Unlock()
		return
	}
	r.lifeMu.Unlock()
	r.workers.Wait()
	r.handoff.Close()
	r.tickMu.Lock()
	r.handoff.Drain()
	r.tickMu.Unlock()
	if r.ownMetrics {
		r.metrics.Close()
	}
}
