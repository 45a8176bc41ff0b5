// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/storage/mergestore"
	"github.com/kianostad/reclaimer/internal/world"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStale is reported for an asynchronous cycle overtaken by a newer one.
var ErrStale = errors.New("collection result is stale")

// errRegionPanic wraps a panic recovered at a region boundary.
var errRegionPanic = errors.New("region processing panicked")

// RegionStats reports one region's part of a collection cycle.
type RegionStats struct {
	Region        world.Region `json:"region"`
	Items         int          `json:"items"`
	Others        int          `json:"others"`
	Skipped       int          `json:"skipped"`
	Stacks        int          `json:"stacks"`
	Stored        int          `json:"stored"`
	Overflow      int          `json:"overflow"`
	Stores        int          `json:"stores"`
	Swept         int          `json:"swept"`
	Overloaded    int          `json:"overloaded"`
	Freezes       int          `json:"freezes"`
	TokensRevoked int          `json:"tokens_revoked"`
	Failed        bool         `json:"failed"`
	Error         string       `json:"error,omitempty"`
	Err           error        `json:"-"`
}

func (s *RegionStats) fail(err error) {
	s.Failed = true
	s.Err = errors.Join(s.Err, err)
	s.Error = s.Err.Error()
}

// CollectionResult reports a whole collection cycle.
type CollectionResult struct {
	Epoch           uint64                        `json:"epoch"`
	ItemsReclaimed  int                           `json:"items_reclaimed"`
	OthersReclaimed int                           `json:"others_reclaimed"`
	Regions         map[world.Region]*RegionStats `json:"regions"`
	Duration        time.Duration                 `json:"duration"`
}

// Failed returns the regions whose cycle failed.
func (c CollectionResult) Failed() []world.Region {
	var out []world.Region
	for region, s := range c.Regions {
		if s.Failed {
			out = append(out, region)
		}
	}
	return out
}

// regionPlan is one region's snapshot, partitioned and combined. Building it
// touches neither tokens nor stores, so it may run off the tick thread.
type regionPlan struct {
	region  world.Region
	handles []world.Handle
	items   int
	others  int
	skipped int
	stacks  []world.ItemStack
	err     error
}

type plan struct {
	epoch   uint64
	started time.Time
	regions []regionPlan
}

func (r *Reclaimer) buildPlan(e uint64, cfg config.Config) plan {
	p := plan{epoch: e, started: time.Now()}
	for _, region := range r.registry.Regions() {
		p.regions = append(p.regions, r.planRegion(region, cfg))
	}
	return p
}

func (r *Reclaimer) planRegion(region world.Region, cfg config.Config) (rp regionPlan) {
	rp.region = region
	defer func() {
		if v := recover(); v != nil {
			rp.err = fmt.Errorf("%w: %v", errRegionPanic, v)
		}
	}()

	// Oldest handles first, so store packing does not depend on bucket order.
	snapshot := r.registry.Snapshot(region)
	slices.SortFunc(snapshot, func(a, b world.Handle) int { return cmp.Compare(a.ID, b.ID) })

	var raw []world.ItemStack
	for _, h := range snapshot {
		if !h.Valid() {
			rp.skipped++
			continue
		}
		if h.Object.Kind() != world.KindItem {
			rp.others++
			rp.handles = append(rp.handles, h)
			continue
		}
		stack, ok := h.Object.Item()
		if !ok || stack.IsEmpty() {
			rp.skipped++
			continue
		}
		raw = append(raw, stack)
		rp.items++
		rp.handles = append(rp.handles, h)
	}
	rp.stacks = mergestore.Combine(raw, cfg.MergeLimit)
	if rp.skipped > 0 {
		r.debug(cfg).Str("region", string(region)).Int("skipped", rp.skipped).Msg("skipped invalid handles")
	}
	return rp
}

// CollectNow runs a full collection cycle on the calling goroutine.
func (r *Reclaimer) CollectNow(ctx context.Context) (CollectionResult, error) {
	if r.closed.Load() {
		return CollectionResult{}, ErrClosed
	}
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	return r.collectLocked(ctx, r.refresh())
}

func (r *Reclaimer) collectLocked(ctx context.Context, cfg config.Config) (CollectionResult, error) {
	ctx, span := r.tracer.Start(ctx, "reclaimer.CollectNow")
	defer span.End()

	e := r.epochs.Begin()
	defer r.epochs.End(e)

	res := r.apply(ctx, r.buildPlan(e, cfg), cfg)
	r.lastCollect = r.clock.Now()
	return res, nil
}

// CollectAsync snapshots and combines on a worker goroutine, then hands the
// plan to the next Tick. done, if not nil, runs on the tick thread with the
// result, or with ErrStale if a newer cycle began first.
func (r *Reclaimer) CollectAsync(ctx context.Context, done func(CollectionResult, error)) error {
	r.lifeMu.Lock()
	if r.closed.Load() {
		r.lifeMu.Unlock()
		return ErrClosed
	}
	r.workers.Add(1)
	r.lifeMu.Unlock()

	cfg := r.config()
	e := r.epochs.Begin()
	go func() {
		defer r.workers.Done()
		p := r.buildPlan(e, cfg)
		submitted := r.handoff.Submit(func() {
			defer r.epochs.End(e)
			if r.closed.Load() {
				r.finish(done, CollectionResult{Epoch: e}, ErrClosed)
				return
			}
			if !r.epochs.IsCurrent(e) {
				r.metrics.RecordStaleResult()
				r.debug(r.config()).Uint64("epoch", e).Msg("dropped stale collection")
				r.finish(done, CollectionResult{Epoch: e}, ErrStale)
				return
			}
			cur := r.config()
			actx, span := r.tracer.Start(ctx, "reclaimer.CollectAsync")
			defer span.End()
			res := r.apply(actx, p, cur)
			r.lastCollect = r.clock.Now()
			r.finish(done, res, nil)
		})
		if !submitted {
			r.epochs.End(e)
			r.finish(done, CollectionResult{Epoch: e}, ErrClosed)
		}
	}()
	return nil
}

func (r *Reclaimer) finish(done func(CollectionResult, error), res CollectionResult, err error) {
	if done != nil {
		done(res, err)
	}
}

// apply writes a plan into the stores, raises the deletion signal, sweeps
// the registry and freezes overloaded cells. It runs on the tick thread.
func (r *Reclaimer) apply(ctx context.Context, p plan, cfg config.Config) CollectionResult {
	span := trace.SpanFromContext(ctx)
	res := CollectionResult{
		Epoch:   p.epoch,
		Regions: make(map[world.Region]*RegionStats, len(p.regions)),
	}

	r.storesMu.Lock()
	r.resetStores(cfg)
	collected := make(map[uint64]struct{})
	for i := range p.regions {
		rp := &p.regions[i]
		stats := &RegionStats{
			Region:  rp.region,
			Items:   rp.items,
			Others:  rp.others,
			Skipped: rp.skipped,
			Stacks:  len(rp.stacks),
		}
		res.Regions[rp.region] = stats
		if rp.err != nil {
			stats.fail(rp.err)
			continue
		}
		if err := r.fillRegion(rp, cfg, stats); err != nil {
			stats.fail(err)
			continue
		}
		for _, h := range rp.handles {
			collected[h.ID] = struct{}{}
		}
		res.ItemsReclaimed += rp.items
		res.OthersReclaimed += rp.others
	}
	r.storesMu.Unlock()

	if len(collected) > 0 {
		r.signal.Activate(collected, cfg.SignalTimeout)
	}

	for _, region := range r.registry.Regions() {
		stats, ok := res.Regions[region]
		if !ok {
			stats = &RegionStats{Region: region}
			res.Regions[region] = stats
		}
		stats.Swept = r.registry.Sweep(region)
		if stats.Swept > 0 {
			r.metrics.RecordSweep(stats.Swept)
		}
		if !stats.Failed {
			r.freezeRegion(ctx, region, cfg, stats)
		}
	}

	overflow := 0
	for region, stats := range res.Regions {
		overflow += stats.Overflow
		if stats.Failed {
			r.metrics.RecordRegionFailure()
			span.RecordError(stats.Err, trace.WithAttributes(attribute.String("region", string(region))))
			span.SetStatus(codes.Error, "region failed")
			r.logger.Warn().Err(stats.Err).Str("region", string(region)).Msg("collection failed for region")
		}
	}

	res.Duration = time.Since(p.started)
	r.metrics.RecordCycle(res.Duration, res.ItemsReclaimed, res.OthersReclaimed, overflow)
	span.SetAttributes(
		attribute.Int64("epoch", int64(p.epoch)),
		attribute.Int("items", res.ItemsReclaimed),
		attribute.Int("others", res.OthersReclaimed),
		attribute.Int("regions", len(res.Regions)),
	)
	r.logger.Info().
		Uint64("epoch", p.epoch).
		Int("items", res.ItemsReclaimed).
		Int("others", res.OthersReclaimed).
		Int("regions", len(res.Regions)).
		Dur("duration", res.Duration).
		Msg("collection complete")
	return res
}

// resetStores clears every store, rebuilding them all if the store
// configuration changed. Callers hold storesMu.
func (r *Reclaimer) resetStores(cfg config.Config) {
	shape := storeShape{capacity: cfg.StoreCapacity, limit: cfg.MergeLimit, annotation: cfg.Annotation}
	if shape != r.shape {
		r.stores = make(map[world.Region][]*mergestore.Store)
		r.shape = shape
		return
	}
	for region, list := range r.stores {
		for _, s := range list {
			s.Clear()
		}
		if len(list) > cfg.MaxStoresPerRegion {
			r.stores[region] = list[:cfg.MaxStoresPerRegion]
		}
	}
}

// fillRegion feeds a region's combined stacks into its stores, spilling to
// the next store when one fills. Callers hold storesMu.
func (r *Reclaimer) fillRegion(rp *regionPlan, cfg config.Config, stats *RegionStats) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", errRegionPanic, v)
		}
	}()

	list := r.stores[rp.region]
	for _, stack := range rp.stacks {
		rest := stack
		for i := 0; i < cfg.MaxStoresPerRegion && !rest.IsEmpty(); i++ {
			if i == len(list) {
				list = append(list, mergestore.New(r.shape.capacity, r.shape.limit, r.shape.annotation))
			}
			rest = list[i].AddPartial(rest)
			if i+1 > stats.Stores {
				stats.Stores = i + 1
			}
		}
		stats.Stored += stack.Count - rest.Count
		stats.Overflow += rest.Count
	}
	r.stores[rp.region] = list
	if stats.Overflow > 0 {
		r.debug(cfg).Str("region", string(rp.region)).Int("overflow", stats.Overflow).Msg("stores full")
	}
	return nil
}

// freezeRegion runs the freezer on each of the region's overloaded cells.
func (r *Reclaimer) freezeRegion(ctx context.Context, region world.Region, cfg config.Config, stats *RegionStats) {
	cells := r.Overloaded(region)
	stats.Overloaded = len(cells)
	if len(cells) == 0 {
		return
	}

	_, span := r.tracer.Start(ctx, "reclaimer.Freeze",
		trace.WithAttributes(attribute.String("region", string(region)), attribute.Int("cells", len(cells))))
	defer span.End()

	for _, cell := range cells {
		ref := world.CellRef{Region: region, Cell: cell}
		res, err := r.freezer.Freeze(ref, cfg)
		stats.Freezes++
		stats.TokensRevoked += res.Tokens
		r.metrics.RecordFreeze(res.Tokens, res.Fallback)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "freeze failed")
			stats.fail(err)
			return
		}
	}
	span.SetAttributes(attribute.Int("tokens_revoked", stats.TokensRevoked))
}
