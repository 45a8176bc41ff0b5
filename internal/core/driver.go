// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/reclaimer/internal/residency"
	"github.com/kianostad/reclaimer/internal/world"
)

// TickReport describes what one Tick did.
type TickReport struct {
	Drained    int
	Thawed     []world.CellRef
	Adjustment residency.Adjustment
	Collection *CollectionResult
}

// Tick runs the per-tick work: it records the last tick's duration, applies
// results handed back by asynchronous cycles, thaws expired content freezes,
// runs the performance controller when due and starts an automatic
// collection when due. last may be zero when the host does not measure it.
func (r *Reclaimer) Tick(ctx context.Context, last time.Duration) (TickReport, error) {
	if r.closed.Load() {
		return TickReport{}, ErrClosed
	}
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	cfg := r.refresh()
	if last > 0 {
		r.metrics.RecordTick(last)
	}

	var report TickReport
	report.Drained = r.handoff.Drain()

	thawed, err := r.residency.ExpireFrozen()
	report.Thawed = thawed
	if len(thawed) > 0 {
		r.metrics.RecordThaw(len(thawed))
	}
	if err != nil {
		r.debug(cfg).Err(err).Msg("thaw failed")
	}

	now := r.clock.Now()
	if now.Sub(r.lastControl) >= cfg.ControllerInterval {
		r.lastControl = now
		adj, err := r.controller.Run(cfg)
		report.Adjustment = adj
		switch adj.Decision {
		case residency.Degrade:
			r.metrics.RecordSuspend(len(adj.Cells))
		case residency.Recover:
			r.metrics.RecordRestore(len(adj.Cells))
		}
		if err != nil {
			if errors.Is(err, residency.ErrInvalidTransition) {
				r.metrics.RecordRefused()
			}
			r.debug(cfg).Err(err).Stringer("decision", adj.Decision).Msg("controller transitions failed")
		}
	}

	if cfg.CollectInterval > 0 && now.Sub(r.lastCollect) >= cfg.CollectInterval {
		res, err := r.collectLocked(ctx, cfg)
		if err == nil {
			report.Collection = &res
		}
	}
	return report, nil
}

// Driver calls Tick on a fixed interval from its own goroutine, which then
// acts as the tick thread.
type Driver struct {
	r        *Reclaimer
	interval time.Duration
	work     func()

	stop    chan struct{}
	once    sync.Once
	started atomic.Bool
	wg      sync.WaitGroup
	ticks   atomic.Uint64
}

// NewDriver creates a driver. work, if not nil, runs before each Tick and
// its duration is reported as the tick duration.
func NewDriver(r *Reclaimer, interval time.Duration, work func()) *Driver {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Driver{
		r:        r,
		interval: interval,
		work:     work,
		stop:     make(chan struct{}),
	}
}

// Start launches the tick loop. Calling it more than once has no effect.
func (d *Driver) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go d.run()
}

// Stop ends the tick loop and waits for it to exit.
func (d *Driver) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Ticks returns how many ticks have run.
func (d *Driver) Ticks() uint64 {
	return d.ticks.Load()
}

func (d *Driver) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ctx := context.Background()
	var last time.Duration
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		start := time.Now()
		if d.work != nil {
			d.work()
		}
		if _, err := d.r.Tick(ctx, last); errors.Is(err, ErrClosed) {
			return
		}
		last = time.Since(start)
		d.ticks.Add(1)
	}
}
