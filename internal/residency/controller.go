// Licensed under the MIT License. See LICENSE file in the project root for details.

package residency

import (
	"errors"
	"sort"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/world"
	"github.com/rs/zerolog"
)

// Signal supplies recent tick durations.
type Signal interface {
	// TickAverage returns the mean of the n most recent tick durations.
	TickAverage(n int) time.Duration
	// TickSamples returns how many durations are held.
	TickSamples() int
}

// Weigher returns a cell's load weight. Heavier cells are suspended first
// and restored last.
type Weigher func(world.CellRef) int

// Decision is the controller's verdict for one run.
type Decision uint8

const (
	Hold Decision = iota
	Degrade
	Recover
)

func (d Decision) String() string {
	switch d {
	case Degrade:
		return "degrade"
	case Recover:
		return "recover"
	default:
		return "hold"
	}
}

// Adjustment describes one controller run.
type Adjustment struct {
	Decision   Decision
	Average    time.Duration
	Throughput float64
	Cells      []world.CellRef
}

// Controller suspends and restores managed cells to keep the tick duration
// between two thresholds.
type Controller struct {
	store  *Store
	signal Signal
	weight Weigher
	logger zerolog.Logger
}

// NewController creates a controller. A nil weigher weighs every cell 0.
func NewController(store *Store, signal Signal, weight Weigher, logger zerolog.Logger) *Controller {
	if weight == nil {
		weight = func(world.CellRef) int { return 0 }
	}
	return &Controller{store: store, signal: signal, weight: weight, logger: logger}
}

// Throughput converts a mean tick duration into ticks per second. It is 0
// for a non-positive duration.
func Throughput(avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(avg)
}

// Decide maps a smoothed tick duration to a decision. Between RecoverTick
// and DegradeTick the controller holds. A validated config keeps the
// throughput floor at or above RecoverTick, so no average both degrades and
// recovers.
func Decide(avg time.Duration, cfg config.Config) Decision {
	if avg > cfg.DegradeTick || (avg > 0 && Throughput(avg) < cfg.MinThroughput) {
		return Degrade
	}
	if avg < cfg.RecoverTick {
		return Recover
	}
	return Hold
}

// Run evaluates the signal and attempts at most ControllerBatch transitions.
// Failed attempts count against the batch.
func (c *Controller) Run(cfg config.Config) (Adjustment, error) {
	if c.signal.TickSamples() == 0 {
		return Adjustment{}, nil
	}
	avg := c.signal.TickAverage(cfg.SampleWindow)
	adj := Adjustment{Average: avg, Throughput: Throughput(avg), Decision: Decide(avg, cfg)}

	var (
		from  State
		apply func(world.CellRef) error
	)
	switch adj.Decision {
	case Degrade:
		from, apply = Managed, c.store.PerformanceFreeze
	case Recover:
		from, apply = PerformanceFrozen, c.store.PerformanceRestore
	default:
		return adj, nil
	}

	cells := c.rank(c.store.CellsIn(from), adj.Decision == Degrade)
	if len(cells) > cfg.ControllerBatch {
		cells = cells[:cfg.ControllerBatch]
	}
	var errs []error
	for _, ref := range cells {
		if err := apply(ref); err != nil {
			errs = append(errs, err)
			continue
		}
		adj.Cells = append(adj.Cells, ref)
	}

	if len(adj.Cells) > 0 {
		c.logger.Info().
			Stringer("decision", adj.Decision).
			Dur("average", avg).
			Float64("tps", adj.Throughput).
			Int("cells", len(adj.Cells)).
			Msg("residency adjusted")
	}
	return adj, errors.Join(errs...)
}

// rank orders cells by weight, heaviest first when desc is set. Ties are
// broken by cell reference so runs are deterministic.
func (c *Controller) rank(cells []world.CellRef, desc bool) []world.CellRef {
	weights := make(map[world.CellRef]int, len(cells))
	for _, ref := range cells {
		weights[ref] = c.weight(ref)
	}
	sort.Slice(cells, func(i, j int) bool {
		wi, wj := weights[cells[i]], weights[cells[j]]
		if wi != wj {
			if desc {
				return wi > wj
			}
			return wi < wj
		}
		return cells[i].String() < cells[j].String()
	})
	return cells
}
