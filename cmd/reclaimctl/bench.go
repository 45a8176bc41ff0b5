// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/core"
	"github.com/kianostad/reclaimer/internal/sim"
	"github.com/kianostad/reclaimer/internal/world"
	"github.com/spf13/cobra"
)

type benchResult struct {
	Name       string        `json:"name"`
	Goroutines int           `json:"goroutines"`
	Ops        int           `json:"ops"`
	Duration   time.Duration `json:"duration"`
	OpsPerSec  float64       `json:"ops_per_sec"`
}

func newBenchResult(name string, goroutines, ops int, d time.Duration) benchResult {
	res := benchResult{Name: name, Goroutines: goroutines, Ops: ops, Duration: d}
	if d > 0 {
		res.OpsPerSec = float64(ops) / d.Seconds()
	}
	return res
}

func init() {
	cmd := newBenchCmd()
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	var (
		entities   int
		goroutines []int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure registry and collection throughput",
		Long: `The bench command measures how fast concurrent object ticks can register
and unregister handles, how fast snapshots are taken while registration runs
and how long a full collection cycle takes.

Example:
  reclaimctl bench --entities 50000 --goroutines 1,4,16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := runBench(cmd.Context(), entities, goroutines)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(results)
			}
			for _, r := range results {
				printInfo("%-22s %3d goroutines: %d ops in %v (%.0f ops/sec)\n",
					r.Name, r.Goroutines, r.Ops, r.Duration, r.OpsPerSec)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&entities, "entities", 20000, "Entities in the benchmark world")
	cmd.Flags().IntSliceVar(&goroutines, "goroutines", []int{1, 2, 4, 8, 16}, "Goroutine counts to measure")
	return cmd
}

func runBench(ctx context.Context, entities int, goroutines []int) ([]benchResult, error) {
	if entities <= 0 {
		return nil, fmt.Errorf("entities must be positive")
	}
	regions := []world.Region{"overworld", "nether", "end"}

	var results []benchResult
	for _, n := range goroutines {
		if n <= 0 {
			continue
		}
		results = append(results, benchObserve(entities, regions, n), benchSnapshot(entities, regions, n))
	}
	res, err := benchCollect(ctx, entities, regions)
	if err != nil {
		return results, err
	}
	return append(results, res), nil
}

// benchObserve splits the world among n goroutines, each registering and then
// forgetting its share.
func benchObserve(entities int, regions []world.Region, n int) benchResult {
	w := sim.NewWorld(seed)
	all := w.SpawnRandom(entities, regions, 16)
	registry := core.NewRegistry(config.Default().OverloadThreshold, core.DefaultBuckets)

	var wg sync.WaitGroup
	start := time.Now()
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < len(all); i += n {
				registry.Register(all[i].Handle())
			}
			for i := g; i < len(all); i += n {
				registry.Unregister(all[i].Handle())
			}
		}(g)
	}
	wg.Wait()
	return newBenchResult("register/unregister", n, 2*len(all), time.Since(start))
}

// benchSnapshot takes snapshots from n goroutines while one goroutine keeps
// registering.
func benchSnapshot(entities int, regions []world.Region, n int) benchResult {
	w := sim.NewWorld(seed)
	all := w.SpawnRandom(entities, regions, 16)
	registry := core.NewRegistry(config.Default().OverloadThreshold, core.DefaultBuckets)
	for _, e := range all[:len(all)/2] {
		registry.Register(e.Handle())
	}

	const snapshotsPerGoroutine = 50
	var wg sync.WaitGroup
	start := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, e := range all[len(all)/2:] {
			registry.Register(e.Handle())
		}
	}()
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < snapshotsPerGoroutine; i++ {
				registry.Snapshot(regions[(g+i)%len(regions)])
			}
		}(g)
	}
	wg.Wait()
	return newBenchResult("snapshot", n, n*snapshotsPerGoroutine, time.Since(start))
}

func benchCollect(ctx context.Context, entities int, regions []world.Region) (benchResult, error) {
	w := sim.NewWorld(seed)
	cfg := config.Default()
	cfg.CollectInterval = 0
	r := core.New(w.Tokens, config.NewAtomic(cfg), core.WithClock(w.Clock))
	defer r.Close()

	hooks := r.Hooks()
	for _, e := range w.SpawnRandom(entities, regions, 16) {
		hooks.Observe(e)
	}

	start := time.Now()
	res, err := r.CollectNow(ctx)
	if err != nil {
		return benchResult{}, err
	}
	return newBenchResult("collect", 1, res.ItemsReclaimed+res.OthersReclaimed, time.Since(start)), nil
}
