// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/core"
	"github.com/kianostad/reclaimer/internal/residency"
	"github.com/kianostad/reclaimer/internal/sim"
	"github.com/kianostad/reclaimer/internal/world"
	"github.com/spf13/cobra"
)

// REPL is an interactive shell over a reclaimer and a simulated world.
type REPL struct {
	r     *core.Reclaimer
	world *sim.World
	in    io.Reader
	out   io.Writer
	step  time.Duration
}

// NewREPL creates a shell reading commands from in and writing to out.
func NewREPL(r *core.Reclaimer, w *sim.World, in io.Reader, out io.Writer) *REPL {
	return &REPL{r: r, world: w, in: in, out: out, step: 50 * time.Millisecond}
}

func (p *REPL) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *REPL) help() {
	p.printf("Commands:\n")
	p.printf("  spawn <n> [region]                       spawn n random entities\n")
	p.printf("  drop <region> <x> <z> <type> <count>     spawn one item stack\n")
	p.printf("  tick [n]                                 observe every entity and tick n times\n")
	p.printf("  collect                                  run a collection cycle now\n")
	p.printf("  manage <region> <x> <z>                  place a cell under management\n")
	p.printf("  state <region> <x> <z>                   show a cell's residency state\n")
	p.printf("  counts                                   show cells per residency state\n")
	p.printf("  overloaded <region>                      list overloaded cells\n")
	p.printf("  store <region> <index>                   show a store's contents\n")
	p.printf("  metrics                                  print metrics in Prometheus format\n")
	p.printf("  quit                                     leave the shell\n")
}

// Run reads commands until quit or end of input.
func (p *REPL) Run(ctx context.Context) {
	p.printf("Item reclaimer shell\n")
	p.printf("Type 'help' for commands\n")

	scanner := bufio.NewScanner(p.in)
	for {
		p.printf("reclaim> ")
		if !scanner.Scan() {
			p.printf("\n")
			return
		}

		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			p.help()

		case "spawn":
			if len(args) < 1 || len(args) > 2 {
				p.printf("Usage: spawn <n> [region]\n")
				continue
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				p.printf("Invalid count: %s\n", args[0])
				continue
			}
			regions := []world.Region{"overworld"}
			if len(args) == 2 {
				regions = []world.Region{world.Region(args[1])}
			}
			p.printf("Spawned %d entities\n", len(p.world.SpawnRandom(n, regions, 4)))

		case "drop":
			if len(args) != 5 {
				p.printf("Usage: drop <region> <x> <z> <type> <count>\n")
				continue
			}
			ref, ok := p.cellRef(args[:3])
			if !ok {
				continue
			}
			count, err := strconv.Atoi(args[4])
			if err != nil || count <= 0 {
				p.printf("Invalid count: %s\n", args[4])
				continue
			}
			e := p.world.Spawn(ref.Region, ref.Cell, world.KindItem, world.NewItemStack(args[3], count))
			p.printf("Dropped entity %d at %s\n", e.ID(), ref)

		case "tick":
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					p.printf("Invalid tick count: %s\n", args[0])
					continue
				}
				n = v
			}
			p.tick(ctx, n)

		case "collect":
			res, err := p.r.CollectNow(ctx)
			if err != nil {
				p.printf("Error: %v\n", err)
				continue
			}
			p.report(res)

		case "manage":
			ref, ok := p.cellRef(args)
			if !ok {
				continue
			}
			if err := p.r.Manage(ref); err != nil {
				p.printf("Error: %v\n", err)
				continue
			}
			p.printf("OK\n")

		case "state":
			ref, ok := p.cellRef(args)
			if !ok {
				continue
			}
			rec := p.r.ResidencyRecord(ref)
			p.printf("%s: %s", ref, rec.State())
			if exp := rec.Expiry(); !exp.IsZero() {
				p.printf(" until %s", exp.Format(time.RFC3339))
			}
			p.printf("\n")

		case "counts":
			counts := p.r.StateCounts()
			for _, st := range residency.States {
				p.printf("%-20s %d\n", st.String(), counts[st])
			}

		case "overloaded":
			if len(args) != 1 {
				p.printf("Usage: overloaded <region>\n")
				continue
			}
			cells := p.r.Overloaded(world.Region(args[0]))
			if len(cells) == 0 {
				p.printf("No overloaded cells\n")
				continue
			}
			for _, c := range cells {
				p.printf("%s\n", c)
			}

		case "store":
			if len(args) != 2 {
				p.printf("Usage: store <region> <index>\n")
				continue
			}
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				p.printf("Invalid index: %s\n", args[1])
				continue
			}
			region := world.Region(args[0])
			if idx < 0 || idx >= p.r.StoreCount(region) {
				p.printf("No store %d in %s\n", idx, region)
				continue
			}
			for slot, s := range p.r.GetStoreContents(region, idx) {
				if s.IsEmpty() {
					continue
				}
				p.printf("%3d  %-16s %d\n", slot, s.Type, s.Count)
			}

		case "metrics":
			p.printf("%s", p.r.Metrics().ExportPrometheus())

		case "quit", "exit":
			p.printf("Goodbye!\n")
			return

		default:
			p.printf("Unknown command: %s\n", cmd)
		}
	}
}

func (p *REPL) cellRef(args []string) (world.CellRef, bool) {
	if len(args) != 3 {
		p.printf("Usage: <region> <x> <z>\n")
		return world.CellRef{}, false
	}
	x, errX := strconv.ParseInt(args[1], 10, 32)
	z, errZ := strconv.ParseInt(args[2], 10, 32)
	if errX != nil || errZ != nil {
		p.printf("Invalid cell: %s %s\n", args[1], args[2])
		return world.CellRef{}, false
	}
	return world.CellRef{Region: world.Region(args[0]), Cell: world.Cell(int32(x), int32(z))}, true
}

func (p *REPL) tick(ctx context.Context, n int) {
	hooks := p.r.Hooks()
	for i := 0; i < n; i++ {
		for _, e := range p.world.Entities() {
			hooks.Observe(e)
		}
		p.world.Clock.Advance(p.step)
		tr, err := p.r.Tick(ctx, 0)
		if err != nil {
			p.printf("Error: %v\n", err)
			return
		}
		if len(tr.Thawed) > 0 {
			p.printf("Thawed %d cells\n", len(tr.Thawed))
		}
		if tr.Adjustment.Decision != residency.Hold {
			p.printf("Controller %s %d cells\n", tr.Adjustment.Decision, len(tr.Adjustment.Cells))
		}
		if tr.Collection != nil {
			p.report(*tr.Collection)
		}
	}
	p.printf("Ticked %d times\n", n)
}

// report prints a cycle and discards the entities it collected.
func (p *REPL) report(res core.CollectionResult) {
	hooks := p.r.Hooks()
	discarded := 0
	for _, e := range p.world.Entities() {
		if hooks.PollDiscard(e.Handle()) {
			e.Kill()
			discarded++
		}
	}
	p.world.Reap()

	p.printf("Cycle %d: %d items, %d others, %d discarded\n",
		res.Epoch, res.ItemsReclaimed, res.OthersReclaimed, discarded)
	for region, s := range res.Regions {
		if s.Failed {
			p.printf("  %s failed: %s\n", region, s.Error)
			continue
		}
		p.printf("  %s: stored %d, overflow %d, freezes %d\n", region, s.Stored, s.Overflow, s.Freezes)
	}
}

func init() {
	cmd := newReplCmd()
	rootCmd.AddCommand(cmd)
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Open an interactive shell over a simulated world",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.CollectInterval = 0
			cfg.Verbose = verbose

			w := sim.NewWorld(seed)
			r := core.New(w.Tokens, config.NewAtomic(cfg), core.WithClock(w.Clock), core.WithLogger(newLogger()))
			defer r.Close()

			// Set up signal handling
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			done := make(chan struct{})
			defer close(done)

			go func() {
				select {
				case <-done:
					return
				case <-sigChan:
				}
				fmt.Fprintln(os.Stderr, "\nReceived shutdown signal. Closing reclaimer...")
				r.Close()
				os.Exit(0)
			}()

			NewREPL(r, w, cmd.InOrStdin(), cmd.OutOrStdout()).Run(cmd.Context())
			return nil
		},
	}
}
