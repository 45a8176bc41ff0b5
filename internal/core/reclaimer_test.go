// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/residency"
	"github.com/kianostad/reclaimer/internal/sim"
	"github.com/kianostad/reclaimer/internal/world"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

const nether = world.Region("nether")

func testConfig() config.Config {
	cfg := config.Default()
	cfg.OverloadThreshold = 100
	cfg.StoreCapacity = 4
	cfg.MaxStoresPerRegion = 2
	cfg.MergeLimit = 64
	cfg.CollectInterval = 0
	cfg.ControllerInterval = time.Second
	cfg.FreezeDuration = time.Hour
	return cfg
}

func newTestReclaimer(cfg config.Config) (*Reclaimer, *sim.World, *config.Atomic) {
	w := sim.NewWorld(7)
	provider := config.NewAtomic(cfg)
	return New(w.Tokens, provider, WithClock(w.Clock)), w, provider
}

func total(stacks []world.ItemStack) int {
	n := 0
	for _, s := range stacks {
		if !s.IsEmpty() {
			n += s.Count
		}
	}
	return n
}

// panicky is an object whose item cannot be read.
type panicky struct{}

func (panicky) Alive() bool                   { return true }
func (panicky) Kind() world.Kind              { return world.KindItem }
func (panicky) Item() (world.ItemStack, bool) { panic("corrupt item") }

func TestCollectNow(t *testing.T) {
	Convey("Given registered items and a projectile in one region", t, func() {
		r, w, _ := newTestReclaimer(testConfig())
		defer r.Close()
		hooks := r.Hooks()
		cell := world.Cell(0, 0)

		entities := []*sim.Entity{
			w.Spawn(overworld, cell, world.KindItem, world.NewItemStack("dirt", 40)),
			w.Spawn(overworld, cell, world.KindItem, world.NewItemStack("dirt", 40)),
			w.Spawn(overworld, cell, world.KindItem, world.NewItemStack("sand", 10)),
			w.Spawn(overworld, cell, world.KindProjectile, world.EmptyStack),
		}
		for _, e := range entities {
			So(hooks.Observe(e), ShouldBeTrue)
		}

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)
		stats := res.Regions[overworld]

		Convey("Items are combined and stored", func() {
			So(res.ItemsReclaimed, ShouldEqual, 3)
			So(res.OthersReclaimed, ShouldEqual, 1)
			So(stats.Stacks, ShouldEqual, 3)
			So(stats.Stored, ShouldEqual, 90)
			So(stats.Overflow, ShouldEqual, 0)
			So(stats.Failed, ShouldBeFalse)

			contents := r.GetStoreContents(overworld, 0)
			So(contents, ShouldHaveLength, 4)
			So(total(contents), ShouldEqual, 90)
			So(contents[3].Type, ShouldEqual, "dirt")
			So(contents[3].Count, ShouldEqual, 64)
			tag, ok := contents[3].Tag(world.AnnotationKey)
			So(ok, ShouldBeTrue)
			So(tag, ShouldEqual, "reclaimed")
			So(r.GetStoreContents(overworld, 1), ShouldBeNil)
			So(r.GetStoreContents(nether, 0), ShouldBeNil)
		})

		Convey("Collected objects are told to discard themselves", func() {
			So(r.Signal().Active(), ShouldBeTrue)
			So(hooks.PollDiscard(entities[0].Handle()), ShouldBeTrue)
			So(hooks.PollDiscard(entities[0].Handle()), ShouldBeFalse)
			So(r.Registry().Len(), ShouldEqual, 3)

			late := w.Spawn(overworld, cell, world.KindItem, world.NewItemStack("bone", 1))
			hooks.Observe(late)
			So(hooks.PollDiscard(late.Handle()), ShouldBeFalse)
		})

		Convey("The signal clears once every collected object is gone", func() {
			for _, e := range entities {
				So(hooks.PollDiscard(e.Handle()), ShouldBeTrue)
			}
			So(r.Registry().Empty(), ShouldBeTrue)
			So(r.Signal().Active(), ShouldBeFalse)
		})

		Convey("A second cycle replaces the stores' contents", func() {
			entities[2].Kill()
			res, err := r.CollectNow(context.Background())
			So(err, ShouldBeNil)
			So(res.ItemsReclaimed, ShouldEqual, 2)
			So(res.Regions[overworld].Skipped, ShouldEqual, 1)
			So(res.Regions[overworld].Swept, ShouldEqual, 1)
			So(total(r.GetStoreContents(overworld, 0)), ShouldEqual, 80)
		})
	})
}

func TestCollectOverflow(t *testing.T) {
	Convey("Given stores too small for the collected items", t, func() {
		cfg := testConfig()
		cfg.StoreCapacity = 1
		cfg.MaxStoresPerRegion = 2
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()

		for _, st := range []world.ItemStack{
			world.NewItemStack("dirt", 40),
			world.NewItemStack("dirt", 40),
			world.NewItemStack("sand", 10),
		} {
			r.Hooks().Observe(w.Spawn(overworld, world.Cell(1, 1), world.KindItem, st))
		}

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)
		stats := res.Regions[overworld]

		Convey("Overflow spills into the next store and the rest is counted", func() {
			So(stats.Stores, ShouldEqual, 2)
			So(stats.Stored, ShouldEqual, 80)
			So(stats.Overflow, ShouldEqual, 10)
			So(r.StoreCount(overworld), ShouldEqual, 2)
			So(total(r.GetStoreContents(overworld, 0)), ShouldEqual, 64)
			So(total(r.GetStoreContents(overworld, 1)), ShouldEqual, 16)
		})
	})
}

func TestCollectPacksInHandleOrder(t *testing.T) {
	Convey("Given handles registered out of ID order", t, func() {
		cfg := testConfig()
		cfg.StoreCapacity = 1
		cfg.MaxStoresPerRegion = 2
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()

		for _, item := range []struct {
			id    uint64
			stack world.ItemStack
		}{
			{900, world.NewItemStack("dirt", 40)},
			{5, world.NewItemStack("sand", 10)},
			{300, world.NewItemStack("gravel", 3)},
		} {
			h := w.Spawn(overworld, world.Cell(2, 2), world.KindItem, item.stack).Handle()
			h.ID = item.id
			So(r.Registry().Register(h), ShouldBeTrue)
		}

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)
		stats := res.Regions[overworld]

		Convey("The oldest handles are packed first", func() {
			So(total(r.GetStoreContents(overworld, 0)), ShouldEqual, 10)
			So(total(r.GetStoreContents(overworld, 1)), ShouldEqual, 3)
			So(stats.Stored, ShouldEqual, 13)
			So(stats.Overflow, ShouldEqual, 40)
		})
	})
}

func TestRegionIsolation(t *testing.T) {
	Convey("Given one healthy region and one broken region", t, func() {
		r, w, _ := newTestReclaimer(testConfig())
		defer r.Close()

		healthy := w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("dirt", 5))
		r.Hooks().Observe(healthy)
		r.Registry().Register(world.Handle{ID: 9999, Region: nether, Cell: world.Cell(0, 0), Object: panicky{}})

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)

		Convey("The broken region fails without affecting the other", func() {
			So(res.Regions[nether].Failed, ShouldBeTrue)
			So(res.Regions[nether].Error, ShouldContainSubstring, "corrupt item")
			So(res.Regions[overworld].Failed, ShouldBeFalse)
			So(res.ItemsReclaimed, ShouldEqual, 1)
			So(res.Failed(), ShouldResemble, []world.Region{nether})
			So(r.Signal().Covers(9999), ShouldBeFalse)
			So(r.Signal().Covers(healthy.ID()), ShouldBeTrue)
		})
	})

	Convey("Given an overloaded cell in a region whose tokens fail", t, func() {
		cfg := testConfig()
		cfg.OverloadThreshold = 2
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()

		for i := 0; i < 2; i++ {
			r.Hooks().Observe(w.Spawn(nether, world.Cell(0, 0), world.KindItem, world.NewItemStack("bone", 1)))
			r.Hooks().Observe(w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("bone", 1)))
		}
		w.Tokens.FailRegion(nether, true)

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)

		Convey("Only the failing region reports a failure", func() {
			So(res.Regions[nether].Failed, ShouldBeTrue)
			So(errors.Is(res.Regions[nether].Err, sim.ErrInjected), ShouldBeTrue)
			So(res.Regions[overworld].Failed, ShouldBeFalse)
			So(res.Regions[overworld].Freezes, ShouldEqual, 1)
		})
	})
}

func TestFreezeAndThawThroughTick(t *testing.T) {
	Convey("Given a managed cell that becomes overloaded", t, func() {
		cfg := testConfig()
		cfg.OverloadThreshold = 2
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()

		ref := world.CellRef{Region: overworld, Cell: world.Cell(2, 2)}
		So(r.Manage(ref), ShouldBeNil)
		So(errors.Is(r.Manage(ref), residency.ErrInvalidTransition), ShouldBeTrue)

		w.Tokens.Add(world.CellRef{Region: overworld, Cell: world.Cell(3, 2)}, world.Token{Kind: world.TokenForced, Level: 31})
		for i := 0; i < 3; i++ {
			r.Hooks().Observe(w.Spawn(overworld, ref.Cell, world.KindItem, world.NewItemStack("string", 2)))
		}
		So(r.Overloaded(overworld), ShouldResemble, []world.CellPos{ref.Cell})

		res, err := r.CollectNow(context.Background())
		So(err, ShouldBeNil)

		Convey("The collection freezes the cell and revokes the nearby cause", func() {
			So(res.Regions[overworld].Freezes, ShouldEqual, 1)
			So(res.Regions[overworld].TokensRevoked, ShouldEqual, 1)
			So(r.GetResidencyState(ref), ShouldEqual, residency.ContentFrozen)
			So(r.StateCounts()[residency.ContentFrozen], ShouldEqual, 1)

			Convey("and a tick after the freeze expires thaws it", func() {
				report, err := r.Tick(context.Background(), 0)
				So(err, ShouldBeNil)
				So(report.Thawed, ShouldBeEmpty)

				w.Clock.Advance(time.Hour)
				report, err = r.Tick(context.Background(), 0)
				So(err, ShouldBeNil)
				So(report.Thawed, ShouldResemble, []world.CellRef{ref})
				So(r.GetResidencyState(ref), ShouldEqual, residency.Managed)
			})
		})
	})
}

func TestControllerThroughTick(t *testing.T) {
	Convey("Given managed cells with different loads", t, func() {
		cfg := testConfig()
		cfg.ControllerBatch = 1
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()

		light := world.CellRef{Region: overworld, Cell: world.Cell(0, 0)}
		heavy := world.CellRef{Region: overworld, Cell: world.Cell(5, 0)}
		So(r.Manage(light), ShouldBeNil)
		So(r.Manage(heavy), ShouldBeNil)
		for i := 0; i < 5; i++ {
			r.Hooks().Observe(w.Spawn(overworld, heavy.Cell, world.KindProjectile, world.EmptyStack))
		}

		Convey("Slow ticks suspend the heaviest cell once the interval passes", func() {
			report, _ := r.Tick(context.Background(), 120*time.Millisecond)
			So(report.Adjustment.Decision, ShouldEqual, residency.Hold)
			So(report.Adjustment.Cells, ShouldBeEmpty)

			w.Clock.Advance(time.Second)
			report, _ = r.Tick(context.Background(), 120*time.Millisecond)
			So(report.Adjustment.Decision, ShouldEqual, residency.Degrade)
			So(report.Adjustment.Cells, ShouldResemble, []world.CellRef{heavy})
			So(r.GetResidencyState(heavy), ShouldEqual, residency.PerformanceFrozen)
			So(r.GetResidencyState(light), ShouldEqual, residency.Managed)
		})
	})
}

func TestCollectAsync(t *testing.T) {
	Convey("Given a registered item", t, func() {
		r, w, _ := newTestReclaimer(testConfig())
		defer r.Close()
		r.Hooks().Observe(w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("dirt", 3)))

		waitQueued := func() {
			deadline := time.Now().Add(time.Second)
			for r.handoff.Len() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			So(r.handoff.Len(), ShouldEqual, 1)
		}

		Convey("The result is applied by the next tick", func() {
			var got CollectionResult
			var gotErr error
			called := false
			So(r.CollectAsync(context.Background(), func(res CollectionResult, err error) {
				got, gotErr, called = res, err, true
			}), ShouldBeNil)
			waitQueued()
			So(called, ShouldBeFalse)

			report, err := r.Tick(context.Background(), 0)
			So(err, ShouldBeNil)
			So(report.Drained, ShouldEqual, 1)
			So(called, ShouldBeTrue)
			So(gotErr, ShouldBeNil)
			So(got.ItemsReclaimed, ShouldEqual, 1)
			So(total(r.GetStoreContents(overworld, 0)), ShouldEqual, 3)
		})

		Convey("A result overtaken by a newer cycle is dropped", func() {
			var gotErr error
			So(r.CollectAsync(context.Background(), func(_ CollectionResult, err error) { gotErr = err }), ShouldBeNil)
			waitQueued()
			_, err := r.CollectNow(context.Background())
			So(err, ShouldBeNil)

			_, err = r.Tick(context.Background(), 0)
			So(err, ShouldBeNil)
			So(errors.Is(gotErr, ErrStale), ShouldBeTrue)
		})
	})
}

func TestAutomaticCollection(t *testing.T) {
	Convey("Given a collect interval of one minute", t, func() {
		cfg := testConfig()
		cfg.CollectInterval = time.Minute
		r, w, _ := newTestReclaimer(cfg)
		defer r.Close()
		r.Hooks().Observe(w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("dirt", 3)))

		report, _ := r.Tick(context.Background(), 0)
		So(report.Collection, ShouldBeNil)

		w.Clock.Advance(time.Minute)
		report, _ = r.Tick(context.Background(), 0)
		So(report.Collection, ShouldNotBeNil)
		So(report.Collection.ItemsReclaimed, ShouldEqual, 1)
	})
}

func TestEligibility(t *testing.T) {
	Convey("Given a minimum age and a deny list", t, func() {
		cfg := testConfig()
		cfg.MinAge = 30 * time.Second
		cfg.DenyList = []string{"diamond"}
		r, w, provider := newTestReclaimer(cfg)
		defer r.Close()
		hooks := r.Hooks()

		young := w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("dirt", 1))
		denied := w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("diamond", 1))

		So(hooks.Observe(young), ShouldBeFalse)
		w.Clock.Advance(time.Minute)
		So(hooks.Observe(young), ShouldBeTrue)
		So(hooks.Observe(denied), ShouldBeFalse)

		Convey("A configuration change applies after the next refresh", func() {
			provider.Update(func(c *config.Config) { c.DenyList = []string{"dirt"} })
			_, err := r.Tick(context.Background(), 0)
			So(err, ShouldBeNil)
			So(hooks.Observe(young), ShouldBeFalse)
			So(r.Registry().IsRegistered(young.Handle()), ShouldBeFalse)
		})

		Convey("Forget drops a destroyed object", func() {
			hooks.Forget(young.Handle())
			So(r.Registry().Len(), ShouldEqual, 0)
		})
	})
}

func TestClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a closed reclaimer", t, func() {
		r, _, _ := newTestReclaimer(testConfig())
		r.Close()
		r.Close()

		_, err := r.CollectNow(context.Background())
		So(errors.Is(err, ErrClosed), ShouldBeTrue)
		_, err = r.Tick(context.Background(), 0)
		So(errors.Is(err, ErrClosed), ShouldBeTrue)
		So(errors.Is(r.CollectAsync(context.Background(), nil), ErrClosed), ShouldBeTrue)
		So(errors.Is(r.Manage(world.CellRef{Region: overworld}), ErrClosed), ShouldBeTrue)
	})
}

func TestCloseDuringCollectAsync(t *testing.T) {
	defer goleak.VerifyNone(t)

	for round := 0; round < 50; round++ {
		r, w, _ := newTestReclaimer(testConfig())
		w.Spawn(overworld, world.Cell(0, 0), world.KindItem, world.NewItemStack("dirt", 1))
		for _, e := range w.Entities() {
			r.Hooks().Observe(e)
		}

		var (
			wg       sync.WaitGroup
			accepted atomic.Int64
			finished atomic.Int64
		)
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					err := r.CollectAsync(context.Background(), func(CollectionResult, error) { finished.Add(1) })
					if err == nil {
						accepted.Add(1)
					} else if !errors.Is(err, ErrClosed) {
						t.Errorf("unexpected error: %v", err)
					}
				}
			}()
		}
		r.Close()
		wg.Wait()

		if got, want := finished.Load(), accepted.Load(); got != want {
			t.Fatalf("round %d: %d of %d accepted cycles reported back", round, got, want)
		}
	}
}
