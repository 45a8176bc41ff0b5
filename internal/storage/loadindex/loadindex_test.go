// Licensed under the MIT License. See LICENSE file in the project root for details.

package loadindex

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"

	"github.com/kianostad/reclaimer/internal/world"
)

func TestOverloadedSet(t *testing.T) {
	Convey("Given an index with threshold 50", t, func() {
		idx := New(50)
		ref := world.CellRef{Region: "overworld", Cell: world.Cell(3, -2)}

		Convey("When 60 handles are counted into one cell", func() {
			for i := 0; i < 60; i++ {
				idx.Increment(ref)
			}

			Convey("Then the cell is overloaded", func() {
				So(idx.Count(ref), ShouldEqual, 60)
				So(idx.IsOverloaded(ref), ShouldBeTrue)
				So(idx.Overloaded("overworld"), ShouldResemble, []world.CellPos{world.Cell(3, -2)})
				So(idx.OverloadedCount("overworld"), ShouldEqual, 1)
			})

			Convey("When 15 are removed", func() {
				for i := 0; i < 15; i++ {
					idx.Decrement(ref)
				}

				Convey("Then the cell leaves the set", func() {
					So(idx.Count(ref), ShouldEqual, 45)
					So(idx.IsOverloaded(ref), ShouldBeFalse)
					So(idx.Overloaded("overworld"), ShouldBeEmpty)
				})
			})

			Convey("When the threshold is raised above the count", func() {
				idx.SetThreshold(100)

				Convey("Then the cell is re-evaluated", func() {
					So(idx.IsOverloaded(ref), ShouldBeFalse)
					So(idx.Threshold(), ShouldEqual, 100)
				})
			})
		})

		Convey("Unknown regions and cells read as empty", func() {
			So(idx.Count(world.CellRef{Region: "nether"}), ShouldEqual, 0)
			So(idx.IsOverloaded(world.CellRef{Region: "nether"}), ShouldBeFalse)
			So(idx.Overloaded("nether"), ShouldBeNil)
		})
	})
}

func TestConcurrentCounting(t *testing.T) {
	Convey("Given many goroutines counting into the same cells", t, func() {
		idx := New(10)
		refs := []world.CellRef{
			{Region: "overworld", Cell: world.Cell(0, 0)},
			{Region: "overworld", Cell: world.Cell(1, 0)},
		}
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					ref := refs[(g+i)%2]
					idx.Increment(ref)
					if i%2 == 0 {
						idx.Decrement(ref)
					}
				}
			}(g)
		}
		wg.Wait()

		Convey("Then counts and set membership agree", func() {
			total := 0
			for _, ref := range refs {
				total += idx.Count(ref)
				So(idx.IsOverloaded(ref), ShouldEqual, idx.Count(ref) >= 10)
			}
			So(total, ShouldEqual, 8*250)
		})
	})
}

func TestCounterSetConsistencyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 8).Draw(t, "threshold")
		idx := New(threshold)
		model := map[world.CellRef]int{}

		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			ref := world.CellRef{
				Region: world.Region(rapid.SampledFrom([]string{"a", "b"}).Draw(t, "region")),
				Cell:   world.Cell(int32(rapid.IntRange(-2, 2).Draw(t, "x")), 0),
			}
			if rapid.Bool().Draw(t, "inc") || model[ref] == 0 {
				idx.Increment(ref)
				model[ref]++
			} else {
				idx.Decrement(ref)
				model[ref]--
			}
			if rapid.IntRange(0, 20).Draw(t, "rethreshold") == 0 {
				threshold = rapid.IntRange(1, 8).Draw(t, "threshold")
				idx.SetThreshold(threshold)
			}
		}

		for ref, n := range model {
			if idx.Count(ref) != n {
				t.Fatalf("count mismatch for %v: index=%d model=%d", ref, idx.Count(ref), n)
			}
			if idx.IsOverloaded(ref) != (n >= threshold) {
				t.Fatalf("membership mismatch for %v: count=%d threshold=%d overloaded=%v", ref, n, threshold, idx.IsOverloaded(ref))
			}
		}
	})
}
