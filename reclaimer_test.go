// Licensed under the MIT License. See LICENSE file in the project root for details.

package reclaimer

import (
	"context"
	"errors"
	"testing"

	"github.com/kianostad/reclaimer/internal/sim"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPublicAPI(t *testing.T) {
	Convey("Given a reclaimer built through the public API", t, func() {
		w := sim.NewWorld(1)
		cfg := DefaultConfig()
		cfg.CollectInterval = 0
		provider := NewAtomicConfig(cfg)
		r := New(w.Tokens, provider, WithClock(w.Clock))
		defer r.Close()

		ref := CellRef{Region: "overworld", Cell: Cell(0, 0)}
		e := w.Spawn(ref.Region, ref.Cell, KindItem, NewItemStack("dirt", 12))

		Convey("Objects are collected and the cell can be managed", func() {
			So(r.Hooks().Observe(e), ShouldBeTrue)
			res, err := r.CollectNow(context.Background())
			So(err, ShouldBeNil)
			So(res.ItemsReclaimed, ShouldEqual, 1)

			So(r.Manage(ref), ShouldBeNil)
			So(r.GetResidencyState(ref), ShouldEqual, Managed)
			So(errors.Is(r.Manage(ref), ErrInvalidTransition), ShouldBeTrue)
			So(r.StateCounts()[Managed], ShouldEqual, 1)
		})

		Convey("Configuration is hot-reloadable", func() {
			provider.Update(func(c *Config) { c.DenyList = []string{"dirt"} })
			_, err := r.Tick(context.Background(), 0)
			So(err, ShouldBeNil)
			So(r.Hooks().Observe(e), ShouldBeFalse)
		})

		Convey("A closed reclaimer refuses work", func() {
			r.Close()
			_, err := r.CollectNow(context.Background())
			So(errors.Is(err, ErrClosed), ShouldBeTrue)
		})
	})
}
