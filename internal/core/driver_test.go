// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/sim"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestDriver(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a driver ticking every millisecond", t, func() {
		w := sim.NewWorld(11)
		r := New(w.Tokens, config.Static(testConfig()))
		defer r.Close()

		var worked atomic.Int64
		d := NewDriver(r, time.Millisecond, func() { worked.Add(1) })
		d.Start()
		d.Start()

		deadline := time.Now().Add(2 * time.Second)
		for d.Ticks() < 5 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		d.Stop()
		d.Stop()

		Convey("It ran the host work and recorded tick durations", func() {
			So(d.Ticks(), ShouldBeGreaterThanOrEqualTo, 5)
			So(worked.Load(), ShouldBeGreaterThanOrEqualTo, int64(d.Ticks()))
			So(r.Metrics().TickSamples(), ShouldBeGreaterThanOrEqualTo, 4)
		})

		Convey("It stops ticking after Stop", func() {
			ticks := d.Ticks()
			time.Sleep(5 * time.Millisecond)
			So(d.Ticks(), ShouldEqual, ticks)
		})
	})
}

func TestDriverStopsWhenClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := sim.NewWorld(12)
	r := New(w.Tokens, config.Static(testConfig()))
	d := NewDriver(r, time.Millisecond, nil)
	d.Start()
	r.Close()
	d.Stop()
}
