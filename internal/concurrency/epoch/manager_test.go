// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerBasicOperations(t *testing.T) {
	Convey("Given a new epoch manager", t, func() {
		m := NewManager()

		Convey("Initially", func() {
			So(m.Current(), ShouldEqual, 0)
			So(m.MinActive(), ShouldEqual, 0)
			So(m.ActiveCount(), ShouldEqual, 0)
			So(m.IsCurrent(0), ShouldBeFalse)
		})

		Convey("When a cycle begins", func() {
			first := m.Begin()

			Convey("Then it is current and active", func() {
				So(first, ShouldEqual, 1)
				So(m.IsCurrent(first), ShouldBeTrue)
				So(m.MinActive(), ShouldEqual, first)
				So(m.ActiveCount(), ShouldEqual, 1)
			})

			Convey("When a second cycle begins before the first ends", func() {
				second := m.Begin()

				Convey("Then the first is stale but still active", func() {
					So(m.IsCurrent(first), ShouldBeFalse)
					So(m.IsCurrent(second), ShouldBeTrue)
					So(m.MinActive(), ShouldEqual, first)
					So(m.ActiveCount(), ShouldEqual, 2)
				})

				Convey("When the first ends", func() {
					m.End(first)

					Convey("Then only the second is active", func() {
						So(m.MinActive(), ShouldEqual, second)
						So(m.ActiveCount(), ShouldEqual, 1)
					})

					Convey("When the second ends", func() {
						m.End(second)

						Convey("Then nothing is active but the epoch stays", func() {
							So(m.MinActive(), ShouldEqual, 0)
							So(m.ActiveCount(), ShouldEqual, 0)
							So(m.Current(), ShouldEqual, second)
							So(m.IsCurrent(second), ShouldBeTrue)
						})
					})
				})
			})
		})
	})
}

func TestManagerEndUnknown(t *testing.T) {
	Convey("Given a manager with one active epoch", t, func() {
		m := NewManager()
		e := m.Begin()

		Convey("Ending an unknown epoch changes nothing", func() {
			m.End(e + 10)
			So(m.ActiveCount(), ShouldEqual, 1)
			So(m.MinActive(), ShouldEqual, e)
		})

		Convey("Ending twice is harmless", func() {
			m.End(e)
			m.End(e)
			So(m.ActiveCount(), ShouldEqual, 0)
		})
	})
}

func TestManagerConcurrentAccess(t *testing.T) {
	Convey("Given concurrent cycles", t, func() {
		m := NewManager()
		var wg sync.WaitGroup
		seen := make([]uint64, 100)

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e := m.Begin()
				seen[i] = e
				m.End(e)
			}(i)
		}
		wg.Wait()

		Convey("Every epoch is distinct and all are released", func() {
			unique := make(map[uint64]bool)
			for _, e := range seen {
				unique[e] = true
			}
			So(len(unique), ShouldEqual, 100)
			So(m.Current(), ShouldEqual, 100)
			So(m.ActiveCount(), ShouldEqual, 0)
		})
	})
}
