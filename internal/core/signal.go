// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync/atomic"
	"time"

	"github.com/kianostad/reclaimer/internal/world"
)

// DeletionSignal tells collected objects to self-terminate. It is active
// while less than its timeout has passed since activation and the registry
// still holds handles; once either fails it clears itself.
type DeletionSignal struct {
	clock   world.Clock
	pending func() bool
	state   atomic.Pointer[activation]
}

// activation is never mutated once stored.
type activation struct {
	at      time.Time
	timeout time.Duration
	ids     map[uint64]struct{}
}

// NewDeletionSignal creates a cleared signal. pending reports whether any
// handle is still registered.
func NewDeletionSignal(clock world.Clock, pending func() bool) *DeletionSignal {
	return &DeletionSignal{clock: clock, pending: pending}
}

// Activate raises the signal for timeout, covering the given handle IDs.
func (s *DeletionSignal) Activate(ids map[uint64]struct{}, timeout time.Duration) {
	s.state.Store(&activation{at: s.clock.Now(), timeout: timeout, ids: ids})
}

// Active reports whether the signal is raised.
func (s *DeletionSignal) Active() bool {
	a := s.state.Load()
	if a == nil {
		return false
	}
	if s.clock.Now().Sub(a.at) < a.timeout && s.pending() {
		return true
	}
	// A newer activation stored meanwhile stays in place.
	s.state.CompareAndSwap(a, nil)
	return false
}

// Covers reports whether the handle ID was part of the last collection.
func (s *DeletionSignal) Covers(id uint64) bool {
	a := s.state.Load()
	if a == nil {
		return false
	}
	_, ok := a.ids[id]
	return ok
}

// ActivatedAt returns when the signal was last raised, zero if cleared.
func (s *DeletionSignal) ActivatedAt() time.Time {
	if a := s.state.Load(); a != nil {
		return a.at
	}
	return time.Time{}
}

// Clear lowers the signal.
func (s *DeletionSignal) Clear() {
	s.state.Store(nil)
}
