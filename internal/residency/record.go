// Licensed under the MIT License. See LICENSE file in the project root for details.

package residency

import (
	"sync/atomic"
	"time"
)

// State is a cell's residency state.
type State uint8

const (
	// Unmanaged cells are untouched by the reclaimer. Every cell starts here.
	Unmanaged State = iota
	// Managed cells hold the reclaimer's load token.
	Managed
	// ContentFrozen cells released their token because their content
	// overloaded them. The freeze lasts until the record's expiry.
	ContentFrozen
	// PerformanceFrozen cells were suspended by the performance controller.
	PerformanceFrozen
)

// States lists every state in declaration order.
var States = [...]State{Unmanaged, Managed, ContentFrozen, PerformanceFrozen}

func (s State) String() string {
	switch s {
	case Unmanaged:
		return "unmanaged"
	case Managed:
		return "managed"
	case ContentFrozen:
		return "content_frozen"
	case PerformanceFrozen:
		return "performance_frozen"
	default:
		return "invalid"
	}
}

// Record is an immutable snapshot of one cell's residency. Changes produce a
// new Record through the With constructors.
type Record struct {
	state    State
	expiry   time.Time
	since    time.Time
	revision uint64
}

// State returns the recorded state.
func (r Record) State() State { return r.state }

// Expiry returns when a content freeze ends. It is zero for other states.
func (r Record) Expiry() time.Time { return r.expiry }

// Since returns when the cell entered its state.
func (r Record) Since() time.Time { return r.since }

// Revision counts the transitions the cell has gone through.
func (r Record) Revision() uint64 { return r.revision }

// Expired reports whether a content freeze has run out at now.
func (r Record) Expired(now time.Time) bool {
	return r.state == ContentFrozen && !now.Before(r.expiry)
}

// WithState returns a record in state s entered at the given time. The
// expiry is cleared.
func (r Record) WithState(s State, at time.Time) Record {
	return Record{state: s, since: at, revision: r.revision + 1}
}

// WithExpiry returns a copy of r that expires at t.
func (r Record) WithExpiry(t time.Time) Record {
	r.expiry = t
	return r
}

// slot publishes a cell's current record. Readers on any goroutine see
// either the old or the new record, never a partial one.
type slot struct {
	head atomic.Pointer[Record]
}

func (s *slot) load() Record {
	if r := s.head.Load(); r != nil {
		return *r
	}
	return Record{}
}

// publish installs next if the slot still holds old.
func (s *slot) publish(old *Record, next Record) bool {
	return s.head.CompareAndSwap(old, &next)
}
