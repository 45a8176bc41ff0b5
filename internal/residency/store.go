// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package residency manages which world cells keep the reclaimer's load
// token.
//
// The Store is the only component that touches the host's token system.
// Every state change goes through one of its transition methods, which
// perform the token operation first and publish the new state only when it
// succeeds. The Freezer and Controller decide which cells to change; they
// never call the token port's mutators themselves.
//
// # State Machine
//
//	Unmanaged ──Manage──▶ Managed ──ContentFreeze──▶ ContentFrozen
//	                       ▲   │                         │
//	                       │   └─PerformanceFreeze─┐     │ Thaw (after expiry)
//	                       │                       ▼     │
//	                       └──PerformanceRestore── PerformanceFrozen
//
// A cell holds the load token if and only if it is Managed.
//
// # Thread Safety
//
// Transitions must run on the tick thread because the token port is not
// safe for concurrent use. State reads (GetState, StateCounts, CellsIn) may
// run on any goroutine.
package residency

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/reclaimer/internal/world"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTransition is returned when a cell's state cannot reach the
	// requested state.
	ErrInvalidTransition = errors.New("invalid residency transition")
	// ErrFrozen is returned when thawing a content-frozen cell before its
	// expiry.
	ErrFrozen = errors.New("cell is still frozen")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used for freeze expiry.
func WithClock(c world.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store tracks the residency state of every touched cell.
type Store struct {
	port    world.TokenPort
	clock   world.Clock
	logger  zerolog.Logger
	verbose atomic.Bool

	cells  sync.Map // world.CellRef -> *slot
	counts [len(States)]atomic.Int64
}

// NewStore creates a store driving port.
func NewStore(port world.TokenPort, opts ...Option) *Store {
	s := &Store{
		port:   port,
		clock:  world.SystemClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVerbose toggles debug diagnostics.
func (s *Store) SetVerbose(v bool) { s.verbose.Store(v) }

func (s *Store) debug() *zerolog.Event {
	if !s.verbose.Load() {
		return nil
	}
	return s.logger.Debug()
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

func (s *Store) slot(ref world.CellRef) *slot {
	if v, ok := s.cells.Load(ref); ok {
		return v.(*slot)
	}
	v, _ := s.cells.LoadOrStore(ref, &slot{})
	return v.(*slot)
}

// Lookup returns the cell's record. Untouched cells report an Unmanaged
// zero record.
func (s *Store) Lookup(ref world.CellRef) Record {
	if v, ok := s.cells.Load(ref); ok {
		return v.(*slot).load()
	}
	return Record{}
}

// GetState returns the cell's state, Unmanaged for untouched cells.
func (s *Store) GetState(ref world.CellRef) State {
	return s.Lookup(ref).State()
}

// transition moves ref from one of the allowed states to target. The token
// operation runs before the new record is published; if it fails the state
// is left unchanged.
func (s *Store) transition(ref world.CellRef, from State, to State, tokenOp func() error, expiry time.Duration) error {
	sl := s.slot(ref)
	old := sl.head.Load()
	cur := Record{}
	if old != nil {
		cur = *old
	}
	if cur.State() != from {
		s.debug().Str("cell", ref.String()).Stringer("state", cur.State()).Stringer("target", to).Msg("transition refused")
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, ref, cur.State(), from)
	}
	if err := tokenOp(); err != nil {
		s.debug().Err(err).Str("cell", ref.String()).Stringer("target", to).Msg("token operation failed")
		return fmt.Errorf("%s %s -> %s: %w", ref, from, to, err)
	}

	now := s.clock.Now()
	next := cur.WithState(to, now)
	if expiry > 0 {
		next = next.WithExpiry(now.Add(expiry))
	}
	if !sl.publish(old, next) {
		// Transitions are single-writer; losing this race means misuse.
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, ref)
	}
	if old != nil {
		s.counts[from].Add(-1)
	}
	s.counts[to].Add(1)
	return nil
}

func (s *Store) acquire(ref world.CellRef) func() error {
	return func() error { return s.port.AcquireToken(ref.Region, ref.Cell) }
}

func (s *Store) release(ref world.CellRef) func() error {
	return func() error { return s.port.ReleaseToken(ref.Region, ref.Cell) }
}

// Manage puts an unmanaged cell under management by acquiring its token.
func (s *Store) Manage(ref world.CellRef) error {
	return s.transition(ref, Unmanaged, Managed, s.acquire(ref), 0)
}

// ContentFreeze releases a managed cell's token for the given duration.
func (s *Store) ContentFreeze(ref world.CellRef, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: freeze duration must be positive", ErrInvalidTransition)
	}
	return s.transition(ref, Managed, ContentFrozen, s.release(ref), d)
}

// Thaw returns a content-frozen cell to management once its freeze expired.
func (s *Store) Thaw(ref world.CellRef) error {
	rec := s.Lookup(ref)
	if rec.State() == ContentFrozen && !rec.Expired(s.clock.Now()) {
		return fmt.Errorf("%w: %w: %s until %s", ErrInvalidTransition, ErrFrozen, ref, rec.Expiry().Format(time.RFC3339))
	}
	return s.transition(ref, ContentFrozen, Managed, s.acquire(ref), 0)
}

// PerformanceFreeze suspends a managed cell.
func (s *Store) PerformanceFreeze(ref world.CellRef) error {
	return s.transition(ref, Managed, PerformanceFrozen, s.release(ref), 0)
}

// PerformanceRestore resumes a suspended cell.
func (s *Store) PerformanceRestore(ref world.CellRef) error {
	return s.transition(ref, PerformanceFrozen, Managed, s.acquire(ref), 0)
}

// ExpireFrozen thaws every content-frozen cell whose expiry has passed and
// returns the cells it thawed. Cells whose token cannot be re-acquired stay
// frozen and are retried on the next call.
func (s *Store) ExpireFrozen() ([]world.CellRef, error) {
	now := s.clock.Now()
	var thawed []world.CellRef
	var errs []error
	for _, ref := range s.CellsIn(ContentFrozen) {
		if !s.Lookup(ref).Expired(now) {
			continue
		}
		if err := s.Thaw(ref); err != nil {
			errs = append(errs, err)
			continue
		}
		thawed = append(thawed, ref)
	}
	return thawed, errors.Join(errs...)
}

// RevokeTokens revokes foreign tokens on a cell. Exempt kinds and the
// reclaimer's own token are skipped. It returns how many were revoked.
func (s *Store) RevokeTokens(ref world.CellRef, tokens []world.Token) (int, error) {
	revoked := 0
	for _, t := range tokens {
		if t.Kind.Exempt() || t.Kind == world.TokenManaged {
			continue
		}
		if err := s.port.RevokeToken(ref.Region, ref.Cell, t); err != nil {
			s.debug().Err(err).Str("cell", ref.String()).Str("kind", string(t.Kind)).Msg("token revoke failed")
			return revoked, fmt.Errorf("revoke %s on %s: %w", t.Kind, ref, err)
		}
		revoked++
	}
	return revoked, nil
}

// Tokens lists the tokens anchored at a cell.
func (s *Store) Tokens(ref world.CellRef) ([]world.Token, error) {
	return s.port.ListTokens(ref.Region, ref.Cell)
}

// TokenCells lists cells within radius of center that hold tokens. ok is
// false when the port has no spatial index.
func (s *Store) TokenCells(region world.Region, center world.CellPos, radius int) (cells []world.CellPos, ok bool, err error) {
	idx, ok := s.port.(world.SpatialTokenIndex)
	if !ok {
		return nil, false, nil
	}
	cells, err = idx.TokenCells(region, center, radius)
	return cells, true, err
}

// HasToken reports whether the cell currently holds the reclaimer's token.
func (s *Store) HasToken(ref world.CellRef) (bool, error) {
	tokens, err := s.port.ListTokens(ref.Region, ref.Cell)
	if err != nil {
		return false, err
	}
	for _, t := range tokens {
		if t.Kind == world.TokenManaged {
			return true, nil
		}
	}
	return false, nil
}

// CellsIn returns every cell with a record in state st, in no particular
// order.
func (s *Store) CellsIn(st State) []world.CellRef {
	var out []world.CellRef
	s.cells.Range(func(k, v any) bool {
		r := v.(*slot).head.Load()
		if r != nil && r.State() == st {
			out = append(out, k.(world.CellRef))
		}
		return true
	})
	return out
}

// StateCounts returns how many touched cells are in each state.
func (s *Store) StateCounts() map[State]int {
	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = int(s.counts[st].Load())
	}
	return out
}

// Len returns the number of cells with a record.
func (s *Store) Len() int {
	n := 0
	for i := range s.counts {
		n += int(s.counts[i].Load())
	}
	return n
}
