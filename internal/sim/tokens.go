// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sim is an in-memory host world: a load-token table, live objects
// and a manual clock. It backs the command line tools and the tests.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kianostad/reclaimer/internal/world"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("injected token failure")

// TokenTable is a simulated load-token system. It implements
// world.TokenPort and world.SpatialTokenIndex.
type TokenTable struct {
	mu     sync.Mutex
	tokens map[world.CellRef][]world.Token
	failed map[world.Region]bool
	ops    int
}

// NewTokenTable creates an empty table.
func NewTokenTable() *TokenTable {
	return &TokenTable{
		tokens: make(map[world.CellRef][]world.Token),
		failed: make(map[world.Region]bool),
	}
}

// FailRegion makes every operation on region fail until cleared.
func (t *TokenTable) FailRegion(region world.Region, fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fail {
		t.failed[region] = true
	} else {
		delete(t.failed, region)
	}
}

func (t *TokenTable) check(region world.Region) error {
	t.ops++
	if t.failed[region] {
		return fmt.Errorf("%w: region %s", ErrInjected, region)
	}
	return nil
}

// Add anchors a token at a cell.
func (t *TokenTable) Add(ref world.CellRef, token world.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[ref] = append(t.tokens[ref], token)
}

// AcquireToken implements world.TokenPort.
func (t *TokenTable) AcquireToken(region world.Region, cell world.CellPos) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(region); err != nil {
		return err
	}
	ref := world.CellRef{Region: region, Cell: cell}
	for _, tok := range t.tokens[ref] {
		if tok.Kind == world.TokenManaged {
			return nil
		}
	}
	t.tokens[ref] = append(t.tokens[ref], world.Token{Kind: world.TokenManaged, Level: 31})
	return nil
}

// ReleaseToken implements world.TokenPort.
func (t *TokenTable) ReleaseToken(region world.Region, cell world.CellPos) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(region); err != nil {
		return err
	}
	t.remove(world.CellRef{Region: region, Cell: cell}, func(tok world.Token) bool {
		return tok.Kind == world.TokenManaged
	})
	return nil
}

// ListTokens implements world.TokenPort.
func (t *TokenTable) ListTokens(region world.Region, cell world.CellPos) ([]world.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(region); err != nil {
		return nil, err
	}
	return append([]world.Token(nil), t.tokens[world.CellRef{Region: region, Cell: cell}]...), nil
}

// RevokeToken implements world.TokenPort.
func (t *TokenTable) RevokeToken(region world.Region, cell world.CellPos, token world.Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(region); err != nil {
		return err
	}
	if !t.remove(world.CellRef{Region: region, Cell: cell}, func(tok world.Token) bool { return tok == token }) {
		return fmt.Errorf("token %s not held by %s%s", token.Kind, region, cell)
	}
	return nil
}

// remove drops the first token matching pred.
func (t *TokenTable) remove(ref world.CellRef, pred func(world.Token) bool) bool {
	list := t.tokens[ref]
	for i, tok := range list {
		if pred(tok) {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(t.tokens, ref)
			} else {
				t.tokens[ref] = list
			}
			return true
		}
	}
	return false
}

// TokenCells implements world.SpatialTokenIndex.
func (t *TokenTable) TokenCells(region world.Region, center world.CellPos, radius int) ([]world.CellPos, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(region); err != nil {
		return nil, err
	}
	var out []world.CellPos
	for ref := range t.tokens {
		if ref.Region == region && ref.Cell.Chebyshev(center) <= radius {
			out = append(out, ref.Cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Cells returns every cell holding at least one token.
func (t *TokenTable) Cells() []world.CellRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]world.CellRef, 0, len(t.tokens))
	for ref := range t.tokens {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Ops returns how many port calls were made.
func (t *TokenTable) Ops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops
}

// Flat exposes only world.TokenPort, so callers without a spatial index
// probe cells one by one.
type Flat struct {
	Table *TokenTable
}

func (f Flat) AcquireToken(region world.Region, cell world.CellPos) error {
	return f.Table.AcquireToken(region, cell)
}

func (f Flat) ReleaseToken(region world.Region, cell world.CellPos) error {
	return f.Table.ReleaseToken(region, cell)
}

func (f Flat) ListTokens(region world.Region, cell world.CellPos) ([]world.Token, error) {
	return f.Table.ListTokens(region, cell)
}

func (f Flat) RevokeToken(region world.Region, cell world.CellPos, token world.Token) error {
	return f.Table.RevokeToken(region, cell, token)
}
