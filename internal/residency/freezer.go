// Licensed under the MIT License. See LICENSE file in the project root for details.

package residency

import (
	"errors"
	"sort"

	"github.com/kianostad/reclaimer/internal/config"
	"github.com/kianostad/reclaimer/internal/world"
	"github.com/rs/zerolog"
)

// FreezeResult describes one freezer run.
type FreezeResult struct {
	Target world.CellRef
	// Cells lists the cells whose tokens were revoked, nearest first.
	Cells []world.CellRef
	// Tokens is the number of tokens revoked across all cells.
	Tokens int
	// Fallback is set when no candidate qualified and the target's own
	// tokens were revoked instead.
	Fallback bool
	// Frozen is set when the target itself moved to ContentFrozen.
	Frozen bool
}

// Freezer relieves overloaded cells by revoking the tokens that keep them
// loaded.
//
// A token anchored at cell C with level L is held responsible for a target
// T when Chebyshev(C, T) <= InfluenceBase - L. Candidates are limited to
// SearchRadius around T, so every revoked cell lies within it.
type Freezer struct {
	store  *Store
	logger zerolog.Logger
}

// NewFreezer creates a freezer that applies its decisions through store.
func NewFreezer(store *Store, logger zerolog.Logger) *Freezer {
	return &Freezer{store: store, logger: logger}
}

// InfluenceRadius returns how far a token of the given level reaches.
// Negative results mean the token reaches nothing.
func InfluenceRadius(base, level int) int {
	return base - level
}

// qualifying filters a candidate's tokens to those responsible for a target
// at distance dist.
func qualifying(tokens []world.Token, dist int, cfg config.Config) []world.Token {
	var out []world.Token
	for _, t := range tokens {
		if t.Kind.Exempt() || t.Kind == world.TokenManaged {
			continue
		}
		if t.Level >= cfg.LevelCeiling {
			continue
		}
		if r := InfluenceRadius(cfg.InfluenceBase, t.Level); r < 0 || dist > r {
			continue
		}
		out = append(out, t)
	}
	return out
}

// candidates returns the cells within the search radius that may hold
// tokens, nearest first.
func (f *Freezer) candidates(target world.CellRef, radius int) ([]world.CellPos, error) {
	cells, indexed, err := f.store.TokenCells(target.Region, target.Cell, radius)
	if err != nil {
		return nil, err
	}
	if !indexed {
		world.Square(target.Cell, radius, func(c world.CellPos) bool {
			cells = append(cells, c)
			return true
		})
		return cells, nil
	}

	in := make([]world.CellPos, 0, len(cells))
	for _, c := range cells {
		if c.Chebyshev(target.Cell) <= radius {
			in = append(in, c)
		}
	}
	sort.SliceStable(in, func(i, j int) bool {
		return in[i].Chebyshev(target.Cell) < in[j].Chebyshev(target.Cell)
	})
	return in, nil
}

// Freeze revokes the causes of target's load. Failures on individual cells
// are joined into the returned error; the result still reports what was
// revoked.
func (f *Freezer) Freeze(target world.CellRef, cfg config.Config) (FreezeResult, error) {
	res := FreezeResult{Target: target}
	cells, err := f.candidates(target, cfg.SearchRadius)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, c := range cells {
		ref := world.CellRef{Region: target.Region, Cell: c}
		tokens, err := f.store.Tokens(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		q := qualifying(tokens, c.Chebyshev(target.Cell), cfg)
		if len(q) == 0 {
			continue
		}
		n, err := f.store.RevokeTokens(ref, q)
		res.Tokens += n
		if n > 0 {
			res.Cells = append(res.Cells, ref)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(res.Cells) == 0 {
		res.Fallback = true
		tokens, err := f.store.Tokens(target)
		if err != nil {
			errs = append(errs, err)
		} else {
			n, err := f.store.RevokeTokens(target, tokens)
			res.Tokens += n
			if n > 0 {
				res.Cells = append(res.Cells, target)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if f.store.GetState(target) == Managed {
		if err := f.store.ContentFreeze(target, cfg.FreezeDuration); err != nil {
			errs = append(errs, err)
		} else {
			res.Frozen = true
		}
	}

	if cfg.Verbose {
		f.logger.Debug().
			Str("cell", target.String()).
			Int("cells", len(res.Cells)).
			Int("tokens", res.Tokens).
			Bool("fallback", res.Fallback).
			Bool("frozen", res.Frozen).
			Msg("freezer run")
	}
	return res, errors.Join(errs...)
}
