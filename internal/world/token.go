// Licensed under the MIT License. See LICENSE file in the project root for details.

package world

// TokenKind names the origin of a load token.
type TokenKind string

const (
	TokenPlayer       TokenKind = "player"
	TokenPostTeleport TokenKind = "post_teleport"
	TokenPortal       TokenKind = "portal"
	TokenSpawn        TokenKind = "start"
	TokenDragon       TokenKind = "dragon"
	TokenForced       TokenKind = "forced"
	TokenLight        TokenKind = "light"
	TokenUnknown      TokenKind = "unknown"
	// TokenManaged is the token the residency store itself holds.
	TokenManaged TokenKind = "reclaimer"
)

// exemptKinds are never revoked: player proximity and teleport/spawn guarantees.
var exemptKinds = map[TokenKind]struct{}{
	TokenPlayer:       {},
	TokenPostTeleport: {},
	TokenPortal:       {},
	TokenSpawn:        {},
	TokenDragon:       {},
}

// Exempt reports whether tokens of this kind may never be revoked.
func (k TokenKind) Exempt() bool {
	_, ok := exemptKinds[k]
	return ok
}

// Token is one load guarantee anchored at a cell. Lower levels are stronger.
type Token struct {
	Kind  TokenKind
	Level int
	// Owner distinguishes tokens of the same kind and level on one cell.
	Owner uint64
}

// TokenPort is the host's load-token system. It is not safe for concurrent
// use; the reclaimer calls it only from the tick thread.
type TokenPort interface {
	// AcquireToken adds the reclaimer's own token to the cell.
	AcquireToken(region Region, cell CellPos) error
	// ReleaseToken removes the reclaimer's own token from the cell.
	ReleaseToken(region Region, cell CellPos) error
	// ListTokens returns every token anchored at the cell.
	ListTokens(region Region, cell CellPos) ([]Token, error)
	// RevokeToken removes one foreign token from the cell.
	RevokeToken(region Region, cell CellPos, token Token) error
}

// SpatialTokenIndex is optionally implemented by a TokenPort that can list
// the cells holding tokens near a point without probing every cell.
type SpatialTokenIndex interface {
	TokenCells(region Region, center CellPos, radius int) ([]CellPos, error)
}
