// Package store persists games, rosters, and votes for the session layer.
// Two implementations are provided: a sqlite-backed store for normal
// operation and an in-memory store for tests and throwaway deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Seednode/pointdeck/poker"
)

// ErrNotFound is returned when a game or player does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence capability consumed by the session coordinator.
// Each call is atomic on its own; multi-step invariants are the caller's
// responsibility. Every mutation of a game's roster or votes also touches
// the game's updated_at so idle reaping sees activity.
type Store interface {
	// CreateGame inserts a game record as provided, timestamps included.
	CreateGame(ctx context.Context, game poker.Game) error
	// GetGame returns a game record without its roster or votes, or
	// ErrNotFound.
	GetGame(ctx context.Context, gameID string) (poker.Game, error)
	// UpdateGame rewrites a game's mutable fields (name, owner, voting
	// system, state, story) and stamps updated_at.
	UpdateGame(ctx context.Context, game poker.Game) error
	// DeleteGame removes a game along with its players and votes.
	DeleteGame(ctx context.Context, gameID string) error

	// AddPlayer inserts a roster row for a game.
	AddPlayer(ctx context.Context, gameID string, player poker.Player) error
	// RemovePlayer deletes a roster row and any vote cast by that player.
	RemovePlayer(ctx context.Context, gameID, playerID string) error
	// GetPlayers returns a game's roster ordered by join time.
	GetPlayers(ctx context.Context, gameID string) ([]poker.Player, error)

	// CastVote upserts a vote keyed by (game, player); casting again
	// overwrites the prior vote.
	CastVote(ctx context.Context, gameID string, vote poker.Vote) error
	// GetVotes returns all votes recorded for a game.
	GetVotes(ctx context.Context, gameID string) ([]poker.Vote, error)
	// ClearVotes deletes all votes for a game.
	ClearVotes(ctx context.Context, gameID string) error

	// ReapIdleGames deletes every game not updated since cutoff and
	// returns the ids that were removed.
	ReapIdleGames(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
