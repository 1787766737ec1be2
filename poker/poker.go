// Package poker holds the planning poker game model: the roster, the vote
// set, and the Waiting → Voting → Revealed lifecycle. It performs no I/O;
// persistence and fan-out live with the caller.
package poker

import (
	"errors"
	"time"
)

// State is the lifecycle phase of a game.
type State string

const (
	StateWaiting  State = "Waiting"
	StateVoting   State = "Voting"
	StateRevealed State = "Revealed"
)

var (
	// ErrInvalidTransition is returned when an operation is not legal in
	// the game's current state.
	ErrInvalidTransition = errors.New("invalid game state transition")

	// ErrPlayerNotFound is returned when an operation references a player
	// who is not in the game's roster.
	ErrPlayerNotFound = errors.New("player not in game")
)

// Player is one roster entry.
type Player struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IsObserver bool      `json:"is_observer"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Vote is one player's estimate, keyed by player within a game. The player
// name is snapshotted at cast time so revealed votes stay attributable even
// if the roster changes afterwards.
type Vote struct {
	PlayerID   string    `json:"player_id"`
	PlayerName string    `json:"player_name"`
	Value      string    `json:"value"`
	CastAt     time.Time `json:"cast_at"`
}

// Game is one estimation session. The scalar fields form the persisted
// game record; Players and Votes are hydrated from their own records when
// the rules need them.
type Game struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"owner_id"`
	VotingSystem string    `json:"voting_system"`
	State        State     `json:"state"`
	CurrentStory string    `json:"current_story,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Players map[string]Player `json:"-"`
	Votes   map[string]Vote   `json:"-"`
}

// Hydrate combines a stored game record with its player and vote records
// into a Game ready for rule checks.
func Hydrate(game Game, players []Player, votes []Vote) *Game {
	game.Players = make(map[string]Player, len(players))
	for _, p := range players {
		game.Players[p.ID] = p
	}

	game.Votes = make(map[string]Vote, len(votes))
	for _, v := range votes {
		game.Votes[v.PlayerID] = v
	}

	return &game
}

// AddPlayer puts a player in the roster. Legal in any state.
func (g *Game) AddPlayer(p Player) {
	if g.Players == nil {
		g.Players = make(map[string]Player)
	}
	g.Players[p.ID] = p
}

// RemovePlayer drops a player from the roster along with any vote they had
// cast. Legal in any state; the game state itself is unchanged.
func (g *Game) RemovePlayer(playerID string) error {
	if _, ok := g.Players[playerID]; !ok {
		return ErrPlayerNotFound
	}

	delete(g.Players, playerID)
	delete(g.Votes, playerID)

	return nil
}

// StartVoting sets the story, clears all votes, and moves the game into
// Voting. Legal only from Waiting; an illegal attempt leaves the game
// untouched.
func (g *Game) StartVoting(story string) error {
	if g.State != StateWaiting {
		return ErrInvalidTransition
	}

	g.CurrentStory = story
	g.Votes = make(map[string]Vote)
	g.State = StateVoting

	return nil
}

// CastVote records one player's estimate, overwriting any previous vote by
// the same player. Legal only during Voting, and only for players in the
// roster. Returns the recorded vote with its name snapshot and timestamp.
func (g *Game) CastVote(playerID, value string) (Vote, error) {
	if g.State != StateVoting {
		return Vote{}, ErrInvalidTransition
	}

	p, ok := g.Players[playerID]
	if !ok {
		return Vote{}, ErrPlayerNotFound
	}

	v := Vote{
		PlayerID:   playerID,
		PlayerName: p.Name,
		Value:      value,
		CastAt:     time.Now().UTC(),
	}

	if g.Votes == nil {
		g.Votes = make(map[string]Vote)
	}
	g.Votes[playerID] = v

	return v, nil
}

// RevealVotes moves the game from Voting to Revealed. The recorded votes
// are untouched. Reveal is owner-driven; a full vote set is not required.
func (g *Game) RevealVotes() error {
	if g.State != StateVoting {
		return ErrInvalidTransition
	}

	g.State = StateRevealed

	return nil
}

// ResetVoting clears the votes and the story and returns the game to
// Waiting. Legal from any state.
func (g *Game) ResetVoting() {
	g.State = StateWaiting
	g.Votes = make(map[string]Vote)
	g.CurrentStory = ""
}

// IsOwner reports whether playerID owns this game.
func (g *Game) IsOwner(playerID string) bool {
	return playerID != "" && g.OwnerID == playerID
}

// AllPlayersVoted reports whether every roster member has a recorded vote.
// Advisory only; reveal does not require it.
func (g *Game) AllPlayersVoted() bool {
	return len(g.Players) == len(g.Votes)
}
