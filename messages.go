package main

import "github.com/Seednode/pointdeck/poker"

// Messages coming from clients
type clientMessage struct {
	Type       string `json:"type"`                  // "join_game", "leave_game", "cast_vote", "start_voting", "reveal_votes", "reset_voting"
	GameID     string `json:"game_id,omitempty"`     // join_game
	PlayerName string `json:"player_name,omitempty"` // join_game
	Value      string `json:"value,omitempty"`       // cast_vote
	Story      string `json:"story,omitempty"`       // start_voting
}

// gameJoinedMessage is sent only to the joining connection, with the full
// current snapshot.
type gameJoinedMessage struct {
	Type    string         `json:"type"` // "game_joined"
	Game    poker.Game     `json:"game"`
	Players []poker.Player `json:"players"`
}

// playerJoinedMessage goes to everyone else in the game.
type playerJoinedMessage struct {
	Type   string       `json:"type"` // "player_joined"
	Player poker.Player `json:"player"`
}

type playerLeftMessage struct {
	Type     string `json:"type"` // "player_left"
	PlayerID string `json:"player_id"`
}

type votingStartedMessage struct {
	Type  string `json:"type"` // "voting_started"
	Story string `json:"story"`
}

// voteCastMessage deliberately carries no vote value; values stay hidden
// until reveal.
type voteCastMessage struct {
	Type     string `json:"type"` // "vote_cast"
	PlayerID string `json:"player_id"`
	HasVoted bool   `json:"has_voted"`
}

type votesRevealedMessage struct {
	Type  string       `json:"type"` // "votes_revealed"
	Votes []poker.Vote `json:"votes"`
}

type votingResetMessage struct {
	Type string `json:"type"` // "voting_reset"
}

// errorMessage is only ever sent to the connection whose command failed.
type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
