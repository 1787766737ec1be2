package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Seednode/pointdeck/poker"
)

// Memory is an in-memory Store for tests and throwaway deployments. All
// state is lost on shutdown.
type Memory struct {
	mu      sync.RWMutex
	games   map[string]poker.Game
	players map[string]map[string]poker.Player
	votes   map[string]map[string]poker.Vote
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		games:   make(map[string]poker.Game),
		players: make(map[string]map[string]poker.Player),
		votes:   make(map[string]map[string]poker.Vote),
	}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) CreateGame(_ context.Context, game poker.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	game.Players = nil
	game.Votes = nil
	m.games[game.ID] = game
	m.players[game.ID] = make(map[string]poker.Player)
	m.votes[game.ID] = make(map[string]poker.Vote)

	return nil
}

func (m *Memory) GetGame(_ context.Context, gameID string) (poker.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	game, ok := m.games[gameID]
	if !ok {
		return poker.Game{}, ErrNotFound
	}

	return game, nil
}

func (m *Memory) UpdateGame(_ context.Context, game poker.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.games[game.ID]
	if !ok {
		return ErrNotFound
	}

	current.Name = game.Name
	current.OwnerID = game.OwnerID
	current.VotingSystem = game.VotingSystem
	current.State = game.State
	current.CurrentStory = game.CurrentStory
	current.UpdatedAt = time.Now().UTC()
	m.games[game.ID] = current

	return nil
}

func (m *Memory) DeleteGame(_ context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.games, gameID)
	delete(m.players, gameID)
	delete(m.votes, gameID)

	return nil
}

func (m *Memory) AddPlayer(_ context.Context, gameID string, player poker.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	roster, ok := m.players[gameID]
	if !ok {
		return ErrNotFound
	}
	roster[player.ID] = player
	m.touch(gameID)

	return nil
}

func (m *Memory) RemovePlayer(_ context.Context, gameID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	roster, ok := m.players[gameID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := roster[playerID]; !ok {
		return ErrNotFound
	}

	delete(roster, playerID)
	delete(m.votes[gameID], playerID)
	m.touch(gameID)

	return nil
}

func (m *Memory) GetPlayers(_ context.Context, gameID string) ([]poker.Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roster, ok := m.players[gameID]
	if !ok {
		return nil, ErrNotFound
	}

	players := make([]poker.Player, 0, len(roster))
	for _, player := range roster {
		players = append(players, player)
	}
	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].JoinedAt.Before(players[j].JoinedAt)
		}
		return players[i].ID < players[j].ID
	})

	return players, nil
}

func (m *Memory) CastVote(_ context.Context, gameID string, vote poker.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	votes, ok := m.votes[gameID]
	if !ok {
		return ErrNotFound
	}
	votes[vote.PlayerID] = vote
	m.touch(gameID)

	return nil
}

func (m *Memory) GetVotes(_ context.Context, gameID string) ([]poker.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recorded, ok := m.votes[gameID]
	if !ok {
		return nil, ErrNotFound
	}

	votes := make([]poker.Vote, 0, len(recorded))
	for _, vote := range recorded {
		votes = append(votes, vote)
	}
	sort.Slice(votes, func(i, j int) bool {
		if !votes[i].CastAt.Equal(votes[j].CastAt) {
			return votes[i].CastAt.Before(votes[j].CastAt)
		}
		return votes[i].PlayerID < votes[j].PlayerID
	})

	return votes, nil
}

func (m *Memory) ClearVotes(_ context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.votes[gameID]; !ok {
		return ErrNotFound
	}
	m.votes[gameID] = make(map[string]poker.Vote)
	m.touch(gameID)

	return nil
}

func (m *Memory) ReapIdleGames(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []string
	for id, game := range m.games {
		if game.UpdatedAt.Before(cutoff) {
			reaped = append(reaped, id)
		}
	}

	for _, id := range reaped {
		delete(m.games, id)
		delete(m.players, id)
		delete(m.votes, id)
	}

	return reaped, nil
}

// touch assumes m.mu is already held for writing.
func (m *Memory) touch(gameID string) {
	game, ok := m.games[gameID]
	if !ok {
		return
	}
	game.UpdatedAt = time.Now().UTC()
	m.games[gameID] = game
}
