package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Seednode/pointdeck/poker"
	"github.com/Seednode/pointdeck/store"
	"github.com/google/uuid"
)

// coordinator runs every client command through the same shape: validate
// against the game rules, persist through the store, then broadcast. All
// commands touching one game serialize on that game's lock, so state
// changes are applied and broadcast in the order they are accepted and a
// read right after a mutation sees that mutation. Commands for different
// games proceed in parallel.
type coordinator struct {
	cfg      *Config
	store    store.Store
	registry *registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newCoordinator(cfg *Config, st store.Store, reg *registry) *coordinator {
	return &coordinator{
		cfg:      cfg,
		store:    st,
		registry: reg,
		locks:    make(map[string]*sync.Mutex),
	}
}

// gameLock returns the serialization point for one game, creating it on
// first use.
func (co *coordinator) gameLock(gameID string) *sync.Mutex {
	co.mu.Lock()
	defer co.mu.Unlock()

	lock, ok := co.locks[gameID]
	if !ok {
		lock = &sync.Mutex{}
		co.locks[gameID] = lock
	}

	return lock
}

func (co *coordinator) dropLock(gameID string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	delete(co.locks, gameID)
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// connect registers a freshly attached transport as an anonymous
// connection.
func (co *coordinator) connect(c *connection) error {
	if err := co.registry.register(c); err != nil {
		logf(co.cfg, "ERROR: Registering connection %s: %v", c.id, err)

		return err
	}

	return nil
}

// disconnect tears down a connection after its transport closed. A bound
// player is treated as having left: roster row and vote removed, the rest
// of the game notified. Safe to call more than once; only the first call
// finds the registration.
func (co *coordinator) disconnect(connID string) {
	playerID, gameID, found := co.registry.unregister(connID)
	if !found {
		return
	}

	if playerID != "" && gameID != "" {
		co.removePlayer(gameID, playerID, connID)
	}

	logf(co.cfg, "GAMES: Connection %s closed", connID)
}

// handle dispatches one decoded client command.
func (co *coordinator) handle(connID string, msg clientMessage) {
	switch msg.Type {
	case "join_game":
		co.joinGame(connID, msg.GameID, msg.PlayerName)
	case "leave_game":
		co.leaveGame(connID)
	case "cast_vote":
		co.castVote(connID, msg.Value)
	case "start_voting":
		co.startVoting(connID, msg.Story)
	case "reveal_votes":
		co.revealVotes(connID)
	case "reset_voting":
		co.resetVoting(connID)
	default:
		// ignore unknown types
	}
}

func (co *coordinator) joinGame(connID, gameID, playerName string) {
	if playerName == "" {
		co.fail(connID, "player name is required")

		return
	}
	if _, err := uuid.Parse(gameID); err != nil {
		co.fail(connID, "invalid game id")

		return
	}

	// Joining while already in a game rebinds rather than duplicates: the
	// old binding and membership are dissolved first, so a join that fails
	// past this point leaves the connection in no game rather than haunting
	// its old one.
	if prevPlayer, prevGame, err := co.registry.binding(connID); err == nil && prevGame != "" {
		if err := co.registry.bind(connID, "", ""); err != nil {
			logf(co.cfg, "ERROR: Unbinding connection %s: %v", connID, err)
		}
		co.removePlayer(prevGame, prevPlayer, connID)
	}

	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	game, err := co.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		co.fail(connID, "game not found")

		return
	}
	if err != nil {
		logf(co.cfg, "ERROR: Loading game %s: %v", gameID, err)
		co.fail(connID, "failed to load game")

		return
	}

	player := poker.Player{
		ID:       uuid.NewString(),
		Name:     playerName,
		JoinedAt: time.Now().UTC(),
	}

	// Bind before touching the store: a transport that disappeared while
	// the command was in flight aborts here, before any roster row exists.
	if err := co.registry.bind(connID, player.ID, gameID); err != nil {
		logf(co.cfg, "ERROR: Binding connection %s: %v", connID, err)

		return
	}

	if err := co.store.AddPlayer(ctx, gameID, player); err != nil {
		logf(co.cfg, "ERROR: Adding player to game %s: %v", gameID, err)
		co.abortJoin(ctx, connID, gameID, "")

		return
	}

	// An unowned game is claimed by its first joiner. Ownership is
	// released again when that player leaves.
	if game.OwnerID == "" {
		game.OwnerID = player.ID
		if err := co.store.UpdateGame(ctx, game); err != nil {
			logf(co.cfg, "ERROR: Claiming game %s for player %s: %v", gameID, player.ID, err)
			co.abortJoin(ctx, connID, gameID, player.ID)

			return
		}
	}

	players, err := co.store.GetPlayers(ctx, gameID)
	if err != nil {
		logf(co.cfg, "ERROR: Loading roster for game %s: %v", gameID, err)
		players = []poker.Player{player}
	}

	co.sendTo(connID, gameJoinedMessage{
		Type:    "game_joined",
		Game:    game,
		Players: players,
	})

	co.broadcast(gameID, playerJoinedMessage{
		Type:   "player_joined",
		Player: player,
	}, connID)

	logf(co.cfg, "GAMES: Player %q joined game %s", playerName, gameID)
}

// abortJoin rolls a partially applied join back: the binding is cleared,
// any inserted roster row is removed, and the command is failed. No
// broadcasts; the rest of the game never saw the player.
func (co *coordinator) abortJoin(ctx context.Context, connID, gameID, playerID string) {
	if err := co.registry.bind(connID, "", ""); err != nil && !errors.Is(err, errUnknownConnection) {
		logf(co.cfg, "ERROR: Unbinding connection %s: %v", connID, err)
	}

	if playerID != "" {
		if err := co.store.RemovePlayer(ctx, gameID, playerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logf(co.cfg, "ERROR: Removing player %s from game %s: %v", playerID, gameID, err)
		}
	}

	co.fail(connID, "failed to join game")
}

func (co *coordinator) leaveGame(connID string) {
	playerID, gameID, err := co.registry.binding(connID)
	if err != nil || gameID == "" {
		co.fail(connID, "not in a game")

		return
	}

	if err := co.registry.bind(connID, "", ""); err != nil {
		logf(co.cfg, "ERROR: Unbinding connection %s: %v", connID, err)
	}

	co.removePlayer(gameID, playerID, connID)
}

// removePlayer clears one player's roster row and vote, releases game
// ownership if they held it, and notifies the rest of the game.
func (co *coordinator) removePlayer(gameID, playerID, excludeConn string) {
	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	if err := co.store.RemovePlayer(ctx, gameID, playerID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logf(co.cfg, "ERROR: Removing player %s from game %s: %v", playerID, gameID, err)
		}

		return
	}

	game, err := co.store.GetGame(ctx, gameID)
	if err == nil && game.OwnerID == playerID {
		game.OwnerID = ""
		if err := co.store.UpdateGame(ctx, game); err != nil {
			logf(co.cfg, "ERROR: Releasing ownership of game %s: %v", gameID, err)
		}
	}

	co.broadcast(gameID, playerLeftMessage{
		Type:     "player_left",
		PlayerID: playerID,
	}, excludeConn)

	logf(co.cfg, "GAMES: Player %s left game %s", playerID, gameID)
}

func (co *coordinator) castVote(connID, value string) {
	playerID, gameID, err := co.registry.binding(connID)
	if err != nil || gameID == "" || playerID == "" {
		co.fail(connID, "not in a game")

		return
	}

	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	game, players, loadErr := co.loadGame(ctx, connID, gameID)
	if loadErr {
		return
	}

	// Votes are attributed to the connection's bound player, never
	// guessed from the roster.
	vote, err := poker.Hydrate(game, players, nil).CastVote(playerID, value)
	switch {
	case errors.Is(err, poker.ErrInvalidTransition):
		co.fail(connID, "voting is not in progress")

		return
	case errors.Is(err, poker.ErrPlayerNotFound):
		co.fail(connID, "player is not in this game")

		return
	case err != nil:
		co.fail(connID, "failed to cast vote")

		return
	}

	if err := co.store.CastVote(ctx, gameID, vote); err != nil {
		logf(co.cfg, "ERROR: Casting vote in game %s: %v", gameID, err)
		co.fail(connID, "failed to cast vote")

		return
	}

	// The value stays hidden until reveal.
	co.broadcast(gameID, voteCastMessage{
		Type:     "vote_cast",
		PlayerID: playerID,
		HasVoted: true,
	}, "")

	logf(co.cfg, "GAMES: Player %s voted in game %s", playerID, gameID)
}

func (co *coordinator) startVoting(connID, story string) {
	playerID, gameID, err := co.registry.binding(connID)
	if err != nil || gameID == "" {
		co.fail(connID, "not in a game")

		return
	}

	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	game, players, loadErr := co.loadGame(ctx, connID, gameID)
	if loadErr {
		return
	}

	g := poker.Hydrate(game, players, nil)
	if !g.IsOwner(playerID) {
		co.fail(connID, "only the game owner can start voting")

		return
	}
	if err := g.StartVoting(story); err != nil {
		co.fail(connID, "voting can only start from the waiting state")

		return
	}

	if err := co.store.ClearVotes(ctx, gameID); err != nil {
		logf(co.cfg, "ERROR: Clearing votes for game %s: %v", gameID, err)
		co.fail(connID, "failed to start voting")

		return
	}
	if err := co.store.UpdateGame(ctx, *g); err != nil {
		logf(co.cfg, "ERROR: Updating game %s: %v", gameID, err)
		co.fail(connID, "failed to start voting")

		return
	}

	co.broadcast(gameID, votingStartedMessage{
		Type:  "voting_started",
		Story: story,
	}, "")

	logf(co.cfg, "GAMES: Voting started in game %s for story %q", gameID, story)
}

func (co *coordinator) revealVotes(connID string) {
	playerID, gameID, err := co.registry.binding(connID)
	if err != nil || gameID == "" {
		co.fail(connID, "not in a game")

		return
	}

	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	game, players, loadErr := co.loadGame(ctx, connID, gameID)
	if loadErr {
		return
	}

	g := poker.Hydrate(game, players, nil)
	if !g.IsOwner(playerID) {
		co.fail(connID, "only the game owner can reveal votes")

		return
	}
	if err := g.RevealVotes(); err != nil {
		co.fail(connID, "votes can only be revealed during voting")

		return
	}

	votes, err := co.store.GetVotes(ctx, gameID)
	if err != nil {
		logf(co.cfg, "ERROR: Loading votes for game %s: %v", gameID, err)
		co.fail(connID, "failed to reveal votes")

		return
	}

	if err := co.store.UpdateGame(ctx, *g); err != nil {
		logf(co.cfg, "ERROR: Updating game %s: %v", gameID, err)
		co.fail(connID, "failed to reveal votes")

		return
	}

	co.broadcast(gameID, votesRevealedMessage{
		Type:  "votes_revealed",
		Votes: votes,
	}, "")

	logf(co.cfg, "GAMES: Votes revealed in game %s (%d of %d players voted)",
		gameID, len(votes), len(players))
}

func (co *coordinator) resetVoting(connID string) {
	playerID, gameID, err := co.registry.binding(connID)
	if err != nil || gameID == "" {
		co.fail(connID, "not in a game")

		return
	}

	lock := co.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	game, players, loadErr := co.loadGame(ctx, connID, gameID)
	if loadErr {
		return
	}

	g := poker.Hydrate(game, players, nil)
	if !g.IsOwner(playerID) {
		co.fail(connID, "only the game owner can reset voting")

		return
	}
	g.ResetVoting()

	if err := co.store.ClearVotes(ctx, gameID); err != nil {
		logf(co.cfg, "ERROR: Clearing votes for game %s: %v", gameID, err)
		co.fail(connID, "failed to reset voting")

		return
	}
	if err := co.store.UpdateGame(ctx, *g); err != nil {
		logf(co.cfg, "ERROR: Updating game %s: %v", gameID, err)
		co.fail(connID, "failed to reset voting")

		return
	}

	co.broadcast(gameID, votingResetMessage{
		Type: "voting_reset",
	}, "")

	logf(co.cfg, "GAMES: Voting reset in game %s", gameID)
}

// loadGame fetches a game record and its roster, reporting failures to the
// caller's connection. The bool result is true when the caller should bail
// out.
func (co *coordinator) loadGame(ctx context.Context, connID, gameID string) (poker.Game, []poker.Player, bool) {
	game, err := co.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		co.fail(connID, "game not found")

		return poker.Game{}, nil, true
	}
	if err != nil {
		logf(co.cfg, "ERROR: Loading game %s: %v", gameID, err)
		co.fail(connID, "failed to load game")

		return poker.Game{}, nil, true
	}

	players, err := co.store.GetPlayers(ctx, gameID)
	if err != nil {
		logf(co.cfg, "ERROR: Loading roster for game %s: %v", gameID, err)
		co.fail(connID, "failed to load game")

		return poker.Game{}, nil, true
	}

	return game, players, false
}

// reapLoop periodically removes games that have been idle longer than the
// configured session timeout, dropping their locks and closing any
// connections still bound to them.
func (co *coordinator) reapLoop(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.reapIdle(idleTimeout)
		}
	}
}

func (co *coordinator) reapIdle(idleTimeout time.Duration) {
	ctx, cancel := storeContext()
	defer cancel()

	reaped, err := co.store.ReapIdleGames(ctx, time.Now().Add(-idleTimeout))
	if err != nil {
		logf(co.cfg, "ERROR: Reaping idle games: %v", err)

		return
	}

	for _, gameID := range reaped {
		co.dropLock(gameID)

		for _, c := range co.registry.forGame(gameID) {
			co.registry.unregister(c.id)
			c.shutdown()
		}

		logf(co.cfg, "GAMES: Reaped idle game %s", gameID)
	}
}
