package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Seednode/pointdeck/poker"
	"github.com/Seednode/pointdeck/store"
	"github.com/google/uuid"
)

func newTestCoordinator(t *testing.T) (*coordinator, store.Store) {
	t.Helper()

	st := store.NewMemory()

	return newCoordinator(&Config{}, st, newRegistry()), st
}

func createTestGame(t *testing.T, st store.Store) string {
	t.Helper()

	now := time.Now().UTC()
	game := poker.Game{
		ID:           uuid.NewString(),
		Name:         "Sprint 12",
		VotingSystem: poker.Fibonacci,
		State:        poker.StateWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreateGame(context.Background(), game); err != nil {
		t.Fatalf("create game: %v", err)
	}

	return game.ID
}

// join attaches a fresh connection and runs the join command through the
// normal dispatch path, returning the connection and its assigned player
// id. Connections carry no socket; queued messages are read straight off
// the send channel.
func join(t *testing.T, co *coordinator, gameID, name string) (*connection, string) {
	t.Helper()

	c := newConnection(uuid.NewString(), nil)
	if err := co.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}

	co.handle(c.id, clientMessage{Type: "join_game", GameID: gameID, PlayerName: name})

	playerID, boundGame, err := co.registry.binding(c.id)
	if err != nil || boundGame != gameID || playerID == "" {
		t.Fatalf("join %q: binding = %s/%s, err = %v", name, playerID, boundGame, err)
	}

	return c, playerID
}

func recv(t *testing.T, c *connection) any {
	t.Helper()

	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatalf("no message queued for connection %s", c.id)

		return nil
	}
}

func drain(c *connection) []any {
	var msgs []any
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestJoinGameDeliversSnapshotAndNotifies(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, aliceID := join(t, co, gameID, "Alice")

	joined, ok := recv(t, a).(gameJoinedMessage)
	if !ok {
		t.Fatalf("first message to joiner was not game_joined")
	}
	if joined.Game.ID != gameID {
		t.Fatalf("snapshot game = %s, want %s", joined.Game.ID, gameID)
	}
	if joined.Game.OwnerID != aliceID {
		t.Fatalf("first joiner did not claim ownership: owner = %q", joined.Game.OwnerID)
	}
	if len(joined.Players) != 1 {
		t.Fatalf("snapshot roster = %d players, want 1", len(joined.Players))
	}

	b, bobID := join(t, co, gameID, "Bob")

	joinedB, ok := recv(t, b).(gameJoinedMessage)
	if !ok {
		t.Fatalf("first message to second joiner was not game_joined")
	}
	if len(joinedB.Players) != 2 {
		t.Fatalf("second snapshot roster = %d players, want 2", len(joinedB.Players))
	}
	if joinedB.Game.OwnerID != aliceID {
		t.Fatalf("ownership moved to %q on second join", joinedB.Game.OwnerID)
	}

	note, ok := recv(t, a).(playerJoinedMessage)
	if !ok {
		t.Fatalf("existing player did not receive player_joined")
	}
	if note.Player.ID != bobID || note.Player.Name != "Bob" {
		t.Fatalf("player_joined = %+v, want Bob (%s)", note.Player, bobID)
	}

	// The joiner gets the snapshot, not its own join notification.
	if msgs := drain(b); len(msgs) != 0 {
		t.Fatalf("joiner received extra messages: %v", msgs)
	}
}

func TestJoinGameValidation(t *testing.T) {
	co, _ := newTestCoordinator(t)

	c := newConnection(uuid.NewString(), nil)
	if err := co.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tests := []struct {
		msg  clientMessage
		want string
	}{
		{clientMessage{Type: "join_game", GameID: uuid.NewString()}, "player name is required"},
		{clientMessage{Type: "join_game", GameID: "not-a-uuid", PlayerName: "Alice"}, "invalid game id"},
		{clientMessage{Type: "join_game", GameID: uuid.NewString(), PlayerName: "Alice"}, "game not found"},
	}

	for _, test := range tests {
		co.handle(c.id, test.msg)

		failure, ok := recv(t, c).(errorMessage)
		if !ok {
			t.Fatalf("reply to %+v was not an error", test.msg)
		}
		if failure.Message != test.want {
			t.Fatalf("error = %q, want %q", failure.Message, test.want)
		}
	}

	if _, gameID, _ := co.registry.binding(c.id); gameID != "" {
		t.Fatalf("rejected join still bound the connection to %s", gameID)
	}
}

func TestVotingRound(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, aliceID := join(t, co, gameID, "Alice")
	b, bobID := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	co.handle(a.id, clientMessage{Type: "start_voting", Story: "story-1"})

	for _, c := range []*connection{a, b} {
		started, ok := recv(t, c).(votingStartedMessage)
		if !ok || started.Story != "story-1" {
			t.Fatalf("connection %s: voting_started not delivered", c.id)
		}
	}

	co.handle(a.id, clientMessage{Type: "cast_vote", Value: "5"})
	co.handle(b.id, clientMessage{Type: "cast_vote", Value: "8"})

	// Everyone learns who voted, nobody learns what.
	for _, c := range []*connection{a, b} {
		for _, wantPlayer := range []string{aliceID, bobID} {
			cast, ok := recv(t, c).(voteCastMessage)
			if !ok {
				t.Fatalf("connection %s: vote_cast not delivered", c.id)
			}
			if cast.PlayerID != wantPlayer || !cast.HasVoted {
				t.Fatalf("vote_cast = %+v, want player %s", cast, wantPlayer)
			}
		}
	}

	co.handle(a.id, clientMessage{Type: "reveal_votes"})

	for _, c := range []*connection{a, b} {
		revealed, ok := recv(t, c).(votesRevealedMessage)
		if !ok {
			t.Fatalf("connection %s: votes_revealed not delivered", c.id)
		}

		values := make(map[string]string, len(revealed.Votes))
		for _, vote := range revealed.Votes {
			values[vote.PlayerID] = vote.Value
		}
		if len(values) != 2 || values[aliceID] != "5" || values[bobID] != "8" {
			t.Fatalf("revealed votes = %v, want %s=5 and %s=8", values, aliceID, bobID)
		}
	}

	game, err := st.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.State != poker.StateRevealed {
		t.Fatalf("state after reveal = %q, want %q", game.State, poker.StateRevealed)
	}

	co.handle(a.id, clientMessage{Type: "reset_voting"})

	for _, c := range []*connection{a, b} {
		if _, ok := recv(t, c).(votingResetMessage); !ok {
			t.Fatalf("connection %s: voting_reset not delivered", c.id)
		}
	}

	game, err = st.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get game after reset: %v", err)
	}
	if game.State != poker.StateWaiting || game.CurrentStory != "" {
		t.Fatalf("game after reset = %q/%q, want waiting with no story", game.State, game.CurrentStory)
	}

	votes, err := st.GetVotes(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get votes after reset: %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("votes after reset = %d, want 0", len(votes))
	}
}

func TestCastVoteOutsideVoting(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, _ := join(t, co, gameID, "Alice")
	drain(a)

	co.handle(a.id, clientMessage{Type: "cast_vote", Value: "5"})

	failure, ok := recv(t, a).(errorMessage)
	if !ok || failure.Message != "voting is not in progress" {
		t.Fatalf("cast in waiting state: got %+v", failure)
	}

	votes, err := st.GetVotes(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get votes: %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("illegal cast persisted a vote")
	}
}

func TestOnlyOwnerControlsRounds(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, _ := join(t, co, gameID, "Alice")
	b, _ := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	co.handle(b.id, clientMessage{Type: "start_voting", Story: "story-1"})

	failure, ok := recv(t, b).(errorMessage)
	if !ok || failure.Message != "only the game owner can start voting" {
		t.Fatalf("non-owner start: got %+v", failure)
	}
	if msgs := drain(a); len(msgs) != 0 {
		t.Fatalf("rejected command was broadcast: %v", msgs)
	}

	game, err := st.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.State != poker.StateWaiting {
		t.Fatalf("rejected command changed state to %q", game.State)
	}
}

func TestConcurrentVotesAllLand(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	owner, _ := join(t, co, gameID, "Owner")

	conns := []*connection{owner}
	for i := 0; i < 7; i++ {
		c, _ := join(t, co, gameID, fmt.Sprintf("Player %d", i))
		conns = append(conns, c)
	}
	for _, c := range conns {
		drain(c)
	}

	co.handle(owner.id, clientMessage{Type: "start_voting", Story: "story-1"})
	for _, c := range conns {
		drain(c)
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(id string, value string) {
			defer wg.Done()

			co.handle(id, clientMessage{Type: "cast_vote", Value: value})
		}(c.id, fmt.Sprintf("%d", i))
	}
	wg.Wait()

	for _, c := range conns {
		drain(c)
	}

	co.handle(owner.id, clientMessage{Type: "reveal_votes"})

	revealed, ok := recv(t, owner).(votesRevealedMessage)
	if !ok {
		t.Fatalf("votes_revealed not delivered")
	}
	if len(revealed.Votes) != len(conns) {
		t.Fatalf("revealed %d votes, want %d (concurrent casts lost)", len(revealed.Votes), len(conns))
	}

	votes, err := st.GetVotes(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get votes: %v", err)
	}
	if len(votes) != len(conns) {
		t.Fatalf("persisted %d votes, want %d", len(votes), len(conns))
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, aliceID := join(t, co, gameID, "Alice")
	b, _ := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	co.disconnect(a.id)

	left, ok := recv(t, b).(playerLeftMessage)
	if !ok || left.PlayerID != aliceID {
		t.Fatalf("player_left = %+v, want %s", left, aliceID)
	}

	players, err := st.GetPlayers(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get players: %v", err)
	}
	if len(players) != 1 || players[0].Name != "Bob" {
		t.Fatalf("roster after disconnect = %+v, want only Bob", players)
	}

	// Ownership is released so the game is not orphaned; the next joiner
	// claims it.
	game, err := st.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.OwnerID != "" {
		t.Fatalf("ownership not released: owner = %q", game.OwnerID)
	}

	c, charlieID := join(t, co, gameID, "Charlie")
	joined, ok := recv(t, c).(gameJoinedMessage)
	if !ok || joined.Game.OwnerID != charlieID {
		t.Fatalf("next joiner did not claim ownership: %+v", joined.Game)
	}

	// Disconnecting twice is harmless; the read pump and the reaper can
	// both tear the same connection down.
	co.disconnect(a.id)
	if msgs := drain(b); len(msgs) != 1 {
		t.Fatalf("double disconnect produced extra notifications: %v", msgs)
	}
}

func TestLeaveGameRemovesVote(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, _ := join(t, co, gameID, "Alice")
	b, bobID := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	co.handle(a.id, clientMessage{Type: "start_voting", Story: "story-1"})
	co.handle(b.id, clientMessage{Type: "cast_vote", Value: "8"})
	drain(a)
	drain(b)

	co.handle(b.id, clientMessage{Type: "leave_game"})

	left, ok := recv(t, a).(playerLeftMessage)
	if !ok || left.PlayerID != bobID {
		t.Fatalf("player_left = %+v, want %s", left, bobID)
	}

	votes, err := st.GetVotes(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get votes: %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("leaver's vote survived: %+v", votes)
	}

	if _, boundGame, _ := co.registry.binding(b.id); boundGame != "" {
		t.Fatalf("leaver still bound to %s", boundGame)
	}
}

func TestBroadcastSkipsFullQueues(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, _ := join(t, co, gameID, "Alice")
	b, _ := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	// Wedge Bob's queue; the broadcast must still reach Alice without
	// blocking.
	for i := 0; i < sendQueueDepth; i++ {
		b.send <- struct{}{}
	}

	co.handle(a.id, clientMessage{Type: "start_voting", Story: "story-1"})

	if _, ok := recv(t, a).(votingStartedMessage); !ok {
		t.Fatalf("voting_started not delivered to the healthy connection")
	}
}

func TestFailedRejoinDissolvesOldMembership(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	a, aliceID := join(t, co, gameID, "Alice")
	b, _ := join(t, co, gameID, "Bob")
	drain(a)
	drain(b)

	co.handle(a.id, clientMessage{Type: "join_game", GameID: uuid.NewString(), PlayerName: "Alice"})

	failure, ok := recv(t, a).(errorMessage)
	if !ok || failure.Message != "game not found" {
		t.Fatalf("rejoin to unknown game: got %+v", failure)
	}

	// The old membership is gone on both sides, roster and binding alike.
	if playerID, boundGame, err := co.registry.binding(a.id); err != nil || boundGame != "" || playerID != "" {
		t.Fatalf("binding after failed rejoin = %s/%s, want cleared", playerID, boundGame)
	}

	left, ok := recv(t, b).(playerLeftMessage)
	if !ok || left.PlayerID != aliceID {
		t.Fatalf("player_left = %+v, want %s", left, aliceID)
	}

	players, err := st.GetPlayers(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get players: %v", err)
	}
	if len(players) != 1 || players[0].Name != "Bob" {
		t.Fatalf("roster after failed rejoin = %+v, want only Bob", players)
	}

	// And the departed connection no longer sees the old game's broadcasts.
	join(t, co, gameID, "Charlie")
	if _, ok := recv(t, b).(playerJoinedMessage); !ok {
		t.Fatalf("player_joined not delivered to the remaining player")
	}
	if msgs := drain(a); len(msgs) != 0 {
		t.Fatalf("departed connection still receives broadcasts: %v", msgs)
	}
}

func TestJoinAfterTransportLossLeavesNoGhost(t *testing.T) {
	co, st := newTestCoordinator(t)
	gameID := createTestGame(t, st)

	c := newConnection(uuid.NewString(), nil)
	if err := co.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The transport closes while the join command is in flight.
	co.disconnect(c.id)

	co.handle(c.id, clientMessage{Type: "join_game", GameID: gameID, PlayerName: "Alice"})

	players, err := st.GetPlayers(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get players: %v", err)
	}
	if len(players) != 0 {
		t.Fatalf("ghost player joined after disconnect: %+v", players)
	}

	game, err := st.GetGame(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if game.OwnerID != "" {
		t.Fatalf("ghost player claimed ownership: %q", game.OwnerID)
	}
}

// flakyStore wraps a working store with an injectable UpdateGame failure.
type flakyStore struct {
	store.Store
	updateErr error
}

func (f *flakyStore) UpdateGame(ctx context.Context, game poker.Game) error {
	if f.updateErr != nil {
		return f.updateErr
	}

	return f.Store.UpdateGame(ctx, game)
}

func TestFailedOwnershipClaimFailsTheJoin(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory()}
	co := newCoordinator(&Config{}, st, newRegistry())
	gameID := createTestGame(t, st)

	st.updateErr = errors.New("disk full")

	c := newConnection(uuid.NewString(), nil)
	if err := co.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}

	co.handle(c.id, clientMessage{Type: "join_game", GameID: gameID, PlayerName: "Alice"})

	// The snapshot must never advertise an ownership the store rejected;
	// the whole join fails instead.
	failure, ok := recv(t, c).(errorMessage)
	if !ok || failure.Message != "failed to join game" {
		t.Fatalf("join with failing ownership claim: got %+v", failure)
	}

	if playerID, boundGame, err := co.registry.binding(c.id); err != nil || boundGame != "" || playerID != "" {
		t.Fatalf("binding after failed claim = %s/%s, want cleared", playerID, boundGame)
	}

	players, err := st.GetPlayers(context.Background(), gameID)
	if err != nil {
		t.Fatalf("get players: %v", err)
	}
	if len(players) != 0 {
		t.Fatalf("roster after failed claim = %+v, want empty", players)
	}
}

func TestReapIdleClosesConnections(t *testing.T) {
	co, st := newTestCoordinator(t)

	stale := time.Now().UTC().Add(-2 * time.Hour)
	gameID := uuid.NewString()
	if err := st.CreateGame(context.Background(), poker.Game{
		ID:           gameID,
		Name:         "Sprint 12",
		VotingSystem: poker.Fibonacci,
		State:        poker.StateWaiting,
		CreatedAt:    stale,
		UpdatedAt:    stale,
	}); err != nil {
		t.Fatalf("create game: %v", err)
	}

	c := newConnection(uuid.NewString(), nil)
	if err := co.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := co.registry.bind(c.id, "alice", gameID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	co.reapIdle(time.Hour)

	if _, err := st.GetGame(context.Background(), gameID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idle game survived reaping: err = %v", err)
	}

	select {
	case <-c.done:
	default:
		t.Fatalf("connection bound to reaped game was not shut down")
	}

	if _, ok := co.registry.get(c.id); ok {
		t.Fatalf("reaped connection still registered")
	}
}
