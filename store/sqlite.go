package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Seednode/pointdeck/poker"
	_ "modernc.org/sqlite"
)

// SQLite persists games in a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	voting_system TEXT NOT NULL,
	state TEXT NOT NULL,
	current_story TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS players (
	id TEXT NOT NULL,
	game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	is_observer INTEGER NOT NULL DEFAULT 0,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (game_id, id)
);

CREATE TABLE IF NOT EXISTS votes (
	game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	player_name TEXT NOT NULL,
	value TEXT NOT NULL,
	cast_at INTEGER NOT NULL,
	PRIMARY KEY (game_id, player_id)
);

CREATE INDEX IF NOT EXISTS idx_players_game_id ON players(game_id);
CREATE INDEX IF NOT EXISTS idx_votes_game_id ON votes(game_id);
`

// OpenSQLite opens (creating if necessary) the game database at path and
// bootstraps the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// The modernc driver only honors _pragma=name(value) query parameters;
	// foreign keys must be on for game deletion to cascade.
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the sqlite handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) CreateGame(ctx context.Context, game poker.Game) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (id, name, owner_id, voting_system, state, current_story, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		game.ID,
		game.Name,
		game.OwnerID,
		game.VotingSystem,
		string(game.State),
		nullableStory(game.CurrentStory),
		toMillis(game.CreatedAt),
		toMillis(game.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	return nil
}

func (s *SQLite) GetGame(ctx context.Context, gameID string) (poker.Game, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, voting_system, state, current_story, created_at, updated_at
		 FROM games WHERE id = ?`,
		gameID,
	)

	var (
		game      poker.Game
		state     string
		story     sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&game.ID, &game.Name, &game.OwnerID, &game.VotingSystem, &state, &story, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return poker.Game{}, ErrNotFound
		}
		return poker.Game{}, fmt.Errorf("get game: %w", err)
	}

	game.State = poker.State(state)
	game.CurrentStory = story.String
	game.CreatedAt = fromMillis(createdAt)
	game.UpdatedAt = fromMillis(updatedAt)

	return game, nil
}

func (s *SQLite) UpdateGame(ctx context.Context, game poker.Game) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE games
		 SET name = ?, owner_id = ?, voting_system = ?, state = ?, current_story = ?, updated_at = ?
		 WHERE id = ?`,
		game.Name,
		game.OwnerID,
		game.VotingSystem,
		string(game.State),
		nullableStory(game.CurrentStory),
		toMillis(time.Now()),
		game.ID,
	)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLite) DeleteGame(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id = ?`, gameID); err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}

func (s *SQLite) AddPlayer(ctx context.Context, gameID string, player poker.Player) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, game_id, name, is_observer, joined_at) VALUES (?, ?, ?, ?, ?)`,
		player.ID,
		gameID,
		player.Name,
		player.IsObserver,
		toMillis(player.JoinedAt),
	)
	if err != nil {
		return fmt.Errorf("add player: %w", err)
	}

	return s.touch(ctx, gameID)
}

func (s *SQLite) RemovePlayer(ctx context.Context, gameID, playerID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM players WHERE game_id = ? AND id = ?`, gameID, playerID)
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM votes WHERE game_id = ? AND player_id = ?`, gameID, playerID); err != nil {
		return fmt.Errorf("remove player vote: %w", err)
	}

	return s.touch(ctx, gameID)
}

func (s *SQLite) GetPlayers(ctx context.Context, gameID string) ([]poker.Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, is_observer, joined_at FROM players WHERE game_id = ? ORDER BY joined_at, id`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("get players: %w", err)
	}
	defer rows.Close()

	players := []poker.Player{}
	for rows.Next() {
		var (
			player   poker.Player
			joinedAt int64
		)
		if err := rows.Scan(&player.ID, &player.Name, &player.IsObserver, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		player.JoinedAt = fromMillis(joinedAt)
		players = append(players, player)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get players: %w", err)
	}

	return players, nil
}

func (s *SQLite) CastVote(ctx context.Context, gameID string, vote poker.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (game_id, player_id, player_name, value, cast_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(game_id, player_id) DO UPDATE SET
		   player_name = excluded.player_name,
		   value = excluded.value,
		   cast_at = excluded.cast_at`,
		gameID,
		vote.PlayerID,
		vote.PlayerName,
		vote.Value,
		toMillis(vote.CastAt),
	)
	if err != nil {
		return fmt.Errorf("cast vote: %w", err)
	}

	return s.touch(ctx, gameID)
}

func (s *SQLite) GetVotes(ctx context.Context, gameID string) ([]poker.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT player_id, player_name, value, cast_at FROM votes WHERE game_id = ? ORDER BY cast_at, player_id`,
		gameID,
	)
	if err != nil {
		return nil, fmt.Errorf("get votes: %w", err)
	}
	defer rows.Close()

	votes := []poker.Vote{}
	for rows.Next() {
		var (
			vote   poker.Vote
			castAt int64
		)
		if err := rows.Scan(&vote.PlayerID, &vote.PlayerName, &vote.Value, &castAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		vote.CastAt = fromMillis(castAt)
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get votes: %w", err)
	}

	return votes, nil
}

func (s *SQLite) ClearVotes(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM votes WHERE game_id = ?`, gameID); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}

	return s.touch(ctx, gameID)
}

func (s *SQLite) ReapIdleGames(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM games WHERE updated_at < ?`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list idle games: %w", err)
	}
	defer rows.Close()

	var reaped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle game: %w", err)
		}
		reaped = append(reaped, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list idle games: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM games WHERE updated_at < ?`, toMillis(cutoff)); err != nil {
		return nil, fmt.Errorf("reap idle games: %w", err)
	}

	return reaped, nil
}

func (s *SQLite) touch(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE games SET updated_at = ? WHERE id = ?`, toMillis(time.Now()), gameID); err != nil {
		return fmt.Errorf("touch game: %w", err)
	}
	return nil
}

func nullableStory(story string) any {
	if story == "" {
		return nil
	}
	return story
}
