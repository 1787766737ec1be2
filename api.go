package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Seednode/pointdeck/poker"
	"github.com/Seednode/pointdeck/store"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

type createGameRequest struct {
	Name         string `json:"name"`
	VotingSystem string `json:"voting_system"`
}

type createGameResponse struct {
	Game poker.Game `json:"game"`
}

// getGameResponse is the full snapshot a reconnecting client pulls instead
// of replaying missed events. Votes are included only once revealed.
type getGameResponse struct {
	Game          poker.Game     `json:"game"`
	Players       []poker.Player `json:"players"`
	Votes         []poker.Vote   `json:"votes,omitempty"`
	VotingOptions []string       `json:"voting_options"`
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(cfg *Config, w http.ResponseWriter, status int, message string) {
	writeJSON(cfg, w, status, map[string]string{"error": message})
}

func serveCreateGame(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req createGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(cfg, w, http.StatusBadRequest, "invalid request body")

			return
		}
		if req.Name == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "name is required")

			return
		}
		if req.VotingSystem == "" {
			req.VotingSystem = poker.Fibonacci
		}

		now := time.Now().UTC()
		game := poker.Game{
			ID:           uuid.NewString(),
			Name:         req.Name,
			VotingSystem: req.VotingSystem,
			State:        poker.StateWaiting,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := st.CreateGame(r.Context(), game); err != nil {
			logf(cfg, "ERROR: Creating game: %v", err)
			writeJSONError(cfg, w, http.StatusInternalServerError, "failed to create game")

			return
		}

		writeJSON(cfg, w, http.StatusCreated, createGameResponse{Game: game})

		logf(cfg, "SERVE: Created game %s (%q) for %s in %s",
			game.ID,
			game.Name,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveGetGame(cfg *Config, st store.Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		gameID := ps.ByName("gameid")
		if _, err := uuid.Parse(gameID); err != nil {
			writeJSONError(cfg, w, http.StatusBadRequest, "invalid game id")

			return
		}

		game, err := st.GetGame(r.Context(), gameID)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(cfg, w, http.StatusNotFound, "game not found")

			return
		}
		if err != nil {
			logf(cfg, "ERROR: Loading game %s: %v", gameID, err)
			writeJSONError(cfg, w, http.StatusInternalServerError, "failed to load game")

			return
		}

		players, err := st.GetPlayers(r.Context(), gameID)
		if err != nil {
			logf(cfg, "ERROR: Loading roster for game %s: %v", gameID, err)
			writeJSONError(cfg, w, http.StatusInternalServerError, "failed to load game")

			return
		}

		resp := getGameResponse{
			Game:          game,
			Players:       players,
			VotingOptions: poker.VotingOptions(game.VotingSystem),
		}

		// Vote values stay server-side until the owner reveals them.
		if game.State == poker.StateRevealed {
			votes, err := st.GetVotes(r.Context(), gameID)
			if err != nil {
				logf(cfg, "ERROR: Loading votes for game %s: %v", gameID, err)
				writeJSONError(cfg, w, http.StatusInternalServerError, "failed to load game")

				return
			}
			resp.Votes = votes
		}

		writeJSON(cfg, w, http.StatusOK, resp)

		logf(cfg, "SERVE: Game %s to %s in %s",
			gameID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}
