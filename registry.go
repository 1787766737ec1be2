package main

import (
	"errors"
	"sync"
)

var (
	errDuplicateConnection = errors.New("connection id already registered")
	errUnknownConnection   = errors.New("connection id not registered")
)

// registry is the shared table of live connections and their player/game
// bindings. It is the one structure mutated by every connection's handling
// path, so all access goes through the reader/writer lock: exclusive for
// register/bind/unregister, shared for broadcast snapshots.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func newRegistry() *registry {
	return &registry{
		conns: make(map[string]*connection),
	}
}

// register adds an unbound connection.
func (r *registry) register(c *connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; ok {
		return errDuplicateConnection
	}
	r.conns[c.id] = c

	return nil
}

// bind associates a connection with a player and game, overwriting any
// prior binding so a rejoining connection never needs an explicit unbind.
// Empty ids clear the binding.
func (r *registry) bind(connID, playerID, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return errUnknownConnection
	}
	c.playerID = playerID
	c.gameID = gameID

	return nil
}

// binding returns a connection's current player/game association.
func (r *registry) binding(connID string) (playerID, gameID string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", "", errUnknownConnection
	}

	return c.playerID, c.gameID, nil
}

// unregister removes a connection and returns its last binding so the
// caller can run roster cleanup. Calling it again for the same id is a
// no-op with found == false.
func (r *registry) unregister(connID string) (playerID, gameID string, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", "", false
	}
	delete(r.conns, connID)

	return c.playerID, c.gameID, true
}

func (r *registry) get(connID string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]

	return c, ok
}

// forGame returns a snapshot of every connection currently bound to a
// game. The slice is safe to iterate without the lock; connections that
// unregister mid-broadcast just fail their enqueue silently.
func (r *registry) forGame(gameID string) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*connection
	for _, c := range r.conns {
		if c.gameID == gameID && gameID != "" {
			conns = append(conns, c)
		}
	}

	return conns
}
