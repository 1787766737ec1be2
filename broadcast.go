package main

// broadcast delivers one event to every connection bound to a game,
// optionally excluding the originator. Delivery is best-effort and
// at-most-once: a connection whose queue is full or whose transport is
// already closed simply misses the event and recovers by re-fetching the
// game snapshot on reconnect.
func (co *coordinator) broadcast(gameID string, msg any, exclude string) {
	for _, c := range co.registry.forGame(gameID) {
		if c.id == exclude {
			continue
		}

		if !c.enqueue(msg) {
			logf(co.cfg, "GAMES: Dropped %T for connection %s in game %s", msg, c.id, gameID)
		}
	}
}

// sendTo delivers one event to a single connection, command replies and
// error events mostly.
func (co *coordinator) sendTo(connID string, msg any) {
	c, ok := co.registry.get(connID)
	if !ok {
		return
	}

	if !c.enqueue(msg) {
		logf(co.cfg, "GAMES: Dropped %T for connection %s", msg, connID)
	}
}

func (co *coordinator) fail(connID, text string) {
	co.sendTo(connID, errorMessage{
		Type:    "error",
		Message: text,
	})
}
