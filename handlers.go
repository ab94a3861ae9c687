package raft

import "fmt"

// roleHandler is a pure function over a read-only state view. It never blocks
// and never mutates state; every effect is described in the returned Outcome.
type roleHandler interface {
	handle(state ReadableState, message Message, logger Logger) (*Outcome, error)
}

var roleHandlers = map[Role]roleHandler{
	Follower:  follower{},
	Candidate: candidate{},
	Leader:    leader{},
}

// handleMessage routes a message to the handler for the current role and
// returns the outcome to apply.
func handleMessage(role Role, state ReadableState, message Message, logger Logger) (*Outcome, error) {
	handler, ok := roleHandlers[role]
	if !ok {
		return nil, fmt.Errorf("no handler for role %d", role)
	}
	return handler.handle(state, message, logger)
}
