package session

import "errors"

var (
	errSessionDead      = errors.New("session: agent process has exited")
	errAlreadyConnected = errors.New("session: a client is already attached")
)

// ErrSessionDead reports that the session's agent process has exited.
var ErrSessionDead = errSessionDead

// ErrAlreadyConnected reports that a second client tried to attach to a
// session that already has one.
var ErrAlreadyConnected = errAlreadyConnected
