package websocket

import "errors"

var (
	ErrSessionQueueFull = errors.New("session outbound queue is full")
	ErrInvalidEvent     = errors.New("invalid event format")
	ErrNotJoined        = errors.New("session has not joined the project room")
	ErrForbidden        = errors.New("not a member of the project")
	ErrSessionClosed    = errors.New("session is closed")
)
