package transport

import (
	"context"
	"errors"

	"synced-todos/internal/signaling"
)

var ErrConnectorClosed = errors.New("transport: connector closed")

// Peer is a remote peer as learned from signaling.
type Peer struct {
	ID      string
	Address string
}

// Accepted is a session the remote side established.
type Accepted struct {
	Room   string
	Remote string
	Conn   Conn
}

// Connector establishes peer sessions. Exactly one side of a pair dials; the
// other receives the session on Accept.
type Connector interface {
	Dial(ctx context.Context, room, local string, remote Peer) (Conn, error)
	Accept() <-chan Accepted
	// HandleSignal consumes handshake signals. It reports whether sig was one.
	HandleSignal(sig signaling.Signal) bool
	Close() error
}
