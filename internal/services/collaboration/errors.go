package collaboration

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyRoom      = errors.New("collaboration: room id is required")
	ErrProviderClosed = errors.New("collaboration: provider closed")
)

// SessionError reports a failed handshake or a dropped peer session. It is
// logged and answered with a retry; callers only see a state change.
type SessionError struct {
	Peer string
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// DiscoveryError reports that the rendezvous point could not be reached.
type DiscoveryError struct {
	Room string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery in room %q: %v", e.Room, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
