package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// PeerSession describes one session with a remote peer, as reported by the
// status endpoint.
type PeerSession struct {
	ID           string            `json:"id"`
	Room         string            `json:"room"`
	PeerID       string            `json:"peer_id"`
	State        string            `json:"state"`
	Offerer      bool              `json:"offerer"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	StateVector  map[string]uint64 `json:"state_vector,omitempty"`
}

// AwarenessState represents user presence information (cursor, selection, etc.)
// Learning: This is separate from document content - it's ephemeral user state
type AwarenessState struct {
	PeerID string          `json:"peer_id"`
	User   *UserInfo       `json:"user,omitempty"`
	Cursor *CursorPosition `json:"cursor,omitempty"`
	State  map[string]any  `json:"state,omitempty"`
}

// UserInfo represents information about a connected user
type UserInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
}

// CursorPosition is a selection in the notes fragment, in runes.
type CursorPosition struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Status is a snapshot of a provider's connectivity.
type Status struct {
	Room        string            `json:"room"`
	PeerID      string            `json:"peer_id"`
	State       string            `json:"state"`
	Sessions    []PeerSession     `json:"sessions"`
	Pending     int               `json:"pending_ops"`
	StateVector map[string]uint64 `json:"state_vector"`
}

// MessageType defines types of messages in the peer sync protocol
type MessageType int

const (
	MessageTypeSyncStep1      MessageType = 0 // state vector of the sender
	MessageTypeSyncStep2      MessageType = 1 // delta the receiver is missing
	MessageTypeUpdate         MessageType = 2 // live delta
	MessageTypeAwareness      MessageType = 3 // presence states
	MessageTypeQueryAwareness MessageType = 4 // ask for every known presence state
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSyncStep1:
		return "sync-step-1"
	case MessageTypeSyncStep2:
		return "sync-step-2"
	case MessageTypeUpdate:
		return "update"
	case MessageTypeAwareness:
		return "awareness"
	case MessageTypeQueryAwareness:
		return "query-awareness"
	default:
		return "unknown"
	}
}

func NewPeerSession(room, peerID string, offerer bool) *PeerSession {
	now := time.Now()
	return &PeerSession{
		ID:           ksuid.New().String(),
		Room:         room,
		PeerID:       peerID,
		Offerer:      offerer,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
