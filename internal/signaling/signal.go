package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
LEARNING: SIGNALING

Peers never exchange document data through signaling. A room is a rendezvous
key; signals are small JSON envelopes:

  announce   "I am in the room" (broadcast), or "I am here too" (directed reply)
  leave      "I am going away"
  offer/answer/candidate   WebRTC handshake, always directed (To != "")

Every Signaler delivers the room's signals to every member. Members drop the
ones not addressed to them (Signal.For).
*/

type Kind string

const (
	KindAnnounce  Kind = "announce"
	KindLeave     Kind = "leave"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

var (
	ErrNotJoined = errors.New("signaling: not joined")
	ErrClosed    = errors.New("signaling: closed")
)

// Signal is one message exchanged through a rendezvous point.
type Signal struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	Kind Kind   `json:"kind"`
	// Address is the sender's direct dial address, set on announce when peers
	// connect without WebRTC.
	Address string          `json:"address,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignal builds a signal with a fresh id. payload may be nil.
func NewSignal(room, from, to string, kind Kind, payload any) (Signal, error) {
	sig := Signal{
		ID:   ulid.Make().String(),
		Room: room,
		From: from,
		To:   to,
		Kind: kind,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Signal{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		sig.Payload = b
	}
	return sig, nil
}

// For reports whether peer should handle sig.
func (s Signal) For(peer string) bool {
	return s.From != peer && (s.To == "" || s.To == peer)
}

// Decode unmarshals the payload into v.
func (s Signal) Decode(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("%s signal from %s has no payload", s.Kind, s.From)
	}
	return json.Unmarshal(s.Payload, v)
}

// Signaler is a rendezvous mechanism. Join subscribes peer to room; the
// returned channel is closed when the subscription is lost or left. Join may
// be called again after a loss.
type Signaler interface {
	Join(ctx context.Context, room, peer string) (<-chan Signal, error)
	Send(ctx context.Context, sig Signal) error
	Leave(room string) error
}

// filter forwards the signals addressed to peer, until in closes or done fires.
func filter(peer string, in <-chan Signal, out chan<- Signal, done <-chan struct{}) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case sig, ok := <-in:
			if !ok {
				return
			}
			if !sig.For(peer) {
				continue
			}
			select {
			case out <- sig:
			case <-done:
				return
			}
		}
	}
}
