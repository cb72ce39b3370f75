package signaling

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

const localBuffer = 1024

// LocalHub is an in-process rendezvous point. Every Signaler it hands out
// reaches every other one, which makes it suitable for tests and for several
// peers inside one process.
type LocalHub struct {
	mu    sync.Mutex
	rooms map[string]map[string]chan Signal
}

func NewLocalHub() *LocalHub {
	return &LocalHub{rooms: make(map[string]map[string]chan Signal)}
}

// Signaler returns a new member handle of the hub.
func (h *LocalHub) Signaler() *LocalSignaler {
	return &LocalSignaler{hub: h, joined: make(map[string]string)}
}

// Drop cuts peer off every room as if its rendezvous connection failed.
func (h *LocalHub) Drop(peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		if ch, ok := members[peer]; ok {
			close(ch)
			delete(members, peer)
		}
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members returns the number of peers joined to room.
func (h *LocalHub) Members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *LocalHub) join(room, peer string) <-chan Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]chan Signal)
		h.rooms[room] = members
	}
	if old, ok := members[peer]; ok {
		close(old)
	}
	ch := make(chan Signal, localBuffer)
	members[peer] = ch
	return ch
}

func (h *LocalHub) leave(room, peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	if ch, ok := members[peer]; ok {
		close(ch)
		delete(members, peer)
	}
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *LocalHub) publish(sig Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[sig.Room]
	if !ok {
		return ErrNotJoined
	}
	if _, ok := members[sig.From]; !ok {
		return ErrNotJoined
	}
	for peer, ch := range members {
		if !sig.For(peer) {
			continue
		}
		select {
		case ch <- sig:
		default:
			glog.Warningf("[signal]local queue full for %s, dropping %s", peer, sig.Kind)
		}
	}
	return nil
}

// LocalSignaler is one member of a LocalHub.
type LocalSignaler struct {
	hub *LocalHub

	mu     sync.Mutex
	joined map[string]string // room -> peer
}

func (s *LocalSignaler) Join(ctx context.Context, room, peer string) (<-chan Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.joined[room] = peer
	s.mu.Unlock()
	return s.hub.join(room, peer), nil
}

func (s *LocalSignaler) Send(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.hub.publish(sig)
}

func (s *LocalSignaler) Leave(room string) error {
	s.mu.Lock()
	peer, ok := s.joined[room]
	delete(s.joined, room)
	s.mu.Unlock()
	if ok {
		s.hub.leave(room, peer)
	}
	return nil
}
