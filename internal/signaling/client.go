package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const clientPingPeriod = 20 * time.Second

// WebsocketSignaler talks to a Hub over a websocket, one connection per room.
type WebsocketSignaler struct {
	url    string
	dialer *websocket.Dialer
	// DialTimeout bounds the retries of one Join.
	DialTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*wsMembership
}

type wsMembership struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (m *wsMembership) close() {
	m.once.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}

func NewWebsocketSignaler(url string) *WebsocketSignaler {
	return &WebsocketSignaler{
		url:         url,
		dialer:      websocket.DefaultDialer,
		DialTimeout: 10 * time.Second,
		rooms:       make(map[string]*wsMembership),
	}
}

func (s *WebsocketSignaler) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = s.DialTimeout
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err == nil {
			return conn, nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("dial %s: %w", s.url, err)
		}
		glog.V(1).Infof("[signal]dial %s failed, retry in %s: %v", s.url, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *WebsocketSignaler) Join(ctx context.Context, room, peer string) (<-chan Signal, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	sub, _ := json.Marshal(Message{Type: MessageSubscribe, Topics: []string{room}})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	m := &wsMembership{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.rooms[room]; ok {
		old.close()
	}
	s.rooms[room] = m
	s.mu.Unlock()

	raw := make(chan Signal, sendBuffer)
	out := make(chan Signal, sendBuffer)
	go s.readLoop(m, raw)
	go s.writeLoop(m)
	go filter(peer, raw, out, m.done)
	return out, nil
}

func (s *WebsocketSignaler) readLoop(m *wsMembership, out chan<- Signal) {
	defer close(out)
	defer m.close()
	m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPingHandler(func(data string) error {
		m.conn.SetReadDeadline(time.Now().Add(pongWait))
		return m.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
			default:
				glog.Warningf("[signal]connection to %s lost: %v", s.url, err)
			}
			return
		}
		m.conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			glog.V(1).Infof("[signal]invalid message from hub: %v", err)
			continue
		}
		if msg.Type != MessagePublish || len(msg.Data) == 0 {
			continue
		}
		var sig Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil || sig.Kind == "" {
			glog.V(1).Infof("[signal]ignoring foreign data on %s", msg.Topic)
			continue
		}
		select {
		case out <- sig:
		case <-m.done:
			return
		}
	}
}

func (s *WebsocketSignaler) writeLoop(m *wsMembership) {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()
	ping, _ := json.Marshal(Message{Type: MessagePing})
	for {
		var msg []byte
		select {
		case <-m.done:
			return
		case msg = <-m.send:
		case <-ticker.C:
			msg = ping
		}
		m.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.close()
			return
		}
	}
}

func (s *WebsocketSignaler) Send(ctx context.Context, sig Signal) error {
	s.mu.Lock()
	m, ok := s.rooms[sig.Room]
	s.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Message{Type: MessagePublish, Topic: sig.Room, Data: data})
	if err != nil {
		return err
	}
	select {
	case m.send <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebsocketSignaler) Leave(room string) error {
	s.mu.Lock()
	m, ok := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()
	// Closing the connection drops every subscription on the hub.
	if ok {
		m.close()
	}
	return nil
}
