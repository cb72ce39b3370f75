package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"synced-todos/internal/middleware"
)

/*
LEARNING: SIGNALING HUB

A topic pub/sub relay over websockets, wire compatible in spirit with the
y-webrtc signaling server:

  → {"type":"subscribe","topics":["room"]}
  → {"type":"publish","topic":"room","data":{...signal...}}
  ← {"type":"publish","topic":"room","data":{...signal...}}   (to every subscriber)
  → {"type":"ping"}  ← {"type":"pong"}

The hub never looks inside data: it relays the raw publish frame, so any
client speaking the envelope can share a topic. One goroutine owns the topic table; each
client has a read pump and a write pump.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	idleTimeout    = 5 * time.Minute
)

// Message is the hub wire envelope.
type Message struct {
	Type   string          `json:"type"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePublish     = "publish"
	MessagePing        = "ping"
	MessagePong        = "pong"
)

// Hub manages all connected signaling clients
type Hub struct {
	topics map[string]map[*Client]bool // topic -> set of clients
	mu     sync.RWMutex

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan *broadcastMessage
	reply      chan reply

	done     chan struct{}
	doneOnce sync.Once
}

// Client is one websocket connection to the hub.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte // Buffered channel for outbound messages
	Hub         *Hub
	ConnectedAt time.Time

	topics     map[string]bool // owned by the hub loop
	lastActive atomic.Int64
}

type subscription struct {
	client *Client
	topics []string
	on     bool
}

type reply struct {
	client  *Client
	message []byte
}

type broadcastMessage struct {
	topic   string
	message []byte
}

func NewHub() *Hub {
	return &Hub{
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription, sendBuffer),
		broadcast:  make(chan *broadcastMessage, sendBuffer),
		reply:      make(chan reply, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	glog.Infof("[hub]starting")
	clients := make(map[*Client]bool)

	go func() {
		for {
			select {
			case <-h.done:
				for c := range clients {
					h.drop(clients, c)
				}
				return

			case c := <-h.register:
				clients[c] = true
				glog.V(1).Infof("[hub]client %s connected (total %d)", c.ID, len(clients))

			case c := <-h.unregister:
				h.drop(clients, c)

			case s := <-h.subscribe:
				if clients[s.client] {
					h.handleSubscribe(s)
				}

			case r := <-h.reply:
				if clients[r.client] {
					select {
					case r.client.Send <- r.message:
					default:
					}
				}

			case msg := <-h.broadcast:
				for _, c := range h.handleBroadcast(msg) {
					h.drop(clients, c)
				}
			}
		}
	}()

	go h.cleanupLoop()
}

func (h *Hub) handleSubscribe(s subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range s.topics {
		if s.on {
			if h.topics[topic] == nil {
				h.topics[topic] = make(map[*Client]bool)
			}
			h.topics[topic][s.client] = true
			s.client.topics[topic] = true
		} else {
			h.leaveTopic(s.client, topic)
		}
	}
}

func (h *Hub) leaveTopic(c *Client, topic string) {
	delete(c.topics, topic)
	if members, ok := h.topics[topic]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// handleBroadcast queues msg for every subscriber and returns the clients
// whose buffers are full.
func (h *Hub) handleBroadcast(msg *broadcastMessage) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var slow []*Client
	for c := range h.topics[msg.topic] {
		select {
		case c.Send <- msg.message:
		default:
			glog.Warningf("[hub]client %s buffer full, closing connection", c.ID)
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) drop(clients map[*Client]bool, c *Client) {
	if !clients[c] {
		return
	}
	delete(clients, c)
	h.mu.Lock()
	for topic := range c.topics {
		h.leaveTopic(c, topic)
	}
	h.mu.Unlock()
	close(c.Send)
	glog.V(1).Infof("[hub]client %s left (remaining %d)", c.ID, len(clients))
}

// Topics returns the number of subscribers per topic.
func (h *Hub) Topics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.topics))
	for topic, members := range h.topics {
		out[topic] = len(members)
	}
	return out
}

// cleanupLoop closes connections that stopped answering.
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.mu.RLock()
			var stale []*Client
			seen := make(map[*Client]bool)
			for _, members := range h.topics {
				for c := range members {
					if !seen[c] && now.Sub(time.Unix(0, c.lastActive.Load())) > idleTimeout {
						stale = append(stale, c)
					}
					seen[c] = true
				}
			}
			h.mu.RUnlock()
			for _, c := range stale {
				glog.Infof("[hub]closing inactive client %s", c.ID)
				c.Conn.Close()
			}
		}
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.doneOnce.Do(func() {
		glog.Infof("[hub]shutting down")
		close(h.done)
	})
}

// Attach registers conn with the hub and runs its pumps until it closes.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn) {
	c := &Client{
		ID:          ksuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		Hub:         h,
		ConnectedAt: time.Now(),
		topics:      make(map[string]bool),
	}
	c.touch()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.WritePump()
	c.ReadPump(ctx)
}

func (c *Client) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				glog.Warningf("[hub]client %s: %v", c.ID, err)
			}
			return
		}
		c.touch()
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			glog.V(1).Infof("[hub]client %s sent invalid message: %v", c.ID, err)
			continue
		}
		c.handle(ctx, &msg, raw)
	}
}

func (c *Client) handle(ctx context.Context, msg *Message, raw []byte) {
	switch msg.Type {
	case MessageSubscribe, MessageUnsubscribe:
		select {
		case c.Hub.subscribe <- subscription{client: c, topics: msg.Topics, on: msg.Type == MessageSubscribe}:
		case <-c.Hub.done:
		}
	case MessagePublish:
		if msg.Topic == "" {
			return
		}
		_, span := middleware.StartSpan(ctx, "Signaling.Publish",
			attribute.String("client.id", c.ID),
			attribute.String("topic", msg.Topic),
			attribute.Int("message.size", len(raw)),
		)
		select {
		case c.Hub.broadcast <- &broadcastMessage{topic: msg.Topic, message: raw}:
		case <-c.Hub.done:
		}
		span.End()
	case MessagePing:
		pong, _ := json.Marshal(Message{Type: MessagePong})
		select {
		case c.Hub.reply <- reply{client: c, message: pong}:
		case <-c.Hub.done:
		}
	}
}

// WritePump writes messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
