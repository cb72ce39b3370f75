package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"synced-todos/internal/signaling"
)

// PeerPath is where DirectConnector accepts sessions.
const PeerPath = "/peer"

// defaultAcceptTimeout bounds how long an upgraded session waits for a
// running provider to take it.
const defaultAcceptTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DirectConnector opens sessions as plain websockets to the address a peer
// announced. It is an http.Handler for the accepting side.
//
// Accept is unbuffered: a session is only handed over while a provider is
// receiving, so nothing queued while disconnected reaches a later connection.
type DirectConnector struct {
	dialer        *websocket.Dialer
	accept        chan Accepted
	acceptTimeout time.Duration
	done          chan struct{}
	once          sync.Once
}

func NewDirectConnector() *DirectConnector {
	return &DirectConnector{
		dialer:        websocket.DefaultDialer,
		accept:        make(chan Accepted),
		acceptTimeout: defaultAcceptTimeout,
		done:          make(chan struct{}),
	}
}

func (c *DirectConnector) Dial(ctx context.Context, room, local string, remote Peer) (Conn, error) {
	if remote.Address == "" {
		return nil, fmt.Errorf("peer %s announced no address", remote.ID)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     remote.Address,
		Path:     PeerPath,
		RawQuery: url.Values{"room": {room}, "from": {local}}.Encode(),
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote.ID, err)
	}
	return NewWebsocketConn(conn), nil
}

func (c *DirectConnector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	from := r.URL.Query().Get("from")
	if room == "" || from == "" {
		http.Error(w, "room and from are required", http.StatusBadRequest)
		return
	}
	select {
	case <-c.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[direct]upgrade from %s failed: %v", from, err)
		return
	}
	conn := NewWebsocketConn(ws)
	// The request context of a hijacked connection is never cancelled.
	timer := time.NewTimer(c.acceptTimeout)
	defer timer.Stop()
	select {
	case c.accept <- Accepted{Room: room, Remote: from, Conn: conn}:
	case <-timer.C:
		glog.V(1).Infof("[direct]no provider took the session from %s in %s", from, c.acceptTimeout)
		conn.Close()
	case <-c.done:
		conn.Close()
	}
}

func (c *DirectConnector) Accept() <-chan Accepted {
	return c.accept
}

func (c *DirectConnector) HandleSignal(signaling.Signal) bool {
	return false
}

func (c *DirectConnector) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
