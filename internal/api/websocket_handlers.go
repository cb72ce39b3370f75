package api

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"synced-todos/internal/models"
)

// WebSocket endpoints

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 54 * time.Second
)

// FeedEvent is one frame of the updates feed.
type FeedEvent struct {
	Type  string        `json:"type"` // "snapshot" first, then "change"
	Local bool          `json:"local"`
	Todos []models.Todo `json:"todos"`
	Notes models.Notes  `json:"notes"`
}

// HandleUpdatesWebSocket streams the todos and notes after every local or
// remote change. Bursts of changes are coalesced into one frame.
func (h *Handler) HandleUpdatesWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[api]updates feed upgrade: %v", err)
		return
	}
	defer conn.Close()

	changed := make(chan bool, 1)
	sub := h.todos.OnChange(func(local bool) {
		select {
		case changed <- local:
		default:
		}
	})
	defer sub.Close()

	// Learning: the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(typ string, local bool) error {
		ctx := context.Background()
		ev := FeedEvent{Type: typ, Local: local, Todos: h.todos.List(ctx), Notes: h.todos.Notes(ctx)}
		conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		return conn.WriteJSON(ev)
	}
	if err := send("snapshot", false); err != nil {
		return
	}

	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case local := <-changed:
			if err := send("change", local); err != nil {
				glog.V(1).Infof("[api]updates feed write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
