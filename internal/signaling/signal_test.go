package signaling

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
)

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		if !ok {
			t.Fatal("signal channel closed")
		}
		return sig
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a signal")
	}
	return Signal{}
}

func assertQuiet(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignalFor(t *testing.T) {
	sig, err := NewSignal("room", "a", "", KindAnnounce, nil)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, sig.ID, "")
	assert.Equal(t, sig.For("a"), false)
	assert.Equal(t, sig.For("b"), true)

	sig, err = NewSignal("room", "a", "b", KindOffer, map[string]string{"sdp": "x"})
	assert.Equal(t, err, nil)
	assert.Equal(t, sig.For("b"), true)
	assert.Equal(t, sig.For("c"), false)

	var payload map[string]string
	assert.Equal(t, sig.Decode(&payload), nil)
	assert.Equal(t, payload["sdp"], "x")
}

func TestLocalHub(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub()
	a, b, c := hub.Signaler(), hub.Signaler(), hub.Signaler()

	ca, err := a.Join(ctx, "room", "a")
	assert.Equal(t, err, nil)
	cb, _ := b.Join(ctx, "room", "b")
	cc, _ := c.Join(ctx, "other", "c")

	announce, _ := NewSignal("room", "a", "", KindAnnounce, nil)
	assert.Equal(t, a.Send(ctx, announce), nil)
	assert.Equal(t, receive(t, cb).From, "a")
	assertQuiet(t, ca)
	assertQuiet(t, cc)

	reply, _ := NewSignal("room", "b", "a", KindAnnounce, nil)
	assert.Equal(t, b.Send(ctx, reply), nil)
	assert.Equal(t, receive(t, ca).From, "b")

	hub.Drop("b")
	_, ok := <-cb
	assert.Equal(t, ok, false)
	assert.Equal(t, hub.Members("room"), 1)

	leave, _ := NewSignal("room", "b", "", KindLeave, nil)
	assert.Equal(t, b.Send(ctx, leave), ErrNotJoined)

	assert.Equal(t, a.Leave("room"), nil)
	assert.Equal(t, hub.Members("room"), 0)
}

func TestWebsocketSignalerThroughHub(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Shutdown()
	srv := httptest.NewServer(NewRouter(hub))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signal"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := NewWebsocketSignaler(url)
	b := NewWebsocketSignaler(url)
	ca, err := a.Join(ctx, "room", "a")
	assert.Equal(t, err, nil)
	cb, err := b.Join(ctx, "room", "b")
	assert.Equal(t, err, nil)

	// Subscriptions are processed by the hub loop; wait until both are in.
	deadline := time.Now().Add(5 * time.Second)
	for hub.Topics()["room"] < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, hub.Topics()["room"], 2)

	offer, _ := NewSignal("room", "a", "b", KindOffer, map[string]string{"sdp": "v=0"})
	assert.Equal(t, a.Send(ctx, offer), nil)
	got := receive(t, cb)
	assert.Equal(t, got.ID, offer.ID)
	assert.Equal(t, got.Kind, KindOffer)
	assertQuiet(t, ca)

	assert.Equal(t, b.Leave("room"), nil)
	_, ok := <-cb
	assert.Equal(t, ok, false)
	assert.Equal(t, b.Send(ctx, offer), ErrNotJoined)
}

func TestHubRelaysForeignData(t *testing.T) {
	hub := NewHub()
	hub.Start()
	defer hub.Shutdown()
	srv := httptest.NewServer(NewRouter(hub))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/signal"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	assert.Equal(t, err, nil)
	defer raw.Close()
	assert.Equal(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","topics":["room"]}`)), nil)

	peer := NewWebsocketSignaler(url)
	signals, err := peer.Join(ctx, "room", "b")
	assert.Equal(t, err, nil)
	defer peer.Leave("room")

	deadline := time.Now().Add(5 * time.Second)
	for hub.Topics()["room"] < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, hub.Topics()["room"], 2)

	// A y-webrtc style payload is not a Signal; the hub forwards it as is.
	foreign := `{"type":"publish","topic":"room","data":{"type":"announce","from":"yjs-peer"}}`
	assert.Equal(t, raw.WriteMessage(websocket.TextMessage, []byte(foreign)), nil)
	assertQuiet(t, signals)

	sig, _ := NewSignal("room", "b", "", KindAnnounce, nil)
	assert.Equal(t, peer.Send(ctx, sig), nil)
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, frame, err := raw.ReadMessage()
		if err != nil {
			t.Fatalf("reading relayed frames: %v", err)
		}
		// Our own foreign frame may be echoed back first.
		if strings.Contains(string(frame), sig.ID) {
			break
		}
	}
}

func TestMDNSEntrySignal(t *testing.T) {
	entry := zeroconf.NewServiceEntry("peer-b", "_synced-todos._tcp", "local.")
	entry.Text = []string{"room=kitchen", "addr=0.0.0.0:8081"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Port = 8081

	sig, ok := entrySignal(entry, "kitchen")
	assert.Equal(t, ok, true)
	assert.Equal(t, sig.From, "peer-b")
	assert.Equal(t, sig.Kind, KindAnnounce)
	assert.Equal(t, sig.Address, "192.168.1.20:8081")

	_, ok = entrySignal(entry, "garage")
	assert.Equal(t, ok, false)
}

func TestRedisSignaler(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := NewRedisSignaler(addr)
	defer a.Close()
	b := NewRedisSignaler(addr)
	defer b.Close()
	assert.Equal(t, a.Ping(ctx), nil)

	_, err := a.Join(ctx, "redis-test", "a")
	assert.Equal(t, err, nil)
	cb, err := b.Join(ctx, "redis-test", "b")
	assert.Equal(t, err, nil)

	announce, _ := NewSignal("redis-test", "a", "", KindAnnounce, nil)
	assert.Equal(t, a.Send(ctx, announce), nil)
	assert.Equal(t, receive(t, cb).ID, announce.ID)
}
