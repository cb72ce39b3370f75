package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/pion/webrtc/v3"

	"synced-todos/internal/signaling"
)

func TestStreamConnFraming(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewStreamConn(a), NewStreamConn(b)
	defer ca.Close()
	defer cb.Close()

	big := []byte(strings.Repeat("x", 70000))
	go func() {
		ca.WriteMessage([]byte("hello"))
		ca.WriteMessage(nil)
		ca.WriteMessage(big)
	}()

	msg, err := cb.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(msg), "hello")
	msg, err = cb.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(msg), 0)
	msg, err = cb.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(msg), len(big))
}

func TestLocalNetwork(t *testing.T) {
	n := NewLocalNetwork()
	a := n.Connector("a")
	b := n.Connector("b")
	defer a.Close()
	defer b.Close()

	conn, err := a.Dial(context.Background(), "room", "a", Peer{ID: "b"})
	assert.Equal(t, err, nil)

	var accepted Accepted
	select {
	case accepted = <-b.Accept():
	case <-time.After(time.Second):
		t.Fatal("no session accepted")
	}
	assert.Equal(t, accepted.Remote, "a")
	assert.Equal(t, accepted.Room, "room")

	go conn.WriteMessage([]byte("ping"))
	msg, err := accepted.Conn.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, string(msg), "ping")

	n.Sever("b", "a")
	_, err = accepted.Conn.ReadMessage()
	assert.NotEqual(t, err, nil)

	_, err = a.Dial(context.Background(), "room", "a", Peer{ID: "nobody"})
	assert.NotEqual(t, err, nil)

	n.Block("a", "b")
	_, err = a.Dial(context.Background(), "room", "a", Peer{ID: "b"})
	assert.NotEqual(t, err, nil)
	n.Unblock("a", "b")
	_, err = a.Dial(context.Background(), "room", "a", Peer{ID: "b"})
	assert.Equal(t, err, nil)
}

func TestDirectConnector(t *testing.T) {
	server := NewDirectConnector()
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	client := NewDirectConnector()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := client.Dial(ctx, "room", "a", Peer{ID: "b", Address: addr})
	assert.Equal(t, err, nil)
	defer conn.Close()

	var accepted Accepted
	select {
	case accepted = <-server.Accept():
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}
	assert.Equal(t, accepted.Remote, "a")

	assert.Equal(t, conn.WriteMessage([]byte{1, 2, 3}), nil)
	msg, err := accepted.Conn.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, msg, []byte{1, 2, 3})

	_, err = client.Dial(ctx, "room", "a", Peer{ID: "c"})
	assert.NotEqual(t, err, nil)
}

func TestDirectConnectorClosesUntakenSessions(t *testing.T) {
	server := NewDirectConnector()
	server.acceptTimeout = 50 * time.Millisecond
	defer server.Close()
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := NewDirectConnector().Dial(ctx, "room", "a", Peer{ID: "b", Address: addr})
	assert.Equal(t, err, nil)
	defer conn.Close()

	// Nobody receives from Accept, so the server gives the session up.
	_, err = conn.ReadMessage()
	assert.NotEqual(t, err, nil)

	// A session accepted later is a fresh one, not the abandoned one.
	conn2, err := NewDirectConnector().Dial(ctx, "room", "c", Peer{ID: "b", Address: addr})
	assert.Equal(t, err, nil)
	defer conn2.Close()
	select {
	case accepted := <-server.Accept():
		assert.Equal(t, accepted.Remote, "c")
		accepted.Conn.Close()
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}
}

func TestWebRTCHandshakeRouting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := signaling.NewLocalHub()
	sa, sb := hub.Signaler(), hub.Signaler()
	_, err := sa.Join(ctx, "room", "a")
	assert.Equal(t, err, nil)
	inbox, err := sb.Join(ctx, "room", "b")
	assert.Equal(t, err, nil)

	offerer := NewWebRTCConnector(sa, nil)
	defer offerer.Close()
	hs := newHandshake(sa, "h1", "room", "a", "b")
	offerer.handshakes[handshakeKey("b", "h1")] = hs

	answers := make(chan webrtc.SessionDescription, 1)
	go func() {
		answer, err := hs.OfferSDP(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
		if err == nil {
			answers <- answer
		}
	}()

	var offer signaling.Signal
	select {
	case offer = <-inbox:
	case <-ctx.Done():
		t.Fatal("offer not signalled")
	}
	assert.Equal(t, offer.Kind, signaling.KindOffer)
	assert.Equal(t, offer.To, "b")
	var p handshakePayload
	assert.Equal(t, offer.Decode(&p), nil)
	assert.Equal(t, p.Handshake, "h1")
	assert.Equal(t, p.SDP.SDP, "v=0 offer")

	reply, _ := signaling.NewSignal("room", "b", "a", signaling.KindAnswer, handshakePayload{
		Handshake: "h1",
		SDP:       &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	})
	assert.Equal(t, offerer.HandleSignal(reply), true)
	select {
	case answer := <-answers:
		assert.Equal(t, answer.SDP, "v=0 answer")
	case <-ctx.Done():
		t.Fatal("answer not delivered")
	}

	cand, _ := signaling.NewSignal("room", "b", "a", signaling.KindCandidate, handshakePayload{
		Handshake: "h1",
		Candidate: &webrtc.ICECandidate{Address: "10.0.0.2", Port: 5000, Protocol: webrtc.ICEProtocolUDP, Typ: webrtc.ICECandidateTypeHost},
	})
	assert.Equal(t, offerer.HandleSignal(cand), true)
	got, err := hs.GetAnswerPeerCandidates(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Address, "10.0.0.2")

	// Unknown answers are ignored, other kinds are not handshakes.
	stray, _ := signaling.NewSignal("room", "b", "a", signaling.KindAnswer, handshakePayload{Handshake: "zz"})
	assert.Equal(t, offerer.HandleSignal(stray), true)
	announce, _ := signaling.NewSignal("room", "b", "", signaling.KindAnnounce, nil)
	assert.Equal(t, offerer.HandleSignal(announce), false)
}
