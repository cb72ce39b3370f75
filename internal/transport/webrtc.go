package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	webrtcconn "github.com/bringyour/webrtc-conn"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v3"

	"synced-todos/internal/signaling"
)

/*
LEARNING: WEBRTC OVER SIGNALING

webrtc-conn drives the SDP and ICE exchange through a handshake object that
it polls. Our handshake objects are mailboxes fed by signals:

  offerer                          answerer
  OfferSDP        --offer-->       HandleSignal starts Answer, AnswerSDP
                  <--answer--
  AddOfferPeerCandidate --candidate-->  GetOfferPeerCandidates
  GetAnswerPeerCandidates <--candidate-- AddAnswerPeerCandidate

Handshakes are keyed by remote peer and a ulid, so a stale exchange can never
feed a newer one.
*/

const (
	webrtcConnTimeout = 10 * time.Second
	candidatePollWait = 500 * time.Millisecond
)

type handshakePayload struct {
	Handshake string                     `json:"handshake"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidate       `json:"candidate,omitempty"`
}

// WebRTCConnector establishes data channel sessions, exchanging handshakes
// through a Signaler.
type WebRTCConnector struct {
	signaler signaling.Signaler
	config   webrtc.Configuration
	timeout  time.Duration
	accept   chan Accepted

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	handshakes map[string]*handshake
}

func NewWebRTCConnector(signaler signaling.Signaler, stunURLs []string) *WebRTCConnector {
	ctx, cancel := context.WithCancel(context.Background())
	config := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &WebRTCConnector{
		signaler:   signaler,
		config:     config,
		timeout:    webrtcConnTimeout,
		accept:     make(chan Accepted, 16),
		ctx:        ctx,
		cancel:     cancel,
		handshakes: make(map[string]*handshake),
	}
}

func handshakeKey(remote, id string) string {
	return remote + "/" + id
}

func (c *WebRTCConnector) Dial(ctx context.Context, room, local string, remote Peer) (Conn, error) {
	hs := newHandshake(c.signaler, ulid.Make().String(), room, local, remote.ID)
	key := handshakeKey(remote.ID, hs.id)
	c.mu.Lock()
	c.handshakes[key] = hs
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.handshakes, key)
		c.mu.Unlock()
	}()

	conn, err := webrtcconn.Offer(ctx, c.config, hs, true, 4, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("webrtc offer to %s: %w", remote.ID, err)
	}
	return NewStreamConn(conn), nil
}

func (c *WebRTCConnector) Accept() <-chan Accepted {
	return c.accept
}

func (c *WebRTCConnector) HandleSignal(sig signaling.Signal) bool {
	switch sig.Kind {
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate:
	default:
		return false
	}
	var p handshakePayload
	if err := sig.Decode(&p); err != nil || p.Handshake == "" {
		glog.V(1).Infof("[webrtc]invalid %s from %s: %v", sig.Kind, sig.From, err)
		return true
	}
	key := handshakeKey(sig.From, p.Handshake)

	c.mu.Lock()
	hs, ok := c.handshakes[key]
	// Candidates may overtake the offer; the answering handshake is created
	// by whichever arrives first.
	if !ok && sig.Kind != signaling.KindAnswer {
		hs = newHandshake(c.signaler, p.Handshake, sig.Room, sig.To, sig.From)
		c.handshakes[key] = hs
	}
	start := sig.Kind == signaling.KindOffer && hs != nil && !hs.started
	if start {
		hs.started = true
	}
	c.mu.Unlock()
	if hs == nil {
		return true
	}

	switch {
	case p.SDP != nil:
		hs.putSDP(*p.SDP)
	case p.Candidate != nil:
		hs.putCandidate(*p.Candidate)
	}
	if start {
		go c.answer(key, hs)
	}
	return true
}

func (c *WebRTCConnector) answer(key string, hs *handshake) {
	defer func() {
		c.mu.Lock()
		delete(c.handshakes, key)
		c.mu.Unlock()
	}()
	conn, err := webrtcconn.Answer(c.ctx, c.config, hs, c.timeout)
	if err != nil {
		glog.Warningf("[webrtc]answer to %s failed: %v", hs.remote, err)
		return
	}
	select {
	case c.accept <- Accepted{Room: hs.room, Remote: hs.remote, Conn: NewStreamConn(conn)}:
	case <-c.ctx.Done():
		conn.Close()
	}
}

func (c *WebRTCConnector) Close() error {
	c.cancel()
	return nil
}

// handshake implements both the offer and the answer side interfaces of
// webrtc-conn; each connection uses one side.
type handshake struct {
	signaler signaling.Signaler
	id       string
	room     string
	local    string
	remote   string
	started  bool

	sdp chan webrtc.SessionDescription

	mu         sync.Mutex
	candidates []webrtc.ICECandidate
	notify     chan struct{}
}

func newHandshake(signaler signaling.Signaler, id, room, local, remote string) *handshake {
	return &handshake{
		signaler: signaler,
		id:       id,
		room:     room,
		local:    local,
		remote:   remote,
		sdp:      make(chan webrtc.SessionDescription, 1),
		notify:   make(chan struct{}, 1),
	}
}

func (h *handshake) putSDP(sdp webrtc.SessionDescription) {
	select {
	case h.sdp <- sdp:
	default:
	}
}

func (h *handshake) putCandidate(c webrtc.ICECandidate) {
	h.mu.Lock()
	h.candidates = append(h.candidates, c)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *handshake) send(ctx context.Context, kind signaling.Kind, p handshakePayload) error {
	p.Handshake = h.id
	sig, err := signaling.NewSignal(h.room, h.local, h.remote, kind, p)
	if err != nil {
		return err
	}
	return h.signaler.Send(ctx, sig)
}

func (h *handshake) waitSDP(ctx context.Context) (webrtc.SessionDescription, error) {
	select {
	case sdp := <-h.sdp:
		return sdp, nil
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
}

// pollCandidates returns the candidates received so far, waiting briefly for
// the first one.
func (h *handshake) pollCandidates(ctx context.Context) ([]webrtc.ICECandidate, error) {
	h.mu.Lock()
	n := len(h.candidates)
	h.mu.Unlock()
	if n == 0 {
		select {
		case <-h.notify:
		case <-time.After(candidatePollWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.candidates
	h.candidates = nil
	return out, nil
}

func (h *handshake) OfferSDP(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := h.send(ctx, signaling.KindOffer, handshakePayload{SDP: &offer}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to send offer SDP: %w", err)
	}
	answer, err := h.waitSDP(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to get answer SDP: %w", err)
	}
	return answer, nil
}

func (h *handshake) GetAnswerPeerCandidates(ctx context.Context) ([]webrtc.ICECandidate, error) {
	return h.pollCandidates(ctx)
}

func (h *handshake) AddOfferPeerCandidate(ctx context.Context, candidate webrtc.ICECandidate) error {
	return h.send(ctx, signaling.KindCandidate, handshakePayload{Candidate: &candidate})
}

func (h *handshake) AnswerSDP(ctx context.Context, answer func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)) error {
	offer, err := h.waitSDP(ctx)
	if err != nil {
		return fmt.Errorf("failed to get offer SDP: %w", err)
	}
	answerSDP, err := answer(ctx, offer)
	if err != nil {
		return fmt.Errorf("failed to answer SDP: %w", err)
	}
	if err := h.send(ctx, signaling.KindAnswer, handshakePayload{SDP: &answerSDP}); err != nil {
		return fmt.Errorf("failed to send answer SDP: %w", err)
	}
	return nil
}

func (h *handshake) GetOfferPeerCandidates(ctx context.Context) ([]webrtc.ICECandidate, error) {
	return h.pollCandidates(ctx)
}

func (h *handshake) AddAnswerPeerCandidate(ctx context.Context, candidate webrtc.ICECandidate) error {
	return h.send(ctx, signaling.KindCandidate, handshakePayload{Candidate: &candidate})
}
