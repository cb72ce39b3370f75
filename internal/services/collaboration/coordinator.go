package collaboration

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"

	"synced-todos/internal/crdt"
	"synced-todos/internal/middleware"
	"synced-todos/internal/models"
	"synced-todos/internal/signaling"
	"synced-todos/internal/transport"
)

const (
	dialTimeout   = 30 * time.Second
	signalTimeout = 5 * time.Second
	leaveTimeout  = time.Second
	eventBuffer   = 64
)

var (
	errSignalingLost = errors.New("signaling subscription closed")
	errSlowPeer      = errors.New("send buffer full")
)

// Events posted to the coordinator by pumps, dialers and timers.
type (
	inbound struct {
		session *PeerSession
		msg     []byte
	}
	sessionClosed struct {
		session *PeerSession
		err     error
	}
	dialResult struct {
		peer transport.Peer
		conn transport.Conn
		err  error
	}
	retryDue struct {
		peer string
	}
	joinResult struct {
		signals <-chan signaling.Signal
		err     error
	}
)

type outMsg struct {
	typ     models.MessageType
	payload []byte
}

// outbox collects messages produced outside the coordinator goroutine, such
// as local transactions, without ever blocking the producer.
type outbox struct {
	mu   sync.Mutex
	msgs []outMsg
	wake chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(m outMsg) {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []outMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

// coordinator is one connection of a Provider, from Connect to Disconnect.
// Every field below events is owned by the loop goroutine.
type coordinator struct {
	p      *Provider
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	events chan any
	outbox *outbox

	signals       <-chan signaling.Signal
	signalingDown bool
	rejoin        <-chan time.Time
	joinBackoff   *backoff.ExponentialBackOff

	known       map[string]transport.Peer
	sessions    map[string]*PeerSession
	dialing     map[string]bool
	retries     map[string]*backoff.ExponentialBackOff
	retryTimers map[string]*time.Timer
}

func newCoordinator(p *Provider) *coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &coordinator{
		p:           p,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		events:      make(chan any, eventBuffer),
		outbox:      newOutbox(),
		known:       make(map[string]transport.Peer),
		sessions:    make(map[string]*PeerSession),
		dialing:     make(map[string]bool),
		retries:     make(map[string]*backoff.ExponentialBackOff),
		retryTimers: make(map[string]*time.Timer),
	}
	c.joinBackoff = c.newBackOff()
	// Signaling is retried for as long as the provider stays connected.
	c.joinBackoff.MaxElapsedTime = 0
	return c
}

func (c *coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.p.opts.ReconnectInitial
	b.MaxInterval = c.p.opts.ReconnectMax
	b.MaxElapsedTime = c.p.opts.RetryWindow
	b.Reset()
	return b
}

// post hands ev to the loop. It reports false once the coordinator stopped.
func (c *coordinator) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *coordinator) loop() {
	defer close(c.done)
	updates := c.p.doc.OnUpdate(c.onUpdate)
	defer updates.Close()
	ticker := time.NewTicker(c.p.opts.AwarenessTimeout / 2)
	defer ticker.Stop()
	defer c.shutdown()

	accept := c.p.connector.Accept()
	c.join()
	for {
		select {
		case <-c.ctx.Done():
			return
		case sig, ok := <-c.signals:
			if !ok {
				c.signalingLost()
			} else {
				c.handleSignal(sig)
			}
		case <-c.rejoin:
			c.rejoin = nil
			c.join()
		case acc, ok := <-accept:
			if !ok {
				accept = nil
				continue
			}
			c.handleAccepted(acc)
		case ev := <-c.events:
			c.handle(ev)
		case <-c.outbox.wake:
			for _, m := range c.outbox.drain() {
				c.broadcast(encodeMessage(m.typ, m.payload), nil)
			}
		case <-ticker.C:
			c.tickAwareness()
		}
		c.updateState()
	}
}

func (c *coordinator) handle(ev any) {
	switch ev := ev.(type) {
	case inbound:
		c.handleMessage(ev.session, ev.msg)
	case sessionClosed:
		if c.sessions[ev.session.Remote()] == ev.session {
			c.dropSession(ev.session, ev.err)
		}
	case dialResult:
		c.handleDial(ev)
	case retryDue:
		c.handleRetry(ev.peer)
	case joinResult:
		c.handleJoin(ev)
	}
}

// derive computes the provider state from the sessions and signaling.
func (c *coordinator) derive() State {
	syncing := false
	for _, s := range c.sessions {
		switch s.state {
		case SessionConnected:
			return StateConnected
		case SessionConnecting, SessionSyncing:
			syncing = true
		}
	}
	switch {
	case c.signalingDown:
		return StateReconnecting
	case syncing:
		return StateSyncing
	case len(c.dialing) > 0:
		return StateConnecting
	case len(c.retryTimers) > 0:
		return StateReconnecting
	default:
		return StateDiscovering
	}
}

func (c *coordinator) updateState() {
	next := c.derive()
	if c.p.State() == StateReconnecting && next != StateReconnecting && next != StateDiscovering {
		c.p.transition(c, StateDiscovering)
	}
	c.p.transition(c, next)

	sessions := make([]models.PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s.snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PeerID < sessions[j].PeerID })
	c.p.setSessions(sessions)
}

// Signaling

func (c *coordinator) join() {
	room, peer := c.p.opts.Room, c.p.opts.PeerID
	go func() {
		ctx, span := middleware.StartSpan(c.ctx, "Provider.Join", attribute.String("room", room))
		defer span.End()
		signals, err := c.p.signaler.Join(ctx, room, peer)
		if err != nil {
			middleware.AddSpanError(ctx, err)
		}
		if !c.post(joinResult{signals: signals, err: err}) && err == nil {
			c.p.signaler.Leave(room)
		}
	}()
}

func (c *coordinator) handleJoin(ev joinResult) {
	if ev.err != nil {
		glog.Warningf("[provider]%s %v", c.p.opts.PeerID, &DiscoveryError{Room: c.p.opts.Room, Err: ev.err})
		c.signalingDown = true
		c.scheduleRejoin()
		return
	}
	if c.signalingDown {
		glog.Infof("[provider]%s signaling restored", c.p.opts.PeerID)
	}
	c.signals = ev.signals
	c.signalingDown = false
	c.joinBackoff.Reset()
	c.sendSignal("", signaling.KindAnnounce)
}

func (c *coordinator) signalingLost() {
	glog.Warningf("[provider]%s %v", c.p.opts.PeerID, &DiscoveryError{Room: c.p.opts.Room, Err: errSignalingLost})
	c.signals = nil
	c.signalingDown = true
	c.scheduleRejoin()
}

func (c *coordinator) scheduleRejoin() {
	d := c.joinBackoff.NextBackOff()
	if d == backoff.Stop {
		d = c.p.opts.ReconnectMax
	}
	glog.V(1).Infof("[provider]%s rejoining signaling in %s", c.p.opts.PeerID, d)
	c.rejoin = time.After(d)
}

// sendSignal publishes a signal without blocking the loop. An empty to
// broadcasts to the room.
func (c *coordinator) sendSignal(to string, kind signaling.Kind) {
	sig, err := signaling.NewSignal(c.p.opts.Room, c.p.opts.PeerID, to, kind, nil)
	if err != nil {
		glog.Errorf("[provider]%s build %s signal: %v", c.p.opts.PeerID, kind, err)
		return
	}
	sig.Address = c.p.opts.Address
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
		defer cancel()
		if err := c.p.signaler.Send(ctx, sig); err != nil {
			glog.V(1).Infof("[provider]%s send %s to %q: %v", c.p.opts.PeerID, kind, to, err)
		}
	}()
}

func (c *coordinator) handleSignal(sig signaling.Signal) {
	if sig.From == c.p.opts.PeerID {
		return
	}
	if c.p.connector.HandleSignal(sig) {
		return
	}
	switch sig.Kind {
	case signaling.KindAnnounce:
		peer := transport.Peer{ID: sig.From, Address: sig.Address}
		c.known[peer.ID] = peer
		if sig.To == "" {
			// Tell the newcomer about us.
			c.sendSignal(sig.From, signaling.KindAnnounce)
		}
		c.cancelRetry(peer.ID)
		c.ensureSession(peer)
	case signaling.KindLeave:
		delete(c.known, sig.From)
		delete(c.retries, sig.From)
		c.cancelRetry(sig.From)
		if s := c.sessions[sig.From]; s != nil {
			c.dropSession(s, nil)
		}
	default:
		glog.V(1).Infof("[provider]%s ignoring %s signal from %s", c.p.opts.PeerID, sig.Kind, sig.From)
	}
}

// Sessions

// ensureSession dials peer unless a session exists or is being set up. Only
// the peer with the smaller id dials, so each pair opens one session.
func (c *coordinator) ensureSession(peer transport.Peer) {
	if c.p.opts.PeerID >= peer.ID {
		return
	}
	if _, ok := c.sessions[peer.ID]; ok || c.dialing[peer.ID] {
		return
	}
	c.dial(peer)
}

func (c *coordinator) dial(peer transport.Peer) {
	c.dialing[peer.ID] = true
	room, local := c.p.opts.Room, c.p.opts.PeerID
	go func() {
		ctx, span := middleware.StartSpan(c.ctx, "Provider.Dial",
			attribute.String("room", room),
			attribute.String("peer.id", peer.ID),
		)
		defer span.End()
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := c.p.connector.Dial(dialCtx, room, local, peer)
		if err != nil {
			middleware.AddSpanError(ctx, err)
		}
		if !c.post(dialResult{peer: peer, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *coordinator) handleDial(ev dialResult) {
	delete(c.dialing, ev.peer.ID)
	if ev.err != nil {
		glog.Warningf("[provider]%s %v", c.p.opts.PeerID, &SessionError{Peer: ev.peer.ID, Op: "dial", Err: ev.err})
		c.scheduleRetry(ev.peer.ID)
		return
	}
	if _, ok := c.known[ev.peer.ID]; !ok {
		// The peer left while we were dialing.
		ev.conn.Close()
		return
	}
	c.startSession(ev.peer.ID, ev.conn, true)
}

func (c *coordinator) handleAccepted(acc transport.Accepted) {
	if acc.Room != c.p.opts.Room {
		glog.V(1).Infof("[provider]%s refusing session for room %q from %s", c.p.opts.PeerID, acc.Room, acc.Remote)
		acc.Conn.Close()
		return
	}
	c.startSession(acc.Remote, acc.Conn, false)
}

// startSession registers a session and sends the opening sync step and the
// known awareness states.
func (c *coordinator) startSession(remote string, conn transport.Conn, offerer bool) {
	if old := c.sessions[remote]; old != nil {
		glog.V(1).Infof("[provider]%s replacing session %s with %s", c.p.opts.PeerID, old.ID(), remote)
		old.close()
		old.state = SessionClosed
	}
	s := newPeerSession(c, remote, conn, offerer)
	s.state = SessionSyncing
	c.sessions[remote] = s
	go s.WritePump()
	go s.ReadPump()

	s.queue(encodeMessage(models.MessageTypeSyncStep1, c.p.doc.EncodeStateVector()))
	s.queue(encodeMessage(models.MessageTypeAwareness, c.p.awareness.EncodeAll()))
	glog.Infof("[provider]%s session %s with %s opened (offerer=%v)", c.p.opts.PeerID, s.ID(), remote, offerer)
}

// dropSession closes s and, if this side dials that peer, schedules a redial.
func (c *coordinator) dropSession(s *PeerSession, err error) {
	remote := s.Remote()
	s.close()
	s.state = SessionClosed
	delete(c.sessions, remote)
	if err != nil && !errors.Is(err, io.EOF) {
		glog.Warningf("[provider]%s %v", c.p.opts.PeerID, &SessionError{Peer: remote, Op: "session", Err: err})
	} else {
		glog.Infof("[provider]%s session %s with %s closed", c.p.opts.PeerID, s.ID(), remote)
	}
	c.p.awareness.Remove([]string{remote}, s)
	if _, ok := c.known[remote]; ok && c.p.opts.PeerID < remote {
		c.scheduleRetry(remote)
	}
}

func (c *coordinator) scheduleRetry(peer string) {
	if _, ok := c.retryTimers[peer]; ok {
		return
	}
	b := c.retries[peer]
	if b == nil {
		b = c.newBackOff()
		c.retries[peer] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		glog.Warningf("[provider]%s giving up on %s until it announces again", c.p.opts.PeerID, peer)
		delete(c.retries, peer)
		delete(c.known, peer)
		return
	}
	glog.V(1).Infof("[provider]%s redialing %s in %s", c.p.opts.PeerID, peer, d)
	c.retryTimers[peer] = time.AfterFunc(d, func() {
		c.post(retryDue{peer: peer})
	})
}

func (c *coordinator) cancelRetry(peer string) {
	if t, ok := c.retryTimers[peer]; ok {
		t.Stop()
		delete(c.retryTimers, peer)
	}
}

func (c *coordinator) handleRetry(peer string) {
	if _, ok := c.retryTimers[peer]; !ok {
		// Cancelled after the timer fired.
		return
	}
	delete(c.retryTimers, peer)
	p, ok := c.known[peer]
	if !ok {
		return
	}
	c.ensureSession(p)
}

// Protocol

func (c *coordinator) handleMessage(s *PeerSession, msg []byte) {
	if c.sessions[s.Remote()] != s {
		return
	}
	typ, payload, err := decodeMessage(msg)
	if err != nil {
		glog.Warningf("[provider]%s dropping message from %s: %v", c.p.opts.PeerID, s.Remote(), err)
		return
	}
	glog.V(2).Infof("[provider]%s <- %s %s (%d bytes)", c.p.opts.PeerID, s.Remote(), typ, len(payload))

	switch typ {
	case models.MessageTypeSyncStep1:
		sv, err := crdt.DecodeStateVector(payload)
		if err != nil {
			glog.Warningf("[provider]%s dropping sync step 1 from %s: %v", c.p.opts.PeerID, s.Remote(), err)
			return
		}
		s.remoteSV = mergeVectors(s.remoteSV, sv)
		if !s.queue(encodeMessage(models.MessageTypeSyncStep2, c.p.doc.EncodeStateAsUpdate(sv))) {
			c.dropSession(s, errSlowPeer)
		}
	case models.MessageTypeSyncStep2, models.MessageTypeUpdate:
		c.merge(s, typ, payload)
	case models.MessageTypeAwareness:
		change, err := c.p.awareness.Apply(payload, s)
		if err != nil {
			glog.Warningf("[provider]%s dropping awareness from %s: %v", c.p.opts.PeerID, s.Remote(), err)
			return
		}
		if !change.empty() {
			c.broadcast(msg, s)
		}
	case models.MessageTypeQueryAwareness:
		s.queue(encodeMessage(models.MessageTypeAwareness, c.p.awareness.EncodeAll()))
	default:
		glog.V(1).Infof("[provider]%s ignoring %s from %s", c.p.opts.PeerID, typ, s.Remote())
	}
}

// merge applies a remote update. Newly integrated operations reach onUpdate
// with s as origin and are relayed from there. The first SyncStep2 marks s
// Connected.
func (c *coordinator) merge(s *PeerSession, typ models.MessageType, payload []byte) bool {
	ctx, span := middleware.StartSpan(c.ctx, "Provider.Merge",
		attribute.String("peer.id", s.Remote()),
		attribute.String("message", typ.String()),
		attribute.Int("bytes", len(payload)),
	)
	defer span.End()

	u, err := crdt.DecodeUpdate(payload)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		glog.Warningf("[provider]%s dropping %s from %s: %v", c.p.opts.PeerID, typ, s.Remote(), err)
		return false
	}
	s.remoteSV = mergeVectors(s.remoteSV, u.StateVector)
	if err := c.p.doc.ApplyUpdate(payload, s); err != nil {
		middleware.AddSpanError(ctx, err)
		glog.Warningf("[provider]%s merge %s from %s: %v", c.p.opts.PeerID, typ, s.Remote(), err)
		return false
	}
	span.SetAttributes(attribute.Int("pending", c.p.doc.PendingCount()))
	if typ == models.MessageTypeSyncStep2 && s.state != SessionConnected {
		s.state = SessionConnected
		delete(c.retries, s.Remote())
		middleware.AddSpanEvent(ctx, "session.synced",
			attribute.String("session.id", s.ID()),
			attribute.Bool("offerer", s.info.Offerer),
		)
		glog.Infof("[provider]%s synced with %s", c.p.opts.PeerID, s.Remote())
	}
	return true
}

// onUpdate runs for every committed transaction and merge of the document.
func (c *coordinator) onUpdate(update []byte, origin any) {
	if s, ok := origin.(*PeerSession); ok && s.coord == c {
		// Merges only happen on the loop goroutine.
		c.broadcast(encodeMessage(models.MessageTypeUpdate, update), s)
		return
	}
	c.outbox.push(outMsg{typ: models.MessageTypeUpdate, payload: update})
}

// broadcast queues msg on every open session but except. Sessions that can
// not keep up are dropped and resync on reconnect.
func (c *coordinator) broadcast(msg []byte, except *PeerSession) {
	for _, s := range c.sessions {
		if s == except || s.state == SessionClosed {
			continue
		}
		if !s.queue(msg) {
			c.dropSession(s, errSlowPeer)
		}
	}
}

func (c *coordinator) tickAwareness() {
	if c.p.awareness.Renew() {
		c.broadcast(encodeMessage(models.MessageTypeAwareness, c.p.awareness.Encode([]string{c.p.opts.PeerID})), nil)
	}
	if removed := c.p.awareness.Expire(c); len(removed) > 0 {
		glog.V(1).Infof("[provider]%s awareness expired for %v", c.p.opts.PeerID, removed)
	}
}

func (c *coordinator) shutdown() {
	for peer, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, peer)
	}
	for remote, s := range c.sessions {
		s.close()
		s.state = SessionClosed
		delete(c.sessions, remote)
	}
	if c.signals != nil {
		sig, err := signaling.NewSignal(c.p.opts.Room, c.p.opts.PeerID, "", signaling.KindLeave, nil)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			if err := c.p.signaler.Send(ctx, sig); err != nil {
				glog.V(1).Infof("[provider]%s send leave: %v", c.p.opts.PeerID, err)
			}
			cancel()
		}
		if err := c.p.signaler.Leave(c.p.opts.Room); err != nil {
			glog.V(1).Infof("[provider]%s leave signaling: %v", c.p.opts.PeerID, err)
		}
		c.signals = nil
	}
	c.p.awareness.RemoveRemote(c)
}

func mergeVectors(dst, src crdt.StateVector) crdt.StateVector {
	if dst == nil {
		dst = make(crdt.StateVector, len(src))
	}
	for replica, clock := range src {
		if clock > dst[replica] {
			dst[replica] = clock
		}
	}
	return dst
}
