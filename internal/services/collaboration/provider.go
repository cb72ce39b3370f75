package collaboration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel/attribute"

	"synced-todos/internal/crdt"
	"synced-todos/internal/middleware"
	"synced-todos/internal/models"
	"synced-todos/internal/signaling"
	"synced-todos/internal/transport"
)

/*
LEARNING: PEER SYNCHRONIZATION PROVIDER

A Provider keeps one document in sync with every peer in a room.

  Connect ──► join signaling ──► announce ──► peers answer ──► smaller id dials
                                                                    │
  session open: both send SyncStep1{state vector}                   ▼
                each answers SyncStep2{delta the other misses} ──► Connected
  afterwards:   Update{delta} for every local transaction,
                every merge that integrated something is relayed onwards

One coordinator goroutine owns the session table and performs every merge;
each session adds a read pump and a write pump. Failures never reach the
caller: sessions are redialed with exponential backoff and signaling is
rejoined, the document stays usable offline throughout.
*/

// State is the connectivity of a provider.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateSyncing
	StateConnected
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options configures a Provider.
type Options struct {
	// Room is the rendezvous key and document namespace. Required.
	Room string
	// PeerID identifies this peer; defaults to the document's replica id.
	PeerID string
	// Address is announced to peers that dial directly.
	Address string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// RetryWindow is how long a peer that can not be reached is redialed
	// before it is forgotten until it announces again.
	RetryWindow      time.Duration
	AwarenessTimeout time.Duration
}

func (o *Options) setDefaults(doc *crdt.Document) {
	if o.PeerID == "" {
		o.PeerID = doc.ReplicaID()
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 30 * time.Second
	}
	if o.RetryWindow <= 0 {
		o.RetryWindow = 2 * time.Minute
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = 30 * time.Second
	}
}

// Provider synchronizes a document with the peers of one room.
type Provider struct {
	doc       *crdt.Document
	signaler  signaling.Signaler
	connector transport.Connector
	opts      Options
	awareness *Awareness

	mu        sync.Mutex
	state     State
	closed    bool
	run       *coordinator
	nextSub   uint64
	stateSubs map[uint64]func(from, to State)

	statusMu sync.Mutex
	sessions []models.PeerSession

	unobserveAwareness func()
}

func NewProvider(doc *crdt.Document, signaler signaling.Signaler, connector transport.Connector, opts Options) *Provider {
	opts.setDefaults(doc)
	p := &Provider{
		doc:       doc,
		signaler:  signaler,
		connector: connector,
		opts:      opts,
		awareness: NewAwareness(opts.PeerID, opts.AwarenessTimeout),
		stateSubs: make(map[uint64]func(from, to State)),
	}
	p.unobserveAwareness = p.awareness.Observe(p.onAwareness)
	return p
}

func (p *Provider) Room() string {
	return p.opts.Room
}

func (p *Provider) PeerID() string {
	return p.opts.PeerID
}

func (p *Provider) Document() *crdt.Document {
	return p.doc
}

func (p *Provider) Awareness() *Awareness {
	return p.awareness
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnStateChange registers fn for every state transition. The returned
// function unregisters it.
func (p *Provider) OnStateChange(fn func(from, to State)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.stateSubs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.stateSubs, id)
			p.mu.Unlock()
		})
	}
}

// transition moves to next on behalf of c; transitions of a coordinator that
// is no longer current are ignored.
func (p *Provider) transition(c *coordinator, next State) {
	p.mu.Lock()
	if c != nil && p.run != c {
		p.mu.Unlock()
		return
	}
	prev := p.state
	if prev == next {
		p.mu.Unlock()
		return
	}
	p.state = next
	ids := make([]uint64, 0, len(p.stateSubs))
	for id := range p.stateSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(from, to State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.stateSubs[id])
	}
	p.mu.Unlock()

	glog.V(1).Infof("[provider]%s %s -> %s", p.opts.PeerID, prev, next)
	for _, fn := range fns {
		fn(prev, next)
	}
}

// Connect starts discovery and synchronization in the background. It is a
// no-op while already connected. Network failures are retried and never
// returned.
func (p *Provider) Connect(ctx context.Context) error {
	if p.opts.Room == "" {
		return ErrEmptyRoom
	}
	_, span := middleware.StartSpan(ctx, "Provider.Connect",
		attribute.String("room", p.opts.Room),
		attribute.String("peer.id", p.opts.PeerID),
	)
	defer span.End()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	if p.run != nil {
		p.mu.Unlock()
		return nil
	}
	c := newCoordinator(p)
	p.run = c
	p.mu.Unlock()

	glog.Infof("[provider]%s connecting to room %q", p.opts.PeerID, p.opts.Room)
	p.transition(c, StateDiscovering)
	go c.loop()
	return nil
}

// Disconnect closes every session and stops discovery. Local edits keep
// working and are sent on the next Connect. It is a no-op when not connected.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	c := p.run
	p.run = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	<-c.done
	p.setSessions(nil)
	p.transition(nil, StateClosed)
	glog.Infof("[provider]%s disconnected from room %q", p.opts.PeerID, p.opts.Room)
}

// Close disconnects and releases the connector. The provider can not be
// connected again.
func (p *Provider) Close() error {
	p.Disconnect()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.unobserveAwareness()
	return p.connector.Close()
}

// Status reports connectivity and the sessions of the current connection.
func (p *Provider) Status() models.Status {
	p.statusMu.Lock()
	sessions := append([]models.PeerSession(nil), p.sessions...)
	p.statusMu.Unlock()
	sv := p.doc.StateVector()
	vector := make(map[string]uint64, len(sv))
	for r, n := range sv {
		vector[r] = n
	}
	return models.Status{
		Room:        p.opts.Room,
		PeerID:      p.opts.PeerID,
		State:       p.State().String(),
		Sessions:    sessions,
		Pending:     p.doc.PendingCount(),
		StateVector: vector,
	}
}

func (p *Provider) setSessions(sessions []models.PeerSession) {
	p.statusMu.Lock()
	p.sessions = sessions
	p.statusMu.Unlock()
}

func (p *Provider) current() *coordinator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run
}

// onAwareness forwards local presence changes to the running coordinator.
func (p *Provider) onAwareness(change AwarenessChange) {
	if change.Origin != LocalOrigin {
		return
	}
	if c := p.current(); c != nil {
		c.outbox.push(outMsg{typ: models.MessageTypeAwareness, payload: p.awareness.Encode(change.Peers())})
	}
}
