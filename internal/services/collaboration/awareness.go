package collaboration

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protowire"

	"synced-todos/internal/crdt"
)

/*
LEARNING: AWARENESS

Presence is not part of the document. Every peer owns one JSON state and a
clock it bumps on every change; receivers keep the state with the highest
clock per peer. A null state means "gone". States nobody refreshed within the
timeout are dropped, so the owner renews its state every timeout/2.

  Update { 1: version, 2: repeated Entry { 1: peer, 2: clock, 3: state json } }
*/

const awarenessVersion = 1

type localOrigin struct{}

// LocalOrigin marks awareness changes made through SetLocalState.
var LocalOrigin any = localOrigin{}

// AwarenessChange lists the peers whose state changed in one call.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  any
}

func (c AwarenessChange) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Peers returns every peer the change names.
func (c AwarenessChange) Peers() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type awarenessMeta struct {
	clock   uint64
	updated time.Time
	// dropped is set when the state was removed locally because its session
	// ended; the owner resends the same clock on reconnect.
	dropped bool
}

// Awareness holds the presence state of the local peer and of every peer
// heard from.
type Awareness struct {
	local   string
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	states map[string]map[string]any
	meta   map[string]awarenessMeta

	subMu     sync.Mutex
	nextSub   uint64
	observers map[uint64]func(AwarenessChange)
}

func NewAwareness(local string, timeout time.Duration) *Awareness {
	return &Awareness{
		local:     local,
		timeout:   timeout,
		now:       time.Now,
		states:    make(map[string]map[string]any),
		meta:      make(map[string]awarenessMeta),
		observers: make(map[uint64]func(AwarenessChange)),
	}
}

func (a *Awareness) LocalID() string {
	return a.local
}

// Observe registers fn for every change. The returned function unregisters it.
func (a *Awareness) Observe(fn func(AwarenessChange)) (unsubscribe func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.observers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.observers, id)
			a.subMu.Unlock()
		})
	}
}

func (a *Awareness) emit(change AwarenessChange) {
	if change.empty() {
		return
	}
	a.subMu.Lock()
	ids := make([]uint64, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(AwarenessChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.observers[id])
	}
	a.subMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// LocalState returns a copy of the local state, nil when offline.
func (a *Awareness) LocalState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyState(a.states[a.local])
}

// SetLocalState replaces the local state. nil marks the local peer offline.
func (a *Awareness) SetLocalState(state map[string]any) {
	a.mu.Lock()
	prev, had := a.states[a.local]
	m := a.meta[a.local]
	m.clock++
	m.updated = a.now()
	a.meta[a.local] = m
	change := AwarenessChange{Origin: LocalOrigin}
	switch {
	case state == nil:
		delete(a.states, a.local)
		if had {
			change.Removed = []string{a.local}
		}
	default:
		a.states[a.local] = copyState(state)
		if !had {
			change.Added = []string{a.local}
		} else if !statesEqual(prev, state) {
			change.Updated = []string{a.local}
		}
	}
	a.mu.Unlock()
	a.emit(change)
}

// SetLocalField sets one key of the local state.
func (a *Awareness) SetLocalField(key string, value any) {
	state := a.LocalState()
	if state == nil {
		state = make(map[string]any)
	}
	state[key] = value
	a.SetLocalState(state)
}

// States returns a copy of every known state, keyed by peer.
func (a *Awareness) States() map[string]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]any, len(a.states))
	for peer, state := range a.states {
		out[peer] = copyState(state)
	}
	return out
}

// Peers returns the peers with a state, sorted.
func (a *Awareness) Peers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	peers := make([]string, 0, len(a.states))
	for peer := range a.states {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Encode serializes the current entries of peers. Peers without a state are
// encoded as removed.
func (a *Awareness) Encode(peers []string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, awarenessVersion)
	for _, peer := range peers {
		m, ok := a.meta[peer]
		if !ok {
			continue
		}
		state := []byte("null")
		if s, ok := a.states[peer]; ok {
			encoded, err := json.Marshal(s)
			if err != nil {
				glog.Warningf("[awareness]state of %s is not encodable: %v", peer, err)
				continue
			}
			state = encoded
		}
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.BytesType)
		e = protowire.AppendString(e, peer)
		e = protowire.AppendTag(e, 2, protowire.VarintType)
		e = protowire.AppendVarint(e, m.clock)
		e = protowire.AppendTag(e, 3, protowire.BytesType)
		e = protowire.AppendBytes(e, state)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// EncodeAll serializes every known state.
func (a *Awareness) EncodeAll() []byte {
	return a.Encode(a.Peers())
}

type awarenessEntry struct {
	peer  string
	clock uint64
	state map[string]any
}

func decodeAwareness(b []byte) ([]awarenessEntry, error) {
	var version uint64
	var entries []awarenessEntry
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &crdt.DecodeError{Reason: "awareness tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == 2 && wt == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				e, err := decodeAwarenessEntry(raw)
				if err != nil {
					return nil, err
				}
				entries = append(entries, e)
			}
		default:
			n = protowire.ConsumeFieldValue(num, wt, b)
		}
		if n < 0 {
			return nil, &crdt.DecodeError{Reason: "awareness field", Err: protowire.ParseError(n)}
		}
		b = b[n:]
	}
	if version != awarenessVersion {
		return nil, &crdt.DecodeError{Reason: fmt.Sprintf("unsupported awareness version %d", version)}
	}
	return entries, nil
}

func decodeAwarenessEntry(b []byte) (awarenessEntry, error) {
	var e awarenessEntry
	var state []byte
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, &crdt.DecodeError{Reason: "awareness entry tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			e.peer = string(raw)
		case num == 2 && wt == protowire.VarintType:
			e.clock, n = protowire.ConsumeVarint(b)
		case num == 3 && wt == protowire.BytesType:
			state, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, wt, b)
		}
		if n < 0 {
			return e, &crdt.DecodeError{Reason: "awareness entry field", Err: protowire.ParseError(n)}
		}
		b = b[n:]
	}
	if e.peer == "" {
		return e, &crdt.DecodeError{Reason: "awareness entry without peer"}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &e.state); err != nil {
			return e, &crdt.DecodeError{Reason: "awareness state of " + e.peer, Err: err}
		}
	}
	return e, nil
}

// Apply merges a remote awareness update. Entries about the local peer are
// ignored. It returns the change it caused.
func (a *Awareness) Apply(update []byte, origin any) (AwarenessChange, error) {
	entries, err := decodeAwareness(update)
	if err != nil {
		return AwarenessChange{}, err
	}
	change := AwarenessChange{Origin: origin}
	now := a.now()
	a.mu.Lock()
	for _, e := range entries {
		if e.peer == a.local {
			continue
		}
		m, known := a.meta[e.peer]
		prev, had := a.states[e.peer]
		// A removal with the same clock still wins over a live state.
		if known && !(e.clock > m.clock ||
			(e.clock == m.clock && e.state == nil && had) ||
			(e.clock == m.clock && e.state != nil && m.dropped)) {
			continue
		}
		a.meta[e.peer] = awarenessMeta{clock: e.clock, updated: now}
		switch {
		case e.state == nil:
			if had {
				delete(a.states, e.peer)
				change.Removed = append(change.Removed, e.peer)
			}
		case !had:
			a.states[e.peer] = e.state
			change.Added = append(change.Added, e.peer)
		default:
			a.states[e.peer] = e.state
			if !statesEqual(prev, e.state) {
				change.Updated = append(change.Updated, e.peer)
			}
		}
	}
	a.mu.Unlock()
	a.emit(change)
	return change, nil
}

// Remove drops the states of peers, keeping their clocks so that older
// updates can not bring them back.
func (a *Awareness) Remove(peers []string, origin any) {
	change := AwarenessChange{Origin: origin}
	a.mu.Lock()
	for _, peer := range peers {
		if peer == a.local {
			continue
		}
		if _, ok := a.states[peer]; ok {
			delete(a.states, peer)
			m := a.meta[peer]
			m.dropped = true
			a.meta[peer] = m
			change.Removed = append(change.Removed, peer)
		}
	}
	a.mu.Unlock()
	sort.Strings(change.Removed)
	a.emit(change)
}

// RemoveRemote drops every state but the local one.
func (a *Awareness) RemoveRemote(origin any) {
	a.Remove(a.Peers(), origin)
}

// Renew bumps the local clock so peers keep the local state alive. It
// reports whether there was a state to renew.
func (a *Awareness) Renew() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.states[a.local]; !ok {
		return false
	}
	m := a.meta[a.local]
	m.clock++
	m.updated = a.now()
	a.meta[a.local] = m
	return true
}

// Expire drops remote states not refreshed within the timeout.
func (a *Awareness) Expire(origin any) []string {
	now := a.now()
	change := AwarenessChange{Origin: origin}
	a.mu.Lock()
	for peer := range a.states {
		if peer == a.local {
			continue
		}
		if now.Sub(a.meta[peer].updated) >= a.timeout {
			delete(a.states, peer)
			change.Removed = append(change.Removed, peer)
		}
	}
	a.mu.Unlock()
	sort.Strings(change.Removed)
	a.emit(change)
	return change.Removed
}

func statesEqual(a, b map[string]any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
