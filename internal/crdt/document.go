package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

/*
LEARNING: OPERATION-BASED CRDT DOCUMENT

A Document is a set of named containers. Every mutation is an Op stamped with
(replica, clock) and a Lamport time:

  local Transact → ops integrated + appended to the op log → one update emitted
  remote ApplyUpdate → unseen ops integrated (pending until dependencies arrive)

The state vector (replica → number of integrated ops) is all a peer needs to
send to learn what it is missing. Integrating the same set of ops in any order,
any number of times, produces the same containers.
*/

// Kind is the fixed type of a root container.
type Kind uint8

const (
	KindList Kind = iota + 1
	KindMap
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Shape declares the root containers of a document. Peers that should
// converge must declare identical shapes.
type Shape map[string]Kind

type container struct {
	name    string
	kind    Kind
	seq     *sequence
	entries map[string]*register
}

// Event describes one committed transaction or merge that touched a container.
type Event struct {
	Container string
	Origin    any
	Local     bool
	Ops       int
}

// Subscription is an observer registration. Close releases it.
type Subscription struct {
	once  sync.Once
	close func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.close)
}

type observer struct {
	container string
	fn        func(Event)
}

// Document is an in-memory replicated document. All methods are safe for
// concurrent use; mutations are serialized.
type Document struct {
	mu         sync.Mutex
	replica    string
	containers map[string]*container
	lamport    uint64
	sv         StateVector
	log        map[string][]Op
	pending    []Op

	subMu     sync.Mutex
	nextSub   uint64
	observers map[uint64]observer
	updates   map[uint64]func([]byte, any)

	extMu      sync.Mutex
	extensions map[any]any
}

// NewDocument creates an empty document. An empty replicaID is replaced by a
// random one.
func NewDocument(replicaID string, shape Shape) *Document {
	if replicaID == "" {
		replicaID = uuid.NewString()
	}
	d := &Document{
		replica:    replicaID,
		containers: make(map[string]*container, len(shape)),
		sv:         make(StateVector),
		log:        make(map[string][]Op),
		observers:  make(map[uint64]observer),
		updates:    make(map[uint64]func([]byte, any)),
		extensions: make(map[any]any),
	}
	for name, kind := range shape {
		c := &container{name: name, kind: kind}
		switch kind {
		case KindList, KindText:
			c.seq = newSequence()
		default:
			c.kind = KindMap
			c.entries = make(map[string]*register)
		}
		d.containers[name] = c
	}
	return d
}

func (d *Document) ReplicaID() string {
	return d.replica
}

// Shape returns the declared containers.
func (d *Document) Shape() Shape {
	shape := make(Shape, len(d.containers))
	for name, c := range d.containers {
		shape[name] = c.kind
	}
	return shape
}

// Kind returns the kind of a container.
func (d *Document) Kind(name string) (Kind, bool) {
	c, ok := d.containers[name]
	if !ok {
		return 0, false
	}
	return c.kind, true
}

// Attach returns the value stored under key, creating it with init on first
// use. Layers built on top of a document use it to stay unique per document.
func (d *Document) Attach(key any, init func() any) any {
	d.extMu.Lock()
	defer d.extMu.Unlock()
	if v, ok := d.extensions[key]; ok {
		return v
	}
	v := init()
	d.extensions[key] = v
	return v
}

// Observe registers fn for every committed change of a container.
func (d *Document) Observe(name string, fn func(Event)) *Subscription {
	return d.addObserver(observer{container: name, fn: fn})
}

// ObserveAll registers fn for changes of any container.
func (d *Document) ObserveAll(fn func(Event)) *Subscription {
	return d.addObserver(observer{fn: fn})
}

func (d *Document) addObserver(o observer) *Subscription {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.observers[id] = o
	return &Subscription{close: func() {
		d.subMu.Lock()
		delete(d.observers, id)
		d.subMu.Unlock()
	}}
}

// OnUpdate registers fn to receive the encoded delta of every committed
// transaction and of every merge that integrated new operations.
func (d *Document) OnUpdate(fn func(update []byte, origin any)) *Subscription {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.updates[id] = fn
	return &Subscription{close: func() {
		d.subMu.Lock()
		delete(d.updates, id)
		d.subMu.Unlock()
	}}
}

// emit runs outside d.mu so that observers may read or write the document.
func (d *Document) emit(touched map[string]int, origin any, local bool, update []byte) {
	d.subMu.Lock()
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, d.observers[id])
	}
	handlers := make([]func([]byte, any), 0, len(d.updates))
	for _, fn := range d.updates {
		handlers = append(handlers, fn)
	}
	d.subMu.Unlock()

	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ev := Event{Container: name, Origin: origin, Local: local, Ops: touched[name]}
		for _, o := range observers {
			if o.container == "" || o.container == name {
				o.fn(ev)
			}
		}
	}
	for _, fn := range handlers {
		fn(update, origin)
	}
}

// Transact runs fn as one local transaction. All operations fn performs are
// committed together: observers fire once per touched container and one update
// covering every operation is emitted. If fn returns an error, every operation
// is rolled back and nothing is emitted.
//
// fn must only use the Txn; calling Document methods from fn deadlocks. A
// panic in fn rolls the transaction back before it propagates.
func (d *Document) Transact(origin any, fn func(*Txn) error) error {
	update, tx, err := d.commit(origin, fn)
	if err != nil || update == nil {
		return err
	}

	glog.V(2).Infof("[doc]%s commit %d ops", d.replica, len(tx.ops))
	d.emit(tx.touched, origin, true, update)
	return nil
}

// commit runs fn under the document lock and encodes the committed operations.
// update is nil when fn applied nothing.
func (d *Document) commit(origin any, fn func(*Txn) error) (update []byte, tx *Txn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx = &Txn{
		doc:      d,
		origin:   origin,
		clock0:   d.sv[d.replica],
		lamport0: d.lamport,
		touched:  make(map[string]int),
	}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, tx, err
	}
	tx.done = true
	if len(tx.ops) == 0 {
		return nil, tx, nil
	}
	return (&Update{StateVector: d.sv.Clone(), Ops: tx.ops}).Encode(), tx, nil
}

// ApplyUpdate merges a remote update. Operations already integrated are
// skipped; operations whose dependencies are missing are kept pending and
// retried on later merges. A malformed update returns a *DecodeError and
// leaves the document unmodified.
func (d *Document) ApplyUpdate(data []byte, origin any) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied, touched := d.mergeOps(u.Ops)
	if len(applied) == 0 {
		d.mu.Unlock()
		return nil
	}
	update := (&Update{StateVector: d.sv.Clone(), Ops: applied}).Encode()
	d.mu.Unlock()

	glog.V(2).Infof("[doc]%s merged %d ops (%d pending)", d.replica, len(applied), d.PendingCount())
	d.emit(touched, origin, false, update)
	return nil
}

func (d *Document) mergeOps(incoming []Op) ([]Op, map[string]int) {
	queue := make([]Op, 0, len(d.pending)+len(incoming))
	queue = append(queue, d.pending...)
	queue = append(queue, incoming...)
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].ID.Replica != queue[j].ID.Replica {
			return queue[i].ID.Replica < queue[j].ID.Replica
		}
		return queue[i].ID.Clock < queue[j].ID.Clock
	})

	var applied []Op
	touched := make(map[string]int)
	for progress := true; progress; {
		progress = false
		rest := queue[:0]
		for _, op := range queue {
			if d.sv.Contains(op.ID) {
				continue
			}
			if !d.ready(op) {
				rest = append(rest, op)
				continue
			}
			if d.integrate(op, nil) {
				touched[op.Container]++
			}
			applied = append(applied, op)
			progress = true
		}
		queue = rest
	}

	seen := make(map[ID]bool, len(queue))
	pending := make([]Op, 0, len(queue))
	for _, op := range queue {
		if seen[op.ID] {
			continue
		}
		seen[op.ID] = true
		pending = append(pending, op)
	}
	d.pending = pending
	return applied, touched
}

func (d *Document) ready(op Op) bool {
	if op.ID.Clock != d.sv[op.ID.Replica] {
		return false
	}
	for _, dep := range op.dependencies() {
		if !d.sv.Contains(dep) {
			return false
		}
	}
	return true
}

// integrate applies an op whose dependencies are present and records it in
// the op log. It returns whether a declared container was affected. When undo
// is non-nil the inverse of the mutation is appended to it.
func (d *Document) integrate(op Op, undo *[]func()) bool {
	d.log[op.ID.Replica] = append(d.log[op.ID.Replica], op)
	d.sv[op.ID.Replica] = op.ID.Clock + 1
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}

	c, ok := d.containers[op.Container]
	if !ok {
		glog.Warningf("[doc]%s op %s for undeclared container %q ignored", d.replica, op.ID, op.Container)
		return false
	}
	switch op.Kind {
	case OpInsert, OpDelete, OpSetField:
		if c.seq == nil {
			glog.Warningf("[doc]%s %s op on %s container %q ignored", d.replica, op.Kind, c.kind, c.name)
			return false
		}
		return d.integrateSequence(c, op, undo)
	case OpMapSet, OpMapDelete:
		if c.entries == nil {
			glog.Warningf("[doc]%s %s op on %s container %q ignored", d.replica, op.Kind, c.kind, c.name)
			return false
		}
		next := &register{value: op.Value, stamp: op.stamp(), deleted: op.Kind == OpMapDelete}
		if op.Kind == OpMapDelete {
			next.value = Null()
		}
		prev, won := writeRegister(c.entries, op.Key, next)
		if won && undo != nil {
			*undo = append(*undo, func() { restoreRegister(c.entries, op.Key, prev) })
		}
		return true
	}
	return false
}

func (d *Document) integrateSequence(c *container, op Op, undo *[]func()) bool {
	switch op.Kind {
	case OpInsert:
		it := &item{id: op.ID, stamp: op.stamp(), value: op.Value}
		if op.Value.Type() == TypeRecord && c.kind == KindList {
			it.record = true
			it.fields = make(map[string]*register, len(op.Value.fields))
			for name, v := range op.Value.fields {
				it.fields[name] = &register{value: v, stamp: it.stamp}
			}
			it.value = Value{typ: TypeRecord}
		}
		var origin *ID
		if op.HasRef {
			ref := op.Ref
			origin = &ref
		}
		c.seq.integrate(it, origin)
		if undo != nil {
			*undo = append(*undo, func() { c.seq.remove(it) })
		}
	case OpDelete:
		it, ok := c.seq.index[op.Ref]
		if !ok {
			return true
		}
		was := it.deleted
		c.seq.setDeleted(it, true)
		if undo != nil {
			*undo = append(*undo, func() { c.seq.setDeleted(it, was) })
		}
	case OpSetField:
		it, ok := c.seq.index[op.Ref]
		if !ok {
			return true
		}
		if it.fields == nil {
			it.fields = make(map[string]*register)
		}
		prev, won := writeRegister(it.fields, op.Key, &register{value: op.Value, stamp: op.stamp()})
		if won && undo != nil {
			*undo = append(*undo, func() { restoreRegister(it.fields, op.Key, prev) })
		}
	}
	return true
}

// StateVector returns a copy of the document's state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// EncodeStateVector encodes the state vector for a sync step 1 message.
func (d *Document) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns a full snapshot when since is nil, and otherwise
// a delta with every integrated operation since does not cover. Both carry the
// document's state vector.
func (d *Document) EncodeStateAsUpdate(since StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []Op
	for replica, log := range d.log {
		from := uint64(0)
		if since != nil {
			from = since[replica]
		}
		if from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	sortOps(ops)
	return (&Update{Snapshot: since == nil, StateVector: d.sv.Clone(), Ops: ops}).Encode()
}

// PendingCount returns the number of received operations waiting for their
// dependencies.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// List returns the materialized elements of a list container.
func (d *Document) List(name string) ([]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindList)
	if err != nil {
		return nil, err
	}
	return c.seq.values(), nil
}

// Map returns the live entries of a map container.
func (d *Document) Map(name string) (map[string]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindMap)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Value, len(c.entries))
	for key, reg := range c.entries {
		if !reg.deleted {
			out[key] = reg.value
		}
	}
	return out, nil
}

// Text returns the plain content of a text container.
func (d *Document) Text(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindText)
	if err != nil {
		return "", err
	}
	return textString(c.seq), nil
}

// TextRun is a maximal span of characters sharing the same attributes.
type TextRun struct {
	Text  string
	Attrs map[string]Value
}

// TextRuns returns the content of a text container split by formatting.
func (d *Document) TextRuns(name string) ([]TextRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindText)
	if err != nil {
		return nil, err
	}
	return textRuns(c.seq), nil
}

// Get returns the live element at index of a list container.
func (d *Document) Get(name string, index int) (Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindList)
	if err != nil {
		return Value{}, err
	}
	pos, ok := c.seq.visible(index)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q[%d] (len %d)", ErrIndexOutOfRange, name, index, c.seq.live)
	}
	return c.seq.items[pos].materialize(), nil
}

// ElementID returns the stable id of the live element at index of a list.
func (d *Document) ElementID(name string, index int) (ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindList)
	if err != nil {
		return ID{}, err
	}
	pos, ok := c.seq.visible(index)
	if !ok {
		return ID{}, fmt.Errorf("%w: %q[%d] (len %d)", ErrIndexOutOfRange, name, index, c.seq.live)
	}
	return c.seq.items[pos].id, nil
}

// Element returns a list element by id and whether it is still live.
func (d *Document) Element(name string, id ID) (Value, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.container(name, KindList)
	if err != nil {
		return Value{}, false, err
	}
	return lookupElement(c, id)
}

// Len returns the number of live elements (or entries) in a container.
func (d *Document) Len(name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownContainer, name)
	}
	return c.length(), nil
}

func (c *container) length() int {
	if c.seq != nil {
		return c.seq.live
	}
	n := 0
	for _, reg := range c.entries {
		if !reg.deleted {
			n++
		}
	}
	return n
}

func (d *Document) container(name string, kind Kind) (*container, error) {
	c, ok := d.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, name)
	}
	if c.kind != kind {
		return nil, fmt.Errorf("%w: %q is a %s, not a %s", ErrKindMismatch, name, c.kind, kind)
	}
	return c, nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Lamport != b.Lamport {
			return a.Lamport < b.Lamport
		}
		if a.ID.Replica != b.ID.Replica {
			return a.ID.Replica < b.ID.Replica
		}
		return a.ID.Clock < b.ID.Clock
	})
}
