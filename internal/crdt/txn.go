package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var errTxnDone = errors.New("crdt: transaction already committed")

// Txn is an open local transaction. It is only valid inside the function
// passed to Document.Transact.
type Txn struct {
	doc      *Document
	origin   any
	clock0   uint64
	lamport0 uint64
	ops      []Op
	undo     []func()
	touched  map[string]int
	done     bool
}

// Origin returns the origin passed to Transact.
func (tx *Txn) Origin() any {
	return tx.origin
}

// apply stamps a new local operation and integrates it.
func (tx *Txn) apply(op Op) {
	d := tx.doc
	op.ID = ID{Replica: d.replica, Clock: d.sv[d.replica]}
	op.Lamport = d.lamport + 1
	d.integrate(op, &tx.undo)
	tx.ops = append(tx.ops, op)
	tx.touched[op.Container]++
}

func (tx *Txn) rollback() {
	d := tx.doc
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	d.lamport = tx.lamport0
	if tx.clock0 == 0 {
		delete(d.sv, d.replica)
		delete(d.log, d.replica)
	} else {
		d.sv[d.replica] = tx.clock0
		d.log[d.replica] = d.log[d.replica][:tx.clock0]
	}
	tx.ops = nil
	tx.undo = nil
	tx.done = true
}

func (tx *Txn) container(name string, kinds ...Kind) (*container, error) {
	if tx.done {
		return nil, errTxnDone
	}
	c, ok := tx.doc.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, name)
	}
	for _, k := range kinds {
		if c.kind == k {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is a %s", ErrKindMismatch, name, c.kind)
}

func (tx *Txn) element(c *container, index int) (*item, error) {
	pos, ok := c.seq.visible(index)
	if !ok {
		return nil, fmt.Errorf("%w: %q[%d] (len %d)", ErrIndexOutOfRange, c.name, index, c.seq.live)
	}
	return c.seq.items[pos], nil
}

// originFor returns the id of the live element left of index, or nil at the head.
func (tx *Txn) originFor(c *container, index int) (*ID, error) {
	if index < 0 || index > c.seq.live {
		return nil, fmt.Errorf("%w: %q[%d] (len %d)", ErrIndexOutOfRange, c.name, index, c.seq.live)
	}
	if index == 0 {
		return nil, nil
	}
	left, err := tx.element(c, index-1)
	if err != nil {
		return nil, err
	}
	id := left.id
	return &id, nil
}

func (tx *Txn) insertAfter(c *container, origin *ID, v Value) ID {
	op := Op{Kind: OpInsert, Container: c.name, Value: v}
	if origin != nil {
		op.Ref = *origin
		op.HasRef = true
	}
	tx.apply(op)
	return tx.ops[len(tx.ops)-1].ID
}

// Len returns the number of live elements or entries of a container.
func (tx *Txn) Len(name string) (int, error) {
	c, err := tx.container(name, KindList, KindMap, KindText)
	if err != nil {
		return 0, err
	}
	return c.length(), nil
}

// Get returns the element at index of a list container.
func (tx *Txn) Get(name string, index int) (Value, error) {
	c, err := tx.container(name, KindList)
	if err != nil {
		return Value{}, err
	}
	it, err := tx.element(c, index)
	if err != nil {
		return Value{}, err
	}
	return it.materialize(), nil
}

// Values returns the materialized elements of a list container.
func (tx *Txn) Values(name string) ([]Value, error) {
	c, err := tx.container(name, KindList)
	if err != nil {
		return nil, err
	}
	return c.seq.values(), nil
}

// ListInsert inserts v so that it ends up at index.
func (tx *Txn) ListInsert(name string, index int, v Value) error {
	c, err := tx.container(name, KindList)
	if err != nil {
		return err
	}
	origin, err := tx.originFor(c, index)
	if err != nil {
		return err
	}
	tx.insertAfter(c, origin, v)
	return nil
}

// ListDelete removes n elements starting at index.
func (tx *Txn) ListDelete(name string, index, n int) error {
	c, err := tx.container(name, KindList)
	if err != nil {
		return err
	}
	return tx.deleteRange(c, index, n)
}

func (tx *Txn) deleteRange(c *container, index, n int) error {
	if n < 0 || index < 0 || index+n > c.seq.live {
		return fmt.Errorf("%w: %q[%d:%d] (len %d)", ErrIndexOutOfRange, c.name, index, index+n, c.seq.live)
	}
	for i := 0; i < n; i++ {
		it, err := tx.element(c, index)
		if err != nil {
			return err
		}
		tx.apply(Op{Kind: OpDelete, Container: c.name, Ref: it.id, HasRef: true})
	}
	return nil
}

// SetField writes a field of the record at index of a list container.
func (tx *Txn) SetField(name string, index int, field string, v Value) error {
	id, err := tx.ElementID(name, index)
	if err != nil {
		return err
	}
	return tx.SetElementField(name, id, field, v)
}

// ElementID returns the stable id of the live element at index.
func (tx *Txn) ElementID(name string, index int) (ID, error) {
	c, err := tx.container(name, KindList, KindText)
	if err != nil {
		return ID{}, err
	}
	it, err := tx.element(c, index)
	if err != nil {
		return ID{}, err
	}
	return it.id, nil
}

// Element returns the element with the given id and whether it is live.
func (tx *Txn) Element(name string, id ID) (Value, bool, error) {
	c, err := tx.container(name, KindList)
	if err != nil {
		return Value{}, false, err
	}
	return lookupElement(c, id)
}

// SetElementField writes a field of a live record element.
func (tx *Txn) SetElementField(name string, id ID, field string, v Value) error {
	c, err := tx.container(name, KindList)
	if err != nil {
		return err
	}
	it, ok := c.seq.index[id]
	if !ok || it.deleted {
		return fmt.Errorf("%w: %q %s", ErrNoElement, name, id)
	}
	if !it.record {
		return fmt.Errorf("%w: %q %s", ErrNotRecord, name, id)
	}
	tx.apply(Op{Kind: OpSetField, Container: name, Ref: id, HasRef: true, Key: field, Value: v})
	return nil
}

func lookupElement(c *container, id ID) (Value, bool, error) {
	it, ok := c.seq.index[id]
	if !ok {
		return Value{}, false, fmt.Errorf("%w: %q %s", ErrNoElement, c.name, id)
	}
	return it.materialize(), !it.deleted, nil
}

// MapGet returns a live map entry.
func (tx *Txn) MapGet(name, key string) (Value, bool, error) {
	c, err := tx.container(name, KindMap)
	if err != nil {
		return Value{}, false, err
	}
	reg, ok := c.entries[key]
	if !ok || reg.deleted {
		return Value{}, false, nil
	}
	return reg.value, true, nil
}

// MapKeys returns the live keys of a map container in sorted order.
func (tx *Txn) MapKeys(name string) ([]string, error) {
	c, err := tx.container(name, KindMap)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(c.entries))
	for k, reg := range c.entries {
		if !reg.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MapSet writes a map entry.
func (tx *Txn) MapSet(name, key string, v Value) error {
	if _, err := tx.container(name, KindMap); err != nil {
		return err
	}
	tx.apply(Op{Kind: OpMapSet, Container: name, Key: key, Value: v})
	return nil
}

// MapDelete removes a map entry. Removing a missing entry is a no-op.
func (tx *Txn) MapDelete(name, key string) error {
	c, err := tx.container(name, KindMap)
	if err != nil {
		return err
	}
	if reg, ok := c.entries[key]; !ok || reg.deleted {
		return nil
	}
	tx.apply(Op{Kind: OpMapDelete, Container: name, Key: key})
	return nil
}

// Text returns the current plain content of a text container.
func (tx *Txn) Text(name string) (string, error) {
	c, err := tx.container(name, KindText)
	if err != nil {
		return "", err
	}
	return textString(c.seq), nil
}

func (tx *Txn) TextRuns(name string) ([]TextRun, error) {
	c, err := tx.container(name, KindText)
	if err != nil {
		return nil, err
	}
	return textRuns(c.seq), nil
}

// TextInsert inserts s at the rune index. Each rune becomes one element and
// inherits attrs.
func (tx *Txn) TextInsert(name string, index int, s string, attrs map[string]Value) error {
	c, err := tx.container(name, KindText)
	if err != nil {
		return err
	}
	origin, err := tx.originFor(c, index)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, r := range s {
		id := tx.insertAfter(c, origin, String(string(r)))
		for _, k := range keys {
			tx.apply(Op{Kind: OpSetField, Container: name, Ref: id, HasRef: true, Key: k, Value: attrs[k]})
		}
		origin = &id
	}
	return nil
}

// TextDelete removes n runes starting at index.
func (tx *Txn) TextDelete(name string, index, n int) error {
	c, err := tx.container(name, KindText)
	if err != nil {
		return err
	}
	return tx.deleteRange(c, index, n)
}

// TextFormat sets attr on n runes starting at index. A null value clears it.
func (tx *Txn) TextFormat(name string, index, n int, attr string, v Value) error {
	c, err := tx.container(name, KindText)
	if err != nil {
		return err
	}
	if n < 0 || index < 0 || index+n > c.seq.live {
		return fmt.Errorf("%w: %q[%d:%d] (len %d)", ErrIndexOutOfRange, name, index, index+n, c.seq.live)
	}
	for i := index; i < index+n; i++ {
		it, err := tx.element(c, i)
		if err != nil {
			return err
		}
		tx.apply(Op{Kind: OpSetField, Container: name, Ref: it.id, HasRef: true, Key: attr, Value: v})
	}
	return nil
}

func textString(s *sequence) string {
	var b strings.Builder
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if ch, ok := it.value.AsString(); ok {
			b.WriteString(ch)
		}
	}
	return b.String()
}

func sameAttrs(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func textRuns(s *sequence) []TextRun {
	var runs []TextRun
	var b strings.Builder
	var attrs map[string]Value
	flush := func() {
		if b.Len() > 0 {
			runs = append(runs, TextRun{Text: b.String(), Attrs: attrs})
			b.Reset()
		}
	}
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		ch, ok := it.value.AsString()
		if !ok {
			continue
		}
		a := it.attributes()
		if b.Len() > 0 && !sameAttrs(a, attrs) {
			flush()
		}
		if b.Len() == 0 {
			attrs = a
		}
		b.WriteString(ch)
	}
	flush()
	return runs
}
