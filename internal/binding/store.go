package binding

import (
	"fmt"

	"synced-todos/internal/crdt"
)

/*
LEARNING: STATE BINDING

The Store exposes the document's containers as ordinary collections:

  store.List("todos").Push(todo)         → one transaction, one update
  store.Transact(func(tx *Tx) error {...}) → several writes, one transaction

Proxies never cache: every read goes to the document, so a proxy can not
drift from the replicated state. Writes are validated against the Schema
before any operation is created.
*/

type storeKey struct{}

// Store is the bound view of one document. There is at most one per document.
type Store struct {
	doc    *crdt.Document
	schema Schema
}

// Bind returns the store of doc, creating it on first use. The schema must
// match the document's containers. Later calls return the existing store and
// fail with a *SchemaError if their schema differs from the bound one.
func Bind(doc *crdt.Document, schema Schema) (*Store, error) {
	for name, c := range schema {
		kind, ok := doc.Kind(name)
		if !ok {
			return nil, schemaErrorf(name, "", "container is not declared by the document")
		}
		if kind != c.Kind {
			return nil, schemaErrorf(name, "", "document declares a %s, schema a %s", kind, c.Kind)
		}
	}
	v := doc.Attach(storeKey{}, func() any {
		return &Store{doc: doc, schema: schema}
	})
	store := v.(*Store)
	if name, reason := store.schema.diff(schema); reason != "" {
		return nil, schemaErrorf(name, "", "%s", reason)
	}
	return store, nil
}

// Document returns the bound document.
func (s *Store) Document() *crdt.Document {
	return s.doc
}

// Transact batches every write made through tx into a single transaction.
func (s *Store) Transact(fn func(tx *Tx) error) error {
	return s.doc.Transact(s, func(t *crdt.Txn) error {
		return fn(&Tx{store: s, txn: t})
	})
}

// Observe calls fn once per transaction or merge that changed the container.
func (s *Store) Observe(name string, fn func(crdt.Event)) *crdt.Subscription {
	return s.doc.Observe(name, fn)
}

// OnChange calls fn once per changed container for every transaction or merge.
func (s *Store) OnChange(fn func(crdt.Event)) *crdt.Subscription {
	return s.doc.ObserveAll(fn)
}

// IsLocal reports whether an event was produced by a write through this store.
func (s *Store) IsLocal(ev crdt.Event) bool {
	return ev.Origin == s
}

func (s *Store) List(name string) *List { return &List{store: s, name: name} }
func (s *Store) Map(name string) *Map { return &Map{store: s, name: name} }
func (s *Store) Text(name string) *Text { return &Text{store: s, name: name} }

// Snapshot returns plain Go data for every container, suitable for JSON.
func (s *Store) Snapshot() map[string]any {
	out := make(map[string]any, len(s.schema))
	for name, c := range s.schema {
		switch c.Kind {
		case crdt.KindList:
			values := s.List(name).Values()
			items := make([]any, len(values))
			for i, v := range values {
				items[i] = v.Interface()
			}
			out[name] = items
		case crdt.KindMap:
			entries := make(map[string]any)
			for k, v := range s.Map(name).Entries() {
				entries[k] = v.Interface()
			}
			out[name] = entries
		case crdt.KindText:
			out[name] = s.Text(name).String()
		}
	}
	return out
}

func (s *Store) container(name string, kind crdt.Kind) (ContainerSchema, error) {
	c, ok := s.schema[name]
	if !ok {
		return ContainerSchema{}, schemaErrorf(name, "", "container is not declared")
	}
	if c.Kind != kind {
		return ContainerSchema{}, schemaErrorf(name, "", "container is a %s, not a %s", c.Kind, kind)
	}
	return c, nil
}

// write runs fn in the caller's transaction, or in a new one.
func (s *Store) write(txn *crdt.Txn, fn func(*crdt.Txn) error) error {
	if txn != nil {
		return fn(txn)
	}
	return s.doc.Transact(s, fn)
}

// Tx is an open store transaction. Proxies obtained from it write into it.
type Tx struct {
	store *Store
	txn   *crdt.Txn
}

func (tx *Tx) List(name string) *List { return &List{store: tx.store, name: name, txn: tx.txn} }
func (tx *Tx) Map(name string) *Map { return &Map{store: tx.store, name: name, txn: tx.txn} }
func (tx *Tx) Text(name string) *Text { return &Text{store: tx.store, name: name, txn: tx.txn} }

func indexPath(i int) string {
	return fmt.Sprintf("[%d]", i)
}
