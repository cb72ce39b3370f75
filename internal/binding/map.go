package binding

import (
	"sort"

	"synced-todos/internal/crdt"
)

// Map is a proxy for a map container.
type Map struct {
	store *Store
	name  string
	txn   *crdt.Txn
}

// Entries returns a point-in-time copy of the live entries.
func (m *Map) Entries() map[string]crdt.Value {
	if m.txn != nil {
		out := make(map[string]crdt.Value)
		for _, k := range m.txnKeys() {
			if v, ok, _ := m.txn.MapGet(m.name, k); ok {
				out[k] = v
			}
		}
		return out
	}
	entries, err := m.store.doc.Map(m.name)
	if err != nil {
		return map[string]crdt.Value{}
	}
	return entries
}

// txnKeys is only used inside a transaction, where the document lock is held
// by the caller and Document.Map can not be called.
func (m *Map) txnKeys() []string {
	keys, _ := m.txn.MapKeys(m.name)
	return keys
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	if m.txn != nil {
		return m.txnKeys()
	}
	entries := m.Entries()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	return len(m.Keys())
}

// Get returns an entry and whether it exists.
func (m *Map) Get(key string) (crdt.Value, bool) {
	if m.txn != nil {
		v, ok, _ := m.txn.MapGet(m.name, key)
		return v, ok
	}
	v, ok := m.Entries()[key]
	return v, ok
}

// Set writes an entry.
func (m *Map) Set(key string, v crdt.Value) error {
	c, err := m.store.container(m.name, crdt.KindMap)
	if err != nil {
		return err
	}
	if reason := c.Elem.check(v); reason != "" {
		return schemaErrorf(m.name, "."+key, "%s", reason)
	}
	return m.store.write(m.txn, func(txn *crdt.Txn) error {
		return txn.MapSet(m.name, key, v)
	})
}

// Delete removes an entry.
func (m *Map) Delete(key string) error {
	if _, err := m.store.container(m.name, crdt.KindMap); err != nil {
		return err
	}
	return m.store.write(m.txn, func(txn *crdt.Txn) error {
		return txn.MapDelete(m.name, key)
	})
}
