package binding

import (
	"fmt"

	"synced-todos/internal/crdt"
)

// List is a proxy for a list container.
type List struct {
	store *Store
	name  string
	txn   *crdt.Txn
}

func (l *List) Name() string {
	return l.name
}

// Len returns the number of elements. Unknown containers have none.
func (l *List) Len() int {
	var n int
	var err error
	if l.txn != nil {
		n, err = l.txn.Len(l.name)
	} else {
		n, err = l.store.doc.Len(l.name)
	}
	if err != nil {
		return 0
	}
	return n
}

// Values returns a point-in-time copy of every element.
func (l *List) Values() []crdt.Value {
	var values []crdt.Value
	var err error
	if l.txn != nil {
		values, err = l.txn.Values(l.name)
	} else {
		values, err = l.store.doc.List(l.name)
	}
	if err != nil {
		return nil
	}
	return values
}

// Get returns the element at index.
func (l *List) Get(index int) (crdt.Value, error) {
	if l.txn != nil {
		return l.txn.Get(l.name, index)
	}
	return l.store.doc.Get(l.name, index)
}

func (l *List) checkElem(index int, v crdt.Value) error {
	c, err := l.store.container(l.name, crdt.KindList)
	if err != nil {
		return err
	}
	if reason := c.Elem.check(v); reason != "" {
		return schemaErrorf(l.name, indexPath(index), "%s", reason)
	}
	return nil
}

// Insert inserts values starting at index.
func (l *List) Insert(index int, values ...crdt.Value) error {
	for i, v := range values {
		if err := l.checkElem(index+i, v); err != nil {
			return err
		}
	}
	return l.store.write(l.txn, func(txn *crdt.Txn) error {
		for i, v := range values {
			if err := txn.ListInsert(l.name, index+i, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Push appends values.
func (l *List) Push(values ...crdt.Value) error {
	n := l.Len()
	for i, v := range values {
		if err := l.checkElem(n+i, v); err != nil {
			return err
		}
	}
	return l.store.write(l.txn, func(txn *crdt.Txn) error {
		n, err := txn.Len(l.name)
		if err != nil {
			return err
		}
		for i, v := range values {
			if err := txn.ListInsert(l.name, n+i, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes n elements starting at index.
func (l *List) Delete(index, n int) error {
	if _, err := l.store.container(l.name, crdt.KindList); err != nil {
		return err
	}
	return l.store.write(l.txn, func(txn *crdt.Txn) error {
		return txn.ListDelete(l.name, index, n)
	})
}

// Set replaces the element at index.
func (l *List) Set(index int, v crdt.Value) error {
	if err := l.checkElem(index, v); err != nil {
		return err
	}
	return l.store.write(l.txn, func(txn *crdt.Txn) error {
		if err := txn.ListDelete(l.name, index, 1); err != nil {
			return err
		}
		return txn.ListInsert(l.name, index, v)
	})
}

// Record returns a proxy bound to the identity of the record at index, so it
// keeps pointing at the same record when elements before it move.
func (l *List) Record(index int) (*RecordRef, error) {
	c, err := l.store.container(l.name, crdt.KindList)
	if err != nil {
		return nil, err
	}
	if c.Elem.kind != ElemRecord && c.Elem.kind != ElemAny {
		return nil, schemaErrorf(l.name, indexPath(index), "elements are %s, not records", c.Elem)
	}
	var id crdt.ID
	if l.txn != nil {
		id, err = l.txn.ElementID(l.name, index)
	} else {
		id, err = l.store.doc.ElementID(l.name, index)
	}
	if err != nil {
		return nil, err
	}
	return &RecordRef{list: l, id: id}, nil
}

// RecordRef is a proxy for one record element of a list.
type RecordRef struct {
	list *List
	id   crdt.ID
}

func (r *RecordRef) ID() crdt.ID {
	return r.id
}

// Value returns the whole record. Deleted records return crdt.ErrNoElement.
func (r *RecordRef) Value() (crdt.Value, error) {
	var v crdt.Value
	var live bool
	var err error
	if r.list.txn != nil {
		v, live, err = r.list.txn.Element(r.list.name, r.id)
	} else {
		v, live, err = r.list.store.doc.Element(r.list.name, r.id)
	}
	if err != nil {
		return crdt.Value{}, err
	}
	if !live {
		return crdt.Value{}, fmt.Errorf("%w: %q %s", crdt.ErrNoElement, r.list.name, r.id)
	}
	return v, nil
}

// Get returns one field. A missing field reads as null.
func (r *RecordRef) Get(field string) (crdt.Value, error) {
	v, err := r.Value()
	if err != nil {
		return crdt.Value{}, err
	}
	f, _ := v.Field(field)
	return f, nil
}

// Set assigns one field.
func (r *RecordRef) Set(field string, v crdt.Value) error {
	c, err := r.list.store.container(r.list.name, crdt.KindList)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("{%s}.%s", r.id, field)
	if c.Elem.kind == ElemRecord {
		def, ok := c.Elem.fields[field]
		if !ok {
			return schemaErrorf(r.list.name, path, "unknown field %q", field)
		}
		if reason := def.check(v); reason != "" {
			return schemaErrorf(r.list.name, path, "%s", reason)
		}
	}
	return r.list.store.write(r.list.txn, func(txn *crdt.Txn) error {
		return txn.SetElementField(r.list.name, r.id, field, v)
	})
}
