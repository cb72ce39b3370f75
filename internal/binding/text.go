package binding

import (
	"synced-todos/internal/crdt"
)

// Text is a proxy for a rich-text container.
type Text struct {
	store *Store
	name  string
	txn   *crdt.Txn
}

// String returns the plain text.
func (t *Text) String() string {
	var s string
	var err error
	if t.txn != nil {
		s, err = t.txn.Text(t.name)
	} else {
		s, err = t.store.doc.Text(t.name)
	}
	if err != nil {
		return ""
	}
	return s
}

// Len returns the length in runes.
func (t *Text) Len() int {
	var n int
	var err error
	if t.txn != nil {
		n, err = t.txn.Len(t.name)
	} else {
		n, err = t.store.doc.Len(t.name)
	}
	if err != nil {
		return 0
	}
	return n
}

// Runs returns the text split into spans of equal formatting.
func (t *Text) Runs() []crdt.TextRun {
	var runs []crdt.TextRun
	var err error
	if t.txn != nil {
		runs, err = t.txn.TextRuns(t.name)
	} else {
		runs, err = t.store.doc.TextRuns(t.name)
	}
	if err != nil {
		return nil
	}
	return runs
}

func (t *Text) checkAttr(attr string, v crdt.Value) error {
	if v.Type() == crdt.TypeRecord {
		return schemaErrorf(t.name, "@"+attr, "attributes must be scalar, got record")
	}
	return nil
}

// Insert inserts s at the rune index with optional formatting attributes.
func (t *Text) Insert(index int, s string, attrs map[string]crdt.Value) error {
	if _, err := t.store.container(t.name, crdt.KindText); err != nil {
		return err
	}
	for attr, v := range attrs {
		if err := t.checkAttr(attr, v); err != nil {
			return err
		}
	}
	return t.store.write(t.txn, func(txn *crdt.Txn) error {
		return txn.TextInsert(t.name, index, s, attrs)
	})
}

// Append adds s to the end of the text.
func (t *Text) Append(s string) error {
	if _, err := t.store.container(t.name, crdt.KindText); err != nil {
		return err
	}
	return t.store.write(t.txn, func(txn *crdt.Txn) error {
		n, err := txn.Len(t.name)
		if err != nil {
			return err
		}
		return txn.TextInsert(t.name, n, s, nil)
	})
}

// Delete removes n runes starting at index.
func (t *Text) Delete(index, n int) error {
	if _, err := t.store.container(t.name, crdt.KindText); err != nil {
		return err
	}
	return t.store.write(t.txn, func(txn *crdt.Txn) error {
		return txn.TextDelete(t.name, index, n)
	})
}

// Format sets attr on n runes starting at index; a null value clears it.
func (t *Text) Format(index, n int, attr string, v crdt.Value) error {
	if _, err := t.store.container(t.name, crdt.KindText); err != nil {
		return err
	}
	if err := t.checkAttr(attr, v); err != nil {
		return err
	}
	return t.store.write(t.txn, func(txn *crdt.Txn) error {
		return txn.TextFormat(t.name, index, n, attr, v)
	})
}

// Replace swaps the whole content for s in one transaction.
func (t *Text) Replace(s string) error {
	if _, err := t.store.container(t.name, crdt.KindText); err != nil {
		return err
	}
	return t.store.write(t.txn, func(txn *crdt.Txn) error {
		n, err := txn.Len(t.name)
		if err != nil {
			return err
		}
		if err := txn.TextDelete(t.name, 0, n); err != nil {
			return err
		}
		return txn.TextInsert(t.name, 0, s, nil)
	})
}
