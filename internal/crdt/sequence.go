package crdt

// register is a last-writer-wins cell. A null value written by a delete is
// kept as a tombstone so that older concurrent writes cannot resurrect it.
type register struct {
	value   Value
	stamp   stamp
	deleted bool
}

// write applies a stamped write if it wins against the current one and
// returns the previous register for rollback.
func writeRegister(cells map[string]*register, key string, next *register) (prev *register, won bool) {
	prev = cells[key]
	if prev != nil && !next.stamp.greater(prev.stamp) {
		return prev, false
	}
	cells[key] = next
	return prev, true
}

func restoreRegister(cells map[string]*register, key string, prev *register) {
	if prev == nil {
		delete(cells, key)
		return
	}
	cells[key] = prev
}

// item is one element of a sequence container. Deleted items stay in place as
// tombstones so that later inserts can still reference them as origins.
type item struct {
	id      ID
	stamp   stamp
	value   Value
	record  bool
	fields  map[string]*register
	deleted bool
}

func (it *item) materialize() Value {
	if !it.record {
		return it.value
	}
	fields := make(map[string]Value, len(it.fields))
	for name, reg := range it.fields {
		if reg.deleted || reg.value.IsNull() {
			continue
		}
		fields[name] = reg.value
	}
	return Value{typ: TypeRecord, fields: fields}
}

func (it *item) attributes() map[string]Value {
	if len(it.fields) == 0 {
		return nil
	}
	attrs := make(map[string]Value, len(it.fields))
	for name, reg := range it.fields {
		if reg.deleted || reg.value.IsNull() {
			continue
		}
		attrs[name] = reg.value
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// sequence is a replicated growable array. Each element remembers the element
// it was inserted after; the linear order is derived from those references,
// with concurrent inserts after the same origin ordered by descending stamp.
type sequence struct {
	items []*item
	index map[ID]*item
	live  int
}

func newSequence() *sequence {
	return &sequence{index: make(map[ID]*item)}
}

func (s *sequence) position(it *item) int {
	for i, candidate := range s.items {
		if candidate == it {
			return i
		}
	}
	return -1
}

// visible returns the slice position of the pos-th live element.
func (s *sequence) visible(pos int) (int, bool) {
	if pos < 0 {
		return -1, false
	}
	n := 0
	for i, it := range s.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return i, true
		}
		n++
	}
	return -1, false
}

// integrate places it to the right of origin. Starting right after the origin,
// elements with a greater stamp were inserted concurrently with a higher
// priority (or after them, which implies a greater stamp) and are skipped.
func (s *sequence) integrate(it *item, origin *ID) {
	start := 0
	if origin != nil {
		if o, ok := s.index[*origin]; ok {
			start = s.position(o) + 1
		}
	}
	i := start
	for i < len(s.items) && s.items[i].stamp.greater(it.stamp) {
		i++
	}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	s.index[it.id] = it
	if !it.deleted {
		s.live++
	}
}

// remove undoes integrate for a local insert being rolled back.
func (s *sequence) remove(it *item) {
	i := s.position(it)
	if i < 0 {
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.index, it.id)
	if !it.deleted {
		s.live--
	}
}

func (s *sequence) setDeleted(it *item, deleted bool) {
	if it.deleted == deleted {
		return
	}
	it.deleted = deleted
	if deleted {
		s.live--
	} else {
		s.live++
	}
}

func (s *sequence) values() []Value {
	out := make([]Value, 0, s.live)
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it.materialize())
		}
	}
	return out
}
