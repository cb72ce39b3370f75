package crdt

import "fmt"

// OpKind identifies the mutation an operation performs.
type OpKind uint8

const (
	// OpInsert adds an element to a list or a character to a text, to the
	// right of Ref (or at the head when HasRef is false).
	OpInsert OpKind = iota + 1
	// OpDelete tombstones the sequence element Ref.
	OpDelete
	// OpSetField writes field Key of the sequence element Ref. For lists this is
	// a record field, for texts a formatting attribute.
	OpSetField
	// OpMapSet writes map entry Key.
	OpMapSet
	// OpMapDelete removes map entry Key.
	OpMapDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSetField:
		return "set-field"
	case OpMapSet:
		return "map-set"
	case OpMapDelete:
		return "map-delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

func (k OpKind) valid() bool {
	return k >= OpInsert && k <= OpMapDelete
}

// Op is one atomic, causally ordered mutation of a container.
type Op struct {
	Kind      OpKind
	Container string
	ID        ID
	Lamport   uint64
	Ref       ID
	HasRef    bool
	Key       string
	Value     Value
}

func (op Op) stamp() stamp {
	return stamp{lamport: op.Lamport, id: op.ID}
}

// dependencies returns the operation ids that must be integrated first.
func (op Op) dependencies() []ID {
	deps := make([]ID, 0, 2)
	if op.ID.Clock > 0 {
		deps = append(deps, ID{Replica: op.ID.Replica, Clock: op.ID.Clock - 1})
	}
	if op.HasRef {
		deps = append(deps, op.Ref)
	}
	return deps
}

func (op Op) String() string {
	if op.HasRef {
		return fmt.Sprintf("%s %s@%s ref=%s", op.Kind, op.Container, op.ID, op.Ref)
	}
	return fmt.Sprintf("%s %s@%s", op.Kind, op.Container, op.ID)
}
