package crdt

import (
	"errors"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
LEARNING: UPDATE WIRE FORMAT

Updates are hand-framed protobuf messages (protowire), so peers need no
generated code and unknown fields are skipped:

  Update      { 1: version, 2: kind (1 snapshot, 2 delta), 3: StateVector, 4: repeated Op }
  StateVector { 1: repeated { 1: replica, 2: clock } }
  Op          { 1: kind, 2: container, 3: replica, 4: clock, 5: lamport,
                6: ref { 1: replica, 2: clock }, 7: key, 8: Value }
  Value       { 1: type, 2: bool, 3: sint64, 4: double, 5: string,
                6: repeated field { 1: name, 2: Value } }
*/

const (
	UpdateVersion = 1

	updateKindSnapshot = 1
	updateKindDelta    = 2
)

var errWireType = errors.New("unexpected wire type")

// Update is the decoded form of a snapshot or delta.
type Update struct {
	Snapshot    bool
	StateVector StateVector
	Ops         []Op
}

// Encode serializes the update.
func (u *Update) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, UpdateVersion)
	kind := uint64(updateKindDelta)
	if u.Snapshot {
		kind = updateKindSnapshot
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeStateVector(u.StateVector))
	for _, op := range u.Ops {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(b []byte) (*Update, error) {
	if len(b) == 0 {
		return nil, decodeErrorf(nil, "empty update")
	}
	u := &Update{StateVector: StateVector{}}
	var version, kind uint64
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readVarint(typ, b, &version)
		case 2:
			return readVarint(typ, b, &kind)
		case 3:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			sv, err := DecodeStateVector(raw)
			if err != nil {
				return n, err
			}
			u.StateVector = sv
			return n, nil
		case 4:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			op, err := decodeOp(raw)
			if err != nil {
				return n, err
			}
			u.Ops = append(u.Ops, op)
			return n, nil
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return nil, asDecodeError(err, "update")
	}
	if version != UpdateVersion {
		return nil, decodeErrorf(nil, "unsupported update version %d", version)
	}
	switch kind {
	case updateKindSnapshot:
		u.Snapshot = true
	case updateKindDelta:
	default:
		return nil, decodeErrorf(nil, "unknown update kind %d", kind)
	}
	return u, nil
}

// EncodeStateVector serializes a state vector with replicas in sorted order.
func EncodeStateVector(sv StateVector) []byte {
	b := []byte{}
	for _, replica := range sv.Replicas() {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, replica)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[replica])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeStateVector parses a state vector. An empty input is the empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skipField(num, typ, b)
		}
		var raw []byte
		n, err := readBytes(typ, b, &raw)
		if err != nil {
			return n, err
		}
		id, err := decodeID(raw)
		if err != nil {
			return n, err
		}
		if id.Clock > sv[id.Replica] {
			sv[id.Replica] = id.Clock
		}
		return n, nil
	})
	if err != nil {
		return nil, asDecodeError(err, "state vector")
	}
	return sv, nil
}

func encodeID(id ID) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, id.Replica)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, id.Clock)
	return b
}

func decodeID(b []byte) (ID, error) {
	var id ID
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &id.Replica)
		case 2:
			return readVarint(typ, b, &id.Clock)
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return ID{}, err
	}
	if id.Replica == "" {
		return ID{}, decodeErrorf(nil, "empty replica id")
	}
	return id, nil
}

func encodeOp(op Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, op.Container)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, op.ID.Replica)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, op.ID.Clock)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, op.Lamport)
	if op.HasRef {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(op.Ref))
	}
	if op.Key != "" {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, op.Key)
	}
	if !op.Value.IsNull() {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeValue(op.Value))
	}
	return b
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	var kind uint64
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readVarint(typ, b, &kind)
		case 2:
			return readString(typ, b, &op.Container)
		case 3:
			return readString(typ, b, &op.ID.Replica)
		case 4:
			return readVarint(typ, b, &op.ID.Clock)
		case 5:
			return readVarint(typ, b, &op.Lamport)
		case 6:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			ref, err := decodeID(raw)
			if err != nil {
				return n, err
			}
			op.Ref, op.HasRef = ref, true
			return n, nil
		case 7:
			return readString(typ, b, &op.Key)
		case 8:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			v, err := decodeValue(raw)
			if err != nil {
				return n, err
			}
			op.Value = v
			return n, nil
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return Op{}, err
	}
	op.Kind = OpKind(kind)
	switch {
	case !op.Kind.valid():
		return Op{}, decodeErrorf(nil, "unknown op kind %d", kind)
	case op.Container == "":
		return Op{}, decodeErrorf(nil, "op %s without container", op.ID)
	case op.ID.Replica == "":
		return Op{}, decodeErrorf(nil, "op without replica id")
	case op.Lamport == 0:
		return Op{}, decodeErrorf(nil, "op %s without lamport time", op.ID)
	case (op.Kind == OpDelete || op.Kind == OpSetField) && !op.HasRef:
		return Op{}, decodeErrorf(nil, "%s op %s without target", op.Kind, op.ID)
	case op.HasRef && op.Ref.Replica == op.ID.Replica && op.Ref.Clock >= op.ID.Clock:
		return Op{}, decodeErrorf(nil, "op %s references a later op %s", op.ID, op.Ref)
	}
	return op, nil
}

func encodeValue(v Value) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.typ))
	switch v.typ {
	case TypeBool:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.b))
	case TypeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.i))
	case TypeFloat:
		b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.f))
	case TypeString:
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, v.s)
	case TypeRecord:
		for _, name := range v.FieldNames() {
			var field []byte
			field = protowire.AppendTag(field, 1, protowire.BytesType)
			field = protowire.AppendString(field, name)
			field = protowire.AppendTag(field, 2, protowire.BytesType)
			field = protowire.AppendBytes(field, encodeValue(v.fields[name]))
			b = protowire.AppendTag(b, 6, protowire.BytesType)
			b = protowire.AppendBytes(b, field)
		}
	}
	return b
}

func decodeValue(b []byte) (Value, error) {
	var typ, raw uint64
	var bits uint64
	var s string
	var fields map[string]Value
	err := readFields(b, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readVarint(wt, b, &typ)
		case 2, 3:
			return readVarint(wt, b, &raw)
		case 4:
			if wt != protowire.Fixed64Type {
				return 0, errWireType
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			bits = v
			return n, nil
		case 5:
			return readString(wt, b, &s)
		case 6:
			var entry []byte
			n, err := readBytes(wt, b, &entry)
			if err != nil {
				return n, err
			}
			name, v, err := decodeField(entry)
			if err != nil {
				return n, err
			}
			if fields == nil {
				fields = make(map[string]Value)
			}
			fields[name] = v
			return n, nil
		}
		return skipField(num, wt, b)
	})
	if err != nil {
		return Value{}, err
	}
	switch ValueType(typ) {
	case TypeNull:
		return Null(), nil
	case TypeBool:
		return Bool(protowire.DecodeBool(raw)), nil
	case TypeInt:
		return Int(protowire.DecodeZigZag(raw)), nil
	case TypeFloat:
		return Float(math.Float64frombits(bits)), nil
	case TypeString:
		return String(s), nil
	case TypeRecord:
		return Value{typ: TypeRecord, fields: fields}, nil
	}
	return Value{}, decodeErrorf(nil, "unknown value type %d", typ)
}

func decodeField(b []byte) (string, Value, error) {
	var name string
	var v Value
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &name)
		case 2:
			var raw []byte
			n, err := readBytes(typ, b, &raw)
			if err != nil {
				return n, err
			}
			v, err = decodeValue(raw)
			return n, err
		}
		return skipField(num, typ, b)
	})
	if err != nil {
		return "", Value{}, err
	}
	if name == "" {
		return "", Value{}, decodeErrorf(nil, "record field without name")
	}
	return name, v, nil
}

// readFields walks the fields of one message. read consumes the value of a
// field and returns the number of bytes it used.
func readFields(b []byte, read func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := read(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 || m > len(b) {
			return errWireType
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func readVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func readBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func readString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var raw []byte
	n, err := readBytes(typ, b, &raw)
	if err != nil {
		return n, err
	}
	*dst = string(raw)
	return n, nil
}

func asDecodeError(err error, what string) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	return decodeErrorf(err, "malformed %s", what)
}
