package crdt

import (
	"fmt"
	"math"
	"sort"
)

// ValueType enumerates the plain data types a container can hold.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeRecord
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeRecord:
		return "record"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is an immutable plain value stored in a container. The zero Value is null.
type Value struct {
	typ    ValueType
	b      bool
	i      int64
	f      float64
	s      string
	fields map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }
func Int(i int64) Value { return Value{typ: TypeInt, i: i} }
func Float(f float64) Value { return Value{typ: TypeFloat, f: f} }
func String(s string) Value { return Value{typ: TypeString, s: s} }

// Record builds a record value. The map is copied.
func Record(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Value{typ: TypeRecord, fields: copied}
}

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }
func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// Fields returns a copy of a record's fields, or nil for any other type.
func (v Value) Fields() map[string]Value {
	if v.typ != TypeRecord {
		return nil
	}
	out := make(map[string]Value, len(v.fields))
	for k, f := range v.fields {
		out[k] = f
	}
	return out
}

// Field returns a record field.
func (v Value) Field(name string) (Value, bool) {
	if v.typ != TypeRecord {
		return Value{}, false
	}
	f, ok := v.fields[name]
	return f, ok
}

// FieldNames returns the record's field names in sorted order.
func (v Value) FieldNames() []string {
	names := make([]string, 0, len(v.fields))
	for k := range v.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeString:
		return v.s == o.s
	case TypeRecord:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for k, f := range v.fields {
			of, ok := o.fields[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts the value into plain Go data suitable for encoding/json.
func (v Value) Interface() any {
	switch v.typ {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeRecord:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts decoded JSON-like data into a Value. Whole float64
// numbers become ints so that JSON round trips keep integer fields integral.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return fromFloat(float64(t)), nil
	case float64:
		return fromFloat(t), nil
	case string:
		return String(t), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, raw := range t {
			f, err := FromInterface(raw)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = f
		}
		return Value{typ: TypeRecord, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Interface())
}
