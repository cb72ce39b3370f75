package binding

import (
	"fmt"
	"sort"

	"synced-todos/internal/crdt"
)

// ElemKind is the declared type of a container element or record field.
type ElemKind uint8

const (
	ElemAny ElemKind = iota
	ElemBool
	ElemInt
	ElemFloat
	ElemString
	ElemRecord
)

// Type describes the values a container element or a record field may hold.
type Type struct {
	kind   ElemKind
	fields map[string]FieldDef
}

var (
	Any    = Type{kind: ElemAny}
	Bool   = Type{kind: ElemBool}
	Int    = Type{kind: ElemInt}
	Float  = Type{kind: ElemFloat}
	String = Type{kind: ElemString}
)

// FieldDef declares one record field.
type FieldDef struct {
	Name     string
	Type     Type
	Optional bool
}

func Field(name string, t Type) FieldDef {
	return FieldDef{Name: name, Type: t}
}

func OptionalField(name string, t Type) FieldDef {
	return FieldDef{Name: name, Type: t, Optional: true}
}

// Record declares a record with a fixed set of fields.
func Record(fields ...FieldDef) Type {
	t := Type{kind: ElemRecord, fields: make(map[string]FieldDef, len(fields))}
	for _, f := range fields {
		t.fields[f.Name] = f
	}
	return t
}

func (t Type) String() string {
	switch t.kind {
	case ElemBool:
		return "bool"
	case ElemInt:
		return "int"
	case ElemFloat:
		return "float"
	case ElemString:
		return "string"
	case ElemRecord:
		names := make([]string, 0, len(t.fields))
		for name := range t.fields {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Sprintf("record%v", names)
	default:
		return "any"
	}
}

func (t Type) equal(o Type) bool {
	if t.kind != o.kind || len(t.fields) != len(o.fields) {
		return false
	}
	for name, f := range t.fields {
		g, ok := o.fields[name]
		if !ok || f.Optional != g.Optional || !f.Type.equal(g.Type) {
			return false
		}
	}
	return true
}

// check returns a description of why v does not conform, or "" if it does.
func (t Type) check(v crdt.Value) string {
	switch t.kind {
	case ElemAny:
		return ""
	case ElemBool:
		return expect(v, crdt.TypeBool)
	case ElemInt:
		return expect(v, crdt.TypeInt)
	case ElemFloat:
		if v.Type() == crdt.TypeInt {
			return ""
		}
		return expect(v, crdt.TypeFloat)
	case ElemString:
		return expect(v, crdt.TypeString)
	case ElemRecord:
		if reason := expect(v, crdt.TypeRecord); reason != "" {
			return reason
		}
		for _, name := range v.FieldNames() {
			def, ok := t.fields[name]
			if !ok {
				return fmt.Sprintf("unknown field %q", name)
			}
			f, _ := v.Field(name)
			if reason := def.check(f); reason != "" {
				return fmt.Sprintf("field %q: %s", name, reason)
			}
		}
		for name, def := range t.fields {
			if _, ok := v.Field(name); !ok && !def.Optional {
				return fmt.Sprintf("missing field %q", name)
			}
		}
		return ""
	}
	return ""
}

// check validates an assignment; optional fields may be cleared with null.
func (f FieldDef) check(v crdt.Value) string {
	if v.IsNull() && f.Optional {
		return ""
	}
	return f.Type.check(v)
}

func expect(v crdt.Value, want crdt.ValueType) string {
	if v.Type() != want {
		return fmt.Sprintf("expected %s, got %s", want, v.Type())
	}
	return ""
}

// ContainerSchema declares a root container and the type of its elements.
type ContainerSchema struct {
	Kind crdt.Kind
	Elem Type
}

func ListOf(elem Type) ContainerSchema {
	return ContainerSchema{Kind: crdt.KindList, Elem: elem}
}

func MapOf(elem Type) ContainerSchema {
	return ContainerSchema{Kind: crdt.KindMap, Elem: elem}
}

// RichText declares a text container whose characters carry scalar attributes.
func RichText() ContainerSchema {
	return ContainerSchema{Kind: crdt.KindText, Elem: Any}
}

// Schema declares every root container of a bound document.
type Schema map[string]ContainerSchema

// Shape returns the document shape the schema requires.
func (s Schema) Shape() crdt.Shape {
	shape := make(crdt.Shape, len(s))
	for name, c := range s {
		shape[name] = c.Kind
	}
	return shape
}

// diff returns the first container, in name order, declared differently by s
// and o, and a description of the difference.
func (s Schema) diff(o Schema) (name, reason string) {
	names := make([]string, 0, len(s)+len(o))
	for n := range s {
		names = append(names, n)
	}
	for n := range o {
		if _, ok := s[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		a, inS := s[n]
		b, inO := o[n]
		switch {
		case !inS:
			return n, "container is not declared by the bound schema"
		case !inO:
			return n, "container is missing from the schema"
		case a.Kind != b.Kind || !a.Elem.equal(b.Elem):
			return n, fmt.Sprintf("bound as %s of %s, requested as %s of %s", a.Kind, a.Elem, b.Kind, b.Elem)
		}
	}
	return "", ""
}
