// Package schema declares per-class attribute schemas: an ordered list of
// (name, logical type) pairs over a closed type set. Schemas are validated at
// registration and immutable for the lifetime of a container.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConflict reports a redeclaration that does not match the stored schema.
var ErrConflict = errors.New("schema: conflict")

// Field is one attribute declaration.
type Field struct {
	Name string
	Type Type
	// Maskable marks an attribute whose cells may legitimately be "not yet
	// known" at save time and filled in later.
	Maskable bool
	// Unit optionally tags a numeric attribute with a physical unit symbol.
	Unit string
}

// Schema is the ordered attribute declaration for one class.
type Schema struct {
	fields []Field
	byName map[string]int
}

// New builds and validates a schema. Field names must be unique and nonempty;
// every type must be a member of the closed logical type set.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: append([]Field(nil), fields...),
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name: %w", i, ErrConflict)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q: %w", f.Name, ErrConflict)
		}
		if err := f.Type.validate(); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		if f.Unit != "" && f.Type.Kind != FloatKind && f.Type.Kind != NDArrayKind {
			return nil, fmt.Errorf("field %q: unit tag on non-numeric type %s: %w", f.Name, f.Type, ErrConflict)
		}
		s.byName[f.Name] = i
	}
	return s, nil
}

// MustNew is New for schemas known good at compile time.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the declarations in declaration order. Callers must not
// mutate the result.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field returns the declaration for name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Len returns the attribute count.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Equals compares two schemas field by field, including order.
func (s *Schema) Equals(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i, f := range s.fields {
		o := other.fields[i]
		if f.Name != o.Name || !f.Type.Equals(o.Type) || f.Maskable != o.Maskable || f.Unit != o.Unit {
			return false
		}
	}
	return true
}

type fieldJSON struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Target   string `json:"target,omitempty"`
	DType    string `json:"dtype,omitempty"`
	Shape    []int  `json:"shape,omitempty"`
	Maskable bool   `json:"maskable,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

var kindNames = map[string]Kind{
	"int": IntKind, "float": FloatKind, "bool": BoolKind, "string": StringKind,
	"json": JSONKind, "jsonref": JSONRefKind,
	"ref": RefKind, "lazyref": LazyRefKind, "reflist": RefListKind,
	"ndarray": NDArrayKind,
}

var dtypeNames = map[string]DType{
	"float64": Float64, "float32": Float32, "int64": Int64, "int32": Int32,
}

// MarshalJSON renders one field for the container manifest.
func (f Field) MarshalJSON() ([]byte, error) {
	fj := fieldJSON{
		Name:     f.Name,
		Kind:     f.Type.Kind.String(),
		Target:   f.Type.Target,
		Maskable: f.Maskable,
		Unit:     f.Unit,
	}
	if f.Type.Kind == NDArrayKind {
		fj.DType = f.Type.DType.String()
		fj.Shape = f.Type.Shape
	}
	return json.Marshal(fj)
}

// UnmarshalJSON parses a manifest field. An unknown kind or dtype means the
// container was written by newer code and is fatal.
func (f *Field) UnmarshalJSON(data []byte) error {
	var fj fieldJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return err
	}
	kind, ok := kindNames[fj.Kind]
	if !ok {
		return fmt.Errorf("field %q declares kind %q: %w", fj.Name, fj.Kind, ErrUnknownType)
	}
	t := Type{Kind: kind, Target: fj.Target, Shape: fj.Shape}
	if kind == NDArrayKind {
		dt, ok := dtypeNames[fj.DType]
		if !ok {
			return fmt.Errorf("field %q declares dtype %q: %w", fj.Name, fj.DType, ErrUnknownType)
		}
		t.DType = dt
	}
	*f = Field{Name: fj.Name, Type: t, Maskable: fj.Maskable, Unit: fj.Unit}
	return nil
}

// MarshalJSON renders the schema for the container manifest.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields)
}

// UnmarshalJSON parses and validates a manifest schema.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	parsed, err := New(fields...)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
