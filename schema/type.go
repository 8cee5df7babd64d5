package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType reports a logical type outside the closed set. It signals a
// versioning mismatch between code and container and is not recoverable.
var ErrUnknownType = errors.New("schema: unknown logical type")

// Kind enumerates the closed set of logical attribute types.
type Kind uint8

const (
	IntKind Kind = iota
	FloatKind
	BoolKind
	StringKind
	// JSONKind holds an opaque structured value with no embedded references.
	JSONKind
	// JSONRefKind holds a structured value that may embed identity references.
	JSONRefKind
	// RefKind is a single reference, eagerly resolved on load.
	RefKind
	// LazyRefKind is a single reference resolved on first Handle.Resolve.
	LazyRefKind
	// RefListKind is an ordered sequence of references.
	RefListKind
	// NDArrayKind is a fixed-layout numeric blob tagged with dtype and shape.
	NDArrayKind
)

func (k Kind) String() string {
	switch k {
	case IntKind:
		return "int"
	case FloatKind:
		return "float"
	case BoolKind:
		return "bool"
	case StringKind:
		return "string"
	case JSONKind:
		return "json"
	case JSONRefKind:
		return "jsonref"
	case RefKind:
		return "ref"
	case LazyRefKind:
		return "lazyref"
	case RefListKind:
		return "reflist"
	case NDArrayKind:
		return "ndarray"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// DType enumerates element types for ndarray attributes.
type DType uint8

const (
	Float64 DType = iota
	Float32
	Int64
	Int32
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	}
	panic(fmt.Sprintf("no size for %s", d))
}

// Ragged marks a variable-length final dimension in an ndarray shape.
const Ragged = -1

// Type is the logical type of one schema attribute. Target names the
// referenced class for the three reference kinds; DType and Shape describe
// ndarray layout.
type Type struct {
	Kind   Kind
	Target string
	DType  DType
	Shape  []int
}

func Int() Type       { return Type{Kind: IntKind} }
func Float() Type     { return Type{Kind: FloatKind} }
func Bool() Type      { return Type{Kind: BoolKind} }
func String() Type    { return Type{Kind: StringKind} }
func JSON() Type      { return Type{Kind: JSONKind} }
func JSONRef() Type   { return Type{Kind: JSONRefKind} }
func Ref(target string) Type {
	return Type{Kind: RefKind, Target: target}
}
func LazyRef(target string) Type {
	return Type{Kind: LazyRefKind, Target: target}
}
func RefList(target string) Type {
	return Type{Kind: RefListKind, Target: target}
}

// NDArray declares a numeric array attribute. The final shape entry may be
// Ragged for instances of varying length; all other entries must be positive.
func NDArray(dtype DType, shape ...int) Type {
	return Type{Kind: NDArrayKind, DType: dtype, Shape: shape}
}

// IsRef reports whether t contributes edges to the reference graph.
func (t Type) IsRef() bool {
	switch t.Kind {
	case RefKind, LazyRefKind, RefListKind, JSONRefKind:
		return true
	}
	return false
}

// IsRagged reports whether the final ndarray dimension is variable-length.
func (t Type) IsRagged() bool {
	return t.Kind == NDArrayKind && len(t.Shape) > 0 && t.Shape[len(t.Shape)-1] == Ragged
}

// FixedLen returns the element count of a fixed-shape ndarray and whether the
// shape is fixed.
func (t Type) FixedLen() (int, bool) {
	if t.Kind != NDArrayKind || t.IsRagged() {
		return 0, false
	}
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n, true
}

func (t Type) validate() error {
	switch t.Kind {
	case IntKind, FloatKind, BoolKind, StringKind, JSONKind:
		return nil
	case JSONRefKind:
		return nil
	case RefKind, LazyRefKind, RefListKind:
		if t.Target == "" {
			return fmt.Errorf("%s requires a target class: %w", t.Kind, ErrUnknownType)
		}
		return nil
	case NDArrayKind:
		if len(t.Shape) == 0 {
			return fmt.Errorf("ndarray requires a shape: %w", ErrUnknownType)
		}
		for i, s := range t.Shape {
			if s == Ragged && i == len(t.Shape)-1 {
				continue
			}
			if s <= 0 {
				return fmt.Errorf("ndarray shape %v: only the final dimension may be ragged: %w", t.Shape, ErrUnknownType)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: %w", t.Kind, ErrUnknownType)
}

func (t Type) String() string {
	switch t.Kind {
	case RefKind, LazyRefKind, RefListKind:
		return fmt.Sprintf("%s<%s>", t.Kind, t.Target)
	case NDArrayKind:
		dims := make([]string, len(t.Shape))
		for i, s := range t.Shape {
			if s == Ragged {
				dims[i] = "..."
			} else {
				dims[i] = fmt.Sprint(s)
			}
		}
		return fmt.Sprintf("ndarray<%s>[%s]", t.DType, strings.Join(dims, ","))
	}
	return t.Kind.String()
}

// Equals compares two types structurally.
func (t Type) Equals(other Type) bool {
	if t.Kind != other.Kind || t.Target != other.Target || t.DType != other.DType {
		return false
	}
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}
