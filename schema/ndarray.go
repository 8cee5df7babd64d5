package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Array is the in-memory value of an ndarray attribute: a dtype- and
// shape-tagged numeric blob with fixed little-endian element layout.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// Len returns the element count.
func (a Array) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

func (a Array) Equals(other Array) bool {
	if a.DType != other.DType || len(a.Shape) != len(other.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, other.Data)
}

func (a Array) String() string {
	return fmt.Sprintf("ndarray<%s>%v (%d bytes)", a.DType, a.Shape, len(a.Data))
}

// Float64Array packs vals into an Array of the given shape. The shape's
// element count must match len(vals).
func Float64Array(shape []int, vals []float64) Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return checkShape(Array{DType: Float64, Shape: shape, Data: data}, len(vals))
}

// Float32Array packs vals into an Array of the given shape.
func Float32Array(shape []int, vals []float32) Array {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return checkShape(Array{DType: Float32, Shape: shape, Data: data}, len(vals))
}

// Int64Array packs vals into an Array of the given shape.
func Int64Array(shape []int, vals []int64) Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return checkShape(Array{DType: Int64, Shape: shape, Data: data}, len(vals))
}

// Int32Array packs vals into an Array of the given shape.
func Int32Array(shape []int, vals []int32) Array {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return checkShape(Array{DType: Int32, Shape: shape, Data: data}, len(vals))
}

func checkShape(a Array, n int) Array {
	if a.Len() != n {
		panic(fmt.Sprintf("shape %v does not hold %d elements", a.Shape, n))
	}
	return a
}

// Float64s unpacks the element data as float64 values, converting from
// narrower dtypes as needed.
func (a Array) Float64s() []float64 {
	n := a.Len()
	out := make([]float64, n)
	switch a.DType {
	case Float64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
		}
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(a.Data[i*4:])))
		}
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = float64(int64(binary.LittleEndian.Uint64(a.Data[i*8:])))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(binary.LittleEndian.Uint32(a.Data[i*4:])))
		}
	}
	return out
}

// Int64s unpacks the element data as int64 values. Only valid for integer
// dtypes.
func (a Array) Int64s() []int64 {
	n := a.Len()
	out := make([]int64, n)
	switch a.DType {
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = int64(binary.LittleEndian.Uint64(a.Data[i*8:]))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = int64(int32(binary.LittleEndian.Uint32(a.Data[i*4:])))
		}
	default:
		panic(fmt.Sprintf("Int64s on %s array", a.DType))
	}
	return out
}

// Scale returns a copy with every element multiplied by factor. Used by
// unit-aware reads and writes; integer dtypes are returned unchanged when
// factor == 1 and rounded otherwise.
func (a Array) Scale(factor float64) Array {
	if factor == 1 {
		return a
	}
	vals := a.Float64s()
	for i := range vals {
		vals[i] *= factor
	}
	switch a.DType {
	case Float64:
		return Float64Array(a.Shape, vals)
	case Float32:
		f32 := make([]float32, len(vals))
		for i, v := range vals {
			f32[i] = float32(v)
		}
		return Float32Array(a.Shape, f32)
	case Int64:
		i64 := make([]int64, len(vals))
		for i, v := range vals {
			i64[i] = int64(math.Round(v))
		}
		return Int64Array(a.Shape, i64)
	case Int32:
		i32 := make([]int32, len(vals))
		for i, v := range vals {
			i32[i] = int32(math.Round(v))
		}
		return Int32Array(a.Shape, i32)
	}
	return a
}
