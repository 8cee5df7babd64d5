package backend

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/schema"
)

// The conversion table between logical values and cell bytes. Logical
// representations per kind:
//
//	int            int64 (int accepted)
//	float          float64
//	bool           bool, packed to one byte
//	string         string
//	json, jsonref  []byte (already-encoded JSON, produced by the row codec)
//	ref, lazyref   ident.ID; ident.None round-trips as the unset sentinel
//	reflist        ident.Slice
//	ndarray        schema.Array
//
// Unknown kinds fail with schema.ErrUnknownType in both directions.

func encodeCell(t schema.Type, v interface{}) ([]byte, error) {
	switch t.Kind {
	case schema.IntKind:
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case int64:
			n = x
		default:
			return nil, fmt.Errorf("backend: int cell got %T", v)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(n))
		return buf, nil

	case schema.FloatKind:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("backend: float cell got %T", v)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil

	case schema.BoolKind:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("backend: bool cell got %T", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case schema.StringKind:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("backend: string cell got %T", v)
		}
		return []byte(s), nil

	case schema.JSONKind, schema.JSONRefKind:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("backend: json cell got %T", v)
		}
		return b, nil

	case schema.RefKind, schema.LazyRefKind:
		id, ok := v.(ident.ID)
		if !ok {
			return nil, fmt.Errorf("backend: ref cell got %T", v)
		}
		return id[:], nil

	case schema.RefListKind:
		ids, ok := v.(ident.Slice)
		if !ok {
			return nil, fmt.Errorf("backend: reflist cell got %T", v)
		}
		buf := make([]byte, 0, len(ids)*ident.ByteLen)
		for _, id := range ids {
			buf = append(buf, id[:]...)
		}
		return buf, nil

	case schema.NDArrayKind:
		arr, ok := v.(schema.Array)
		if !ok {
			return nil, fmt.Errorf("backend: ndarray cell got %T", v)
		}
		if err := checkArrayShape(t, arr); err != nil {
			return nil, err
		}
		return encodeArray(arr), nil
	}
	return nil, fmt.Errorf("encode %s: %w", t.Kind, schema.ErrUnknownType)
}

func decodeCell(t schema.Type, data []byte) (interface{}, error) {
	switch t.Kind {
	case schema.IntKind:
		if len(data) != 8 {
			return nil, fmt.Errorf("backend: int cell has %d bytes", len(data))
		}
		return int64(binary.LittleEndian.Uint64(data)), nil

	case schema.FloatKind:
		if len(data) != 8 {
			return nil, fmt.Errorf("backend: float cell has %d bytes", len(data))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil

	case schema.BoolKind:
		if len(data) != 1 {
			return nil, fmt.Errorf("backend: bool cell has %d bytes", len(data))
		}
		return data[0] != 0, nil

	case schema.StringKind:
		return string(data), nil

	case schema.JSONKind, schema.JSONRefKind:
		return append([]byte(nil), data...), nil

	case schema.RefKind, schema.LazyRefKind:
		return ident.FromBytes(data)

	case schema.RefListKind:
		if len(data)%ident.ByteLen != 0 {
			return nil, fmt.Errorf("backend: reflist cell has %d bytes", len(data))
		}
		ids := make(ident.Slice, 0, len(data)/ident.ByteLen)
		for off := 0; off < len(data); off += ident.ByteLen {
			id, err := ident.FromBytes(data[off : off+ident.ByteLen])
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil

	case schema.NDArrayKind:
		arr, err := decodeArray(data)
		if err != nil {
			return nil, err
		}
		if err := checkArrayShape(t, arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("decode %s: %w", t.Kind, schema.ErrUnknownType)
}

// Array blobs are self-describing: dtype, rank, dims, then the raw elements.
// The stored shape is validated against the declared type on both paths so a
// corrupt or mismatched blob never escapes the backend.

func encodeArray(arr schema.Array) []byte {
	buf := make([]byte, 0, 2+4*len(arr.Shape)+len(arr.Data))
	buf = append(buf, byte(arr.DType), byte(len(arr.Shape)))
	for _, s := range arr.Shape {
		var dim [4]byte
		binary.LittleEndian.PutUint32(dim[:], uint32(s))
		buf = append(buf, dim[:]...)
	}
	return append(buf, arr.Data...)
}

func decodeArray(data []byte) (schema.Array, error) {
	if len(data) < 2 {
		return schema.Array{}, fmt.Errorf("backend: ndarray cell has %d bytes", len(data))
	}
	dtype := schema.DType(data[0])
	rank := int(data[1])
	if len(data) < 2+4*rank {
		return schema.Array{}, fmt.Errorf("backend: ndarray cell truncated at shape")
	}
	shape := make([]int, rank)
	for i := 0; i < rank; i++ {
		shape[i] = int(binary.LittleEndian.Uint32(data[2+4*i:]))
	}
	arr := schema.Array{DType: dtype, Shape: shape, Data: append([]byte(nil), data[2+4*rank:]...)}
	if arr.Len()*dtype.Size() != len(arr.Data) {
		return schema.Array{}, fmt.Errorf("backend: ndarray cell payload %d bytes, shape %v wants %d",
			len(arr.Data), shape, arr.Len()*dtype.Size())
	}
	return arr, nil
}

func checkArrayShape(t schema.Type, arr schema.Array) error {
	if arr.DType != t.DType {
		return fmt.Errorf("backend: ndarray dtype %s, variable declares %s: %w", arr.DType, t.DType, schema.ErrConflict)
	}
	if len(arr.Shape) != len(t.Shape) {
		return fmt.Errorf("backend: ndarray rank %d, variable declares %d: %w", len(arr.Shape), len(t.Shape), schema.ErrConflict)
	}
	for i, want := range t.Shape {
		if want == schema.Ragged && i == len(t.Shape)-1 {
			continue
		}
		if arr.Shape[i] != want {
			return fmt.Errorf("backend: ndarray shape %v, variable declares %v: %w", arr.Shape, t.Shape, schema.ErrConflict)
		}
	}
	return nil
}
