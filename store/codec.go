package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cask-db/cask/backend"
	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/schema"
)

// refMarker is the prefix that tags an identity embedded in a json field.
// Inside jsonref values, a string "cask://<uuid>" stands for the referenced
// object and is swapped for the materialized object on load.
const refMarker = "cask://"

func markerFor(id ident.ID) string {
	return refMarker + id.String()
}

func parseMarker(s string) (ident.ID, bool) {
	if !strings.HasPrefix(s, refMarker) {
		return ident.None, false
	}
	id, err := ident.Parse(s[len(refMarker):])
	if err != nil {
		return ident.None, false
	}
	return id, true
}

// saver persists a referenced object and returns its identity. Handles pass
// their identity through without a save.
type saver func(obj Storable) (ident.ID, error)

// flattenRow converts a Flatten result into backend cell values, saving every
// referenced object along the way. A nil or absent reference becomes the
// ident.None sentinel; a nil or absent value in a maskable field is skipped
// and its cell stays masked; anything else missing is an error.
func flattenRow(class Class, row Row, save saver) (map[string]interface{}, error) {
	out := make(map[string]interface{}, class.Schema.Len())
	for _, f := range class.Schema.Fields() {
		v, present := row[f.Name]
		if v == interface{}(backend.Unset) {
			present = false
		}
		if !present || v == nil {
			switch {
			case f.Type.Kind == schema.RefKind || f.Type.Kind == schema.LazyRefKind:
				out[f.Name] = ident.None
			case f.Type.Kind == schema.RefListKind:
				out[f.Name] = ident.Slice{}
			case f.Maskable:
				// Cell stays masked.
			default:
				return nil, fmt.Errorf("store: class %q field %q has no value", class.Name, f.Name)
			}
			continue
		}

		cell, err := flattenCell(f, v, save)
		if err != nil {
			return nil, fmt.Errorf("store: class %q field %q: %w", class.Name, f.Name, err)
		}
		out[f.Name] = cell
	}
	return out, nil
}

func flattenCell(f schema.Field, v interface{}, save saver) (interface{}, error) {
	switch f.Type.Kind {
	case schema.IntKind, schema.FloatKind, schema.BoolKind, schema.StringKind, schema.NDArrayKind:
		return v, nil

	case schema.JSONKind:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil

	case schema.JSONRefKind:
		plain, err := replaceRefs(v, save)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(plain)
		if err != nil {
			return nil, err
		}
		return data, nil

	case schema.RefKind, schema.LazyRefKind:
		return refID(v, save)

	case schema.RefListKind:
		return refListIDs(v, save)
	}
	return nil, fmt.Errorf("%s: %w", f.Type.Kind, schema.ErrUnknownType)
}

func refID(v interface{}, save saver) (ident.ID, error) {
	switch x := v.(type) {
	case *Handle:
		if x == nil {
			return ident.None, nil
		}
		return x.ID(), nil
	case Storable:
		return save(x)
	}
	return ident.None, fmt.Errorf("reference value is %T, want Storable or *Handle", v)
}

func refListIDs(v interface{}, save saver) (ident.Slice, error) {
	var items []interface{}
	switch x := v.(type) {
	case []interface{}:
		items = x
	case []Storable:
		items = make([]interface{}, len(x))
		for i, s := range x {
			items[i] = s
		}
	default:
		return nil, fmt.Errorf("reference list value is %T", v)
	}
	ids := make(ident.Slice, len(items))
	for i, item := range items {
		id, err := refID(item, save)
		if err != nil {
			return nil, err
		}
		if id.IsNone() {
			return nil, fmt.Errorf("reference list element %d is unset", i)
		}
		ids[i] = id
	}
	return ids, nil
}

// replaceRefs walks a json value and swaps embedded Storables and Handles
// for identity markers, saving Storables as it goes. Values must be built
// from maps, slices, and primitives; structs are opaque to the walk.
func replaceRefs(v interface{}, save saver) (interface{}, error) {
	switch x := v.(type) {
	case *Handle:
		if x == nil {
			return nil, nil
		}
		return markerFor(x.ID()), nil
	case Storable:
		id, err := save(x)
		if err != nil {
			return nil, err
		}
		return markerFor(id), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			r, err := replaceRefs(item, save)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			r, err := replaceRefs(item, save)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// Refs returns every identity a stored cell of type t points at, eager and
// lazy alike, including markers embedded in jsonref values.
func Refs(t schema.Type, cell interface{}) (ident.Slice, error) {
	strict, lazy, err := cellRefs(schema.Field{Type: t}, cell)
	if err != nil {
		return nil, err
	}
	return append(strict, lazy...), nil
}

// cellRefs extracts the identities a stored cell points at. Eager kinds
// contribute strict edges, the lazy kind contributes lazy edges.
func cellRefs(f schema.Field, cell interface{}) (strict, lazy ident.Slice, err error) {
	if cell == interface{}(backend.Unset) {
		return nil, nil, nil
	}
	switch f.Type.Kind {
	case schema.RefKind:
		id := cell.(ident.ID)
		if !id.IsNone() {
			strict = append(strict, id)
		}
	case schema.LazyRefKind:
		id := cell.(ident.ID)
		if !id.IsNone() {
			lazy = append(lazy, id)
		}
	case schema.RefListKind:
		strict = append(strict, cell.(ident.Slice)...)
	case schema.JSONRefKind:
		var decoded interface{}
		if err := json.Unmarshal(cell.([]byte), &decoded); err != nil {
			return nil, nil, err
		}
		walkMarkers(decoded, func(id ident.ID) {
			strict = append(strict, id)
		})
	}
	return strict, lazy, nil
}

func walkMarkers(v interface{}, fn func(ident.ID)) {
	switch x := v.(type) {
	case string:
		if id, ok := parseMarker(x); ok {
			fn(id)
		}
	case map[string]interface{}:
		for _, item := range x {
			walkMarkers(item, fn)
		}
	case []interface{}:
		for _, item := range x {
			walkMarkers(item, fn)
		}
	}
}

// buildRow converts backend cell values into the Row handed to Restore.
// materialize returns the already-constructed object for a strict dependency;
// handle wraps a lazy identity.
func buildRow(class Class, cells map[string]interface{}, materialize func(ident.ID) (Storable, error), handle func(ident.ID) *Handle) (Row, error) {
	row := make(Row, len(cells))
	for _, f := range class.Schema.Fields() {
		cell, ok := cells[f.Name]
		if !ok {
			continue
		}
		if cell == interface{}(backend.Unset) {
			row[f.Name] = backend.Unset
			continue
		}

		switch f.Type.Kind {
		case schema.IntKind, schema.FloatKind, schema.BoolKind, schema.StringKind, schema.NDArrayKind:
			row[f.Name] = cell

		case schema.JSONKind:
			var decoded interface{}
			if err := json.Unmarshal(cell.([]byte), &decoded); err != nil {
				return nil, fmt.Errorf("store: class %q field %q: %w", class.Name, f.Name, err)
			}
			row[f.Name] = decoded

		case schema.JSONRefKind:
			var decoded interface{}
			if err := json.Unmarshal(cell.([]byte), &decoded); err != nil {
				return nil, fmt.Errorf("store: class %q field %q: %w", class.Name, f.Name, err)
			}
			restored, err := restoreRefs(decoded, materialize)
			if err != nil {
				return nil, fmt.Errorf("store: class %q field %q: %w", class.Name, f.Name, err)
			}
			row[f.Name] = restored

		case schema.RefKind:
			id := cell.(ident.ID)
			if id.IsNone() {
				row[f.Name] = nil
				continue
			}
			obj, err := materialize(id)
			if err != nil {
				return nil, err
			}
			row[f.Name] = obj

		case schema.LazyRefKind:
			id := cell.(ident.ID)
			if id.IsNone() {
				row[f.Name] = nil
				continue
			}
			row[f.Name] = handle(id)

		case schema.RefListKind:
			ids := cell.(ident.Slice)
			objs := make([]Storable, len(ids))
			for i, id := range ids {
				obj, err := materialize(id)
				if err != nil {
					return nil, err
				}
				objs[i] = obj
			}
			row[f.Name] = objs

		default:
			return nil, fmt.Errorf("store: class %q field %q: %s: %w", class.Name, f.Name, f.Type.Kind, schema.ErrUnknownType)
		}
	}
	return row, nil
}

func restoreRefs(v interface{}, materialize func(ident.ID) (Storable, error)) (interface{}, error) {
	switch x := v.(type) {
	case string:
		if id, ok := parseMarker(x); ok {
			return materialize(id)
		}
		return x, nil
	case map[string]interface{}:
		for k, item := range x {
			r, err := restoreRefs(item, materialize)
			if err != nil {
				return nil, err
			}
			x[k] = r
		}
		return x, nil
	case []interface{}:
		for i, item := range x {
			r, err := restoreRefs(item, materialize)
			if err != nil {
				return nil, err
			}
			x[i] = r
		}
		return x, nil
	}
	return v, nil
}
