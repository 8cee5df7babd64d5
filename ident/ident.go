// Package ident defines the identity values assigned to storable objects.
// An ID is globally unique within a container; it is assigned at first save
// and never changes.
package ident

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// ByteLen is the serialized width of an ID.
const ByteLen = 16

// None is the zero ID. It is the on-disk sentinel for an unset reference and
// is never assigned to an object.
var None = ID{}

// ID is a 16-byte identity value (a UUID).
type ID [ByteLen]byte

// New returns a fresh, random ID.
func New() ID {
	return ID(uuid.New())
}

// FromBytes reconstitutes an ID from its serialized form.
func FromBytes(b []byte) (ID, error) {
	if len(b) != ByteLen {
		return None, fmt.Errorf("ident: expected %d bytes, got %d", ByteLen, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Parse parses the canonical string form produced by String.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return None, fmt.Errorf("ident: %w", err)
	}
	return ID(u), nil
}

func (id ID) IsNone() bool {
	return id == None
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Less compares two IDs bytewise. Used as the deterministic tie-break in
// topological ordering.
func Less(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
