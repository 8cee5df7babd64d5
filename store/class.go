// Package store implements object persistence over a backend container:
// saving interlinked storable objects as rows, assigning stable identities,
// and reconstructing whole object graphs in dependency order.
package store

import (
	"errors"

	"github.com/cask-db/cask/schema"
)

var (
	// ErrNotFound reports an identity with no saved row in the container.
	ErrNotFound = errors.New("store: object not found")
	// ErrIdentityReuse reports one identity claimed by more than one row.
	ErrIdentityReuse = errors.New("store: identity reused")
	// ErrUnregistered reports an object whose class has no registered store.
	ErrUnregistered = errors.New("store: class not registered")
)

// A Storable is a domain object that can be saved. StorableClass names the
// registered class whose store holds it; every object of one Go type must
// report the same class name.
type Storable interface {
	StorableClass() string
}

// Row is the flattened attribute state of one object, keyed by field name.
// Values use the logical representation of each field's type; reference
// fields hold Storables or Handles rather than raw identities.
type Row map[string]interface{}

// Class binds a name and schema to the functions that take an object apart
// and put one back together.
//
// Flatten extracts the object's attribute state. Restore builds a new object
// from a row in which every eager reference has already been materialized as
// a Storable and every lazy reference as a *Handle. Restore must not reach
// outside the row; anything it needs must be a schema attribute.
type Class struct {
	Name    string
	Schema  *schema.Schema
	Flatten func(obj Storable) (Row, error)
	Restore func(row Row) (Storable, error)
}
