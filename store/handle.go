package store

import (
	"context"
	"sync"

	"github.com/cask-db/cask/ident"
)

// A Handle is a lazy reference to a saved object. Loading a graph produces
// Handles in place of lazy-reference targets; the target row is not fetched
// until Resolve. A resolved Handle memoizes its subject, so repeated Resolve
// calls return the identical object.
type Handle struct {
	id ident.ID
	c  *Container

	mu      sync.Mutex
	subject Storable
}

// NewHandle wraps an already-materialized object. Saving a Handle writes the
// subject's identity without touching the container.
func NewHandle(obj Storable, id ident.ID, c *Container) *Handle {
	return &Handle{id: id, c: c, subject: obj}
}

func newUnresolvedHandle(id ident.ID, c *Container) *Handle {
	return &Handle{id: id, c: c}
}

// ID returns the identity the handle points at.
func (h *Handle) ID() ident.ID {
	return h.id
}

// Resolved reports whether the subject has been materialized.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subject != nil
}

// Resolve returns the referenced object, loading its graph on first use.
func (h *Handle) Resolve(ctx context.Context) (Storable, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subject != nil {
		return h.subject, nil
	}
	obj, err := h.c.Load(ctx, h.id)
	if err != nil {
		return nil, err
	}
	h.subject = obj
	return obj, nil
}

// Equals compares handles by identity.
func (h *Handle) Equals(other *Handle) bool {
	return other != nil && h.id == other.id
}
