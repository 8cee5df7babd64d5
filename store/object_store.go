package store

import (
	"context"
	"fmt"

	"github.com/cask-db/cask/ident"
)

// An ObjectStore is the view of one registered class within a container:
// a growing sequence of saved objects addressed by row or identity.
type ObjectStore struct {
	c     *Container
	class Class
}

// Name returns the class name the store holds.
func (st *ObjectStore) Name() string {
	return st.class.Name
}

// Save persists obj into this store. The object's class must match.
func (st *ObjectStore) Save(ctx context.Context, obj Storable) (ident.ID, error) {
	if obj != nil && obj.StorableClass() != st.class.Name {
		return ident.None, fmt.Errorf("store: %q object saved to %q store: %w",
			obj.StorableClass(), st.class.Name, ErrUnregistered)
	}
	return st.c.Save(ctx, obj)
}

// Len returns the number of committed rows.
func (st *ObjectStore) Len() int {
	size, _ := st.c.b.DimensionSize(st.class.Name)
	return size
}

// IDAt returns the identity committed at a row.
func (st *ObjectStore) IDAt(ctx context.Context, row int) (ident.ID, error) {
	st.c.mu.Lock()
	defer st.c.mu.Unlock()
	v, err := st.c.b.Read(ctx, varName(st.class.Name, idField), row)
	if err != nil {
		return ident.None, err
	}
	return v.(ident.ID), nil
}

// At loads the object at a row.
func (st *ObjectStore) At(ctx context.Context, row int) (Storable, error) {
	id, err := st.IDAt(ctx, row)
	if err != nil {
		return nil, err
	}
	return st.c.Load(ctx, id)
}

// IndexOf returns the row an object was saved at.
func (st *ObjectStore) IndexOf(obj Storable) (int, bool) {
	st.c.mu.Lock()
	defer st.c.mu.Unlock()
	id, ok := st.c.saved[obj]
	if !ok {
		return 0, false
	}
	loc, ok := st.c.index[id]
	if !ok || loc.store != st.class.Name {
		return 0, false
	}
	return loc.row, true
}

// IterAll visits every committed object in row order. Returning an error
// from fn stops the iteration and propagates the error.
func (st *ObjectStore) IterAll(ctx context.Context, fn func(id ident.ID, obj Storable) error) error {
	for row := 0; row < st.Len(); row++ {
		id, err := st.IDAt(ctx, row)
		if err != nil {
			return err
		}
		obj, err := st.c.Load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(id, obj); err != nil {
			return err
		}
	}
	return nil
}
