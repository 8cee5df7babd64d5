package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cask-db/cask/backend"
	"github.com/cask-db/cask/graph"
	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/schema"
)

// node is the test domain: a named object with one eager parent reference,
// an ordered dependency list, one lazy reference, and a json attribute that
// may embed further references.
type node struct {
	name   string
	score  float64
	parent *node
	deps   []*node
	lazy   *Handle
	meta   interface{}
}

func (n *node) StorableClass() string { return "node" }

var nodeSchema = schema.MustNew(
	schema.Field{Name: "name", Type: schema.String()},
	schema.Field{Name: "score", Type: schema.Float(), Maskable: true},
	schema.Field{Name: "parent", Type: schema.Ref("node")},
	schema.Field{Name: "deps", Type: schema.RefList("node")},
	schema.Field{Name: "lazy", Type: schema.LazyRef("node")},
	schema.Field{Name: "meta", Type: schema.JSONRef(), Maskable: true},
)

// restored records Restore invocations so tests can assert construction
// order.
var restored []string

func nodeClass() Class {
	return Class{
		Name:   "node",
		Schema: nodeSchema,
		Flatten: func(obj Storable) (Row, error) {
			n := obj.(*node)
			row := Row{"name": n.name}
			if n.score != 0 {
				row["score"] = n.score
			}
			if n.parent != nil {
				row["parent"] = n.parent
			}
			deps := make([]interface{}, len(n.deps))
			for i, d := range n.deps {
				deps[i] = d
			}
			row["deps"] = deps
			if n.lazy != nil {
				row["lazy"] = n.lazy
			}
			if n.meta != nil {
				row["meta"] = n.meta
			}
			return row, nil
		},
		Restore: func(row Row) (Storable, error) {
			n := &node{name: row["name"].(string)}
			if s, ok := row["score"].(float64); ok {
				n.score = s
			}
			if p, ok := row["parent"].(Storable); ok && p != nil {
				n.parent = p.(*node)
			}
			if deps, ok := row["deps"].([]Storable); ok {
				n.deps = make([]*node, len(deps))
				for i, d := range deps {
					n.deps[i] = d.(*node)
				}
			}
			if h, ok := row["lazy"].(*Handle); ok {
				n.lazy = h
			}
			if m, ok := row["meta"].(map[string]interface{}); ok {
				n.meta = m
			}
			restored = append(restored, n.name)
			return n, nil
		},
	}
}

func newMemContainer(t *testing.T) *Container {
	c, err := New(context.Background(), backend.NewMemoryEngine())
	require.NoError(t, err)
	_, err = c.Register(nodeClass())
	require.NoError(t, err)
	return c
}

func TestSaveAssignsIdentityOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)

	n := &node{name: "a"}
	id1, err := c.Save(ctx, n)
	assert.NoError(err)
	assert.False(id1.IsNone())

	id2, err := c.Save(ctx, n)
	assert.NoError(err)
	assert.Equal(id1, id2)

	st, _ := c.Store("node")
	assert.Equal(1, st.Len())
	assert.Equal(int64(1), c.Stats().Saves)
}

func TestSaveReachableGraph(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)

	leaf := &node{name: "leaf"}
	mid := &node{name: "mid", parent: leaf}
	root := &node{name: "root", parent: mid, deps: []*node{leaf}}

	_, err := c.Save(ctx, root)
	assert.NoError(err)

	st, _ := c.Store("node")
	assert.Equal(3, st.Len())

	// The shared leaf was saved once.
	leafID, ok := c.IdentityOf(leaf)
	assert.True(ok)
	assert.True(c.Contains(leafID))
}

func TestUnregisteredClass(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, err := New(ctx, backend.NewMemoryEngine())
	require.NoError(t, err)

	_, err = c.Save(ctx, &node{name: "a"})
	assert.ErrorIs(err, ErrUnregistered)
}

func TestLoadMissingIdentity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)

	_, err := c.Load(ctx, ident.New())
	assert.ErrorIs(err, ErrNotFound)
}

func TestLoadReturnsCachedObject(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)

	n := &node{name: "a", score: 1.5}
	id, err := c.Save(ctx, n)
	require.NoError(t, err)

	got, err := c.Load(ctx, id)
	assert.NoError(err)
	assert.Same(n, got)
	assert.Equal(int64(1), c.Stats().CacheHits)
}

func roundTrip(t *testing.T, build func(c *Container) ident.ID) (*Container, ident.ID) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.cask")

	w, err := OpenFile(ctx, path, Write)
	require.NoError(t, err)
	_, err = w.Register(nodeClass())
	require.NoError(t, err)
	id := build(w)
	require.NoError(t, w.Close(ctx))

	r, err := OpenFile(ctx, path, Read)
	require.NoError(t, err)
	_, err = r.Register(nodeClass())
	require.NoError(t, err)
	return r, id
}

func TestRoundTripPreservesStructure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		leaf := &node{name: "leaf", score: 2.5}
		root := &node{name: "root", parent: leaf, deps: []*node{leaf}}
		id, err := w.Save(ctx, root)
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	got, err := c.Load(ctx, id)
	assert.NoError(err)
	root := got.(*node)
	assert.Equal("root", root.name)
	assert.Equal("leaf", root.parent.name)
	assert.Equal(2.5, root.parent.score)

	// The eager reference and the list entry resolve to one object.
	assert.Same(root.parent, root.deps[0])
}

func TestReconstructionIsLeavesFirst(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		cc := &node{name: "c"}
		bb := &node{name: "b", parent: cc}
		aa := &node{name: "a", parent: bb}
		id, err := w.Save(ctx, aa)
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	restored = nil
	_, err := c.Load(ctx, id)
	assert.NoError(err)
	assert.Equal([]string{"c", "b", "a"}, restored)
	assert.Equal(int64(3), c.Stats().RowsFetched)
}

func TestCyclicGraphFailsWithoutConstruction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		aa := &node{name: "a"}
		bb := &node{name: "b", parent: aa}
		aa.parent = bb
		id, err := w.Save(ctx, aa)
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	restored = nil
	_, err := c.Load(ctx, id)
	assert.ErrorIs(err, graph.ErrCycle)
	assert.Empty(restored)
}

func TestLazyReferenceNotFetched(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		eager := &node{name: "eager"}
		far := &node{name: "far"}
		farID, err := w.Save(ctx, far)
		require.NoError(t, err)

		root := &node{name: "root", parent: eager, lazy: w.HandleFor(farID)}
		id, err := w.Save(ctx, root)
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	restored = nil
	got, err := c.Load(ctx, id)
	assert.NoError(err)
	root := got.(*node)

	// Only root and its eager parent were fetched.
	assert.Equal(int64(2), c.Stats().RowsFetched)
	assert.Equal([]string{"eager", "root"}, restored)
	require.NotNil(t, root.lazy)
	assert.False(root.lazy.Resolved())

	far, err := root.lazy.Resolve(ctx)
	assert.NoError(err)
	assert.Equal("far", far.(*node).name)
	assert.True(root.lazy.Resolved())

	// Resolve memoizes.
	again, err := root.lazy.Resolve(ctx)
	assert.NoError(err)
	assert.Same(far, again)
}

func TestJSONEmbeddedReferences(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		best := &node{name: "best"}
		other := &node{name: "other"}
		root := &node{name: "root", meta: map[string]interface{}{
			"best":  best,
			"count": 2.0,
			"all":   []interface{}{best, other},
		}}
		id, err := w.Save(ctx, root)
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	got, err := c.Load(ctx, id)
	assert.NoError(err)
	meta := got.(*node).meta.(map[string]interface{})

	best := meta["best"].(*node)
	assert.Equal("best", best.name)
	assert.Equal(2.0, meta["count"])

	all := meta["all"].([]interface{})
	assert.Same(best, all[0])
	assert.Equal("other", all[1].(*node).name)
}

func TestMaskedFieldLoadsAsUnset(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, id := roundTrip(t, func(w *Container) ident.ID {
		id, err := w.Save(ctx, &node{name: "bare"})
		require.NoError(t, err)
		return id
	})
	defer c.Close(ctx)

	got, err := c.Load(ctx, id)
	assert.NoError(err)
	n := got.(*node)
	assert.Equal("bare", n.name)
	assert.Zero(n.score)
	assert.Nil(n.meta)
}

func TestAppendSessionReusesIdentity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.cask")

	w, err := OpenFile(ctx, path, Write)
	require.NoError(t, err)
	_, err = w.Register(nodeClass())
	require.NoError(t, err)
	id, err := w.Save(ctx, &node{name: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	a, err := OpenFile(ctx, path, Append)
	require.NoError(t, err)
	_, err = a.Register(nodeClass())
	require.NoError(t, err)

	got, err := a.Load(ctx, id)
	require.NoError(t, err)

	// Saving a loaded object writes nothing new.
	id2, err := a.Save(ctx, got)
	assert.NoError(err)
	assert.Equal(id, id2)

	st, _ := a.Store("node")
	assert.Equal(1, st.Len())

	// New objects append alongside the old ones.
	_, err = a.Save(ctx, &node{name: "b", parent: got.(*node)})
	assert.NoError(err)
	assert.Equal(2, st.Len())
	require.NoError(t, a.Close(ctx))
}

func TestFailedSaveClaimsNoRow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c, err := New(ctx, backend.NewMemoryEngine())
	require.NoError(t, err)

	// Flatten emits a value the float column cannot encode, but only for one
	// object, so a later save must still land at row zero.
	cls := nodeClass()
	cls.Flatten = func(obj Storable) (Row, error) {
		n := obj.(*node)
		row := Row{"name": n.name, "deps": []interface{}{}}
		if n.name == "bad" {
			row["score"] = "not a number"
		}
		return row, nil
	}
	st, err := c.Register(cls)
	require.NoError(t, err)

	_, err = c.Save(ctx, &node{name: "bad"})
	assert.Error(err)
	assert.Equal(0, st.Len())
	assert.Equal(int64(0), c.Stats().Saves)

	id, err := c.Save(ctx, &node{name: "good"})
	assert.NoError(err)
	assert.Equal(1, st.Len())

	// Iteration sees only the committed row.
	var seen []ident.ID
	err = st.IterAll(ctx, func(got ident.ID, obj Storable) error {
		seen = append(seen, got)
		return nil
	})
	assert.NoError(err)
	assert.Equal([]ident.ID{id}, seen)
}

func TestRefsIncludesEmbeddedMarkers(t *testing.T) {
	assert := assert.New(t)
	a, b := ident.New(), ident.New()

	ids, err := Refs(schema.Ref("node"), a)
	assert.NoError(err)
	assert.Equal(ident.Slice{a}, ids)

	ids, err = Refs(schema.Ref("node"), ident.None)
	assert.NoError(err)
	assert.Empty(ids)

	ids, err = Refs(schema.LazyRef("node"), b)
	assert.NoError(err)
	assert.Equal(ident.Slice{b}, ids)

	cell, err := json.Marshal(map[string]interface{}{
		"best": markerFor(a),
		"all":  []interface{}{markerFor(b), "plain"},
	})
	require.NoError(t, err)
	ids, err = Refs(schema.JSONRef(), cell)
	assert.NoError(err)
	assert.ElementsMatch(ident.Slice{a, b}, ids)

	ids, err = Refs(schema.String(), "untyped")
	assert.NoError(err)
	assert.Empty(ids)
}

func TestStoreIteration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)

	names := []string{"a", "b", "c"}
	for _, name := range names {
		_, err := c.Save(ctx, &node{name: name})
		require.NoError(t, err)
	}

	st, _ := c.Store("node")
	var seen []string
	err := st.IterAll(ctx, func(id ident.ID, obj Storable) error {
		assert.False(id.IsNone())
		seen = append(seen, obj.(*node).name)
		return nil
	})
	assert.NoError(err)
	assert.Equal(names, seen)
}

func TestIndexOfAndAt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	c := newMemContainer(t)
	st, _ := c.Store("node")

	first := &node{name: "first"}
	second := &node{name: "second"}
	_, err := c.Save(ctx, first)
	require.NoError(t, err)
	_, err = c.Save(ctx, second)
	require.NoError(t, err)

	row, ok := st.IndexOf(second)
	assert.True(ok)
	assert.Equal(1, row)

	got, err := st.At(ctx, 0)
	assert.NoError(err)
	assert.Same(first, got)

	_, ok = st.IndexOf(&node{name: "unsaved"})
	assert.False(ok)
}

func TestIdentityReuseDetectedAtOpen(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine := backend.NewMemoryEngine()

	// Forge a container whose identity column claims one identity twice.
	b, err := backend.New(ctx, engine)
	require.NoError(t, err)
	s := schema.MustNew(schema.Field{Name: "name", Type: schema.String()})
	require.NoError(t, b.SetStoreSchema("node", s))
	require.NoError(t, b.DeclareDimension("node", backend.Unbounded))
	require.NoError(t, b.CreateVariable(backend.Variable{
		Field: schema.Field{Name: "node.@id", Type: schema.Ref("node")}, Dim: "node",
	}))
	require.NoError(t, b.CreateVariable(backend.Variable{
		Field: schema.Field{Name: "node.name", Type: schema.String()}, Dim: "node",
	}))
	dup := ident.New()
	for row := 0; row < 2; row++ {
		require.NoError(t, b.Write(ctx, "node.name", row, "x"))
		require.NoError(t, b.Write(ctx, "node.@id", row, dup))
	}
	require.NoError(t, b.Flush(ctx))

	_, err = New(ctx, engine)
	assert.ErrorIs(err, ErrIdentityReuse)
}

func TestRegisterSchemaMismatch(t *testing.T) {
	assert := assert.New(t)
	c := newMemContainer(t)

	changed := nodeClass()
	changed.Schema = schema.MustNew(schema.Field{Name: "name", Type: schema.Int()})
	_, err := c.Register(changed)
	assert.ErrorIs(err, schema.ErrConflict)
}

func TestCounters(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	counts := map[string]int{}
	c, err := New(ctx, backend.NewMemoryEngine(), WithCounters(func(class string) {
		counts[class]++
	}))
	require.NoError(t, err)
	_, err = c.Register(nodeClass())
	require.NoError(t, err)

	leaf := &node{name: "leaf"}
	_, err = c.Save(ctx, &node{name: "root", parent: leaf})
	require.NoError(t, err)
	_, err = c.Save(ctx, leaf)
	require.NoError(t, err)

	assert.Equal(2, counts["node"])
}

func TestCacheEviction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "c.cask")

	w, err := OpenFile(ctx, path, Write)
	require.NoError(t, err)
	_, err = w.Register(nodeClass())
	require.NoError(t, err)
	var ids []ident.ID
	for _, name := range []string{"a", "b", "c", "d"} {
		id, err := w.Save(ctx, &node{name: name})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, w.Close(ctx))

	r, err := OpenFile(ctx, path, Read, WithCacheSize(2))
	require.NoError(t, err)
	defer r.Close(ctx)
	_, err = r.Register(nodeClass())
	require.NoError(t, err)

	first, err := r.Load(ctx, ids[0])
	require.NoError(t, err)
	for _, id := range ids[1:] {
		_, err = r.Load(ctx, id)
		require.NoError(t, err)
	}

	// ids[0] was evicted, so a reload constructs a fresh object.
	reloaded, err := r.Load(ctx, ids[0])
	assert.NoError(err)
	assert.NotSame(first, reloaded)
	assert.Equal("a", reloaded.(*node).name)
}
