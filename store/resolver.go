package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cask-db/cask/d"
	"github.com/cask-db/cask/graph"
	"github.com/cask-db/cask/ident"
)

// Load reconstructs the object behind an identity together with every object
// it eagerly references. The whole closure is fetched and cycle-checked
// before any object is constructed; a cyclic graph fails with graph.ErrCycle
// and materializes nothing. Lazy references become Handles and their targets
// are not fetched.
func (c *Container) Load(ctx context.Context, id ident.ID) (Storable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, id)
}

type fetchedRow struct {
	store *ObjectStore
	cells map[string]interface{}
}

func (c *Container) loadLocked(ctx context.Context, id ident.ID) (Storable, error) {
	if obj, ok := c.cache.get(id); ok {
		c.stats.CacheHits++
		return obj, nil
	}
	c.stats.CacheMisses++

	plan, err := c.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	built, err := c.construct(plan)
	if err != nil {
		return nil, err
	}
	obj, ok := built[id]
	if !ok {
		return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
	}
	logrus.WithFields(logrus.Fields{"id": id, "fetched": len(plan.rows)}).Debug("loaded object graph")
	return obj, nil
}

type loadPlan struct {
	graph  *graph.Graph
	rows   map[ident.ID]*fetchedRow
	cached map[ident.ID]Storable
}

// resolve walks the eager reference closure of root breadth-first, fetching
// one row per identity. Already-cached identities stop the walk; lazy edges
// join the graph without being followed.
func (c *Container) resolve(ctx context.Context, root ident.ID) (*loadPlan, error) {
	plan := &loadPlan{
		graph:  graph.New(),
		rows:   map[ident.ID]*fetchedRow{},
		cached: map[ident.ID]Storable{},
	}
	queue := ident.Slice{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, done := plan.rows[id]; done {
			continue
		}
		if _, done := plan.cached[id]; done {
			continue
		}
		if obj, hit := c.cache.get(id); hit {
			plan.cached[id] = obj
			plan.graph.AddNode(id)
			continue
		}

		loc, found := c.index[id]
		if !found {
			return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
		}
		st, registered := c.stores[loc.store]
		if !registered {
			return nil, fmt.Errorf("store: %s belongs to unregistered class %q: %w", id, loc.store, ErrUnregistered)
		}
		cells, err := c.readRow(ctx, st, loc.row)
		if err != nil {
			return nil, err
		}
		c.stats.RowsFetched++
		plan.rows[id] = &fetchedRow{store: st, cells: cells}
		plan.graph.AddNode(id)

		for _, f := range st.class.Schema.Fields() {
			cell, present := cells[f.Name]
			if !present {
				continue
			}
			strict, lazy, err := cellRefs(f, cell)
			if err != nil {
				return nil, fmt.Errorf("store: %s field %q: %w", id, f.Name, err)
			}
			for _, dep := range strict {
				plan.graph.AddEdge(id, dep)
				queue = append(queue, dep)
			}
			for _, dep := range lazy {
				plan.graph.AddEdge(id, dep)
			}
		}
	}
	return plan, nil
}

// construct materializes a plan leaves-first, so every eager dependency
// exists before its dependent's Restore runs.
func (c *Container) construct(plan *loadPlan) (map[ident.ID]Storable, error) {
	order, err := plan.graph.TopoSort()
	if err != nil {
		return nil, err
	}

	built := make(map[ident.ID]Storable, len(order))
	for id, obj := range plan.cached {
		built[id] = obj
	}
	materialize := func(dep ident.ID) (Storable, error) {
		obj, ok := built[dep]
		// Topological order guarantees every strict dependency is built
		// before its dependent.
		d.Chk.True(ok, "dependency %s not yet built", dep)
		return obj, nil
	}

	for _, id := range order {
		if _, done := built[id]; done {
			continue
		}
		f, fetched := plan.rows[id]
		if !fetched {
			// Lazy-only target. Its handle materializes it on demand.
			continue
		}
		row, err := buildRow(f.store.class, f.cells, materialize, c.handleLocked)
		if err != nil {
			return nil, err
		}
		obj, err := f.store.class.Restore(row)
		if err != nil {
			return nil, fmt.Errorf("store: restore %s: %w", id, err)
		}
		if obj == nil {
			return nil, fmt.Errorf("store: restore %s returned no object", id)
		}
		built[id] = obj
		c.cache.add(id, obj)
		c.saved[obj] = id
		c.stats.Loads++
		if c.counter != nil {
			c.counter(f.store.class.Name)
		}
	}
	return built, nil
}

// readRow fetches every schema cell of one row, including the committed
// identity, and verifies the row against the index.
func (c *Container) readRow(ctx context.Context, st *ObjectStore, row int) (map[string]interface{}, error) {
	name := st.class.Name
	stored, err := c.b.Read(ctx, varName(name, idField), row)
	if err != nil {
		return nil, err
	}
	storedID := stored.(ident.ID)
	if loc, ok := c.index[storedID]; !ok || loc.store != name || loc.row != row {
		return nil, fmt.Errorf("store: %s[%d] holds identity %s claimed elsewhere: %w", name, row, storedID, ErrIdentityReuse)
	}

	cells := make(map[string]interface{}, st.class.Schema.Len())
	for _, f := range st.class.Schema.Fields() {
		v, err := c.b.Read(ctx, varName(name, f.Name), row)
		if err != nil {
			return nil, err
		}
		cells[f.Name] = v
	}
	return cells, nil
}
