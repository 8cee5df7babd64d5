package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cask-db/cask/backend"
	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/schema"
)

// idField is the reserved per-store column holding each row's own identity.
// It is written after every data cell of the row, so a row without it is an
// aborted save and is skipped when the container is opened.
const idField = "@id"

type location struct {
	store string
	row   int
}

// Stats counts container activity since open.
type Stats struct {
	Saves       int64
	Loads       int64
	CacheHits   int64
	CacheMisses int64
	RowsFetched int64
}

// A Container is one opened object database: a set of named object stores
// over a shared backend, with a global identity index and an object cache
// spanning all of them.
type Container struct {
	mu      sync.Mutex
	b       *backend.Backend
	stores  map[string]*ObjectStore
	index   map[ident.ID]location
	saved   map[Storable]ident.ID
	cache   *objectCache
	handles map[ident.ID]*Handle
	counter func(class string)
	stats   Stats
}

type config struct {
	cacheSize int
	units     backend.UnitTable
	counter   func(class string)
}

// Option configures a Container at open.
type Option func(*config)

// WithCacheSize bounds the object cache. Zero, the default, never evicts.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

// WithUnits installs a session unit table for unit-tagged variables.
func WithUnits(t backend.UnitTable) Option {
	return func(c *config) { c.units = t }
}

// WithCounters installs an instrumentation hook called with the class name
// each time a store materializes or first saves an object.
func WithCounters(fn func(class string)) Option {
	return func(c *config) { c.counter = fn }
}

// New opens a container over an engine and rebuilds the identity index from
// the rows already present.
func New(ctx context.Context, engine backend.Engine, opts ...Option) (*Container, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	var bopts []backend.Option
	if cfg.units != nil {
		bopts = append(bopts, backend.WithUnitOverrides(cfg.units))
	}
	b, err := backend.New(ctx, engine, bopts...)
	if err != nil {
		return nil, err
	}
	c := &Container{
		b:       b,
		stores:  map[string]*ObjectStore{},
		index:   map[ident.ID]location{},
		saved:   map[Storable]ident.ID{},
		cache:   newObjectCache(cfg.cacheSize),
		handles: map[ident.ID]*Handle{},
		counter: cfg.counter,
	}
	if err := c.buildIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Mode selects how a container is opened.
type Mode int

const (
	// Read opens an existing container read-only. A missing container
	// fails with NotFound.
	Read Mode = iota
	// Write creates a fresh container, discarding any existing one.
	Write
	// Append continues an existing container, or creates one.
	Append
)

// OpenFile opens a single-file container. Read mode maps the file shared;
// Write and Append modes hold a writer lock until Close.
func OpenFile(ctx context.Context, path string, mode Mode, opts ...Option) (*Container, error) {
	var engine backend.Engine
	var err error
	switch mode {
	case Read:
		engine, err = backend.OpenFile(path)
	case Write:
		engine, err = backend.TruncateFile(path)
	case Append:
		engine, err = backend.CreateFile(path)
	default:
		return nil, fmt.Errorf("store: unknown open mode %d", mode)
	}
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, engine, opts...)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return c, nil
}

// OpenLevelDB opens a LevelDB-backed container at dir. Write and Append are
// equivalent; LevelDB containers always continue in place.
func OpenLevelDB(ctx context.Context, dir string, mode Mode, opts ...Option) (*Container, error) {
	engine, err := backend.OpenLevelDB(dir, mode == Read)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, engine, opts...)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return c, nil
}

// buildIndex scans every recorded store's identity column. Rows missing the
// identity cell were never committed and stay invisible.
func (c *Container) buildIndex(ctx context.Context) error {
	for _, name := range c.b.StoreNames() {
		size, ok := c.b.DimensionSize(name)
		if !ok {
			continue
		}
		idVar := varName(name, idField)
		for row := 0; row < size; row++ {
			present, err := c.b.HasCell(ctx, idVar, row)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			v, err := c.b.Read(ctx, idVar, row)
			if err != nil {
				return err
			}
			id := v.(ident.ID)
			if id.IsNone() {
				continue
			}
			if prev, dup := c.index[id]; dup {
				return fmt.Errorf("store: %s claimed by %s[%d] and %s[%d]: %w",
					id, prev.store, prev.row, name, row, ErrIdentityReuse)
			}
			c.index[id] = location{store: name, row: row}
		}
	}
	return nil
}

func varName(store, field string) string {
	return store + "." + field
}

// Register binds a class to its store, declaring the store's dimension and
// variables on first registration and verifying them against the container
// on every later one. Registration against a container that already records
// the class requires an identical schema.
func (c *Container) Register(class Class) (*ObjectStore, error) {
	if class.Name == "" || class.Schema == nil || class.Flatten == nil || class.Restore == nil {
		return nil, fmt.Errorf("store: class %q is incomplete: %w", class.Name, ErrUnregistered)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.stores[class.Name]; ok {
		if !st.class.Schema.Equals(class.Schema) {
			return nil, fmt.Errorf("store: class %q re-registered with different schema: %w", class.Name, schema.ErrConflict)
		}
		return st, nil
	}

	if err := c.b.SetStoreSchema(class.Name, class.Schema); err != nil {
		return nil, err
	}
	if err := c.b.DeclareDimension(class.Name, backend.Unbounded); err != nil {
		return nil, err
	}
	idVar := backend.Variable{
		Field: schema.Field{Name: varName(class.Name, idField), Type: schema.Ref(class.Name)},
		Dim:   class.Name,
	}
	if err := c.b.CreateVariable(idVar); err != nil {
		return nil, err
	}
	for _, f := range class.Schema.Fields() {
		v := backend.Variable{
			Field: schema.Field{Name: varName(class.Name, f.Name), Type: f.Type, Maskable: f.Maskable, Unit: f.Unit},
			Dim:   class.Name,
		}
		if err := c.b.CreateVariable(v); err != nil {
			return nil, err
		}
	}

	st := &ObjectStore{c: c, class: class}
	c.stores[class.Name] = st
	return st, nil
}

// Store returns the registered store for a class name.
func (c *Container) Store(name string) (*ObjectStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stores[name]
	if !ok {
		return nil, fmt.Errorf("store: %q: %w", name, ErrUnregistered)
	}
	return st, nil
}

// Save persists obj and its entire reachable graph, returning the identity
// assigned at first save. Saving an object that is already saved, directly
// or through another object's references, writes nothing and returns the
// existing identity.
func (c *Container) Save(ctx context.Context, obj Storable) (ident.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, obj)
}

func (c *Container) saveLocked(ctx context.Context, obj Storable) (ident.ID, error) {
	if obj == nil {
		return ident.None, fmt.Errorf("store: save nil object")
	}
	if id, ok := c.saved[obj]; ok {
		return id, nil
	}
	st, ok := c.stores[obj.StorableClass()]
	if !ok {
		return ident.None, fmt.Errorf("store: class %q: %w", obj.StorableClass(), ErrUnregistered)
	}

	id := ident.New()
	// Registered before flattening so reference chains back to obj reuse the
	// new identity instead of recursing forever.
	c.saved[obj] = id

	row, err := st.class.Flatten(obj)
	if err == nil {
		var cells map[string]interface{}
		cells, err = flattenRow(st.class, row, func(dep Storable) (ident.ID, error) {
			return c.saveLocked(ctx, dep)
		})
		if err == nil {
			err = c.writeRow(ctx, st, id, cells)
		}
	}
	if err != nil {
		delete(c.saved, obj)
		return ident.None, err
	}

	c.cache.add(id, obj)
	c.stats.Saves++
	if c.counter != nil {
		c.counter(st.class.Name)
	}
	logrus.WithFields(logrus.Fields{"id": id, "class": st.class.Name}).Debug("saved object")
	return id, nil
}

func (c *Container) writeRow(ctx context.Context, st *ObjectStore, id ident.ID, cells map[string]interface{}) error {
	// Every cell must encode before the first write. A value the variable's
	// type cannot encode fails the save with no row claimed.
	for _, f := range st.class.Schema.Fields() {
		cell, ok := cells[f.Name]
		if !ok {
			continue
		}
		if err := c.b.CheckValue(varName(st.class.Name, f.Name), cell); err != nil {
			return err
		}
	}
	row, _ := c.b.DimensionSize(st.class.Name)
	for _, f := range st.class.Schema.Fields() {
		cell, ok := cells[f.Name]
		if !ok {
			continue
		}
		if err := c.b.Write(ctx, varName(st.class.Name, f.Name), row, cell); err != nil {
			return err
		}
	}
	// The identity cell commits the row.
	if err := c.b.Write(ctx, varName(st.class.Name, idField), row, id); err != nil {
		return err
	}
	c.index[id] = location{store: st.class.Name, row: row}
	return nil
}

// HandleFor returns the lazy handle for an identity. Handles are interned,
// so two HandleFor calls for one identity return the same handle.
func (c *Container) HandleFor(id ident.ID) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleLocked(id)
}

func (c *Container) handleLocked(id ident.ID) *Handle {
	h, ok := c.handles[id]
	if !ok {
		h = newUnresolvedHandle(id, c)
		c.handles[id] = h
	}
	return h
}

// IdentityOf returns the identity assigned to an object in this session.
func (c *Container) IdentityOf(obj Storable) (ident.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.saved[obj]
	return id, ok
}

// Locate returns the store and row an identity is committed at.
func (c *Container) Locate(id ident.ID) (string, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.index[id]
	return loc.store, loc.row, ok
}

// Contains reports whether an identity has a committed row.
func (c *Container) Contains(id ident.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Stats returns activity counters since open.
func (c *Container) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ReadOnly reports whether the container rejects saves.
func (c *Container) ReadOnly() bool {
	return c.b.ReadOnly()
}

// Backend exposes the underlying container layer for direct variable access.
func (c *Container) Backend() *backend.Backend {
	return c.b
}

// Flush makes every save durable.
func (c *Container) Flush(ctx context.Context) error {
	return c.b.Flush(ctx)
}

// Close flushes and releases the container.
func (c *Container) Close(ctx context.Context) error {
	return c.b.Close(ctx)
}
