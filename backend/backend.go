// Package backend implements the physical container: named dimensions, typed
// chunked variables, a logical-to-physical conversion table, masking, and
// unit-aware reads and writes. It owns the on-disk representation and knows
// nothing about objects or stores.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cask-db/cask/d"
	"github.com/cask-db/cask/schema"
)

var (
	// ErrNotFound reports a missing container, cell, or store schema.
	ErrNotFound = errors.New("backend: not found")
	// ErrSchemaConflict reports a redeclaration with different parameters.
	ErrSchemaConflict = errors.New("backend: schema conflict")
	// ErrOutOfBounds reports access past the current row count.
	ErrOutOfBounds = errors.New("backend: index out of bounds")
	// ErrReadOnly reports a write against a read-only container.
	ErrReadOnly = errors.New("backend: container is read-only")
	// ErrImmutable reports an attempt to rewrite a committed cell.
	ErrImmutable = errors.New("backend: cells are immutable once written")
)

// Unset is the sentinel returned when reading a maskable cell that has never
// been written. It is distinct from every valid domain value.
var Unset = unset{}

type unset struct{}

func (unset) String() string { return "<unset>" }

// Unbounded declares a dimension that grows as rows are appended.
const Unbounded = -1

// Dimension is a named axis. Unbounded dimensions report their current row
// count as Size.
type Dimension struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Unbounded bool   `json:"unbounded"`
}

// Variable is one typed column. Field carries the logical type, mask flag and
// unit tag; Dim names the row dimension the column is laid out along. Chunk
// is advisory chunk-shape metadata (the engines group whole rows regardless,
// which is the shape object stores want).
type Variable struct {
	Field schema.Field `json:"field"`
	Dim   string       `json:"dim"`
	Chunk []int        `json:"chunk,omitempty"`
}

const manifestVersion = 1

type manifest struct {
	Version int                       `json:"version"`
	Dims    []Dimension               `json:"dims"`
	Vars    []Variable                `json:"vars"`
	Stores  map[string]*schema.Schema `json:"stores"`
}

// Backend is the container layer over an Engine. Not safe for concurrent
// writers; the single-writer model is enforced at open time by the file
// engine's lock.
type Backend struct {
	mu     sync.Mutex
	engine Engine
	dims   map[string]*Dimension
	vars   map[string]*Variable
	stores map[string]*schema.Schema
	units  UnitTable
}

// Option configures a Backend at construction.
type Option func(*Backend)

// WithUnitOverrides installs a session unit table. Values of unit-tagged
// variables are scaled by the table's factor on read and unscaled on write.
func WithUnitOverrides(t UnitTable) Option {
	return func(b *Backend) {
		b.units = t
	}
}

// New wraps engine in a Backend, restoring dimensions, variables, and store
// schemas from the engine's manifest when one exists.
func New(ctx context.Context, engine Engine, opts ...Option) (*Backend, error) {
	b := &Backend{
		engine: engine,
		dims:   map[string]*Dimension{},
		vars:   map[string]*Variable{},
		stores: map[string]*schema.Schema{},
		units:  UnitTable{},
	}
	for _, opt := range opts {
		opt(b)
	}

	data, ok, err := engine.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("backend: corrupt manifest: %w", err)
		}
		if m.Version != manifestVersion {
			return nil, fmt.Errorf("backend: manifest version %d, want %d: %w", m.Version, manifestVersion, ErrSchemaConflict)
		}
		for i := range m.Dims {
			dim := m.Dims[i]
			b.dims[dim.Name] = &dim
		}
		for i := range m.Vars {
			v := m.Vars[i]
			b.vars[v.Field.Name] = &v
		}
		b.stores = m.Stores
		if b.stores == nil {
			b.stores = map[string]*schema.Schema{}
		}
		logrus.Debugf("restored manifest: %d dims, %d vars, %d stores", len(b.dims), len(b.vars), len(b.stores))
	}
	return b, nil
}

// DeclareDimension creates a named axis. Pass Unbounded for an axis that
// grows by appending. Redeclaring with identical parameters is a no-op;
// redeclaring with different parameters fails.
func (b *Backend) DeclareDimension(name string, size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	unbounded := size == Unbounded
	if unbounded {
		size = 0
	}
	if size < 0 {
		return fmt.Errorf("backend: dimension %q size %d: %w", name, size, ErrSchemaConflict)
	}
	if existing, ok := b.dims[name]; ok {
		if existing.Unbounded != unbounded || (!unbounded && existing.Size != size) {
			return fmt.Errorf("backend: dimension %q redeclared with different size: %w", name, ErrSchemaConflict)
		}
		return nil
	}
	if b.engine.ReadOnly() {
		return fmt.Errorf("backend: declare dimension %q: %w", name, ErrReadOnly)
	}
	b.dims[name] = &Dimension{Name: name, Size: size, Unbounded: unbounded}
	return nil
}

// DimensionSize returns the current size of a dimension.
func (b *Backend) DimensionSize(name string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dim, ok := b.dims[name]
	if !ok {
		return 0, false
	}
	return dim.Size, true
}

// Dims returns every dimension, sorted by name.
func (b *Backend) Dims() []Dimension {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Dimension, 0, len(b.dims))
	for _, d := range b.dims {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateVariable allocates a typed column. The variable's dimension must
// already be declared and its logical type must be a member of the closed
// set. Recreating an identical variable is a no-op.
func (b *Backend) CreateVariable(v Variable) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := schema.New(v.Field); err != nil {
		return fmt.Errorf("backend: variable %q: %w", v.Field.Name, err)
	}
	if _, ok := b.dims[v.Dim]; !ok {
		return fmt.Errorf("backend: variable %q uses undeclared dimension %q: %w", v.Field.Name, v.Dim, ErrSchemaConflict)
	}
	if existing, ok := b.vars[v.Field.Name]; ok {
		if !sameVariable(*existing, v) {
			return fmt.Errorf("backend: variable %q redeclared with different parameters: %w", v.Field.Name, ErrSchemaConflict)
		}
		return nil
	}
	if b.engine.ReadOnly() {
		return fmt.Errorf("backend: create variable %q: %w", v.Field.Name, ErrReadOnly)
	}
	stored := v
	b.vars[v.Field.Name] = &stored
	return nil
}

// Variable returns the declaration for name.
func (b *Backend) Variable(name string) (Variable, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vars[name]
	if !ok {
		return Variable{}, false
	}
	return *v, true
}

// Vars returns every variable, sorted by name.
func (b *Backend) Vars() []Variable {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Variable, 0, len(b.vars))
	for _, v := range b.vars {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field.Name < out[j].Field.Name })
	return out
}

func sameVariable(a, b Variable) bool {
	if a.Field.Name != b.Field.Name || !a.Field.Type.Equals(b.Field.Type) ||
		a.Field.Maskable != b.Field.Maskable || a.Field.Unit != b.Field.Unit || a.Dim != b.Dim {
		return false
	}
	if len(a.Chunk) != len(b.Chunk) {
		return false
	}
	for i := range a.Chunk {
		if a.Chunk[i] != b.Chunk[i] {
			return false
		}
	}
	return true
}

// Write stores one cell. Writing at the current size of an unbounded
// dimension appends a row. Committed cells are immutable; the only permitted
// fill-in is writing a maskable cell that was skipped earlier. Writing Unset
// to a maskable cell leaves it masked.
func (b *Backend) Write(ctx context.Context, variable string, row int, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(ctx, variable, row, value)
}

// WriteMany stores a batch of cells, sorted internally by row for I/O
// locality. rows and values must have equal length.
func (b *Backend) WriteMany(ctx context.Context, variable string, rows []int, values []interface{}) error {
	if len(rows) != len(values) {
		return fmt.Errorf("backend: %d rows, %d values", len(rows), len(values))
	}
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return rows[order[i]] < rows[order[j]] })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range order {
		if err := b.writeLocked(ctx, variable, rows[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) writeLocked(ctx context.Context, variable string, row int, value interface{}) error {
	if b.engine.ReadOnly() {
		return fmt.Errorf("backend: write %q: %w", variable, ErrReadOnly)
	}
	v, ok := b.vars[variable]
	if !ok {
		return fmt.Errorf("backend: variable %q: %w", variable, ErrNotFound)
	}
	dim := b.dims[v.Dim]

	if row < 0 || row > dim.Size || (!dim.Unbounded && row >= dim.Size) {
		return fmt.Errorf("backend: write %q[%d], size %d: %w", variable, row, dim.Size, ErrOutOfBounds)
	}

	if _, ok := value.(unset); ok {
		if !v.Field.Maskable {
			return fmt.Errorf("backend: write Unset to non-maskable %q: %w", variable, ErrImmutable)
		}
		// Leave the cell masked; growth still happens so the row exists.
		if row == dim.Size && dim.Unbounded {
			dim.Size++
		}
		return nil
	}

	if _, present, err := b.engine.GetCell(ctx, v.Dim, row, variable); err != nil {
		return err
	} else if present {
		return fmt.Errorf("backend: rewrite %q[%d]: %w", variable, row, ErrImmutable)
	}

	value = scaleIn(v.Field, value, b.units)
	data, err := encodeCell(v.Field.Type, value)
	if err != nil {
		return err
	}
	if err := b.engine.PutCell(ctx, v.Dim, row, variable, data); err != nil {
		return err
	}
	if row == dim.Size && dim.Unbounded {
		dim.Size++
	}
	return nil
}

// CheckValue reports whether value would encode as a cell of variable,
// without writing anything. Unset passes only for maskable variables.
func (b *Backend) CheckValue(variable string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vars[variable]
	if !ok {
		return fmt.Errorf("backend: variable %q: %w", variable, ErrNotFound)
	}
	if _, ok := value.(unset); ok {
		if !v.Field.Maskable {
			return fmt.Errorf("backend: write Unset to non-maskable %q: %w", variable, ErrImmutable)
		}
		return nil
	}
	_, err := encodeCell(v.Field.Type, scaleIn(v.Field, value, b.units))
	return err
}

// Read returns one decoded cell. Maskable cells that were never written
// return Unset; other unwritten cells inside bounds fail NotFound.
func (b *Backend) Read(ctx context.Context, variable string, row int) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(ctx, variable, row)
}

// ReadMany returns a batch of decoded cells. Rows are fetched in sorted
// order internally, but the result order always matches the request order.
func (b *Backend) ReadMany(ctx context.Context, variable string, rows []int) ([]interface{}, error) {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return rows[order[i]] < rows[order[j]] })

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]interface{}, len(rows))
	for _, i := range order {
		v, err := b.readLocked(ctx, variable, rows[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *Backend) readLocked(ctx context.Context, variable string, row int) (interface{}, error) {
	v, ok := b.vars[variable]
	if !ok {
		return nil, fmt.Errorf("backend: variable %q: %w", variable, ErrNotFound)
	}
	dim := b.dims[v.Dim]
	if row < 0 || row >= dim.Size {
		return nil, fmt.Errorf("backend: read %q[%d], size %d: %w", variable, row, dim.Size, ErrOutOfBounds)
	}

	data, present, err := b.engine.GetCell(ctx, v.Dim, row, variable)
	if err != nil {
		return nil, err
	}
	if !present {
		if v.Field.Maskable {
			return Unset, nil
		}
		return nil, fmt.Errorf("backend: cell %q[%d] never written: %w", variable, row, ErrNotFound)
	}
	value, err := decodeCell(v.Field.Type, data)
	if err != nil {
		return nil, err
	}
	return scaleOut(v.Field, value, b.units), nil
}

// HasCell reports whether a cell was ever written, without decoding it.
func (b *Backend) HasCell(ctx context.Context, variable string, row int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vars[variable]
	if !ok {
		return false, fmt.Errorf("backend: variable %q: %w", variable, ErrNotFound)
	}
	dim := b.dims[v.Dim]
	if row < 0 || row >= dim.Size {
		return false, nil
	}
	_, present, err := b.engine.GetCell(ctx, v.Dim, row, variable)
	return present, err
}

// SetStoreSchema records the schema of a named store in the manifest's
// reserved store mapping. Re-registering requires an identical schema.
func (b *Backend) SetStoreSchema(name string, s *schema.Schema) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.stores[name]; ok {
		if !existing.Equals(s) {
			return fmt.Errorf("backend: store %q schema mismatch: %w", name, ErrSchemaConflict)
		}
		return nil
	}
	if b.engine.ReadOnly() {
		return fmt.Errorf("backend: store %q not in container: %w", name, ErrNotFound)
	}
	b.stores[name] = s
	return nil
}

// StoreSchema returns the recorded schema for a named store.
func (b *Backend) StoreSchema(name string) (*schema.Schema, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[name]
	return s, ok
}

// StoreNames returns the recorded store names in sorted order.
func (b *Backend) StoreNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.stores))
	for name := range b.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadOnly reports whether the underlying engine is read-only.
func (b *Backend) ReadOnly() bool {
	return b.engine.ReadOnly()
}

// Flush serializes the manifest and makes all pending writes durable.
func (b *Backend) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine.ReadOnly() {
		return nil
	}
	m := manifest{Version: manifestVersion, Stores: b.stores}
	for _, d := range b.dims {
		m.Dims = append(m.Dims, *d)
	}
	sort.Slice(m.Dims, func(i, j int) bool { return m.Dims[i].Name < m.Dims[j].Name })
	for _, v := range b.vars {
		m.Vars = append(m.Vars, *v)
	}
	sort.Slice(m.Vars, func(i, j int) bool { return m.Vars[i].Field.Name < m.Vars[j].Field.Name })

	data, err := json.Marshal(m)
	d.PanicIfError(err)
	if err := b.engine.PutManifest(ctx, data); err != nil {
		return err
	}
	return b.engine.Flush(ctx)
}

// Close flushes and releases the engine.
func (b *Backend) Close(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		b.engine.Close()
		return err
	}
	return b.engine.Close()
}
