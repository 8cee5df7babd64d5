package backend

import "context"

// MemoryEngine keeps the whole container in process memory. Used for tests
// and scratch containers.
type MemoryEngine struct {
	cells    map[cellKey][]byte
	manifest []byte
}

var _ Engine = &MemoryEngine{}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{cells: map[cellKey][]byte{}}
}

func (m *MemoryEngine) PutCell(_ context.Context, dim string, row int, variable string, data []byte) error {
	m.cells[cellKey{dim, row, variable}] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryEngine) GetCell(_ context.Context, dim string, row int, variable string) ([]byte, bool, error) {
	data, ok := m.cells[cellKey{dim, row, variable}]
	return data, ok, nil
}

func (m *MemoryEngine) PutManifest(_ context.Context, data []byte) error {
	m.manifest = append([]byte(nil), data...)
	return nil
}

func (m *MemoryEngine) Manifest(_ context.Context) ([]byte, bool, error) {
	return m.manifest, m.manifest != nil, nil
}

func (m *MemoryEngine) Flush(context.Context) error {
	return nil
}

func (m *MemoryEngine) Close() error {
	m.cells = nil
	return nil
}

func (m *MemoryEngine) ReadOnly() bool {
	return false
}
