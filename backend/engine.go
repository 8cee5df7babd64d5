package backend

import "context"

// An Engine is the physical byte store beneath a Backend. Cells are addressed
// by (dimension, row, variable); the manifest is a single reserved blob that
// makes the container self-describing. Implementations: in-memory, a single
// chunked container file, and LevelDB.
type Engine interface {
	// PutCell stores the encoded value of one cell. A cell is written at
	// most once except for mask fills, which the Backend layer polices.
	PutCell(ctx context.Context, dim string, row int, variable string, data []byte) error

	// GetCell returns the encoded cell value and whether the cell has ever
	// been written.
	GetCell(ctx context.Context, dim string, row int, variable string) ([]byte, bool, error)

	// PutManifest replaces the container manifest.
	PutManifest(ctx context.Context, data []byte) error

	// Manifest returns the container manifest, if one has been written.
	Manifest(ctx context.Context) ([]byte, bool, error)

	// Flush makes every put durable. Required before Close for durability.
	Flush(ctx context.Context) error

	// Close releases resources. The Engine may not be used afterward.
	Close() error

	// ReadOnly reports whether the engine was opened read-only.
	ReadOnly() bool
}

type cellKey struct {
	dim string
	row int
	v   string
}
