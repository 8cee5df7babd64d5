package backend

import (
	"context"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBEngine stores cells in a LevelDB directory, one key per cell in
// row-major order so batch loads of adjacent rows stay sequential on disk.
// Suited to containers too large to rewrite on every flush.
type LevelDBEngine struct {
	db       *leveldb.DB
	readOnly bool
}

var _ Engine = &LevelDBEngine{}

var manifestKey = []byte("/manifest")

// OpenLevelDB opens or creates a LevelDB container at dir.
func OpenLevelDB(dir string, readOnly bool) (*LevelDBEngine, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Compression:            opt.NoCompression,
		Filter:                 filter.NewBloomFilter(10),
		OpenFilesCacheCapacity: 24,
		WriteBuffer:            1 << 24,
		ReadOnly:               readOnly,
		ErrorIfMissing:         readOnly,
	})
	if err != nil {
		if errors.IsCorrupted(err) {
			return nil, fmt.Errorf("container %q: %v: %w", dir, err, ErrCorrupt)
		}
		return nil, fmt.Errorf("container %q: %w", dir, err)
	}
	return &LevelDBEngine{db: db, readOnly: readOnly}, nil
}

func cellDBKey(dim string, row int, variable string) []byte {
	return []byte(fmt.Sprintf("/cell/%s/%020d/%s", dim, row, variable))
}

func (e *LevelDBEngine) PutCell(_ context.Context, dim string, row int, variable string, data []byte) error {
	if e.readOnly {
		return ErrReadOnly
	}
	return e.db.Put(cellDBKey(dim, row, variable), data, nil)
}

func (e *LevelDBEngine) GetCell(_ context.Context, dim string, row int, variable string) ([]byte, bool, error) {
	data, err := e.db.Get(cellDBKey(dim, row, variable), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (e *LevelDBEngine) PutManifest(_ context.Context, data []byte) error {
	if e.readOnly {
		return ErrReadOnly
	}
	return e.db.Put(manifestKey, data, nil)
}

func (e *LevelDBEngine) Manifest(context.Context) ([]byte, bool, error) {
	data, err := e.db.Get(manifestKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (e *LevelDBEngine) Flush(context.Context) error {
	if e.readOnly {
		return nil
	}
	return e.db.Put([]byte("/sync"), nil, &opt.WriteOptions{Sync: true})
}

func (e *LevelDBEngine) Close() error {
	return e.db.Close()
}

func (e *LevelDBEngine) ReadOnly() bool {
	return e.readOnly
}
