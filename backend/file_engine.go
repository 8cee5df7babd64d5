package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"
	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"
)

// Single-file container format. All integers little-endian.
//
//	header  magic "CASK", u32 version
//	chunks  [u32 payloadLen][u32 crc32c of payload][snappy payload]
//	footer  u64 index chunk offset, magic "KSAC"
//
// Payloads are tagged by their first byte: 'g' is a row group holding every
// cell of one (dim, row), 'm' is the manifest, 'x' is the chunk index. Rows
// are the unit of compression so a load touches one group per object.
const (
	fileMagic   = "CASK"
	footerMagic = "KSAC"
	fileVersion = 1

	tagGroup    = 'g'
	tagManifest = 'm'
	tagIndex    = 'x'
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt reports a container file that fails structural validation.
var ErrCorrupt = errors.New("backend: corrupt container file")

type groupKey struct {
	dim string
	row int
}

// FileEngine stores the container in a single chunked file. Writers hold a
// process lock next to the file and stage rows in memory until Flush, which
// rewrites the file atomically through a rename. Readers map the file and
// decode row groups on demand.
type FileEngine struct {
	path     string
	readOnly bool
	lock     *fslock.Lock

	// read side
	mapped mmap.MMap
	file   *os.File
	index  map[groupKey]int64
	hot    map[groupKey]map[string][]byte

	// write side
	groups   map[groupKey]map[string][]byte
	manifest []byte
	dirty    bool
}

var _ Engine = &FileEngine{}

// OpenFile opens path as a read-only container.
func OpenFile(path string) (*FileEngine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("container %q: %w", path, ErrNotFound)
		}
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("container %q: %w", path, err)
	}
	e := &FileEngine{
		path:     path,
		readOnly: true,
		mapped:   m,
		file:     f,
		hot:      map[groupKey]map[string][]byte{},
	}
	if err := e.loadIndex(); err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	return e, nil
}

// CreateFile opens path for writing, creating or appending. The writer lock
// is held until Close.
func CreateFile(path string) (*FileEngine, error) {
	return newWriter(path, false)
}

// TruncateFile opens path for writing like CreateFile but starts the
// container empty, discarding existing content. The writer lock is taken
// before anything is discarded, so losing the lock race leaves the existing
// container untouched.
func TruncateFile(path string) (*FileEngine, error) {
	return newWriter(path, true)
}

func newWriter(path string, truncate bool) (*FileEngine, error) {
	lock := fslock.New(path + ".lock")
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("container %q locked by another writer: %w", path, err)
	}
	e := &FileEngine{
		path:   path,
		lock:   lock,
		groups: map[groupKey]map[string][]byte{},
	}
	if truncate {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			lock.Unlock()
			return nil, err
		}
		return e, nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := e.loadAll(); err != nil {
			lock.Unlock()
			return nil, err
		}
	}
	return e, nil
}

func (e *FileEngine) PutCell(_ context.Context, dim string, row int, variable string, data []byte) error {
	if e.readOnly {
		return ErrReadOnly
	}
	k := groupKey{dim, row}
	g, ok := e.groups[k]
	if !ok {
		g = map[string][]byte{}
		e.groups[k] = g
	}
	g[variable] = append([]byte(nil), data...)
	e.dirty = true
	return nil
}

func (e *FileEngine) GetCell(_ context.Context, dim string, row int, variable string) ([]byte, bool, error) {
	k := groupKey{dim, row}
	if !e.readOnly {
		g, ok := e.groups[k]
		if !ok {
			return nil, false, nil
		}
		data, ok := g[variable]
		return data, ok, nil
	}

	g, ok := e.hot[k]
	if !ok {
		off, found := e.index[k]
		if !found {
			return nil, false, nil
		}
		payload, err := e.readChunk(off)
		if err != nil {
			return nil, false, err
		}
		_, _, g, err = decodeGroup(payload)
		if err != nil {
			return nil, false, err
		}
		// Decoded groups stay resident; containers are row-granular so the
		// working set is whatever the caller actually loads.
		e.hot[k] = g
	}
	data, ok := g[variable]
	return data, ok, nil
}

func (e *FileEngine) PutManifest(_ context.Context, data []byte) error {
	if e.readOnly {
		return ErrReadOnly
	}
	e.manifest = append([]byte(nil), data...)
	e.dirty = true
	return nil
}

func (e *FileEngine) Manifest(_ context.Context) ([]byte, bool, error) {
	if !e.readOnly {
		return e.manifest, e.manifest != nil, nil
	}
	off, ok := e.index[groupKey{dim: "", row: -1}]
	if !ok {
		return nil, false, nil
	}
	payload, err := e.readChunk(off)
	if err != nil {
		return nil, false, err
	}
	if len(payload) == 0 || payload[0] != tagManifest {
		return nil, false, fmt.Errorf("manifest chunk tagged %q: %w", payload[0], ErrCorrupt)
	}
	return payload[1:], true, nil
}

// Flush rewrites the container file. The new file is assembled beside the
// target and moved into place so readers never observe a partial container.
func (e *FileEngine) Flush(context.Context) error {
	if e.readOnly {
		return ErrReadOnly
	}
	if !e.dirty {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.path), ".cask-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(fileMagic); err != nil {
		return err
	}
	if err := writeUint32(w, fileVersion); err != nil {
		return err
	}
	off := int64(len(fileMagic) + 4)

	keys := make([]groupKey, 0, len(e.groups))
	for k := range e.groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dim != keys[j].dim {
			return keys[i].dim < keys[j].dim
		}
		return keys[i].row < keys[j].row
	})

	index := map[groupKey]int64{}
	for _, k := range keys {
		index[k] = off
		n, err := writeChunk(w, encodeGroup(k.dim, k.row, e.groups[k]))
		if err != nil {
			return err
		}
		off += n
	}
	if e.manifest != nil {
		index[groupKey{dim: "", row: -1}] = off
		n, err := writeChunk(w, append([]byte{tagManifest}, e.manifest...))
		if err != nil {
			return err
		}
		off += n
	}

	indexOff := off
	if _, err := writeChunk(w, encodeIndex(index)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(indexOff)); err != nil {
		return err
	}
	if _, err := w.WriteString(footerMagic); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), e.path); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"path": e.path, "groups": len(keys)}).Debug("container flushed")
	e.dirty = false
	return nil
}

func (e *FileEngine) Close() error {
	if e.readOnly {
		err := e.mapped.Unmap()
		if cerr := e.file.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return e.lock.Unlock()
}

func (e *FileEngine) ReadOnly() bool {
	return e.readOnly
}

// loadIndex parses the footer and index chunk of a mapped container.
func (e *FileEngine) loadIndex() error {
	m := e.mapped
	if len(m) < len(fileMagic)+4+8+len(footerMagic) || string(m[:len(fileMagic)]) != fileMagic {
		return fmt.Errorf("%q: %w", e.path, ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(m[len(fileMagic):]); v != fileVersion {
		return fmt.Errorf("%q: container version %d, want %d: %w", e.path, v, fileVersion, ErrCorrupt)
	}
	if string(m[len(m)-len(footerMagic):]) != footerMagic {
		return fmt.Errorf("%q: missing footer: %w", e.path, ErrCorrupt)
	}
	indexOff := int64(binary.LittleEndian.Uint64(m[len(m)-len(footerMagic)-8:]))
	payload, err := e.readChunk(indexOff)
	if err != nil {
		return err
	}
	e.index, err = decodeIndex(payload)
	return err
}

// loadAll reads an existing container fully into the write-side maps so an
// append session can continue it. Trailing garbage after the last valid
// chunk is discarded.
func (e *FileEngine) loadAll() error {
	r, err := OpenFile(e.path)
	if err != nil {
		return err
	}
	defer r.Close()
	for k, off := range r.index {
		payload, err := r.readChunk(off)
		if err != nil {
			return err
		}
		switch payload[0] {
		case tagGroup:
			dim, row, cells, err := decodeGroup(payload)
			if err != nil {
				return err
			}
			e.groups[groupKey{dim, row}] = cells
		case tagManifest:
			e.manifest = append([]byte(nil), payload[1:]...)
		default:
			return fmt.Errorf("%q: chunk %v tagged %q: %w", e.path, k, payload[0], ErrCorrupt)
		}
	}
	return nil
}

func (e *FileEngine) readChunk(off int64) ([]byte, error) {
	m := e.mapped
	if off < 0 || off+8 > int64(len(m)) {
		return nil, fmt.Errorf("%q: chunk offset %d: %w", e.path, off, ErrCorrupt)
	}
	size := int64(binary.LittleEndian.Uint32(m[off:]))
	sum := binary.LittleEndian.Uint32(m[off+4:])
	if off+8+size > int64(len(m)) {
		return nil, fmt.Errorf("%q: chunk at %d overruns file: %w", e.path, off, ErrCorrupt)
	}
	compressed := m[off+8 : off+8+size]
	if crc32.Checksum(compressed, crcTable) != sum {
		return nil, fmt.Errorf("%q: chunk at %d fails checksum: %w", e.path, off, ErrCorrupt)
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%q: chunk at %d: %v: %w", e.path, off, err, ErrCorrupt)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%q: empty chunk at %d: %w", e.path, off, ErrCorrupt)
	}
	return payload, nil
}

func writeChunk(w *bufio.Writer, payload []byte) (int64, error) {
	compressed := snappy.Encode(nil, payload)
	if err := writeUint32(w, uint32(len(compressed))); err != nil {
		return 0, err
	}
	if err := writeUint32(w, crc32.Checksum(compressed, crcTable)); err != nil {
		return 0, err
	}
	n, err := w.Write(compressed)
	return int64(8 + n), err
}

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func encodeGroup(dim string, row int, cells map[string][]byte) []byte {
	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := []byte{tagGroup}
	buf = appendString(buf, dim)
	buf = appendUint32(buf, uint32(row))
	buf = appendUint32(buf, uint32(len(names)))
	for _, name := range names {
		buf = appendString(buf, name)
		buf = appendUint32(buf, uint32(len(cells[name])))
		buf = append(buf, cells[name]...)
	}
	return buf
}

func decodeGroup(payload []byte) (string, int, map[string][]byte, error) {
	r := &byteReader{buf: payload}
	if tag := r.byte(); tag != tagGroup {
		return "", 0, nil, fmt.Errorf("row group tagged %q: %w", tag, ErrCorrupt)
	}
	dim := r.string()
	row := int(r.uint32())
	count := int(r.uint32())
	cells := make(map[string][]byte, count)
	for i := 0; i < count; i++ {
		name := r.string()
		cells[name] = r.bytes(int(r.uint32()))
	}
	if r.err != nil {
		return "", 0, nil, fmt.Errorf("row group truncated: %w", ErrCorrupt)
	}
	return dim, row, cells, nil
}

func encodeIndex(index map[groupKey]int64) []byte {
	keys := make([]groupKey, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dim != keys[j].dim {
			return keys[i].dim < keys[j].dim
		}
		return keys[i].row < keys[j].row
	})

	buf := []byte{tagIndex}
	buf = appendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k.dim)
		buf = appendUint32(buf, uint32(k.row))
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(index[k]))
		buf = append(buf, off[:]...)
	}
	return buf
}

func decodeIndex(payload []byte) (map[groupKey]int64, error) {
	r := &byteReader{buf: payload}
	if tag := r.byte(); tag != tagIndex {
		return nil, fmt.Errorf("index chunk tagged %q: %w", tag, ErrCorrupt)
	}
	count := int(r.uint32())
	index := make(map[groupKey]int64, count)
	for i := 0; i < count; i++ {
		dim := r.string()
		row := int(int32(r.uint32()))
		off := r.uint64()
		index[groupKey{dim, row}] = int64(off)
	}
	if r.err != nil {
		return nil, fmt.Errorf("index chunk truncated: %w", ErrCorrupt)
	}
	return index, nil
}

type byteReader struct {
	buf []byte
	err error
}

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil || n < 0 || n > len(r.buf) {
		r.err = ErrCorrupt
		return nil
	}
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return out
}

func (r *byteReader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *byteReader) string() string {
	n := r.uint32()
	return string(r.bytes(int(n)))
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
