// Package flatfile implements block payload storage in append only files
// named blk00000.dat, blk00001.dat and so on. Each record is a four byte
// magic value, a four byte length and the JSON encoded block.
package flatfile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ardanlabs/blockstore/foundation/blockchain/database"
)

// DefaultMaxFileSize is the size after which writes roll over to a new file.
const DefaultMaxFileSize = 128 << 20

// magic marks the start of every record.
var magic = [4]byte{0xa7, 0xd1, 0xb1, 0x0c}

const headerSize = 8

// FlatFile represents the storage implementation for reading and storing
// block payloads in numbered files on disk. This implements the
// database.BlockStorage interface.
type FlatFile struct {
	mu          sync.Mutex
	dir         string
	maxFileSize uint32
	readOnly    bool
	file        uint32
	size        uint32
	f           *os.File
}

// Open constructs a FlatFile value for use. Writes continue at the end of
// the highest numbered file in the directory.
func Open(dir string, maxFileSize uint32, readOnly bool) (*FlatFile, error) {
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}

	if !readOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	ff := FlatFile{
		dir:         dir,
		maxFileSize: maxFileSize,
		readOnly:    readOnly,
	}

	// Find the last file written to.
	for {
		if _, err := os.Stat(ff.path(ff.file + 1)); err != nil {
			break
		}
		ff.file++
	}

	if info, err := os.Stat(ff.path(ff.file)); err == nil {
		ff.size = uint32(info.Size())
	}

	return &ff, nil
}

// Close closes the file currently being appended to.
func (ff *FlatFile) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.f == nil {
		return nil
	}

	err := ff.f.Close()
	ff.f = nil
	return err
}

// Write appends the block to the current file and returns its position.
// The file is synced before returning.
func (ff *FlatFile) Write(block database.Block) (database.FilePos, error) {
	if ff.readOnly {
		return database.FilePos{}, errors.New("flat file storage opened read only")
	}

	data, err := json.Marshal(block)
	if err != nil {
		return database.FilePos{}, err
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()

	recSize := uint32(headerSize + len(data))
	if ff.size > 0 && ff.size+recSize > ff.maxFileSize {
		if ff.f != nil {
			ff.f.Close()
			ff.f = nil
		}
		ff.file++
		ff.size = 0
	}

	if ff.f == nil {
		f, err := os.OpenFile(ff.path(ff.file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return database.FilePos{}, err
		}
		ff.f = f
	}

	buf := make([]byte, recSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(data)))
	copy(buf[headerSize:], data)

	if _, err := ff.f.Write(buf); err != nil {
		return database.FilePos{}, err
	}

	if err := ff.f.Sync(); err != nil {
		return database.FilePos{}, err
	}

	pos := database.FilePos{
		File:   ff.file,
		Offset: ff.size,
		Size:   uint32(len(data)),
	}
	ff.size += recSize

	return pos, nil
}

// Read returns the block stored at the specified position.
func (ff *FlatFile) Read(pos database.FilePos) (database.Block, error) {
	if pos.IsNull() {
		return database.Block{}, database.ErrNotFound
	}

	f, err := os.Open(ff.path(pos.File))
	if err != nil {
		return database.Block{}, err
	}
	defer f.Close()

	buf := make([]byte, headerSize+int(pos.Size))
	if _, err := f.ReadAt(buf, int64(pos.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return database.Block{}, database.ErrBadPayload
		}
		return database.Block{}, err
	}

	if [4]byte(buf[:4]) != magic || binary.LittleEndian.Uint32(buf[4:8]) != pos.Size {
		return database.Block{}, fmt.Errorf("file %d offset %d: %w", pos.File, pos.Offset, database.ErrBadPayload)
	}

	var block database.Block
	if err := json.Unmarshal(buf[headerSize:], &block); err != nil {
		return database.Block{}, err
	}

	return block, nil
}

// path returns the name of the numbered file.
func (ff *FlatFile) path(file uint32) string {
	return filepath.Join(ff.dir, fmt.Sprintf("blk%05d.dat", file))
}
