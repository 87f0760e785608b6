package vdev

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// Backend is the raw storage under a device.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
	Trim(off, length int64) error
	Size() int64
	Close() error
}

// FileBackend stores blocks in a regular file of fixed capacity.
type FileBackend struct {
	f    *os.File
	size int64

	// direct bypasses the page cache. Unaligned accesses bounce through
	// an aligned buffer with read-modify-write on the edges.
	direct bool
	mu     sync.Mutex
}

// OpenFile opens or creates a file backend of the given capacity.
func OpenFile(path string, size int64, direct bool) (*FileBackend, error) {
	var f *os.File
	var err error
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("opening device file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing device file %s: %w", path, err)
	}
	return &FileBackend{f: f, size: size, direct: direct}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, ErrOutOfRange
	}
	if !b.direct {
		return b.f.ReadAt(p, off)
	}

	base, span := alignSpan(off, int64(len(p)))
	buf := directio.AlignedBlock(int(span))
	if _, err := readFull(b.f, buf, base); err != nil {
		return 0, err
	}
	copy(p, buf[off-base:])
	return len(p), nil
}

func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, ErrOutOfRange
	}
	if !b.direct {
		return b.f.WriteAt(p, off)
	}

	// Serialize direct writes so two RMW cycles on the same aligned
	// block cannot interleave.
	b.mu.Lock()
	defer b.mu.Unlock()

	base, span := alignSpan(off, int64(len(p)))
	buf := directio.AlignedBlock(int(span))
	if off != base || int64(len(p)) != span {
		if _, err := readFull(b.f, buf, base); err != nil {
			return 0, err
		}
	}
	copy(buf[off-base:], p)
	if _, err := b.f.WriteAt(buf, base); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *FileBackend) Flush() error { return b.f.Sync() }

// Trim zero-fills the range. Hole punching is filesystem specific; a
// zero fill keeps reads of trimmed space deterministic everywhere.
func (b *FileBackend) Trim(off, length int64) error {
	if off < 0 || off+length > b.size {
		return ErrOutOfRange
	}
	zero := make([]byte, 128<<10)
	for length > 0 {
		n := int64(len(zero))
		if n > length {
			n = length
		}
		if _, err := b.WriteAt(zero[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

func (b *FileBackend) Size() int64 { return b.size }

func (b *FileBackend) Close() error { return b.f.Close() }

func alignSpan(off, length int64) (base, span int64) {
	bs := int64(directio.BlockSize)
	base = off - off%bs
	end := off + length
	if rem := end % bs; rem != 0 {
		end += bs - rem
	}
	return base, end - base
}

// readFull reads into buf at off, treating EOF past the data as zeros.
func readFull(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return len(buf), nil
	}
	return n, err
}

// MemBackend stores blocks in memory. It exists for tests and benchmarks.
type MemBackend struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemBackend builds a zero-filled in-memory backend.
func NewMemBackend(size int64) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

func (b *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, ErrOutOfRange
	}
	return copy(p, b.data[off:]), nil
}

func (b *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, ErrOutOfRange
	}
	return copy(b.data[off:], p), nil
}

func (b *MemBackend) Flush() error { return nil }

func (b *MemBackend) Trim(off, length int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+length > int64(len(b.data)) {
		return ErrOutOfRange
	}
	for i := off; i < off+length; i++ {
		b.data[i] = 0
	}
	return nil
}

func (b *MemBackend) Size() int64 { return int64(len(b.data)) }

func (b *MemBackend) Close() error { return nil }
