// Package flashmem gives typed, scoped access to the fixed physical flash
// ranges and the RAM boot-parameter window this core reads and writes:
// the data store, the staging area, and the boot-parameter windows shared
// with the pre-boot stage and the next layer.
//
// On the real hardware these are fixed addresses placed by a linker
// script; here each is a fixed-size backing file memory-mapped with
// github.com/edsrzf/mmap-go. This keeps every access
// bounds-checked and gives the package a single choke point to enforce
// the "read-modify-write a RAM copy, then write the whole structure at
// once" discipline from the flash-region contract: no caller ever gets a
// pointer that lets it patch a structure in place.
package flashmem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// PageSize is the erase/write granularity assumed by the flash-region
// contract. Persisted structures must be sized a multiple of this.
const PageSize = 512

// ErasedByte is the value flash reads back as after an erase.
const ErasedByte = 0xFF

var (
	ErrOutOfBounds = errors.New("flashmem: offset/length out of region bounds")
	ErrWriteTooBig = errors.New("flashmem: write does not fit destination region")
	ErrAlreadyOpen = errors.New("flashmem: region already open")
	ErrNotOpen     = errors.New("flashmem: region not open")
)

// openPaths tracks backing files currently mapped by this process. Each
// flash region is exclusively owned by the core during its run; two
// independently mmap'd *Regions over the same backing file would let a
// caller desync one's cached view from the other's writes, so
// OpenRegion refuses a second concurrent open of the same path rather
// than allowing that silently.
var (
	openPathsMu sync.Mutex
	openPaths   = make(map[string]bool)
)

// Region is a fixed-size, page-granular memory region.
type Region struct {
	name         string
	size         int
	f            *os.File
	m            mmap.MMap
	hostPageSize int
	absPath      string
}

// OpenRegion opens (creating if necessary) the backing file at path as a
// Region of exactly size bytes, rounded up to the page granularity. A
// freshly created region reads back as fully erased (all ErasedByte).
func OpenRegion(name, path string, size int) (*Region, error) {
	size = roundUpToPage(size)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("flashmem: resolving %s backing file path: %w", name, err)
	}
	openPathsMu.Lock()
	if openPaths[absPath] {
		openPathsMu.Unlock()
		return nil, fmt.Errorf("flashmem: opening %s backing file %q: %w", name, path, ErrAlreadyOpen)
	}
	openPaths[absPath] = true
	openPathsMu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		releaseOpenPath(absPath)
		return nil, fmt.Errorf("flashmem: opening %s backing file %q: %w", name, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		releaseOpenPath(absPath)
		return nil, fmt.Errorf("flashmem: stat %s backing file: %w", name, err)
	}
	if info.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			releaseOpenPath(absPath)
			return nil, fmt.Errorf("flashmem: sizing %s backing file: %w", name, err)
		}
		if info.Size() == 0 {
			// freshly created: initialize to the erased pattern
			erased := make([]byte, size)
			for i := range erased {
				erased[i] = ErasedByte
			}
			if _, err := f.WriteAt(erased, 0); err != nil {
				f.Close()
				releaseOpenPath(absPath)
				return nil, fmt.Errorf("flashmem: initializing %s backing file: %w", name, err)
			}
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		releaseOpenPath(absPath)
		return nil, fmt.Errorf("flashmem: mmap %s: %w", name, err)
	}

	return &Region{name: name, size: size, f: f, m: m, hostPageSize: pageAlignedSize(), absPath: absPath}, nil
}

func releaseOpenPath(absPath string) {
	openPathsMu.Lock()
	delete(openPaths, absPath)
	openPathsMu.Unlock()
}

func roundUpToPage(size int) int {
	if size <= 0 {
		return PageSize
	}
	pages := (size + PageSize - 1) / PageSize
	return pages * PageSize
}

// Size returns the region's size in bytes.
func (r *Region) Size() int {
	if r == nil {
		return 0
	}
	return r.size
}

// Name returns the region's diagnostic name (e.g. "datastore").
func (r *Region) Name() string {
	return r.name
}

// ReadAt returns a copy of length bytes starting at offset. A copy is
// returned, never a slice into the mapping, so callers cannot
// accidentally mutate flash through what looks like a read.
func (r *Region) ReadAt(offset, length int) ([]byte, error) {
	if r == nil || r.m == nil {
		return nil, ErrNotOpen
	}
	if offset < 0 || length < 0 || offset+length > r.size {
		return nil, ErrOutOfBounds
	}
	out := make([]byte, length)
	copy(out, r.m[offset:offset+length])
	return out, nil
}

// Write stages data as the new contents of [offset, offset+len(data)) and
// commits it as a single full-structure write, followed by an explicit
// flush. Callers must have already built the complete new structure in
// RAM; this method never does a partial in-place patch of an existing
// structure; see the package doc.
func (r *Region) Write(offset int, data []byte) error {
	if r == nil || r.m == nil {
		return ErrNotOpen
	}
	if offset < 0 || offset+len(data) > r.size {
		return ErrWriteTooBig
	}
	copy(r.m[offset:offset+len(data)], data)
	if err := r.m.Flush(); err != nil {
		return fmt.Errorf("flashmem: flushing write to %s: %w", r.name, err)
	}
	return nil
}

// Erase overwrites the full region with the erased byte pattern (0xFF),
// at page granularity, and flushes it.
func (r *Region) Erase() error {
	if r == nil || r.m == nil {
		return ErrNotOpen
	}
	for i := range r.m {
		r.m[i] = ErasedByte
	}
	if err := r.m.Flush(); err != nil {
		return fmt.Errorf("flashmem: flushing erase of %s: %w", r.name, err)
	}
	return nil
}

// Zero overwrites [offset, offset+length) with zero bytes and flushes.
// Used to wipe the input boot-parameter window's secret fields (CDI,
// static_symm, core_auth) before the core returns, and to wipe
// static_symm on any boot after the first.
func (r *Region) Zero(offset, length int) error {
	if r == nil || r.m == nil {
		return ErrNotOpen
	}
	if offset < 0 || length < 0 || offset+length > r.size {
		return ErrOutOfBounds
	}
	for i := offset; i < offset+length; i++ {
		r.m[i] = 0
	}
	if err := r.m.Flush(); err != nil {
		return fmt.Errorf("flashmem: flushing zero of %s: %w", r.name, err)
	}
	return nil
}

// IsErased reports whether [offset, offset+length) is all ErasedByte.
func (r *Region) IsErased(offset, length int) (bool, error) {
	b, err := r.ReadAt(offset, length)
	if err != nil {
		return false, err
	}
	for _, v := range b {
		if v != ErasedByte {
			return false, nil
		}
	}
	return true, nil
}

// IsZero reports whether [offset, offset+length) is all zero bytes.
func (r *Region) IsZero(offset, length int) (bool, error) {
	b, err := r.ReadAt(offset, length)
	if err != nil {
		return false, err
	}
	for _, v := range b {
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Close unmaps and closes the backing file, releasing its path so a
// later OpenRegion call against the same file succeeds.
func (r *Region) Close() error {
	if r == nil {
		return nil
	}
	if r.absPath != "" {
		releaseOpenPath(r.absPath)
		r.absPath = ""
	}
	var errs []error
	if r.m != nil {
		if err := r.m.Unmap(); err != nil {
			errs = append(errs, err)
		}
		r.m = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			errs = append(errs, err)
		}
		r.f = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("flashmem: closing %s: %v", r.name, errs)
	}
	return nil
}

// pageAlignedSize reports the host's actual page size. lzcore's own
// erase granularity (PageSize) is a property of the modeled flash
// hardware, not of the host this demo harness happens to run on;
// HostPageSize below exposes the host value purely for diagnostics.
func pageAlignedSize() int {
	return int(unix.Getpagesize())
}

// HostPageSize returns the host platform's actual page size, recorded
// when the region was opened. Diagnostic only: it never affects the
// fixed PageSize erase/write granularity the flash-region contract uses.
func (r *Region) HostPageSize() int {
	if r == nil {
		return 0
	}
	return r.hostPageSize
}
