// Package shmem provides the memory regions both processors address.
//
// A Region is a flat byte range that is at least 8-byte aligned, so 32-bit
// control words inside it can be accessed atomically.
package shmem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/danmuck/dsplink/internal/status"
	"github.com/edsrzf/mmap-go"
)

var ErrRegionClosed = fmt.Errorf("%w: shared region closed", status.ErrGeneralFailure)

// Region is a shared memory window.
type Region interface {
	Bytes() []byte
	Size() int
	Close() error
}

// HeapRegion backs a region with process memory. Both link sides must live
// in the same process to share it.
type HeapRegion struct {
	words []uint64
	mem   []byte
}

// NewHeapRegion allocates a zeroed region of size bytes rounded up to 8.
func NewHeapRegion(size int) (*HeapRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: region size %d", status.ErrInvalidArgument, size)
	}
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return &HeapRegion{words: words, mem: mem}, nil
}

func (r *HeapRegion) Bytes() []byte { return r.mem }
func (r *HeapRegion) Size() int     { return len(r.mem) }
func (r *HeapRegion) Close() error  { return nil }

// FileRegion maps a file shared between two processes.
type FileRegion struct {
	file *os.File
	mem  mmap.MMap
	path string
}

// OpenFileRegion maps path read-write. With create set the file is created
// or resized to size and its mapped bytes zeroed; otherwise it must already
// be at least size bytes.
func OpenFileRegion(path string, size int, create bool) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: region size %d", status.ErrInvalidArgument, size)
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shmem: resize %s: %w", path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
		}
		if info.Size() < int64(size) {
			f.Close()
			return nil, fmt.Errorf("%w: %s is %d bytes, need %d", status.ErrInvalidArgument, path, info.Size(), size)
		}
	}
	mem, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: map %s: %w", path, err)
	}
	if create {
		// A reused file still holds the previous run's block. Zero it in
		// place: shrinking the file would fault a peer that already mapped it.
		clear(mem)
	}
	return &FileRegion{file: f, mem: mem, path: path}, nil
}

func (r *FileRegion) Bytes() []byte { return r.mem }
func (r *FileRegion) Size() int     { return len(r.mem) }
func (r *FileRegion) Path() string  { return r.path }

// Flush writes dirty pages back to the file.
func (r *FileRegion) Flush() error {
	if r.mem == nil {
		return ErrRegionClosed
	}
	return r.mem.Flush()
}

func (r *FileRegion) Close() error {
	if r.mem == nil {
		return nil
	}
	err := r.mem.Unmap()
	r.mem = nil
	return errors.Join(err, r.file.Close())
}
