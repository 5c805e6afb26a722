// Package dma allocates memory a device can read and write directly.
package dma

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granule and the device page size.
const PageSize = 4096

var (
	// ErrNoMemory is returned when an allocator cannot satisfy a request.
	ErrNoMemory = errors.New("dma: out of memory")
	// ErrNotOwned is returned when freeing a buffer the allocator did not hand out.
	ErrNotOwned = errors.New("dma: buffer not owned by allocator")
)

// Allocator hands out page-aligned, zeroed, device-visible buffers.
type Allocator interface {
	// Alloc returns a buffer of at least size bytes, rounded up to whole pages.
	Alloc(size int) (*Buffer, error)
	// Free releases a buffer returned by Alloc. Sub-slices must not be freed.
	Free(b *Buffer) error
}

// Buffer is a run of device-visible memory. The virtual bytes are contiguous;
// the physical address is tracked per page, so a buffer only needs to be
// physically contiguous within each page.
type Buffer struct {
	mem   []byte
	pages []uint64
	off   int
	n     int
}

func newBuffer(mem []byte, pages []uint64) *Buffer {
	return &Buffer{mem: mem, pages: pages, n: len(mem)}
}

// Bytes returns the CPU view of the buffer.
func (b *Buffer) Bytes() []byte { return b.mem[b.off : b.off+b.n] }

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int { return b.n }

// Phys returns the physical address of the first byte.
func (b *Buffer) Phys() uint64 { return b.PhysAt(0) }

// PhysAt returns the physical address of byte i.
func (b *Buffer) PhysAt(i int) uint64 {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("dma: offset %d out of range [0,%d)", i, b.n))
	}
	abs := b.off + i
	return b.pages[abs/PageSize] + uint64(abs%PageSize)
}

// PageOffset returns the offset of the first byte within its page.
func (b *Buffer) PageOffset() int { return b.off % PageSize }

// Slice returns a view of n bytes starting at off. The view shares memory
// with b and must not be passed to Free.
func (b *Buffer) Slice(off, n int) *Buffer {
	if off < 0 || n < 0 || off+n > b.n {
		panic(fmt.Sprintf("dma: slice [%d:%d] out of range (len %d)", off, off+n, b.n))
	}
	return &Buffer{mem: b.mem, pages: b.pages, off: b.off + off, n: n}
}

// Zero clears the buffer.
func (b *Buffer) Zero() {
	clear(b.Bytes())
}

func (b *Buffer) isRoot() bool {
	return b != nil && b.off == 0 && b.n == len(b.mem) && len(b.pages) > 0
}

func pagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
