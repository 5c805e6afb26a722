//go:build unix

package dma

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena is a simulated physical memory: one anonymous mapping presented to a
// device model at a fixed physical base. Allocations are page granular and
// physically contiguous. Arena also implements io.ReaderAt and io.WriterAt
// addressed by physical address, which is how an emulated device performs DMA.
type Arena struct {
	mu sync.Mutex

	base uint64
	mem  []byte

	// used[i] is the number of pages in the allocation starting at page i,
	// or -1 for a page inside an allocation, or 0 if free.
	used  []int
	inUse int
}

// NewArena maps size bytes (rounded up to pages) at physical address base.
// base must be page aligned.
func NewArena(base uint64, size int) (*Arena, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("dma: arena base %#x is not page aligned", base)
	}
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid arena size %d", size)
	}
	size = int(alignUp(uint64(size), PageSize))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("dma: map arena: %w", err)
	}
	return &Arena{
		base: base,
		mem:  mem,
		used: make([]int, size/PageSize),
	}, nil
}

// Base returns the physical address of the first arena byte.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// PagesInUse reports how many pages are currently allocated.
func (a *Arena) PagesInUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Alloc implements Allocator with a first-fit search.
func (a *Arena) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: cannot allocate %d bytes", size)
	}
	want := pagesFor(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil, fmt.Errorf("dma: arena closed")
	}

	run := 0
	for i := 0; i < len(a.used); i++ {
		if a.used[i] != 0 {
			run = 0
			continue
		}
		run++
		if run < want {
			continue
		}
		start := i - want + 1
		a.used[start] = want
		for j := start + 1; j <= i; j++ {
			a.used[j] = -1
		}
		a.inUse += want

		mem := a.mem[start*PageSize : (start+want)*PageSize : (start+want)*PageSize]
		clear(mem)
		pages := make([]uint64, want)
		for j := range pages {
			pages[j] = a.base + uint64(start+j)*PageSize
		}
		return newBuffer(mem, pages), nil
	}
	return nil, fmt.Errorf("%w: %d pages requested, %d of %d in use", ErrNoMemory, want, a.inUse, len(a.used))
}

// Free implements Allocator.
func (a *Arena) Free(b *Buffer) error {
	if !b.isRoot() {
		return ErrNotOwned
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	phys := b.pages[0]
	if phys < a.base || phys >= a.base+uint64(len(a.mem)) {
		return ErrNotOwned
	}
	start := int((phys - a.base) / PageSize)
	count := a.used[start]
	if count <= 0 || count != len(b.pages) {
		return ErrNotOwned
	}
	for j := start; j < start+count; j++ {
		a.used[j] = 0
	}
	a.inUse -= count
	return nil
}

func (a *Arena) window(off int64, n int) ([]byte, error) {
	addr := uint64(off)
	if off < 0 || addr < a.base || addr+uint64(n) > a.base+uint64(len(a.mem)) {
		return nil, fmt.Errorf("dma: physical range [%#x,%#x) outside arena", addr, addr+uint64(n))
	}
	start := addr - a.base
	return a.mem[start : start+uint64(n)], nil
}

// ReadAt copies physical memory at address off into p.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, err := a.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, w), nil
}

// WriteAt copies p into physical memory at address off.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, err := a.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(w, p), nil
}

// Close unmaps the arena. Outstanding buffers become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	return unix.Munmap(mem)
}

var (
	_ Allocator   = (*Arena)(nil)
	_ io.ReaderAt = (*Arena)(nil)
	_ io.WriterAt = (*Arena)(nil)
)
