//go:build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// Pinned allocates locked anonymous memory in the calling process and
// resolves physical addresses through /proc/self/pagemap. Reading page frame
// numbers requires CAP_SYS_ADMIN; without it the kernel reports zero and
// Alloc fails. Use only with a device that is not behind an IOMMU.
type Pinned struct {
	mu      sync.Mutex
	pagemap *os.File
	live    map[uintptr][]byte
}

// NewPinned opens the pagemap of the current process.
func NewPinned() (*Pinned, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}
	return &Pinned{pagemap: f, live: make(map[uintptr][]byte)}, nil
}

// Alloc implements Allocator.
func (p *Pinned) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: cannot allocate %d bytes", size)
	}
	n := pagesFor(size)
	mem, err := unix.Mmap(-1, 0, n*PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d pages: %v", ErrNoMemory, n, err)
	}
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: mlock: %v", ErrNoMemory, err)
	}

	pages := make([]uint64, n)
	for i := range pages {
		phys, err := p.translate(uintptr(unsafe.Pointer(&mem[i*PageSize])))
		if err != nil {
			_ = unix.Munmap(mem)
			return nil, err
		}
		pages[i] = phys
	}

	p.mu.Lock()
	p.live[uintptr(unsafe.Pointer(&mem[0]))] = mem
	p.mu.Unlock()
	return newBuffer(mem, pages), nil
}

func (p *Pinned) translate(vaddr uintptr) (uint64, error) {
	var entry [8]byte
	off := int64(vaddr/PageSize) * 8
	if _, err := p.pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("dma: page at %#x not present", vaddr)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("dma: pagemap hides frame numbers (need CAP_SYS_ADMIN)")
	}
	return pfn * PageSize, nil
}

// Free implements Allocator.
func (p *Pinned) Free(b *Buffer) error {
	if !b.isRoot() {
		return ErrNotOwned
	}
	key := uintptr(unsafe.Pointer(&b.mem[0]))
	p.mu.Lock()
	mem, ok := p.live[key]
	delete(p.live, key)
	p.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}
	return unix.Munmap(mem)
}

// Close releases every outstanding allocation and the pagemap handle.
func (p *Pinned) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, mem := range p.live {
		_ = unix.Munmap(mem)
		delete(p.live, key)
	}
	return p.pagemap.Close()
}

var _ Allocator = (*Pinned)(nil)
