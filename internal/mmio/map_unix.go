//go:build unix

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of f starting at offset as a shared, writable Region.
// f is typically a sysfs PCI resource file opened read-write.
func Map(f *os.File, offset int64, size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmio: invalid mapping size %d", size)
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: map %s: %w", f.Name(), err)
	}
	return &Mapping{mem: mem, unmap: unix.Munmap}, nil
}
