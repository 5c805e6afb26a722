package nvme

import (
	"fmt"
	"io"
	"sync"
)

// RAMDisk is namespace media held in memory.
type RAMDisk struct {
	mu   sync.RWMutex
	data []byte
}

// NewRAMDisk returns a zeroed disk of size bytes.
func NewRAMDisk(size int64) *RAMDisk {
	return &RAMDisk{data: make([]byte, size)}
}

func (d *RAMDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off > int64(len(d.data)) {
		return 0, fmt.Errorf("ramdisk: read at %d outside %d bytes", off, len(d.data))
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *RAMDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("ramdisk: write [%d,%d) outside %d bytes", off, off+int64(len(p)), len(d.data))
	}
	return copy(d.data[off:], p), nil
}

// Size returns the disk size in bytes.
func (d *RAMDisk) Size() int64 { return int64(len(d.data)) }
