// Package blockdev defines the block storage contract the NVMe driver
// exposes upward, plus byte-addressed and cached adapters on top of it.
package blockdev

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/tinyrange/nvme/internal/dma"
)

// Capacity describes the geometry of a block device.
type Capacity struct {
	Blocks    uint64
	BlockSize uint32
	// MaxCount is the largest block count a single request may carry.
	MaxCount uint32
}

// Bytes returns the device size in bytes.
func (c Capacity) Bytes() uint64 {
	return c.Blocks * uint64(c.BlockSize)
}

func (c Capacity) String() string {
	return fmt.Sprintf("%s (%d x %d-byte blocks)", humanize.IBytes(c.Bytes()), c.Blocks, c.BlockSize)
}

// Device is a block storage device. Buffers are DMA buffers so the device
// can transfer into them directly; buf must hold count*BlockSize bytes.
type Device interface {
	ReadBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error
	WriteBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error
	Capacity() (Capacity, error)
	// Close releases the device. reason is recorded by the implementation.
	Close(reason error) error
}
