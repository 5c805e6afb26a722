package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/nvme/internal/dma"
)

// stagingBytes is the size of the DMA staging buffer used by ReadWriterAt.
const stagingBytes = 16 * dma.PageSize

// ReadWriterAt adapts a Device to io.ReaderAt and io.WriterAt. Requests go
// through a DMA staging buffer, so any byte range is accepted; writes that
// cover part of a block read the block first.
type ReadWriterAt struct {
	mu sync.Mutex

	// ctx bounds every device request; io.ReaderAt has no context parameter.
	ctx   context.Context
	dev   Device
	alloc dma.Allocator
	geom  Capacity
	stage *dma.Buffer
	// blocks is how many blocks fit in stage.
	blocks uint32
}

// NewReadWriterAt allocates a staging buffer from alloc and binds it to dev.
func NewReadWriterAt(ctx context.Context, dev Device, alloc dma.Allocator) (*ReadWriterAt, error) {
	c, err := dev.Capacity()
	if err != nil {
		return nil, err
	}
	if c.BlockSize == 0 || c.BlockSize > stagingBytes {
		return nil, fmt.Errorf("blockdev: unsupported block size %d", c.BlockSize)
	}
	blocks := uint32(stagingBytes) / c.BlockSize
	if c.MaxCount != 0 {
		blocks = min(blocks, c.MaxCount)
	}
	stage, err := alloc.Alloc(int(blocks) * int(c.BlockSize))
	if err != nil {
		return nil, err
	}
	return &ReadWriterAt{ctx: ctx, dev: dev, alloc: alloc, geom: c, stage: stage, blocks: blocks}, nil
}

// Size returns the device size in bytes.
func (rw *ReadWriterAt) Size() int64 { return int64(rw.geom.Bytes()) }

// span returns the block range staged for a request of n bytes at off.
func (rw *ReadWriterAt) span(off int64, n int) (lba uint64, within int, count uint32) {
	bs := int64(rw.geom.BlockSize)
	lba = uint64(off / bs)
	within = int(off % bs)
	need := (int64(within) + int64(n) + bs - 1) / bs
	count = uint32(min(need, int64(rw.blocks)))
	return lba, within, count
}

func (rw *ReadWriterAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("blockdev: negative offset %d", off)
	}
	if off >= rw.Size() {
		return 0, io.EOF
	}
	var eof error
	if rest := rw.Size() - off; int64(len(p)) > rest {
		p, eof = p[:rest], io.EOF
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()

	done := 0
	for done < len(p) {
		lba, within, count := rw.span(off+int64(done), len(p)-done)
		stage := rw.stage.Slice(0, int(count)*int(rw.geom.BlockSize))
		if err := rw.dev.ReadBlocks(rw.ctx, lba, count, stage); err != nil {
			return done, err
		}
		done += copy(p[done:], stage.Bytes()[within:])
	}
	return done, eof
}

func (rw *ReadWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("blockdev: negative offset %d", off)
	}
	if off+int64(len(p)) > rw.Size() {
		return 0, fmt.Errorf("blockdev: write [%d,%d) past end of %d-byte device", off, off+int64(len(p)), rw.Size())
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()

	bs := int(rw.geom.BlockSize)
	done := 0
	for done < len(p) {
		lba, within, count := rw.span(off+int64(done), len(p)-done)
		stage := rw.stage.Slice(0, int(count)*bs)
		n := min(len(p)-done, stage.Len()-within)
		if within != 0 || n%bs != 0 {
			if err := rw.dev.ReadBlocks(rw.ctx, lba, count, stage); err != nil {
				return done, err
			}
		}
		copy(stage.Bytes()[within:], p[done:done+n])
		if err := rw.dev.WriteBlocks(rw.ctx, lba, count, stage); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// Close releases the staging buffer. The device stays open.
func (rw *ReadWriterAt) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.stage == nil {
		return errors.New("blockdev: already closed")
	}
	err := rw.alloc.Free(rw.stage)
	rw.stage = nil
	return err
}

var (
	_ io.ReaderAt = (*ReadWriterAt)(nil)
	_ io.WriterAt = (*ReadWriterAt)(nil)
)
