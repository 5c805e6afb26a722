package nvme

import (
	"context"
	"fmt"

	"github.com/tinyrange/nvme/internal/blockdev"
	"github.com/tinyrange/nvme/internal/dma"
)

// maxBlocksPerCommand is the largest count the zero-based NLB field holds.
const maxBlocksPerCommand = 1 << 16

// Namespace is one logical volume of a controller.
type Namespace struct {
	ctrl *Controller

	ID           uint32
	Blocks       uint64
	BlockSize    uint32
	MetadataSize uint16
	// MaxBlocks is the largest block count one command may carry, derived
	// from MDTS. Zero means the controller sets no limit.
	MaxBlocks uint32
	Format    uint8
}

func newNamespace(c *Controller, id uint32, raw *identifyNamespace, mdts uint8) (*Namespace, error) {
	idx := raw.formatIndex()
	if idx > raw.NLBAF {
		return nil, fmt.Errorf("%w: namespace %d selects LBA format %d of %d", ErrUnsupported, id, idx, int(raw.NLBAF)+1)
	}
	if raw.NSZE == 0 {
		return nil, fmt.Errorf("%w: namespace %d is inactive", ErrNoNamespace, id)
	}
	lbaf := raw.LBAF[idx]
	if lbaf.DataSizeLog < 9 || lbaf.DataSizeLog > 12 {
		return nil, fmt.Errorf("%w: namespace %d block size 2^%d", ErrUnsupported, id, lbaf.DataSizeLog)
	}
	ns := &Namespace{
		ctrl:         c,
		ID:           id,
		Blocks:       raw.NSZE,
		BlockSize:    1 << lbaf.DataSizeLog,
		MetadataSize: lbaf.MetadataSize,
		Format:       idx,
	}
	if mdts != 0 {
		limit := (uint64(1) << min(mdts, 32)) * dma.PageSize / uint64(ns.BlockSize)
		ns.MaxBlocks = uint32(min(limit, maxBlocksPerCommand))
	}
	return ns, nil
}

// Capacity returns the namespace geometry.
func (ns *Namespace) Capacity() blockdev.Capacity {
	return blockdev.Capacity{
		Blocks:    ns.Blocks,
		BlockSize: ns.BlockSize,
		MaxCount:  ns.MaxBlocks,
	}
}

func (ns *Namespace) String() string {
	return fmt.Sprintf("ns%d: %s", ns.ID, ns.Capacity())
}

// maxChunk is the most blocks one call of the transfer engine is asked to
// move: bounded by MDTS, by NLB and by what a PRP list can describe.
func (ns *Namespace) maxChunk() uint32 {
	n := uint32(maxBlocksPerCommand)
	if ns.MaxBlocks != 0 {
		n = min(n, ns.MaxBlocks)
	}
	return min(n, uint32(prpMaxPages*dma.PageSize)/ns.BlockSize)
}

func (ns *Namespace) checkRange(lba uint64, count uint32, buf *dma.Buffer) error {
	if lba >= ns.Blocks || uint64(count) > ns.Blocks-lba {
		return fmt.Errorf("%w: [%d,+%d) on %d blocks", ErrOutOfRange, lba, count, ns.Blocks)
	}
	if need := int(count) * int(ns.BlockSize); buf == nil || buf.Len() < need {
		return fmt.Errorf("buffer holds %d bytes, need %d", bufLen(buf), need)
	}
	return nil
}

func bufLen(b *dma.Buffer) int {
	if b == nil {
		return 0
	}
	return b.Len()
}

// Read issues one read of up to count blocks into buf and returns how many
// blocks it moved. Unaligned buffers move at most one page per call.
func (ns *Namespace) Read(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) (uint32, error) {
	return ns.transferOnce(ctx, lba, count, buf, false)
}

// Write issues one write of up to count blocks from buf and returns how many
// blocks it moved.
func (ns *Namespace) Write(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) (uint32, error) {
	return ns.transferOnce(ctx, lba, count, buf, true)
}

func (ns *Namespace) transferOnce(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer, write bool) (uint32, error) {
	op := "read"
	if write {
		op = "write"
	}
	if count == 0 {
		return 0, nil
	}
	if err := ns.checkRange(lba, count, buf); err != nil {
		return 0, opError(op, err)
	}
	c := ns.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return 0, opError(op, err)
	}
	n, err := c.prplTransfer(ctx, ns, lba, buf, min(count, ns.maxChunk()), write)
	return n, opError(op, err)
}

// Flush commits volatile write cache contents to media.
func (ns *Namespace) Flush(ctx context.Context) error {
	c := ns.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return opError("flush", err)
	}
	return opError("flush", c.ioCommand(ctx, ns, opFlush, 0, 0, nil))
}
