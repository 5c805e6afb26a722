package nvme

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/mmio"
	"github.com/tinyrange/nvme/internal/trace"
)

const (
	// prpListEntries bounds the PRP list kept in the controller's list page.
	prpListEntries = 15
	// prpMaxPages is the longest transfer a PRP list can describe: the page
	// behind PRP1 plus one page per list entry.
	prpMaxPages = prpListEntries + 1

	// limitedRetry is dword 12 bit 31 of read and write commands.
	limitedRetry = 1 << 31
)

// prplTransfer moves up to count blocks between buf and the namespace with a
// single command, picking how to describe buf to the device. It returns the
// number of blocks moved.
func (c *Controller) prplTransfer(ctx context.Context, ns *Namespace, lba uint64, buf *dma.Buffer, count uint32, write bool) (uint32, error) {
	size := int(count) * int(ns.BlockSize)
	base := buf.Phys()

	if size+buf.PageOffset() <= dma.PageSize {
		if base&3 != 0 {
			return c.bounceTransfer(ctx, ns, lba, buf, count, write)
		}
		return count, c.ioTransfer(ctx, ns, lba, base, 0, count, write)
	}

	if buf.PageOffset() != 0 || size%int(ns.BlockSize) != 0 {
		return c.bounceTransfer(ctx, ns, lba, buf, count, write)
	}

	pages := (size + dma.PageSize - 1) / dma.PageSize
	switch {
	case pages == 2:
		return count, c.ioTransfer(ctx, ns, lba, base, buf.PhysAt(dma.PageSize), count, write)
	case pages-1 > prpListEntries:
		return c.bounceTransfer(ctx, ns, lba, buf, count, write)
	}

	list := c.prpList.Bytes()
	clear(list[:prpListEntries*8])
	for i := 1; i < pages; i++ {
		mmio.Store64(list, uint64(i-1)*8, buf.PhysAt(i*dma.PageSize))
	}
	return count, c.ioTransfer(ctx, ns, lba, base, c.prpList.Phys(), count, write)
}

// bounceTransfer moves at most one page worth of blocks through the
// controller's bounce page.
func (c *Controller) bounceTransfer(ctx context.Context, ns *Namespace, lba uint64, buf *dma.Buffer, count uint32, write bool) (uint32, error) {
	blocks := min(count, uint32(dma.PageSize)/ns.BlockSize)
	n := int(blocks) * int(ns.BlockSize)
	bounce := c.bounce.Bytes()[:n]

	if write {
		copy(bounce, buf.Bytes()[:n])
	}
	if err := c.ioTransfer(ctx, ns, lba, c.bounce.Phys(), 0, blocks, write); err != nil {
		return 0, err
	}
	if !write {
		copy(buf.Bytes()[:n], bounce)
	}
	return blocks, nil
}

// ioTransfer issues one read or write. Both data pointers must be dword
// aligned. A command the device fails is resubmitted with backoff until
// Config.IORetries is spent.
func (c *Controller) ioTransfer(ctx context.Context, ns *Namespace, lba uint64, prp1, prp2 uint64, count uint32, write bool) error {
	if prp1&3 != 0 || prp2&3 != 0 {
		return fmt.Errorf("%w: prp1 %#x prp2 %#x", ErrMisaligned, prp1, prp2)
	}
	if count == 0 || count > maxBlocksPerCommand {
		return fmt.Errorf("%w: block count %d", ErrOutOfRange, count)
	}
	opcode := uint8(opRead)
	if write {
		opcode = opWrite
	}
	return c.ioCommand(ctx, ns, opcode, prp1, prp2, func(cmd Command) {
		cmd.SetDword(10, uint32(lba))
		cmd.SetDword(11, uint32(lba>>32))
		cmd.SetDword(12, limitedRetry|(count-1))
	})
}

// ioCommand runs a command on the I/O queue with bounded retries.
func (c *Controller) ioCommand(ctx context.Context, ns *Namespace, opcode uint8, prp1, prp2 uint64, fill func(Command)) error {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryInterval),
		backoff.WithMaxInterval(c.cfg.RetryMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		_, err := c.execute(ctx, c.ioSQ, trace.IO, opcode, prp1, prp2, func(cmd Command) {
			cmd.SetNamespace(ns.ID)
			if fill != nil {
				fill(cmd)
			}
		})
		var se *StatusError
		if errors.As(err, &se) && !se.Completion.DoNotRetry() {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.IORetries)), ctx),
		func(err error, next time.Duration) {
			c.log.Debug("retrying I/O command", "opcode", opcode, "attempt", attempts, "in", next, "err", err)
		})

	if errors.Is(err, ErrCommandFailed) {
		return fmt.Errorf("%w after %d attempts: %w", ErrIO, attempts, err)
	}
	return err
}
