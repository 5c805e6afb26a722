//go:build unix

package nvme

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	emu "github.com/tinyrange/nvme/internal/devices/nvme"
	"github.com/tinyrange/nvme/internal/dma"
)

func fillPattern(b []byte, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
}

func (r *rig) diskBytes(t *testing.T, lba uint64, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := r.disk.ReadAt(b, int64(lba*512)); err != nil {
		t.Fatalf("disk ReadAt: %v", err)
	}
	return b
}

// ioCommands returns the I/O commands fetched since mark.
func (r *rig) ioCommands(mark int) []emu.Submitted {
	var out []emu.Submitted
	for _, cmd := range r.dev.Commands()[mark:] {
		if cmd.SQID == 1 {
			out = append(out, cmd)
		}
	}
	return out
}

func TestTransferPaths(t *testing.T) {
	r := startRig(t, nil)
	c := r.ctrl
	ctx := context.Background()

	tests := []struct {
		name     string
		pages    int // allocation size
		offset   int // buffer start within the allocation
		blocks   uint32
		commands int
		prp      func(t *testing.T, buf *dma.Buffer, cmd emu.Submitted)
	}{
		{
			name: "single block", pages: 1, offset: 512, blocks: 1, commands: 1,
			prp: func(t *testing.T, buf *dma.Buffer, cmd emu.Submitted) {
				if cmd.PRP1 != buf.Phys() || cmd.PRP2 != 0 {
					t.Fatalf("prp %#x %#x, buffer %#x", cmd.PRP1, cmd.PRP2, buf.Phys())
				}
			},
		},
		{
			name: "two pages", pages: 2, blocks: 16, commands: 1,
			prp: func(t *testing.T, buf *dma.Buffer, cmd emu.Submitted) {
				if cmd.PRP1 != buf.Phys() || cmd.PRP2 != buf.PhysAt(dma.PageSize) {
					t.Fatalf("prp %#x %#x", cmd.PRP1, cmd.PRP2)
				}
			},
		},
		{
			name: "prp list", pages: 16, blocks: 128, commands: 1,
			prp: func(t *testing.T, buf *dma.Buffer, cmd emu.Submitted) {
				if cmd.PRP1 != buf.Phys() || cmd.PRP2 != c.prpList.Phys() {
					t.Fatalf("prp %#x %#x, list %#x", cmd.PRP1, cmd.PRP2, c.prpList.Phys())
				}
			},
		},
		{
			name: "split across commands", pages: 40, blocks: 320, commands: 3,
		},
		{
			name: "unaligned bounce", pages: 4, offset: 512, blocks: 24, commands: 3,
			prp: func(t *testing.T, buf *dma.Buffer, cmd emu.Submitted) {
				if cmd.PRP1 != c.bounce.Phys() || cmd.PRP2 != 0 {
					t.Fatalf("prp %#x %#x, bounce %#x", cmd.PRP1, cmd.PRP2, c.bounce.Phys())
				}
			},
		},
	}

	lba := uint64(0)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, err := r.arena.Alloc(tt.pages * dma.PageSize)
			if err != nil {
				t.Fatalf("Alloc: %v", err)
			}
			defer r.arena.Free(alloc)
			n := int(tt.blocks) * 512
			buf := alloc.Slice(tt.offset, n)
			fillPattern(buf.Bytes(), uint64(i))
			want := bytes.Clone(buf.Bytes())

			mark := len(r.dev.Commands())
			if err := c.WriteBlocks(ctx, lba, tt.blocks, buf); err != nil {
				t.Fatalf("WriteBlocks: %v", err)
			}
			writes := r.ioCommands(mark)
			if len(writes) != tt.commands {
				t.Fatalf("%d write commands, want %d", len(writes), tt.commands)
			}
			if !bytes.Equal(r.diskBytes(t, lba, n), want) {
				t.Fatalf("disk contents differ after write")
			}

			buf.Zero()
			mark = len(r.dev.Commands())
			if err := c.ReadBlocks(ctx, lba, tt.blocks, buf); err != nil {
				t.Fatalf("ReadBlocks: %v", err)
			}
			reads := r.ioCommands(mark)
			if len(reads) != tt.commands {
				t.Fatalf("%d read commands, want %d", len(reads), tt.commands)
			}
			if !bytes.Equal(buf.Bytes(), want) {
				t.Fatalf("read back differs")
			}

			for _, cmd := range append(writes, reads...) {
				if cmd.NSID != 1 || cmd.CDW12&(1<<31) == 0 {
					t.Fatalf("command nsid %d cdw12 %#x", cmd.NSID, cmd.CDW12)
				}
			}
			if tt.prp != nil {
				tt.prp(t, buf, reads[0])
			}
			if first := reads[0]; uint64(first.CDW10)|uint64(first.CDW11)<<32 != lba {
				t.Fatalf("slba %#x %#x, want %d", first.CDW11, first.CDW10, lba)
			}
			lba += uint64(tt.blocks)
		})
	}
}

func TestBounceReadFromUnalignedBuffer(t *testing.T) {
	r := startRig(t, nil)
	ns := r.ctrl.Namespace()

	want := make([]byte, dma.PageSize)
	fillPattern(want, 42)
	if _, err := r.disk.WriteAt(want, 64*512); err != nil {
		t.Fatalf("disk WriteAt: %v", err)
	}

	alloc, err := r.arena.Alloc(2 * dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := alloc.Slice(8, dma.PageSize)

	n, err := ns.Read(context.Background(), 64, 8, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 {
		t.Fatalf("moved %d blocks", n)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("destination does not hold the bounced data")
	}
	if !bytes.Equal(r.ctrl.bounce.Bytes(), want) {
		t.Fatalf("bounce page does not hold the transferred data")
	}
}

func TestSinglePageMisalignedPointerBounces(t *testing.T) {
	r := startRig(t, nil)
	ns := r.ctrl.Namespace()
	alloc, _ := r.arena.Alloc(dma.PageSize)
	buf := alloc.Slice(2, 512)
	fillPattern(buf.Bytes(), 7)

	mark := len(r.dev.Commands())
	if _, err := ns.Write(context.Background(), 3, 1, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cmds := r.ioCommands(mark)
	if len(cmds) != 1 || cmds[0].PRP1 != r.ctrl.bounce.Phys() {
		t.Fatalf("commands %+v", cmds)
	}
	if !bytes.Equal(r.diskBytes(t, 3, 512), buf.Bytes()) {
		t.Fatalf("disk contents differ")
	}
}

func TestIOTransferRejectsMisalignedPointer(t *testing.T) {
	r := startRig(t, nil)
	c := r.ctrl
	ns := c.Namespace()
	alloc, _ := r.arena.Alloc(dma.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	tail := c.ioSQ.Tail()
	mark := len(r.dev.Commands())
	for _, p := range [][2]uint64{{alloc.Phys() + 2, 0}, {alloc.Phys(), alloc.Phys() + 1}} {
		err := c.ioTransfer(context.Background(), ns, 0, p[0], p[1], 1, false)
		if !errors.Is(err, ErrMisaligned) {
			t.Fatalf("ioTransfer(%#x, %#x) = %v", p[0], p[1], err)
		}
	}
	if c.ioSQ.Tail() != tail || len(r.dev.Commands()) != mark {
		t.Fatalf("misaligned transfer touched the submission queue")
	}
}

func TestIOTransferRejectsBlockCount(t *testing.T) {
	r := startRig(t, nil)
	c := r.ctrl
	ns := c.Namespace()
	alloc, _ := r.arena.Alloc(dma.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	mark := len(r.dev.Commands())
	for _, count := range []uint32{0, maxBlocksPerCommand + 1} {
		err := c.ioTransfer(context.Background(), ns, 0, alloc.Phys(), 0, count, false)
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("ioTransfer(count %d) = %v", count, err)
		}
	}
	if len(r.dev.Commands()) != mark {
		t.Fatalf("rejected transfer reached the device")
	}
}

func TestIORetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Microsecond
	cfg.RetryMaxInterval = time.Microsecond
	r := startRig(t, nil, WithConfig(cfg))
	alloc, _ := r.arena.Alloc(dma.PageSize)
	ctx := context.Background()

	// transient failures, fewer than the retry count
	r.dev.FailIO(2, emu.Status(0, 0x04))
	mark := len(r.dev.Commands())
	if err := r.ctrl.ReadBlocks(ctx, 0, 8, alloc); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if n := len(r.ioCommands(mark)); n != 3 {
		t.Fatalf("%d attempts, want 3", n)
	}

	// more failures than retries
	r.dev.FailIO(10, emu.Status(0, 0x04))
	mark = len(r.dev.Commands())
	err := r.ctrl.ReadBlocks(ctx, 0, 8, alloc)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("ReadBlocks = %v, want ErrIO", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Completion.StatusCode() != 0x04 {
		t.Fatalf("ReadBlocks error does not carry the completion: %v", err)
	}
	if n := len(r.ioCommands(mark)); n != 1+cfg.IORetries {
		t.Fatalf("%d attempts, want %d", n, 1+cfg.IORetries)
	}
	r.dev.FailIO(0, 0)

	// do-not-retry failures surface immediately
	r.dev.FailIO(1, emu.Status(0, 0x04)|1<<14)
	mark = len(r.dev.Commands())
	if err := r.ctrl.ReadBlocks(ctx, 0, 8, alloc); !errors.Is(err, ErrIO) {
		t.Fatalf("ReadBlocks = %v", err)
	}
	if n := len(r.ioCommands(mark)); n != 1 {
		t.Fatalf("%d attempts for a do-not-retry failure", n)
	}

	if r.ctrl.State() != StateNamespacesProbed {
		t.Fatalf("failed I/O changed state to %s", r.ctrl.State())
	}
}

func TestCommandTimeoutFailsController(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	r := startRig(t, nil, WithConfig(cfg))
	alloc, _ := r.arena.Alloc(dma.PageSize)
	pages := r.arena.PagesInUse()

	r.dev.Stall(true)
	start := time.Now()
	err := r.ctrl.ReadBlocks(context.Background(), 0, 1, alloc)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadBlocks = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
	if r.ctrl.State() != StateFailed {
		t.Fatalf("state = %s", r.ctrl.State())
	}
	if err := r.ctrl.ReadBlocks(context.Background(), 0, 1, alloc); !errors.Is(err, ErrState) {
		t.Fatalf("ReadBlocks on failed controller = %v", err)
	}
	if err := r.ctrl.Close(errors.New("timed out")); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := r.arena.PagesInUse(); got != pages-6 {
		t.Fatalf("%d pages in use after close, want %d", got, pages-6)
	}
}

func TestBlockRangeChecks(t *testing.T) {
	r := startRig(t, nil)
	alloc, _ := r.arena.Alloc(dma.PageSize)
	ctx := context.Background()

	if err := r.ctrl.ReadBlocks(ctx, testBlocks-1, 2, alloc); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("read past end = %v", err)
	}
	if err := r.ctrl.ReadBlocks(ctx, 0, 9, alloc); err == nil {
		t.Fatalf("read larger than buffer succeeded")
	}
	if err := r.ctrl.ReadBlocks(ctx, 0, 0, alloc); err != nil {
		t.Fatalf("empty read: %v", err)
	}
	if err := r.ctrl.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestConcurrentTransfers(t *testing.T) {
	r := startRig(t, nil)
	ctx := context.Background()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		alloc, err := r.arena.Alloc(4 * dma.PageSize)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		g.Go(func() error {
			lba := uint64(w * 64)
			for i := 0; i < 8; i++ {
				fillPattern(alloc.Bytes(), uint64(w*100+i))
				want := bytes.Clone(alloc.Bytes())
				if err := r.ctrl.WriteBlocks(ctx, lba, 32, alloc); err != nil {
					return err
				}
				alloc.Zero()
				if err := r.ctrl.ReadBlocks(ctx, lba, 32, alloc); err != nil {
					return err
				}
				if !bytes.Equal(alloc.Bytes(), want) {
					return errors.New("read back differs")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
}
