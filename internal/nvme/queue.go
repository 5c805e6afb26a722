package nvme

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/mmio"
)

// queue holds what submission and completion queues share: the entry ring
// and the doorbell that publishes progress through it.
type queue struct {
	regs     mmio.Region
	alloc    dma.Allocator
	ring     *dma.Buffer
	doorbell uint64
	index    uint16
	mask     uint16
}

func initQueueCommon(q *queue, regs mmio.Region, alloc dma.Allocator, stride uint32, index uint16, length int) error {
	if length < 2 || length > 1<<16 || length&(length-1) != 0 {
		return fmt.Errorf("queue %d: length %d is not a power of two in [2,65536]", index, length)
	}
	*q = queue{
		regs:     regs,
		alloc:    alloc,
		doorbell: doorbell(index, stride),
		index:    index,
		mask:     uint16(length - 1),
	}
	return nil
}

func (q *queue) allocRing(entrySize int) error {
	ring, err := q.alloc.Alloc((int(q.mask) + 1) * entrySize)
	if err != nil {
		return fmt.Errorf("queue %d ring: %w", q.index, err)
	}
	ring.Zero()
	q.ring = ring
	return nil
}

// ID returns the queue identifier the device knows this queue by.
func (q *queue) ID() uint16 { return q.index >> 1 }

// Len returns the number of ring entries.
func (q *queue) Len() int { return int(q.mask) + 1 }

func (q *queue) Mask() uint16 { return q.mask }

// Phys returns the physical address of the ring.
func (q *queue) Phys() uint64 { return q.ring.Phys() }

// destroy frees the ring. The device must no longer be using it.
func (q *queue) destroy() error {
	if q.ring == nil {
		return nil
	}
	ring := q.ring
	q.ring = nil
	return q.alloc.Free(ring)
}

// SubmissionQueue is a driver-to-device command ring.
type SubmissionQueue struct {
	queue
	head uint16
	tail uint16
	cq   *CompletionQueue
}

func initSubmissionQueue(regs mmio.Region, alloc dma.Allocator, stride uint32, index uint16, length int, cq *CompletionQueue) (*SubmissionQueue, error) {
	sq := &SubmissionQueue{cq: cq}
	if err := initQueueCommon(&sq.queue, regs, alloc, stride, index, length); err != nil {
		return nil, err
	}
	if err := sq.allocRing(SubmissionEntrySize); err != nil {
		return nil, err
	}
	cq.sq = sq
	return sq, nil
}

func (q *SubmissionQueue) Head() uint16 { return q.head }
func (q *SubmissionQueue) Tail() uint16 { return q.tail }

// Next returns the zeroed slot at the tail with dword 0 and the data
// pointers filled in. The tail index is the command identifier. The slot is
// not visible to the device until Commit.
func (q *SubmissionQueue) Next(opcode uint8, metadata, prp1, prp2 uint64) (Command, error) {
	if (q.tail+1)&q.mask == q.head {
		return Command{}, ErrQueueFull
	}
	off := int(q.tail) * SubmissionEntrySize
	cmd := Command{b: q.ring.Bytes()[off : off+SubmissionEntrySize]}
	clear(cmd.b)
	cmd.SetDword(0, uint32(opcode)|uint32(q.tail)<<16)
	cmd.setMetadata(metadata)
	cmd.setPRP(prp1, prp2)
	return cmd, nil
}

// Commit publishes the slot returned by Next by ringing the tail doorbell.
func (q *SubmissionQueue) Commit() {
	q.tail = (q.tail + 1) & q.mask
	mmio.Barrier()
	q.regs.Write32(q.doorbell, uint32(q.tail))
	mmio.Barrier()
}

// CompletionQueue is a device-to-driver result ring.
type CompletionQueue struct {
	queue
	head  uint16
	phase uint32
	sq    *SubmissionQueue
}

func initCompletionQueue(regs mmio.Region, alloc dma.Allocator, stride uint32, index uint16, length int) (*CompletionQueue, error) {
	cq := &CompletionQueue{}
	if err := initQueueCommon(&cq.queue, regs, alloc, stride, index, length); err != nil {
		return nil, err
	}
	if err := cq.allocRing(CompletionEntrySize); err != nil {
		return nil, err
	}
	// the device writes phase 1 on its first pass over the zeroed ring
	cq.phase = 1
	return cq, nil
}

func (q *CompletionQueue) Head() uint16 { return q.head }

// Phase returns the phase tag the next new entry will carry.
func (q *CompletionQueue) Phase() uint32 { return q.phase }

// Poll reports whether the entry at head has been written by the device.
func (q *CompletionQueue) Poll() bool {
	dw3 := mmio.Load32(q.ring.Bytes(), uint64(q.head)*CompletionEntrySize+12)
	return (dw3>>16)&1 == q.phase
}

// Consume takes the entry at head, acknowledges it through the head
// doorbell and moves the paired submission queue head to the echoed value.
func (q *CompletionQueue) Consume() (Completion, error) {
	if !q.Poll() {
		return Completion{}, ErrNotReady
	}
	mmio.Barrier()
	off := int(q.head) * CompletionEntrySize
	cqe := decodeCompletion(q.ring.Bytes()[off : off+CompletionEntrySize])

	old := q.head
	q.head = (q.head + 1) & q.mask
	if q.head < old {
		q.phase ^= 1
	}
	q.regs.Write32(q.doorbell, uint32(q.head))
	mmio.Barrier()

	if q.sq != nil {
		q.sq.head = cqe.SQHead & q.sq.mask
	}
	return cqe, nil
}

const pollSpins = 256

// waitForCompletion polls the completion queue paired with sq until an entry
// arrives, ctx is done or deadline passes. check runs between polling
// batches and aborts the wait when it returns an error.
func waitForCompletion(ctx context.Context, sq *SubmissionQueue, deadline time.Time, check func() error) (Completion, error) {
	cq := sq.cq
	for spins := 1; ; spins++ {
		if cq.Poll() {
			return cq.Consume()
		}
		if spins%pollSpins != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Completion{}, errors.Join(ErrTimeout, err)
		}
		if check != nil {
			if err := check(); err != nil {
				return Completion{}, err
			}
		}
		if !time.Now().Before(deadline) {
			// the entry may have landed while we were checking
			if cq.Poll() {
				return cq.Consume()
			}
			return Completion{}, ErrTimeout
		}
		runtime.Gosched()
	}
}
