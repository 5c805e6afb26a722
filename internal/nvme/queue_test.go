//go:build unix

package nvme

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/mmio"
)

func newQueuePair(t *testing.T, length int) (*SubmissionQueue, *CompletionQueue, *mmio.Mapping) {
	t.Helper()
	arena, err := dma.NewArena(0x4000_0000, 16*dma.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	regs := mmio.FromBytes(make([]byte, 2*DoorbellBase))
	cq, err := initCompletionQueue(regs, arena, 4, 3, length)
	if err != nil {
		t.Fatalf("initCompletionQueue: %v", err)
	}
	sq, err := initSubmissionQueue(regs, arena, 4, 2, length, cq)
	if err != nil {
		t.Fatalf("initSubmissionQueue: %v", err)
	}
	return sq, cq, regs
}

// post writes a completion entry at slot as the device would.
func post(cq *CompletionQueue, slot int, cid, sqHead uint16, phase uint16) {
	b := cq.ring.Bytes()[slot*CompletionEntrySize:]
	binary.LittleEndian.PutUint16(b[8:], sqHead)
	binary.LittleEndian.PutUint16(b[10:], cq.ID())
	binary.LittleEndian.PutUint16(b[12:], cid)
	binary.LittleEndian.PutUint16(b[14:], phase)
}

func TestQueueCommonRejectsBadLength(t *testing.T) {
	var q queue
	for _, n := range []int{0, 1, 3, 100, 1 << 17} {
		if err := initQueueCommon(&q, nil, nil, 4, 0, n); err == nil {
			t.Fatalf("length %d accepted", n)
		}
	}
	if err := initQueueCommon(&q, nil, nil, 16, 5, 256); err != nil {
		t.Fatalf("initQueueCommon: %v", err)
	}
	if q.mask != 255 || q.doorbell != DoorbellBase+5*16 || q.ID() != 2 {
		t.Fatalf("queue = mask %d doorbell %#x id %d", q.mask, q.doorbell, q.ID())
	}
}

func TestSubmissionQueueFull(t *testing.T) {
	sq, _, regs := newQueuePair(t, 4)

	for i := 0; i < 3; i++ {
		cmd, err := sq.Next(opRead, 0, 0x1000, 0x2000)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if cmd.CID() != uint16(i) || cmd.Opcode() != opRead {
			t.Fatalf("dword0 = %#x", cmd.Dword(0))
		}
		if p1, p2 := cmd.PRP(); p1 != 0x1000 || p2 != 0x2000 {
			t.Fatalf("prp = %#x %#x", p1, p2)
		}
		sq.Commit()
		if db := regs.Read32(doorbell(2, 4)); db != uint32(i+1) {
			t.Fatalf("doorbell = %d after %d commits", db, i+1)
		}
	}
	if _, err := sq.Next(opRead, 0, 0, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Next on full queue = %v", err)
	}
	if sq.Tail() != 3 {
		t.Fatalf("tail moved to %d", sq.Tail())
	}
}

func TestSubmissionSlotReusedOnlyAfterCompletion(t *testing.T) {
	sq, cq, _ := newQueuePair(t, 4)
	for i := 0; i < 3; i++ {
		if _, err := sq.Next(opWrite, 0, 0, 0); err != nil {
			t.Fatalf("Next: %v", err)
		}
		sq.Commit()
	}
	// the device reports it fetched one command
	post(cq, 0, 0, 1, 1)
	if _, err := cq.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if sq.Head() != 1 {
		t.Fatalf("sq head = %d", sq.Head())
	}
	cmd, err := sq.Next(opWrite, 0, 0, 0)
	if err != nil {
		t.Fatalf("Next after completion: %v", err)
	}
	if cmd.CID() != 3 {
		t.Fatalf("reused slot %d", cmd.CID())
	}
	sq.Commit()
	if _, err := sq.Next(opWrite, 0, 0, 0); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected full queue, got %v", err)
	}
}

func TestCompletionPhase(t *testing.T) {
	_, cq, regs := newQueuePair(t, 4)

	if cq.Phase() != 1 {
		t.Fatalf("initial phase %d", cq.Phase())
	}
	if cq.Poll() {
		t.Fatalf("zeroed ring reported ready")
	}
	if _, err := cq.Consume(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Consume on empty queue = %v", err)
	}

	flips := 0
	for i := 0; i < 10; i++ {
		slot := int(cq.Head())
		post(cq, slot, uint16(i), 0, uint16(cq.Phase()))
		if !cq.Poll() {
			t.Fatalf("entry %d not ready", i)
		}
		before := cq.Phase()
		cqe, err := cq.Consume()
		if err != nil {
			t.Fatalf("Consume %d: %v", i, err)
		}
		if cqe.CID != uint16(i) {
			t.Fatalf("cid = %d, want %d", cqe.CID, i)
		}
		if cq.Phase() != before {
			flips++
			if cq.Head() != 0 {
				t.Fatalf("phase flipped at head %d", cq.Head())
			}
		}
		if db := regs.Read32(doorbell(3, 4)); db != uint32(cq.Head()) {
			t.Fatalf("cq doorbell = %d, head %d", db, cq.Head())
		}
		// the stale entry just consumed must not look new
		if cq.Poll() {
			t.Fatalf("stale entry reported ready after %d", i)
		}
	}
	if flips != 2 {
		t.Fatalf("phase flipped %d times over 10 entries of a 4-entry ring", flips)
	}
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	sq, _, _ := newQueuePair(t, 4)
	start := time.Now()
	_, err := waitForCompletion(context.Background(), sq, start.Add(10*time.Millisecond), nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("wait = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = waitForCompletion(ctx, sq, time.Now().Add(time.Hour), nil)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("wait with cancelled context = %v", err)
	}

	boom := errors.New("boom")
	_, err = waitForCompletion(context.Background(), sq, time.Now().Add(time.Hour), func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("wait with failing check = %v", err)
	}
}

func TestCompletionSuccess(t *testing.T) {
	if !(Completion{Status: 1}).Success() {
		t.Fatalf("phase bit alone classified as failure")
	}
	for bit := 1; bit <= 8; bit++ {
		c := Completion{Status: 1<<bit | 1}
		if c.Success() {
			t.Fatalf("status bit %d set classified as success", bit)
		}
	}
	if !(Completion{Status: 1 << 9}).Success() {
		t.Fatalf("status code type alone classified as failure")
	}
	c := Completion{Status: 0x1<<9 | 0x02<<1 | 1<<15}
	if c.StatusCodeType() != 1 || c.StatusCode() != 2 || !c.DoNotRetry() {
		t.Fatalf("decoded sct %d sc %d dnr %v", c.StatusCodeType(), c.StatusCode(), c.DoNotRetry())
	}
}
