package nvme

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/nvme/internal/pci"
)

type span struct {
	Addr       uint64
	Start, End int
}

func walk(t *testing.T, c *Controller, prp1, prp2 uint64, n int) ([]span, error) {
	t.Helper()
	var got []span
	err := c.dma(prp1, prp2, n, func(addr uint64, start, end int) error {
		got = append(got, span{addr, start, end})
		return nil
	})
	return got, err
}

func TestPRPWalk(t *testing.T) {
	mem := NewRAMDisk(16 * pageSize)
	c := New(mem, Config{})

	// single page with an offset
	got, err := walk(t, c, 0x1100, 0, 512)
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	if diff := cmp.Diff([]span{{0x1100, 0, 512}}, got); diff != "" {
		t.Fatalf("single (-want +got):\n%s", diff)
	}

	// two pages through PRP2
	got, err = walk(t, c, 0x1800, 0x5000, pageSize)
	if err != nil {
		t.Fatalf("two pages: %v", err)
	}
	if diff := cmp.Diff([]span{{0x1800, 0, 0x800}, {0x5000, 0x800, pageSize}}, got); diff != "" {
		t.Fatalf("two pages (-want +got):\n%s", diff)
	}

	// PRP list at 0x2000 describing three more pages
	list := make([]byte, 24)
	binary.LittleEndian.PutUint64(list[0:], 0x7000)
	binary.LittleEndian.PutUint64(list[8:], 0x9000)
	binary.LittleEndian.PutUint64(list[16:], 0xa000)
	mem.WriteAt(list, 0x2000)
	got, err = walk(t, c, 0x4000, 0x2000, 4*pageSize-100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []span{
		{0x4000, 0, pageSize},
		{0x7000, pageSize, 2 * pageSize},
		{0x9000, 2 * pageSize, 3 * pageSize},
		{0xa000, 3 * pageSize, 4*pageSize - 100},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
}

func TestPRPWalkChainsListPages(t *testing.T) {
	mem := NewRAMDisk(1024 * pageSize)
	c := New(mem, Config{})

	// 600 data pages after the first need two list pages: 511 entries plus
	// a chain pointer, then the remaining 88.
	const pages = 600
	first := make([]byte, pageSize)
	for i := 0; i < 511; i++ {
		binary.LittleEndian.PutUint64(first[i*8:], uint64(0x100000+i*pageSize))
	}
	binary.LittleEndian.PutUint64(first[511*8:], 0x3000)
	mem.WriteAt(first, 0x2000)
	second := make([]byte, 88*8)
	for i := 0; i < 88; i++ {
		binary.LittleEndian.PutUint64(second[i*8:], uint64(0x200000+i*pageSize))
	}
	mem.WriteAt(second, 0x3000)

	got, err := walk(t, c, 0x1000, 0x2000, pages*pageSize)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(got) != pages {
		t.Fatalf("got %d spans, want %d", len(got), pages)
	}
	if got[512].Addr != 0x200000 || got[599].Addr != 0x200000+87*pageSize {
		t.Fatalf("chained entries: %#x %#x", got[512].Addr, got[599].Addr)
	}
}

func TestPRPWalkRejectsMisalignment(t *testing.T) {
	c := New(NewRAMDisk(16*pageSize), Config{})
	var pe prpError
	if _, err := walk(t, c, 0x1002, 0, 512); !errors.As(err, &pe) {
		t.Fatalf("unaligned prp1: %v", err)
	}
	if _, err := walk(t, c, 0x1000, 0x2200, 2*pageSize); !errors.As(err, &pe) {
		t.Fatalf("unaligned prp2: %v", err)
	}
}

func TestRegistersAndReset(t *testing.T) {
	c := New(NewRAMDisk(16*pageSize), Config{MaxQueueEntries: 64, DoorbellStrideExp: 1, Timeout: 4})
	var buf [8]byte
	if err := c.ReadMMIO(regCAP, buf[:]); err != nil {
		t.Fatalf("read CAP: %v", err)
	}
	capReg := binary.LittleEndian.Uint64(buf[:])
	if capReg&0xffff != 63 || (capReg>>24)&0xff != 4 || (capReg>>32)&0xf != 1 || capReg&(1<<37) == 0 {
		t.Fatalf("CAP = %#x", capReg)
	}

	put := func(off uint64, v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		if err := c.WriteMMIO(off, b[:]); err != nil {
			t.Fatalf("write %#x: %v", off, err)
		}
	}
	put(regAQA, 0x000f000f)
	put(regASQ, 0x1000)
	put(regACQ, 0x2000)
	put(regCC, ccEnable)
	if c.Status()&cstsReady == 0 {
		t.Fatalf("controller not ready after enable")
	}
	put(regCC, 0)
	if c.Status() != 0 {
		t.Fatalf("CSTS = %#x after disable", c.Status())
	}

	c.FatalOnEnable(true)
	put(regCC, ccEnable)
	if c.Status()&cstsFatal == 0 {
		t.Fatalf("expected CFS")
	}
}

func TestFunctionConfigSpace(t *testing.T) {
	f := NewFunction("emu0", New(NewRAMDisk(pageSize), Config{}), 0xfebf0000)
	class, err := pci.ClassCode(f)
	if err != nil || class != pci.ClassNVMe {
		t.Fatalf("class = %#x, %v", class, err)
	}
	bar, err := pci.BARAddress(f, 0)
	if err != nil || bar != 0xfebf0000 {
		t.Fatalf("BAR0 = %#x, %v", bar, err)
	}
	if _, _, err := f.MapBAR(0); err == nil {
		t.Fatalf("MapBAR succeeded with memory space disabled")
	}
	if err := pci.Enable(f); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if f.CommandRegister()&(pci.CommandMemorySpace|pci.CommandBusMaster) != pci.CommandMemorySpace|pci.CommandBusMaster {
		t.Fatalf("command register %#x", f.CommandRegister())
	}
	if _, size, err := f.MapBAR(0); err != nil || size != BARSize {
		t.Fatalf("MapBAR: size %d, %v", size, err)
	}
}
