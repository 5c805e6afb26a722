package nvme

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/tinyrange/nvme/internal/mmio"
)

// registerFile is the controller register layout at the start of BAR0. It is
// never instantiated; it fixes the offsets used with the mmio.Region.
type registerFile struct {
	CAP   uint64 // controller capabilities
	VS    uint32 // version
	INTMS uint32 // interrupt mask set
	INTMC uint32 // interrupt mask clear
	CC    uint32 // controller configuration
	_     uint32
	CSTS  uint32 // controller status
	_     uint32
	AQA   uint32 // admin queue attributes
	ASQ   uint64 // admin submission queue base address
	ACQ   uint64 // admin completion queue base address
}

const (
	regCAP   = uint64(unsafe.Offsetof(registerFile{}.CAP))
	regVS    = uint64(unsafe.Offsetof(registerFile{}.VS))
	regINTMS = uint64(unsafe.Offsetof(registerFile{}.INTMS))
	regINTMC = uint64(unsafe.Offsetof(registerFile{}.INTMC))
	regCC    = uint64(unsafe.Offsetof(registerFile{}.CC))
	regCSTS  = uint64(unsafe.Offsetof(registerFile{}.CSTS))
	regAQA   = uint64(unsafe.Offsetof(registerFile{}.AQA))
	regASQ   = uint64(unsafe.Offsetof(registerFile{}.ASQ))
	regACQ   = uint64(unsafe.Offsetof(registerFile{}.ACQ))

	// DoorbellBase is the offset of the first doorbell register.
	DoorbellBase = 0x1000
)

// Controller configuration (CC) fields.
const (
	ccEnable      = 1 << 0
	ccShnNormal   = 1 << 14
	ccShnMask     = 3 << 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

// Controller status (CSTS) fields.
const (
	cstsReady        = 1 << 0
	cstsFatal        = 1 << 1
	cstsShstMask     = 3 << 2
	cstsShstComplete = 2 << 2
)

// Capabilities is the CAP register.
type Capabilities uint64

// MaxQueueEntries returns the largest queue size the controller supports
// (CAP.MQES is zero based).
func (c Capabilities) MaxQueueEntries() uint32 { return uint32(c&0xffff) + 1 }

// ContiguousQueuesRequired reports CAP.CQR.
func (c Capabilities) ContiguousQueuesRequired() bool { return c&(1<<16) != 0 }

// Timeout returns the worst-case time CSTS.RDY takes to change (CAP.TO).
func (c Capabilities) Timeout() time.Duration {
	return time.Duration((c>>24)&0xff) * 500 * time.Millisecond
}

// DoorbellStrideExp returns CAP.DSTRD.
func (c Capabilities) DoorbellStrideExp() uint32 { return uint32((c >> 32) & 0xf) }

// DoorbellStride returns the distance in bytes between doorbell registers.
func (c Capabilities) DoorbellStride() uint32 { return 4 << c.DoorbellStrideExp() }

// NVMCommandSet reports whether CAP.CSS advertises the NVM command set.
func (c Capabilities) NVMCommandSet() bool { return c&(1<<37) != 0 }

// MinPageSize returns the smallest memory page size the controller supports.
func (c Capabilities) MinPageSize() uint32 { return 1 << (12 + uint32((c>>48)&0xf)) }

// Version is the VS register.
type Version uint32

func (v Version) Major() uint16   { return uint16(v >> 16) }
func (v Version) Minor() uint8    { return uint8(v >> 8) }
func (v Version) Tertiary() uint8 { return uint8(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Tertiary())
}

// registers gives typed access to the register file of one controller.
type registers struct {
	mmio.Region
}

func (r registers) capabilities() Capabilities { return Capabilities(r.Read64(regCAP)) }
func (r registers) version() Version           { return Version(r.Read32(regVS)) }
func (r registers) config() uint32             { return r.Read32(regCC) }
func (r registers) setConfig(v uint32)         { r.Write32(regCC, v) }
func (r registers) status() uint32             { return r.Read32(regCSTS) }

func (r registers) setAdminQueues(aqa uint32, asq, acq uint64) {
	r.Write32(regAQA, aqa)
	r.Write64(regASQ, asq)
	r.Write64(regACQ, acq)
}

// maskInterrupts masks every interrupt vector; the driver polls.
func (r registers) maskInterrupts() {
	r.Write32(regINTMS, ^uint32(0))
}

// doorbell returns the offset of the doorbell for queue index idx, where
// submission queue y has index 2y and completion queue y has index 2y+1.
func doorbell(idx uint16, stride uint32) uint64 {
	return DoorbellBase + uint64(idx)*uint64(stride)
}
