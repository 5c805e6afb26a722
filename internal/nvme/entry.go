package nvme

import (
	"encoding/binary"
	"fmt"
)

// Queue entry sizes, as powers of two for CC.IOSQES/IOCQES.
const (
	SubmissionEntrySize = 1 << sqeSizeLog
	CompletionEntrySize = 1 << cqeSizeLog

	sqeSizeLog = 6
	cqeSizeLog = 4
)

// Admin command opcodes.
const (
	opDeleteIOSQ = 0x00
	opCreateIOSQ = 0x01
	opDeleteIOCQ = 0x04
	opCreateIOCQ = 0x05
	opIdentify   = 0x06
)

// NVM command set opcodes.
const (
	opFlush = 0x00
	opWrite = 0x01
	opRead  = 0x02
)

// Identify CNS values.
const (
	cnsNamespace        = 0x00
	cnsController       = 0x01
	cnsActiveNamespaces = 0x02
)

// Command is a view of one 64-byte submission queue slot.
type Command struct {
	b []byte
}

func (c Command) Dword(i int) uint32 {
	return binary.LittleEndian.Uint32(c.b[i*4:])
}

// SetDword writes command dword i.
func (c Command) SetDword(i int, v uint32) {
	binary.LittleEndian.PutUint32(c.b[i*4:], v)
}

func (c Command) Opcode() uint8 { return uint8(c.Dword(0)) }
func (c Command) CID() uint16   { return uint16(c.Dword(0) >> 16) }

// SetNamespace sets the namespace identifier (dword 1).
func (c Command) SetNamespace(nsid uint32) { c.SetDword(1, nsid) }

func (c Command) Namespace() uint32 { return c.Dword(1) }

func (c Command) setMetadata(p uint64) { binary.LittleEndian.PutUint64(c.b[16:], p) }

func (c Command) setPRP(prp1, prp2 uint64) {
	binary.LittleEndian.PutUint64(c.b[24:], prp1)
	binary.LittleEndian.PutUint64(c.b[32:], prp2)
}

// PRP returns the two data pointers.
func (c Command) PRP() (prp1, prp2 uint64) {
	return binary.LittleEndian.Uint64(c.b[24:]), binary.LittleEndian.Uint64(c.b[32:])
}

// Completion is a decoded 16-byte completion queue entry.
type Completion struct {
	Result   uint32 // command specific (dword 0)
	Reserved uint32
	SQHead   uint16
	SQID     uint16
	CID      uint16
	// Status holds the phase tag in bit 0 and the status field in bits 1-15.
	Status uint16
}

func decodeCompletion(b []byte) Completion {
	return Completion{
		Result:   binary.LittleEndian.Uint32(b[0:]),
		Reserved: binary.LittleEndian.Uint32(b[4:]),
		SQHead:   binary.LittleEndian.Uint16(b[8:]),
		SQID:     binary.LittleEndian.Uint16(b[10:]),
		CID:      binary.LittleEndian.Uint16(b[12:]),
		Status:   binary.LittleEndian.Uint16(b[14:]),
	}
}

// Phase returns the phase tag.
func (c Completion) Phase() uint16 { return c.Status & 1 }

// Success reports whether status bits 1-8 (the status code) are all zero.
func (c Completion) Success() bool { return (c.Status>>1)&0xff == 0 }

// StatusCode returns SC.
func (c Completion) StatusCode() uint8 { return uint8(c.Status >> 1) }

// StatusCodeType returns SCT.
func (c Completion) StatusCodeType() uint8 { return uint8(c.Status>>9) & 0x7 }

// DoNotRetry reports the DNR bit.
func (c Completion) DoNotRetry() bool { return c.Status&(1<<15) != 0 }

func (c Completion) dwords() string {
	return fmt.Sprintf("%08x %08x %04x%04x %04x%04x",
		c.Result, c.Reserved, c.SQID, c.SQHead, c.Status, c.CID)
}
