// Package mmio provides ordered, non-elidable access to device registers and
// to memory shared with a device.
//
// Every load and store goes through sync/atomic so the compiler can neither
// cache nor reorder it, and Barrier issues a full fence between a batch of
// plain writes to shared memory and the register write that publishes them.
package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Region is a window of device registers. Offsets are relative to the start
// of the window. Multi-byte values are little-endian on the device side.
type Region interface {
	Read32(off uint64) uint32
	Write32(off uint64, value uint32)
	Read64(off uint64) uint64
	Write64(off uint64, value uint64)
}

var fence atomic.Uint64

// Barrier issues a full memory fence.
func Barrier() {
	fence.Add(1)
}

var bigEndian = binary.NativeEndian.Uint16([]byte{0x01, 0x00}) != 0x0001

func le32(v uint32) uint32 {
	if bigEndian {
		return bits.ReverseBytes32(v)
	}
	return v
}

func le64(v uint64) uint64 {
	if bigEndian {
		return bits.ReverseBytes64(v)
	}
	return v
}

func word32(b []byte, off uint64) *uint32 {
	if off&3 != 0 {
		panic(fmt.Sprintf("mmio: unaligned 32-bit access at offset %#x", off))
	}
	_ = b[off+3]
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func word64(b []byte, off uint64) *uint64 {
	if off&7 != 0 {
		panic(fmt.Sprintf("mmio: unaligned 64-bit access at offset %#x", off))
	}
	_ = b[off+7]
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Load32 reads a little-endian 32-bit value from shared memory.
// b must be at least 4-byte aligned in memory.
func Load32(b []byte, off uint64) uint32 {
	return le32(atomic.LoadUint32(word32(b, off)))
}

// Store32 writes a little-endian 32-bit value to shared memory.
func Store32(b []byte, off uint64, value uint32) {
	atomic.StoreUint32(word32(b, off), le32(value))
}

// Load64 reads a little-endian 64-bit value from shared memory.
func Load64(b []byte, off uint64) uint64 {
	return le64(atomic.LoadUint64(word64(b, off)))
}

// Store64 writes a little-endian 64-bit value to shared memory.
func Store64(b []byte, off uint64, value uint64) {
	atomic.StoreUint64(word64(b, off), le64(value))
}

// Mapping is a Region backed by memory, normally a mapped PCI BAR.
type Mapping struct {
	mem   []byte
	unmap func([]byte) error
}

// FromBytes wraps b as a Region. The caller keeps ownership of b.
func FromBytes(b []byte) *Mapping {
	return &Mapping{mem: b}
}

// Len returns the size of the mapped window in bytes.
func (m *Mapping) Len() int { return len(m.mem) }

func (m *Mapping) Read32(off uint64) uint32 {
	Barrier()
	v := Load32(m.mem, off)
	Barrier()
	return v
}

func (m *Mapping) Write32(off uint64, value uint32) {
	Barrier()
	Store32(m.mem, off, value)
	Barrier()
}

func (m *Mapping) Read64(off uint64) uint64 {
	Barrier()
	v := Load64(m.mem, off)
	Barrier()
	return v
}

func (m *Mapping) Write64(off uint64, value uint64) {
	Barrier()
	Store64(m.mem, off, value)
	Barrier()
}

// Close releases the mapping. It is a no-op for FromBytes regions.
func (m *Mapping) Close() error {
	if m.unmap == nil || m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	return m.unmap(mem)
}

// Handler serves register accesses for an emulated device. addr is the
// absolute address of the access; len(data) is the access width.
type Handler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type handlerRegion struct {
	base uint64
	h    Handler
}

// FromHandler returns a Region that forwards every access to h, offset by
// base. Handler errors are logged and reads that fail return all ones, the
// value a PCI read of a missing device produces.
func FromHandler(base uint64, h Handler) Region {
	return &handlerRegion{base: base, h: h}
}

func (r *handlerRegion) Read32(off uint64) uint32 {
	var buf [4]byte
	Barrier()
	if err := r.h.ReadMMIO(r.base+off, buf[:]); err != nil {
		slog.Warn("mmio: read failed", "off", fmt.Sprintf("%#x", off), "err", err)
		return ^uint32(0)
	}
	Barrier()
	return binary.LittleEndian.Uint32(buf[:])
}

func (r *handlerRegion) Write32(off uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	Barrier()
	if err := r.h.WriteMMIO(r.base+off, buf[:]); err != nil {
		slog.Warn("mmio: write failed", "off", fmt.Sprintf("%#x", off), "err", err)
	}
	Barrier()
}

func (r *handlerRegion) Read64(off uint64) uint64 {
	var buf [8]byte
	Barrier()
	if err := r.h.ReadMMIO(r.base+off, buf[:]); err != nil {
		slog.Warn("mmio: read failed", "off", fmt.Sprintf("%#x", off), "err", err)
		return ^uint64(0)
	}
	Barrier()
	return binary.LittleEndian.Uint64(buf[:])
}

func (r *handlerRegion) Write64(off uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	Barrier()
	if err := r.h.WriteMMIO(r.base+off, buf[:]); err != nil {
		slog.Warn("mmio: write failed", "off", fmt.Sprintf("%#x", off), "err", err)
	}
	Barrier()
}
