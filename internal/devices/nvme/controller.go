// Package nvme emulates an NVM Express controller in software: the register
// file, the admin and NVM command sets and PRP data transfers against a
// physical memory model. Commands are executed synchronously when their
// submission doorbell is written.
package nvme

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Register offsets.
const (
	regCAP      = 0x00
	regVS       = 0x08
	regINTMS    = 0x0c
	regINTMC    = 0x10
	regCC       = 0x14
	regCSTS     = 0x1c
	regAQA      = 0x24
	regASQ      = 0x28
	regACQ      = 0x30
	doorbellOff = 0x1000

	// BARSize is the size of the emulated register window.
	BARSize = 0x4000

	pageSize = 4096
)

const (
	ccEnable   = 1 << 0
	ccShnShift = 14

	cstsReady    = 1 << 0
	cstsFatal    = 1 << 1
	cstsShstDone = 2 << 2
)

// Memory is the physical address space the controller transfers to and from.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Namespace configures one emulated namespace.
type Namespace struct {
	Media Memory
	// Blocks is NSZE. Zero makes the namespace inactive.
	Blocks       uint64
	BlockSizeLog uint8
	MetadataSize uint16
	// FormatIndex is FLBAS and Formats is NLBAF+1. Formats defaults to 1.
	FormatIndex uint8
	Formats     uint8
}

// Config describes the emulated controller.
type Config struct {
	// MaxQueueEntries is CAP.MQES+1. Defaults to 1024.
	MaxQueueEntries uint32
	// DoorbellStrideExp is CAP.DSTRD.
	DoorbellStrideExp uint8
	// Timeout is CAP.TO in 500ms units.
	Timeout uint8
	// NoNVM clears the NVM bit in CAP.CSS.
	NoNVM   bool
	Version uint32
	MDTS    uint8
	// NamespaceCount overrides NN, which defaults to len(Namespaces).
	NamespaceCount *uint32

	Serial   string
	Model    string
	Firmware string

	Namespaces []Namespace
}

type submissionQueue struct {
	base uint64
	size uint16
	cqid uint16
	head uint16
	tail uint16
}

type completionQueue struct {
	base  uint64
	size  uint16
	head  uint16
	tail  uint16
	phase uint16
}

// Controller is an emulated NVMe controller. It implements mmio.Handler for
// its register window.
type Controller struct {
	mu  sync.Mutex
	log *slog.Logger
	mem Memory
	cfg Config

	cc    uint32
	csts  uint32
	intms uint32
	aqa   uint32
	asq   uint64
	acq   uint64

	sqs map[uint16]*submissionQueue
	cqs map[uint16]*completionQueue

	faults   faults
	commands []Submitted
}

// New returns a controller that performs DMA against mem.
func New(mem Memory, cfg Config) *Controller {
	if cfg.MaxQueueEntries == 0 {
		cfg.MaxQueueEntries = 1024
	}
	if cfg.Version == 0 {
		cfg.Version = 0x00010400
	}
	if cfg.Model == "" {
		cfg.Model = "tinyrange emulated NVMe"
	}
	if cfg.Serial == "" {
		cfg.Serial = "TR0000000001"
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "1.0"
	}
	for i := range cfg.Namespaces {
		if cfg.Namespaces[i].Formats == 0 {
			cfg.Namespaces[i].Formats = 1
		}
	}
	return &Controller{
		log: slog.Default().With("device", "nvme-emu"),
		mem: mem,
		cfg: cfg,
		sqs: make(map[uint16]*submissionQueue),
		cqs: make(map[uint16]*completionQueue),
	}
}

func (c *Controller) capabilities() uint64 {
	v := uint64(c.cfg.MaxQueueEntries-1) & 0xffff
	v |= 1 << 16 // contiguous queues required
	v |= uint64(c.cfg.Timeout) << 24
	v |= uint64(c.cfg.DoorbellStrideExp&0xf) << 32
	if !c.cfg.NoNVM {
		v |= 1 << 37
	}
	return v
}

func (c *Controller) stride() uint64 { return 4 << c.cfg.DoorbellStrideExp }

// ReadMMIO implements mmio.Handler.
func (c *Controller) ReadMMIO(addr uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v uint64
	switch addr {
	case regCAP:
		v = c.capabilities()
	case regCAP + 4:
		v = c.capabilities() >> 32
	case regVS:
		v = uint64(c.cfg.Version)
	case regINTMS, regINTMC:
		v = uint64(c.intms)
	case regCC:
		v = uint64(c.cc)
	case regCSTS:
		v = uint64(c.csts)
	case regAQA:
		v = uint64(c.aqa)
	case regASQ:
		v = c.asq
	case regASQ + 4:
		v = c.asq >> 32
	case regACQ:
		v = c.acq
	case regACQ + 4:
		v = c.acq >> 32
	default:
		if addr >= doorbellOff && addr < BARSize {
			// doorbells read as zero
			break
		}
		return fmt.Errorf("nvme-emu: read of unknown register %#x", addr)
	}
	return putValue(data, v)
}

// WriteMMIO implements mmio.Handler.
func (c *Controller) WriteMMIO(addr uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := getValue(data)
	if err != nil {
		return err
	}
	switch addr {
	case regINTMS:
		c.intms |= uint32(v)
	case regINTMC:
		c.intms &^= uint32(v)
	case regCC:
		c.writeConfig(uint32(v))
	case regAQA:
		c.aqa = uint32(v)
	case regASQ:
		c.asq = setLow(c.asq, v, len(data))
	case regASQ + 4:
		c.asq = c.asq&0xffffffff | v<<32
	case regACQ:
		c.acq = setLow(c.acq, v, len(data))
	case regACQ + 4:
		c.acq = c.acq&0xffffffff | v<<32
	default:
		if addr >= doorbellOff && addr < BARSize {
			return c.ringDoorbell(addr-doorbellOff, uint16(v))
		}
		return fmt.Errorf("nvme-emu: write of unknown register %#x", addr)
	}
	return nil
}

func setLow(reg, v uint64, width int) uint64 {
	if width == 8 {
		return v
	}
	return reg&^0xffffffff | v&0xffffffff
}

func putValue(data []byte, v uint64) error {
	switch len(data) {
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	default:
		return fmt.Errorf("nvme-emu: unsupported access width %d", len(data))
	}
	return nil
}

func getValue(data []byte) (uint64, error) {
	switch len(data) {
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, fmt.Errorf("nvme-emu: unsupported access width %d", len(data))
	}
}

func (c *Controller) writeConfig(v uint32) {
	old := c.cc
	c.cc = v

	switch {
	case old&ccEnable == 0 && v&ccEnable != 0:
		c.enable()
	case old&ccEnable != 0 && v&ccEnable == 0:
		c.reset()
		return
	}
	if (v>>ccShnShift)&3 != 0 && (old>>ccShnShift)&3 == 0 {
		c.log.Debug("shutdown notification")
		c.csts |= cstsShstDone
	}
}

func (c *Controller) enable() {
	if c.faults.neverReady {
		return
	}
	if c.faults.fatalOnEnable {
		c.csts |= cstsFatal
		return
	}
	sqs := uint16(c.aqa&0xfff) + 1
	cqs := uint16((c.aqa>>16)&0xfff) + 1
	if sqs < 2 || cqs < 2 || c.asq%pageSize != 0 || c.acq%pageSize != 0 {
		c.log.Warn("enable with invalid admin queue attributes", "aqa", c.aqa, "asq", c.asq, "acq", c.acq)
		c.csts |= cstsFatal
		return
	}
	c.cqs[0] = &completionQueue{base: c.acq, size: cqs, phase: 1}
	c.sqs[0] = &submissionQueue{base: c.asq, size: sqs, cqid: 0}
	c.csts = cstsReady
	c.log.Debug("controller enabled", "asq_size", sqs, "acq_size", cqs)
}

// reset is a controller reset: queues are forgotten and CSTS cleared.
func (c *Controller) reset() {
	clear(c.sqs)
	clear(c.cqs)
	c.csts = 0
	c.log.Debug("controller reset")
}

func (c *Controller) ringDoorbell(off uint64, value uint16) error {
	if off%c.stride() != 0 {
		return fmt.Errorf("nvme-emu: doorbell offset %#x not on %d-byte stride", off, c.stride())
	}
	idx := off / c.stride()
	qid := uint16(idx / 2)
	if c.csts&cstsReady == 0 {
		return fmt.Errorf("nvme-emu: doorbell %d rung while not ready", idx)
	}

	if idx%2 == 1 {
		cq, ok := c.cqs[qid]
		if !ok || value >= cq.size {
			return fmt.Errorf("nvme-emu: invalid completion doorbell qid %d value %d", qid, value)
		}
		cq.head = value
		return nil
	}

	sq, ok := c.sqs[qid]
	if !ok || value >= sq.size {
		return fmt.Errorf("nvme-emu: invalid submission doorbell qid %d value %d", qid, value)
	}
	sq.tail = value
	return c.processQueue(qid, sq)
}

func (c *Controller) processQueue(qid uint16, sq *submissionQueue) error {
	for sq.head != sq.tail {
		var raw [64]byte
		if _, err := c.mem.ReadAt(raw[:], int64(sq.base+uint64(sq.head)*64)); err != nil {
			c.csts |= cstsFatal
			return fmt.Errorf("nvme-emu: fetch command: %w", err)
		}
		sq.head = (sq.head + 1) % sq.size
		cmd := decodeCommand(raw[:])
		cmd.SQID = qid
		c.commands = append(c.commands, cmd)

		if c.faults.stall || (c.faults.stallAfter > 0 && len(c.commands) > c.faults.stallAfter) {
			c.log.Debug("dropping command", "sqid", qid, "cid", cmd.CID, "opcode", cmd.Opcode)
			continue
		}

		var result uint32
		var status uint16
		if qid == 0 {
			result, status = c.executeAdmin(cmd)
		} else {
			status = c.executeIO(cmd)
		}
		if err := c.complete(sq, qid, cmd.CID, result, status); err != nil {
			c.csts |= cstsFatal
			return err
		}
	}
	return nil
}

// complete posts a completion entry. status holds SCT and SC in bits 0-10
// and DNR in bit 14, the layout of the status field without its phase bit.
func (c *Controller) complete(sq *submissionQueue, sqid, cid uint16, result uint32, status uint16) error {
	cq, ok := c.cqs[sq.cqid]
	if !ok {
		return fmt.Errorf("nvme-emu: completion queue %d missing", sq.cqid)
	}
	if (cq.tail+1)%cq.size == cq.head {
		return fmt.Errorf("nvme-emu: completion queue %d overflow", sq.cqid)
	}
	var e [16]byte
	binary.LittleEndian.PutUint32(e[0:], result)
	binary.LittleEndian.PutUint16(e[8:], sq.head)
	binary.LittleEndian.PutUint16(e[10:], sqid)
	binary.LittleEndian.PutUint16(e[12:], cid)
	binary.LittleEndian.PutUint16(e[14:], status<<1|cq.phase)
	if _, err := c.mem.WriteAt(e[:], int64(cq.base+uint64(cq.tail)*16)); err != nil {
		return fmt.Errorf("nvme-emu: post completion: %w", err)
	}
	cq.tail++
	if cq.tail == cq.size {
		cq.tail = 0
		cq.phase ^= 1
	}
	return nil
}

// Status reports CSTS.
func (c *Controller) Status() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csts
}

// QueueCount returns the number of live I/O submission and completion queues.
func (c *Controller) QueueCount() (sqs, cqs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.sqs {
		if id != 0 {
			sqs++
		}
	}
	for id := range c.cqs {
		if id != 0 {
			cqs++
		}
	}
	return sqs, cqs
}

// Commands returns every command fetched so far, in order.
func (c *Controller) Commands() []Submitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submitted(nil), c.commands...)
}
