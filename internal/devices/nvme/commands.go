package nvme

import (
	"encoding/binary"
	"fmt"
)

// Status code types and codes used by the emulator.
const (
	sctGeneric         = 0x0
	sctCommandSpecific = 0x1

	scSuccess          = 0x00
	scInvalidOpcode    = 0x01
	scInvalidField     = 0x02
	scDataTransfer     = 0x04
	scInvalidNamespace = 0x0b
	scPRPOffsetInvalid = 0x13
	scLBAOutOfRange    = 0x80

	scCompletionQueueInvalid = 0x00
	scInvalidQueueID         = 0x01
	scInvalidQueueSize       = 0x02
	scInvalidQueueDeletion   = 0x0c

	statusDNR = 1 << 14
)

// Status builds a status field (without the phase bit) from a status code
// type and status code.
func Status(sct, sc uint8) uint16 {
	return uint16(sct&7)<<8 | uint16(sc)
}

// Submitted is a command as the controller fetched it.
type Submitted struct {
	SQID   uint16
	Opcode uint8
	CID    uint16
	NSID   uint32
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
}

func decodeCommand(b []byte) Submitted {
	dw0 := binary.LittleEndian.Uint32(b[0:])
	return Submitted{
		Opcode: uint8(dw0),
		CID:    uint16(dw0 >> 16),
		NSID:   binary.LittleEndian.Uint32(b[4:]),
		PRP1:   binary.LittleEndian.Uint64(b[24:]),
		PRP2:   binary.LittleEndian.Uint64(b[32:]),
		CDW10:  binary.LittleEndian.Uint32(b[40:]),
		CDW11:  binary.LittleEndian.Uint32(b[44:]),
		CDW12:  binary.LittleEndian.Uint32(b[48:]),
	}
}

const (
	adminDeleteSQ = 0x00
	adminCreateSQ = 0x01
	adminDeleteCQ = 0x04
	adminCreateCQ = 0x05
	adminIdentify = 0x06

	ioFlush = 0x00
	ioWrite = 0x01
	ioRead  = 0x02
)

func (c *Controller) executeAdmin(cmd Submitted) (uint32, uint16) {
	if st, ok := c.faults.takeAdmin(cmd.Opcode); ok {
		return 0, st
	}
	switch cmd.Opcode {
	case adminIdentify:
		return 0, c.identify(cmd)
	case adminCreateCQ:
		return 0, c.createCQ(cmd)
	case adminCreateSQ:
		return 0, c.createSQ(cmd)
	case adminDeleteSQ:
		qid := uint16(cmd.CDW10)
		if _, ok := c.sqs[qid]; !ok || qid == 0 {
			return 0, Status(sctCommandSpecific, scInvalidQueueID)
		}
		delete(c.sqs, qid)
		return 0, Status(sctGeneric, scSuccess)
	case adminDeleteCQ:
		qid := uint16(cmd.CDW10)
		if _, ok := c.cqs[qid]; !ok || qid == 0 {
			return 0, Status(sctCommandSpecific, scInvalidQueueID)
		}
		for _, sq := range c.sqs {
			if sq.cqid == qid {
				return 0, Status(sctCommandSpecific, scInvalidQueueDeletion)
			}
		}
		delete(c.cqs, qid)
		return 0, Status(sctGeneric, scSuccess)
	default:
		return 0, Status(sctGeneric, scInvalidOpcode) | statusDNR
	}
}

func (c *Controller) queueGeometry(cmd Submitted) (qid, size uint16, status uint16) {
	qid = uint16(cmd.CDW10)
	size = uint16(cmd.CDW10>>16) + 1
	if qid == 0 {
		return 0, 0, Status(sctCommandSpecific, scInvalidQueueID)
	}
	if size < 2 || uint32(size) > c.cfg.MaxQueueEntries {
		return 0, 0, Status(sctCommandSpecific, scInvalidQueueSize)
	}
	if cmd.CDW11&1 == 0 || cmd.PRP1%pageSize != 0 {
		return 0, 0, Status(sctGeneric, scInvalidField)
	}
	return qid, size, Status(sctGeneric, scSuccess)
}

func (c *Controller) createCQ(cmd Submitted) uint16 {
	qid, size, st := c.queueGeometry(cmd)
	if st != 0 {
		return st
	}
	if _, ok := c.cqs[qid]; ok {
		return Status(sctCommandSpecific, scInvalidQueueID)
	}
	c.cqs[qid] = &completionQueue{base: cmd.PRP1, size: size, phase: 1}
	c.log.Debug("created completion queue", "qid", qid, "size", size)
	return st
}

func (c *Controller) createSQ(cmd Submitted) uint16 {
	qid, size, st := c.queueGeometry(cmd)
	if st != 0 {
		return st
	}
	if _, ok := c.sqs[qid]; ok {
		return Status(sctCommandSpecific, scInvalidQueueID)
	}
	cqid := uint16(cmd.CDW11 >> 16)
	if _, ok := c.cqs[cqid]; !ok || cqid == 0 {
		return Status(sctCommandSpecific, scCompletionQueueInvalid)
	}
	c.sqs[qid] = &submissionQueue{base: cmd.PRP1, size: size, cqid: cqid}
	c.log.Debug("created submission queue", "qid", qid, "size", size, "cqid", cqid)
	return st
}

func (c *Controller) namespaceCount() uint32 {
	if c.cfg.NamespaceCount != nil {
		return *c.cfg.NamespaceCount
	}
	return uint32(len(c.cfg.Namespaces))
}

func (c *Controller) namespace(nsid uint32) (*Namespace, bool) {
	if nsid == 0 || nsid > uint32(len(c.cfg.Namespaces)) {
		return nil, false
	}
	return &c.cfg.Namespaces[nsid-1], true
}

func (c *Controller) identify(cmd Submitted) uint16 {
	data := make([]byte, pageSize)
	switch cns := uint8(cmd.CDW10); cns {
	case 0x01:
		c.identifyController(data)
	case 0x00:
		if cmd.NSID == 0 || cmd.NSID > c.namespaceCount() {
			return Status(sctGeneric, scInvalidNamespace) | statusDNR
		}
		if ns, ok := c.namespace(cmd.NSID); ok {
			identifyNamespace(data, ns)
		}
	case 0x02:
		off := 0
		for i, ns := range c.cfg.Namespaces {
			id := uint32(i + 1)
			if id <= cmd.NSID || ns.Blocks == 0 {
				continue
			}
			binary.LittleEndian.PutUint32(data[off:], id)
			off += 4
		}
	default:
		return Status(sctGeneric, scInvalidField) | statusDNR
	}
	if err := c.dma(cmd.PRP1, cmd.PRP2, len(data), func(addr uint64, start, end int) error {
		_, err := c.mem.WriteAt(data[start:end], int64(addr))
		return err
	}); err != nil {
		c.log.Warn("identify transfer failed", "err", err)
		return Status(sctGeneric, scDataTransfer)
	}
	return Status(sctGeneric, scSuccess)
}

func putString(b []byte, s string) {
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
}

func (c *Controller) identifyController(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], 0x1b36)
	binary.LittleEndian.PutUint16(b[2:], 0x1af4)
	putString(b[4:24], c.cfg.Serial)
	putString(b[24:64], c.cfg.Model)
	putString(b[64:72], c.cfg.Firmware)
	b[77] = c.cfg.MDTS
	binary.LittleEndian.PutUint16(b[78:], 1)
	binary.LittleEndian.PutUint32(b[80:], c.cfg.Version)
	b[512] = 6<<4 | 6 // SQES
	b[513] = 4<<4 | 4 // CQES
	binary.LittleEndian.PutUint32(b[516:], c.namespaceCount())
}

func identifyNamespace(b []byte, ns *Namespace) {
	binary.LittleEndian.PutUint64(b[0:], ns.Blocks)
	binary.LittleEndian.PutUint64(b[8:], ns.Blocks)
	binary.LittleEndian.PutUint64(b[16:], ns.Blocks)
	b[25] = ns.Formats - 1
	b[26] = ns.FormatIndex & 0xf
	for i := 0; i < int(ns.Formats) && i < 16; i++ {
		off := 128 + i*4
		binary.LittleEndian.PutUint16(b[off:], ns.MetadataSize)
		b[off+2] = ns.BlockSizeLog
	}
}

func (c *Controller) executeIO(cmd Submitted) uint16 {
	ns, ok := c.namespace(cmd.NSID)
	if !ok || ns.Blocks == 0 {
		return Status(sctGeneric, scInvalidNamespace) | statusDNR
	}
	if cmd.Opcode == ioRead || cmd.Opcode == ioWrite {
		if st, ok := c.faults.takeIO(); ok {
			return st
		}
	}

	switch cmd.Opcode {
	case ioFlush:
		if s, ok := ns.Media.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return Status(sctGeneric, scDataTransfer)
			}
		}
		return Status(sctGeneric, scSuccess)
	case ioRead, ioWrite:
		return c.readWrite(cmd, ns)
	default:
		return Status(sctGeneric, scInvalidOpcode) | statusDNR
	}
}

func (c *Controller) readWrite(cmd Submitted, ns *Namespace) uint16 {
	lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	count := uint64(cmd.CDW12&0xffff) + 1
	if lba >= ns.Blocks || count > ns.Blocks-lba {
		return Status(sctGeneric, scLBAOutOfRange) | statusDNR
	}
	bs := uint64(1) << ns.BlockSizeLog
	size := count * bs
	if c.cfg.MDTS != 0 && size > uint64(pageSize)<<c.cfg.MDTS {
		return Status(sctGeneric, scInvalidField) | statusDNR
	}

	data := make([]byte, size)
	pos := int64(lba * bs)
	var err error
	if cmd.Opcode == ioRead {
		if _, err := ns.Media.ReadAt(data, pos); err != nil {
			return Status(sctGeneric, scDataTransfer)
		}
		err = c.dma(cmd.PRP1, cmd.PRP2, len(data), func(addr uint64, start, end int) error {
			_, err := c.mem.WriteAt(data[start:end], int64(addr))
			return err
		})
	} else {
		err = c.dma(cmd.PRP1, cmd.PRP2, len(data), func(addr uint64, start, end int) error {
			_, err := c.mem.ReadAt(data[start:end], int64(addr))
			return err
		})
		if err == nil {
			if _, werr := ns.Media.WriteAt(data, pos); werr != nil {
				return Status(sctGeneric, scDataTransfer)
			}
		}
	}
	if err != nil {
		c.log.Warn("data transfer failed", "opcode", cmd.Opcode, "prp1", fmt.Sprintf("%#x", cmd.PRP1), "prp2", fmt.Sprintf("%#x", cmd.PRP2), "err", err)
		if _, ok := err.(prpError); ok {
			return Status(sctGeneric, scPRPOffsetInvalid) | statusDNR
		}
		return Status(sctGeneric, scDataTransfer)
	}
	return Status(sctGeneric, scSuccess)
}
