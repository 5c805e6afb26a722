package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// IdentifySize is the size of every identify data structure.
const IdentifySize = 4096

// identifyController is the head of the identify controller data structure
// (CNS 01h) up to the namespace count.
type identifyController struct {
	VID    uint16
	SSVID  uint16
	SN     [20]byte
	MN     [40]byte
	FR     [8]byte
	RAB    uint8
	IEEE   [3]byte
	CMIC   uint8
	MDTS   uint8
	CNTLID uint16
	VER    uint32
	_      [432]byte
	NN     uint32
}

// ControllerIdentity is what the driver keeps from identify controller.
type ControllerIdentity struct {
	VendorID          uint16
	SubsystemVendorID uint16
	Serial            string
	Model             string
	Firmware          string
	// MDTS is the maximum data transfer size as a power of two in units of
	// the minimum page size; zero means no limit.
	MDTS         uint8
	ControllerID uint16
	Version      Version
	Namespaces   uint32
}

func asciiField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func parseIdentifyController(b []byte) (ControllerIdentity, error) {
	var raw identifyController
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &raw); err != nil {
		return ControllerIdentity{}, fmt.Errorf("decode identify controller: %w", err)
	}
	return ControllerIdentity{
		VendorID:          raw.VID,
		SubsystemVendorID: raw.SSVID,
		Serial:            asciiField(raw.SN[:]),
		Model:             asciiField(raw.MN[:]),
		Firmware:          asciiField(raw.FR[:]),
		MDTS:              raw.MDTS,
		ControllerID:      raw.CNTLID,
		Version:           Version(raw.VER),
		Namespaces:        raw.NN,
	}, nil
}

// LBAFormat is one entry of the namespace LBA format table.
type LBAFormat struct {
	MetadataSize uint16
	// DataSizeLog is LBADS, the block size as a power of two.
	DataSizeLog  uint8
	RelativePerf uint8
}

// identifyNamespace is the head of the identify namespace data structure
// (CNS 00h) through the LBA format table.
type identifyNamespace struct {
	NSZE   uint64
	NCAP   uint64
	NUSE   uint64
	NSFEAT uint8
	NLBAF  uint8
	FLBAS  uint8
	_      [101]byte
	LBAF   [16]LBAFormat
}

func parseIdentifyNamespace(b []byte) (identifyNamespace, error) {
	var raw identifyNamespace
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &raw); err != nil {
		return raw, fmt.Errorf("decode identify namespace: %w", err)
	}
	return raw, nil
}

// formatIndex returns the LBA format in use (FLBAS bits 3:0).
func (ns *identifyNamespace) formatIndex() uint8 { return ns.FLBAS & 0xf }

// parseNamespaceList decodes an active namespace list (CNS 02h), which ends
// at the first zero entry.
func parseNamespaceList(b []byte) []uint32 {
	var ids []uint32
	for off := 0; off+4 <= len(b); off += 4 {
		id := binary.LittleEndian.Uint32(b[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}
