// Package pci is the thin PCI layer the NVMe driver needs: configuration
// space access, command register setup, and mapping of memory BARs.
package pci

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/nvme/internal/mmio"
)

// Configuration space offsets of a type 0 header.
const (
	ConfigVendorID  = 0x00
	ConfigDeviceID  = 0x02
	ConfigCommand   = 0x04
	ConfigStatus    = 0x06
	ConfigRevision  = 0x08
	ConfigClassCode = 0x09
	ConfigBAR0      = 0x10

	type0BARCount  = 6
	type0BARStride = 4
)

// Command register bits.
const (
	CommandIOSpace      = 1 << 0
	CommandMemorySpace  = 1 << 1
	CommandBusMaster    = 1 << 2
	CommandINTxDisable  = 1 << 10
	commandEnableDriver = CommandMemorySpace | CommandBusMaster
)

// ClassNVMe is the class code of an NVM Express controller
// (mass storage, non-volatile memory, NVMe programming interface).
const ClassNVMe = 0x010802

var (
	ErrUnsupported = errors.New("pci: unsupported on this platform")
	ErrNotMemory   = errors.New("pci: BAR is not a memory BAR")
)

// ConfigSpace models PCI configuration space access for one function.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Function is a PCI function the driver can bind to.
type Function interface {
	ConfigSpace
	// MapBAR maps memory BAR index and returns the register window and its size.
	MapBAR(index int) (mmio.Region, uint64, error)
	// String names the function, usually by its address.
	String() string
	// Close unmaps every BAR mapped through this function.
	Close() error
}

// Address is a PCI Domain:Bus:Device.Function address.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// ParseAddress parses "DDDD:BB:DD.F" or "BB:DD.F".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	var a Address

	n, err := fmt.Sscanf(s, "%x:%x:%x.%x", &a.Domain, &a.Bus, &a.Device, &a.Function)
	if err == nil && n == 4 {
		return a, a.validate(s)
	}

	a = Address{}
	n, err = fmt.Sscanf(s, "%x:%x.%x", &a.Bus, &a.Device, &a.Function)
	if err == nil && n == 3 {
		return a, a.validate(s)
	}

	return Address{}, fmt.Errorf("pci: invalid address %q: expected DDDD:BB:DD.F or BB:DD.F", s)
}

func (a Address) validate(s string) error {
	if a.Device > 31 || a.Function > 7 {
		return fmt.Errorf("pci: invalid address %q: device or function out of range", s)
	}
	return nil
}

// String returns the canonical "DDDD:BB:DD.F" form.
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// Enable turns on memory decoding and bus mastering so the device can answer
// register accesses and perform DMA.
func Enable(cs ConfigSpace) error {
	cmd, err := cs.ReadConfig(ConfigCommand, 2)
	if err != nil {
		return fmt.Errorf("pci: read command register: %w", err)
	}
	if cmd&commandEnableDriver == commandEnableDriver {
		return nil
	}
	if err := cs.WriteConfig(ConfigCommand, 2, cmd|commandEnableDriver); err != nil {
		return fmt.Errorf("pci: write command register: %w", err)
	}
	return nil
}

// ClassCode returns the 24-bit class code (base << 16 | sub << 8 | prog-if).
func ClassCode(cs ConfigSpace) (uint32, error) {
	v, err := cs.ReadConfig(ConfigRevision, 4)
	if err != nil {
		return 0, fmt.Errorf("pci: read class code: %w", err)
	}
	return v >> 8, nil
}

// IDs returns the vendor and device identifiers.
func IDs(cs ConfigSpace) (vendor, device uint16, err error) {
	v, err := cs.ReadConfig(ConfigVendorID, 4)
	if err != nil {
		return 0, 0, fmt.Errorf("pci: read ids: %w", err)
	}
	return uint16(v), uint16(v >> 16), nil
}

// BARAddress decodes memory BAR index into its base address, combining the
// upper half for 64-bit BARs.
func BARAddress(cs ConfigSpace, index int) (uint64, error) {
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("pci: BAR index %d out of range", index)
	}
	off := uint16(ConfigBAR0 + index*type0BARStride)
	lo, err := cs.ReadConfig(off, 4)
	if err != nil {
		return 0, fmt.Errorf("pci: read BAR%d: %w", index, err)
	}
	if lo&0x1 != 0 {
		return 0, fmt.Errorf("%w: BAR%d", ErrNotMemory, index)
	}
	addr := uint64(lo &^ 0xf)
	if (lo>>1)&0x3 == 0x2 {
		if index+1 >= type0BARCount {
			return 0, fmt.Errorf("pci: 64-bit BAR%d has no upper half", index)
		}
		hi, err := cs.ReadConfig(off+type0BARStride, 4)
		if err != nil {
			return 0, fmt.Errorf("pci: read BAR%d upper: %w", index, err)
		}
		addr |= uint64(hi) << 32
	}
	return addr, nil
}
