package nvme

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/nvme/internal/mmio"
	"github.com/tinyrange/nvme/internal/pci"
)

const (
	pciVendorRedHat = 0x1b36
	pciDeviceNVMe   = 0x0010
)

// Function presents a Controller as a PCI function with a 64-bit memory
// BAR0 holding the register file.
type Function struct {
	mu     sync.Mutex
	name   string
	ctrl   *Controller
	config [256]byte
	closed bool
}

var _ pci.Function = (*Function)(nil)

// NewFunction wraps ctrl. barBase is the address programmed into BAR0.
func NewFunction(name string, ctrl *Controller, barBase uint64) *Function {
	f := &Function{name: name, ctrl: ctrl}
	binary.LittleEndian.PutUint16(f.config[pci.ConfigVendorID:], pciVendorRedHat)
	binary.LittleEndian.PutUint16(f.config[pci.ConfigDeviceID:], pciDeviceNVMe)
	binary.LittleEndian.PutUint32(f.config[pci.ConfigRevision:], pci.ClassNVMe<<8|0x02)
	// 64-bit non-prefetchable memory BAR
	binary.LittleEndian.PutUint32(f.config[pci.ConfigBAR0:], uint32(barBase)&^0xf|0x4)
	binary.LittleEndian.PutUint32(f.config[pci.ConfigBAR0+4:], uint32(barBase>>32))
	return f
}

// Controller returns the emulated controller behind the function.
func (f *Function) Controller() *Controller { return f.ctrl }

func (f *Function) String() string { return f.name }

func (f *Function) window(offset uint16, size uint8) ([]byte, error) {
	switch size {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("nvme-emu: config access width %d", size)
	}
	if int(offset)+int(size) > len(f.config) || offset%uint16(size) != 0 {
		return nil, fmt.Errorf("nvme-emu: config access at %#x width %d", offset, size)
	}
	return f.config[offset : offset+uint16(size)], nil
}

// ReadConfig implements pci.ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.window(offset, size)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v, nil
}

// WriteConfig implements pci.ConfigSpace. Only the command register is
// writable.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.window(offset, size)
	if err != nil {
		return err
	}
	if offset != pci.ConfigCommand {
		return nil
	}
	for i := range b {
		b[i] = byte(value >> (8 * i))
	}
	return nil
}

// CommandRegister returns the PCI command register.
func (f *Function) CommandRegister() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint16(f.config[pci.ConfigCommand:])
}

// MapBAR implements pci.Function. The register window only decodes once
// memory space is enabled in the command register.
func (f *Function) MapBAR(index int) (mmio.Region, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index != 0 {
		return nil, 0, fmt.Errorf("%w: BAR%d", pci.ErrNotMemory, index)
	}
	if f.closed {
		return nil, 0, fmt.Errorf("nvme-emu: %s closed", f.name)
	}
	if binary.LittleEndian.Uint16(f.config[pci.ConfigCommand:])&pci.CommandMemorySpace == 0 {
		return nil, 0, fmt.Errorf("nvme-emu: %s memory space disabled", f.name)
	}
	return mmio.FromHandler(0, f.ctrl), BARSize, nil
}

// Close implements pci.Function.
func (f *Function) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
