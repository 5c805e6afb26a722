//go:build !linux

package pci

// SysfsRoot is where Linux exposes PCI functions.
const SysfsRoot = "/sys/bus/pci/devices"

// Open is only implemented on Linux.
func Open(root string, addr Address) (Function, error) {
	return nil, ErrUnsupported
}

// Scan is only implemented on Linux.
func Scan(root string) ([]Address, error) {
	return nil, ErrUnsupported
}
