//go:build linux

package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyrange/nvme/internal/mmio"
)

// SysfsRoot is where Linux exposes PCI functions.
const SysfsRoot = "/sys/bus/pci/devices"

// SysfsFunction is a PCI function accessed through sysfs: configuration
// space via the "config" file and BARs via the "resourceN" files.
type SysfsFunction struct {
	addr Address
	dir  string

	mu     sync.Mutex
	config *os.File
	bars   map[int]*mmio.Mapping
	files  []*os.File
}

// Open binds to the function at addr under root (SysfsRoot if empty).
// The function must not be bound to a kernel driver.
func Open(root string, addr Address) (*SysfsFunction, error) {
	if root == "" {
		root = SysfsRoot
	}
	dir := filepath.Join(root, addr.String())
	if drv, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
		return nil, fmt.Errorf("pci: %s is bound to kernel driver %s", addr, filepath.Base(drv))
	}
	config, err := os.OpenFile(filepath.Join(dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open config of %s: %w", addr, err)
	}
	return &SysfsFunction{
		addr:   addr,
		dir:    dir,
		config: config,
		bars:   make(map[int]*mmio.Mapping),
	}, nil
}

func (f *SysfsFunction) String() string { return f.addr.String() }

// ReadConfig implements ConfigSpace.
func (f *SysfsFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	var buf [4]byte
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("pci: invalid config access size %d", size)
	}
	if _, err := f.config.ReadAt(buf[:size], int64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteConfig implements ConfigSpace.
func (f *SysfsFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	var buf [4]byte
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: invalid config access size %d", size)
	}
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := f.config.WriteAt(buf[:size], int64(offset))
	return err
}

// MapBAR implements Function.
func (f *SysfsFunction) MapBAR(index int) (mmio.Region, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.bars[index]; ok {
		return m, uint64(m.Len()), nil
	}

	path := filepath.Join(f.dir, "resource"+strconv.Itoa(index))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("pci: open %s: %w", path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("pci: stat %s: %w", path, err)
	}
	m, err := mmio.Map(file, 0, int(fi.Size()))
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	f.bars[index] = m
	f.files = append(f.files, file)
	return m, uint64(fi.Size()), nil
}

// Close implements Function.
func (f *SysfsFunction) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for idx, m := range f.bars {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.bars, idx)
	}
	for _, file := range f.files {
		file.Close()
	}
	f.files = nil
	if err := f.config.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Scan lists the functions under root whose class code is ClassNVMe.
func Scan(root string) ([]Address, error) {
	if root == "" {
		root = SysfsRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("pci: scan %s: %w", root, err)
	}
	var out []Address
	for _, e := range entries {
		addr, err := ParseAddress(e.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "class"))
		if err != nil {
			continue
		}
		class, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 32)
		if err != nil || class != ClassNVMe {
			continue
		}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

var _ Function = (*SysfsFunction)(nil)
