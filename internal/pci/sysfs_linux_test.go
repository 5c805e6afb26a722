//go:build linux

package pci

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFakeFunction(t *testing.T, root, name, class string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "class"), []byte(class+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	config := make([]byte, 256)
	config[ConfigCommand] = CommandINTxDisable & 0xff
	if err := os.WriteFile(filepath.Join(dir, "config"), config, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanFiltersNVMe(t *testing.T) {
	root := t.TempDir()
	writeFakeFunction(t, root, "0000:05:00.0", "0x010802")
	writeFakeFunction(t, root, "0000:00:1f.2", "0x010601")
	writeFakeFunction(t, root, "0000:02:00.0", "0x010802")

	got, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 || got[0].String() != "0000:02:00.0" || got[1].String() != "0000:05:00.0" {
		t.Fatalf("Scan = %v", got)
	}
}

func TestSysfsConfigAccess(t *testing.T) {
	root := t.TempDir()
	writeFakeFunction(t, root, "0000:02:00.0", "0x010802")

	addr, _ := ParseAddress("0000:02:00.0")
	fn, err := Open(root, addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fn.Close()

	if err := Enable(fn); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	cmd, err := fn.ReadConfig(ConfigCommand, 2)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cmd&(CommandMemorySpace|CommandBusMaster) != CommandMemorySpace|CommandBusMaster {
		t.Fatalf("command = %#x", cmd)
	}
}
