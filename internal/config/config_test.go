package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), Filename))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)
	content := `version: 1
device: "0000:01:00.0"
traceFile: /tmp/nvme.trace
cacheBlocks: 64
emulate:
  size: 1048576
  blockSizeLog: 12
  mdts: 3
driver:
  commandTimeout: 250ms
  ioRetries: 5
  gracefulShutdown: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.Device = "0000:01:00.0"
	want.TraceFile = "/tmp/nvme.trace"
	want.CacheBlocks = 64
	want.Emulate.Size = 1 << 20
	want.Emulate.BlockSizeLog = 12
	want.Emulate.MDTS = 3
	want.Driver.CommandTimeout = 250 * time.Millisecond
	want.Driver.IORetries = 5
	want.Driver.GracefulShutdown = false
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"version", "version: 2\n", "unsupported version"},
		{"block size", "emulate:\n  blockSizeLog: 13\n", "blockSizeLog"},
		{"size", "emulate:\n  size: 1000\n", "not a multiple"},
		{"retries", "driver:\n  ioRetries: -1\n", "ioRetries"},
		{"syntax", "device: [\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), Filename)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", Filename)
	cfg := Default()
	cfg.Device = "0000:02:00.0"
	cfg.Driver.ProbeAllNamespaces = true
	cfg.Driver.GracefulShutdown = false

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}
