//go:build unix

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/nvme/internal/config"
	"github.com/tinyrange/nvme/internal/nvme"
	"github.com/tinyrange/nvme/internal/trace"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Emulate.Size = 1 << 20
	cfg.Emulate.ArenaPages = 256
	cfg.Emulate.Image = filepath.Join(t.TempDir(), "disk.img")
	cfg.CacheBlocks = 16
	return &app{
		cfg:     cfg,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		emulate: true,
	}
}

func TestEmulatedByteDevice(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	s, rw, capacity, err := a.byteDevice(ctx, emulatedName)
	if err != nil {
		t.Fatalf("byteDevice: %v", err)
	}
	if capacity.Blocks != 2048 || capacity.BlockSize != 512 {
		t.Fatalf("capacity = %+v", capacity)
	}

	payload := bytes.Repeat([]byte("nvmectl!"), 1000)
	if _, err := rw.WriteAt(payload, 777); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := rw.ReadAt(got, 777); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back differs")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the image file holds the data after the controller shut down
	img, err := os.ReadFile(a.cfg.Emulate.Image)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if len(img) != 1<<20 || !bytes.Equal(img[777:777+len(payload)], payload) {
		t.Fatalf("image does not hold the written bytes")
	}
}

func TestListIdentifiesEmulatedController(t *testing.T) {
	a := testApp(t)
	var buf bytes.Buffer
	a.tracer, _ = trace.NewRecorder(&buf, nvme.TraceNames())

	if err := cmdList(context.Background(), a, []string{"-identify"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := a.tracer.Close(); err != nil {
		t.Fatalf("close tracer: %v", err)
	}
	summaries, err := trace.Summarize(&buf)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	names := map[string]bool{}
	for _, s := range summaries {
		names[s.Name] = true
	}
	for _, want := range []string{"identify", "create-io-cq", "create-io-sq", "delete-io-sq", "delete-io-cq"} {
		if !names[want] {
			t.Fatalf("trace is missing %s: %+v", want, summaries)
		}
	}
}
