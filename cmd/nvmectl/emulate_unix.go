//go:build unix

package main

import (
	"context"
	"fmt"
	"os"

	emu "github.com/tinyrange/nvme/internal/devices/nvme"
	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/nvme"
)

const (
	emulatedName      = "emu0"
	emulatedArenaBase = 0x1_0000_0000
	emulatedBARBase   = 0xfebf_0000
)

func openEmulated(ctx context.Context, a *app) (*session, error) {
	e := a.cfg.Emulate
	arena, err := dma.NewArena(emulatedArenaBase, e.ArenaPages*dma.PageSize)
	if err != nil {
		return nil, err
	}
	s := &session{alloc: arena, closers: []func() error{arena.Close}}

	size := e.Size
	var media emu.Memory
	if e.Image != "" {
		f, err := os.OpenFile(e.Image, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open image: %w", err)
		}
		s.closers = append(s.closers, f.Close)
		fi, err := f.Stat()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("stat image: %w", err)
		}
		if fi.Size() == 0 {
			if err := f.Truncate(size); err != nil {
				s.Close()
				return nil, fmt.Errorf("size image: %w", err)
			}
		} else {
			size = fi.Size()
		}
		media = f
	} else {
		media = emu.NewRAMDisk(size)
	}

	dev := emu.New(arena, emu.Config{
		MDTS:     e.MDTS,
		Serial:   e.Serial,
		Model:    e.Model,
		Firmware: "1.0",
		Namespaces: []emu.Namespace{{
			Media:        media,
			Blocks:       uint64(size) >> e.BlockSizeLog,
			BlockSizeLog: e.BlockSizeLog,
		}},
	})
	fn := emu.NewFunction(emulatedName, dev, emulatedBARBase)
	ctrl, err := nvme.Open(ctx, fn, arena, a.options()...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}
