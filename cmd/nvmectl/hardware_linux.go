//go:build linux

package main

import (
	"context"

	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/nvme"
	"github.com/tinyrange/nvme/internal/pci"
)

func openHardware(ctx context.Context, a *app, target string) (*session, error) {
	addr, err := pci.ParseAddress(target)
	if err != nil {
		return nil, err
	}
	pinned, err := dma.NewPinned()
	if err != nil {
		return nil, err
	}
	s := &session{alloc: pinned, closers: []func() error{pinned.Close}}

	fn, err := pci.Open("", addr)
	if err != nil {
		s.Close()
		return nil, err
	}
	ctrl, err := nvme.Open(ctx, fn, pinned, a.options()...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.ctrl = ctrl
	return s, nil
}

func scanHardware() ([]string, error) {
	addrs, err := pci.Scan("")
	if err != nil {
		return nil, err
	}
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out, nil
}
