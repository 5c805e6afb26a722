//go:build !linux

package main

import (
	"context"

	"github.com/tinyrange/nvme/internal/pci"
)

func openHardware(ctx context.Context, a *app, target string) (*session, error) {
	return nil, pci.ErrUnsupported
}

func scanHardware() ([]string, error) {
	return nil, pci.ErrUnsupported
}
