package main

import (
	"context"
	"errors"

	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/nvme"
)

// session is an open controller plus the resources backing it.
type session struct {
	ctrl    *nvme.Controller
	alloc   dma.Allocator
	closers []func() error
}

func (s *session) Close() error {
	var errs []error
	if s.ctrl != nil {
		errs = append(errs, s.ctrl.Close(nil))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *app) open(ctx context.Context, target string) (*session, error) {
	if a.emulate {
		return openEmulated(ctx, a)
	}
	return openHardware(ctx, a, target)
}
