//go:build !unix

package main

import (
	"context"
	"errors"
)

const emulatedName = "emu0"

func openEmulated(ctx context.Context, a *app) (*session, error) {
	return nil, errors.New("emulation needs a unix host")
}
