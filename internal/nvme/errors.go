package nvme

import (
	"errors"
	"fmt"

	"github.com/tinyrange/nvme/internal/dma"
)

var (
	// ErrNoMemory is returned when a DMA allocation fails.
	ErrNoMemory = dma.ErrNoMemory
	// ErrQueueFull is returned when a submission queue has no free slot.
	ErrQueueFull = errors.New("nvme: submission queue full")
	// ErrNotReady is returned when consuming from an empty completion queue.
	ErrNotReady = errors.New("nvme: no completion ready")
	// ErrTimeout is returned when the device does not respond before the deadline.
	ErrTimeout = errors.New("nvme: timed out")
	// ErrFatal is returned when the controller reports a fatal status.
	ErrFatal = errors.New("nvme: controller fatal status")
	// ErrCommandFailed matches every *StatusError.
	ErrCommandFailed = errors.New("nvme: command failed")
	// ErrIO is returned when an I/O command keeps failing after all retries.
	ErrIO = errors.New("nvme: I/O error")
	// ErrMisaligned is returned when a data pointer is not dword aligned.
	ErrMisaligned = errors.New("nvme: misaligned data pointer")
	// ErrUnsupported is returned for geometry or command sets the driver cannot use.
	ErrUnsupported = errors.New("nvme: unsupported")
	// ErrNoNamespace is returned for block access with no usable namespace.
	ErrNoNamespace = errors.New("nvme: no namespace")
	// ErrOutOfRange is returned for block ranges past the end of the namespace.
	ErrOutOfRange = errors.New("nvme: block range out of bounds")
	// ErrState is returned when an operation does not fit the controller state.
	ErrState = errors.New("nvme: invalid controller state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("nvme: controller closed")
)

// Error records the operation that failed and why.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "nvme: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// StatusError is a completion that reported failure.
type StatusError struct {
	Opcode     uint8
	Completion Completion
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opcode %#02x failed: sct %#x sc %#02x (cqe %s)",
		e.Opcode, e.Completion.StatusCodeType(), e.Completion.StatusCode(), e.Completion.dwords())
}

func (e *StatusError) Is(target error) bool {
	return target == ErrCommandFailed
}
