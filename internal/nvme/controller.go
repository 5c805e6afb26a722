// Package nvme drives an NVMe controller through its register file and one
// admin and one I/O queue pair, polling for completions.
package nvme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/tinyrange/nvme/internal/blockdev"
	"github.com/tinyrange/nvme/internal/dma"
	"github.com/tinyrange/nvme/internal/mmio"
	"github.com/tinyrange/nvme/internal/pci"
	"github.com/tinyrange/nvme/internal/trace"
)

// State is the controller lifecycle position.
type State int

const (
	StateDisabled State = iota
	StateAdminReady
	StateEnabled
	StateNamespacesProbed
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateAdminReady:
		return "admin-ready"
	case StateEnabled:
		return "enabled"
	case StateNamespacesProbed:
		return "namespaces-probed"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Queue indices of the two pairs the driver uses.
const (
	adminSQIndex = 0
	adminCQIndex = 1
	ioSQIndex    = 2
	ioCQIndex    = 3
)

// Controller is one NVMe controller. All methods are safe for concurrent
// use; commands are serialized.
type Controller struct {
	mu sync.Mutex

	name   string
	log    *slog.Logger
	cfg    Config
	tracer *trace.Recorder

	regs    registers
	barSize uint64
	fn      pci.Function
	alloc   dma.Allocator

	caps    Capabilities
	version Version
	stride  uint32
	state   State

	adminSQ *SubmissionQueue
	adminCQ *CompletionQueue
	ioSQ    *SubmissionQueue
	ioCQ    *CompletionQueue
	// ioCQLive and ioSQLive record queues the device has created.
	ioCQLive bool
	ioSQLive bool

	prpList *dma.Buffer
	bounce  *dma.Buffer

	identity ControllerIdentity
	ns       *Namespace
}

var _ blockdev.Device = (*Controller)(nil)

// New returns a controller for the register window regs. It does not touch
// the device until Start.
func New(regs mmio.Region, alloc dma.Allocator, opts ...Option) *Controller {
	c := &Controller{
		name:  "nvme",
		cfg:   DefaultConfig(),
		regs:  registers{regs},
		alloc: alloc,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.normalize()
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("ctrl", c.name)
	return c
}

// Open binds to a PCI function: it checks the class code, enables memory
// decoding and bus mastering, maps BAR0 and brings the controller up. The
// function is closed with the controller, or before Open returns an error.
func Open(ctx context.Context, fn pci.Function, alloc dma.Allocator, opts ...Option) (*Controller, error) {
	c, err := open(ctx, fn, alloc, opts)
	if err != nil {
		fn.Close()
		return nil, err
	}
	return c, nil
}

func open(ctx context.Context, fn pci.Function, alloc dma.Allocator, opts []Option) (*Controller, error) {
	class, err := pci.ClassCode(fn)
	if err != nil {
		return nil, opError("open", err)
	}
	if class != pci.ClassNVMe {
		return nil, opError("open", fmt.Errorf("%w: %s has class %06x", ErrUnsupported, fn, class))
	}
	if err := pci.Enable(fn); err != nil {
		return nil, opError("open", err)
	}
	regs, size, err := fn.MapBAR(0)
	if err != nil {
		return nil, opError("open", err)
	}
	if size < DoorbellBase+4*4 {
		return nil, opError("open", fmt.Errorf("%w: BAR0 is %d bytes", ErrUnsupported, size))
	}

	c := New(regs, alloc, append([]Option{WithName(fn.String())}, opts...)...)
	c.fn = fn
	c.barSize = size
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state change", "from", c.state, "to", s)
	c.state = s
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns what identify controller reported.
func (c *Controller) Identity() ControllerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Namespace returns the active namespace, or nil if none was usable.
func (c *Controller) Namespace() *Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ns
}

// Capabilities returns the CAP register as read during Start.
func (c *Controller) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Version returns the VS register as read during Start.
func (c *Controller) Version() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Controller) String() string { return c.name }

// Start runs bring-up: disable, configure the admin queues, enable, identify
// the controller, create the I/O queue pair and probe namespaces. A failed
// namespace probe leaves the controller running without a namespace unless
// the probe command never completed; any other failure tears the controller
// down and leaves it Failed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisabled {
		return opError("start", fmt.Errorf("%w: %s", ErrState, c.state))
	}

	if err := c.bringUp(ctx); err != nil {
		c.log.Error("bring-up failed", "state", c.state, "err", err)
		c.setState(StateFailed)
		c.teardown(ctx)
		return opError("start", err)
	}

	if err := c.probeNamespaces(ctx); err != nil {
		c.log.Error("namespace probe failed", "err", err)
		c.teardown(ctx)
		return opError("start", err)
	}
	c.setState(StateNamespacesProbed)
	return nil
}

func (c *Controller) bringUp(ctx context.Context) error {
	c.caps = c.regs.capabilities()
	if c.caps == ^Capabilities(0) {
		return fmt.Errorf("%w: registers read all ones", ErrFatal)
	}
	c.version = c.regs.version()
	c.log.Info("controller found", "version", c.version, "mqes", c.caps.MaxQueueEntries(), "dstrd", c.caps.DoorbellStrideExp(), "cqr", c.caps.ContiguousQueuesRequired(), "to", c.caps.Timeout())

	if !c.caps.NVMCommandSet() {
		return fmt.Errorf("%w: NVM command set not supported", ErrUnsupported)
	}
	if c.caps.MinPageSize() > dma.PageSize {
		return fmt.Errorf("%w: minimum page size %d", ErrUnsupported, c.caps.MinPageSize())
	}
	c.stride = c.caps.DoorbellStride()
	if c.barSize != 0 && doorbell(ioCQIndex, c.stride)+4 > c.barSize {
		return fmt.Errorf("%w: doorbells beyond %d-byte BAR", ErrUnsupported, c.barSize)
	}

	if err := c.disable(ctx); err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	if err := c.configureAdminQueues(); err != nil {
		return fmt.Errorf("admin queues: %w", err)
	}
	if err := c.enable(ctx); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if err := c.identifyController(ctx); err != nil {
		return fmt.Errorf("identify controller: %w", err)
	}
	if err := c.createIOQueues(ctx); err != nil {
		return fmt.Errorf("create I/O queues: %w", err)
	}
	if err := c.allocTransferBuffers(); err != nil {
		return fmt.Errorf("transfer buffers: %w", err)
	}
	return nil
}

func (c *Controller) readyTimeout() time.Duration {
	if c.cfg.ReadyTimeout > 0 {
		return c.cfg.ReadyTimeout
	}
	if to := c.caps.Timeout(); to > 0 {
		return to
	}
	return 500 * time.Millisecond
}

// waitStatus polls CSTS until (CSTS & mask) == want.
func (c *Controller) waitStatus(ctx context.Context, mask, want uint32, checkFatal bool) error {
	deadline := time.Now().Add(c.readyTimeout())
	for spins := 0; ; spins++ {
		csts := c.regs.status()
		if csts == ^uint32(0) {
			return fmt.Errorf("%w: status reads all ones", ErrFatal)
		}
		if checkFatal && csts&cstsFatal != 0 {
			return fmt.Errorf("%w: csts %#x", ErrFatal, csts)
		}
		if csts&mask == want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(ErrTimeout, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: csts %#x after %v", ErrTimeout, csts, c.readyTimeout())
		}
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func (c *Controller) disable(ctx context.Context) error {
	c.regs.setConfig(0)
	return c.waitStatus(ctx, cstsReady, 0, false)
}

func (c *Controller) configureAdminQueues() error {
	cq, err := initCompletionQueue(c.regs, c.alloc, c.stride, adminCQIndex, dma.PageSize/CompletionEntrySize)
	if err != nil {
		return err
	}
	sq, err := initSubmissionQueue(c.regs, c.alloc, c.stride, adminSQIndex, dma.PageSize/SubmissionEntrySize, cq)
	if err != nil {
		cq.destroy()
		return err
	}
	c.adminCQ, c.adminSQ = cq, sq

	aqa := uint32(cq.Mask())<<16 | uint32(sq.Mask())
	c.regs.setAdminQueues(aqa, sq.Phys(), cq.Phys())
	c.regs.maskInterrupts()
	c.setState(StateAdminReady)
	return nil
}

func (c *Controller) enable(ctx context.Context) error {
	c.regs.setConfig(ccEnable | cqeSizeLog<<ccIOCQESShift | sqeSizeLog<<ccIOSQESShift)
	if err := c.waitStatus(ctx, cstsReady, cstsReady, true); err != nil {
		return err
	}
	c.setState(StateEnabled)
	return nil
}

// checkFatal runs between completion polling batches.
func (c *Controller) checkFatal() error {
	csts := c.regs.status()
	if csts == ^uint32(0) || csts&cstsFatal != 0 {
		return fmt.Errorf("%w: csts %#x", ErrFatal, csts)
	}
	return nil
}

// execute submits one command on sq and waits for its completion. A command
// that never completes leaves the controller Failed, since the device still
// owns its slot.
func (c *Controller) execute(ctx context.Context, sq *SubmissionQueue, class trace.Class, opcode uint8, prp1, prp2 uint64, fill func(Command)) (Completion, error) {
	cmd, err := sq.Next(opcode, 0, prp1, prp2)
	if err != nil {
		return Completion{}, err
	}
	if fill != nil {
		fill(cmd)
	}
	cid := cmd.CID()

	start := time.Now()
	sq.Commit()
	cqe, err := waitForCompletion(ctx, sq, start.Add(c.cfg.CommandTimeout), c.checkFatal)
	c.tracer.Record(trace.Event{
		Class:    class,
		Queue:    sq.ID(),
		Opcode:   opcode,
		Status:   cqe.Status,
		Duration: time.Since(start),
	})
	if err != nil {
		c.log.Error("command did not complete", "opcode", opcode, "sqid", sq.ID(), "cid", cid, "err", err)
		c.setState(StateFailed)
		return cqe, err
	}
	if cqe.CID != cid {
		c.log.Warn("completion for unexpected command", "sqid", sq.ID(), "cid", cqe.CID, "want", cid)
		return cqe, fmt.Errorf("%w: completion cid %d, submitted %d", ErrCommandFailed, cqe.CID, cid)
	}
	if !cqe.Success() {
		c.log.Warn("command failed", "opcode", opcode, "sqid", sq.ID(), "cqe", cqe.dwords())
		return cqe, &StatusError{Opcode: opcode, Completion: cqe}
	}
	return cqe, nil
}

func (c *Controller) adminCommand(ctx context.Context, opcode uint8, prp1 uint64, fill func(Command)) (Completion, error) {
	return c.execute(ctx, c.adminSQ, trace.Admin, opcode, prp1, 0, fill)
}

// identify runs an identify command and hands the data to fn.
func (c *Controller) identify(ctx context.Context, cns uint8, nsid uint32, fn func([]byte) error) error {
	buf, err := c.alloc.Alloc(IdentifySize)
	if err != nil {
		return err
	}
	defer c.alloc.Free(buf)

	if _, err := c.adminCommand(ctx, opIdentify, buf.Phys(), func(cmd Command) {
		cmd.SetNamespace(nsid)
		cmd.SetDword(10, uint32(cns))
	}); err != nil {
		return err
	}
	return fn(buf.Bytes()[:IdentifySize])
}

func (c *Controller) identifyController(ctx context.Context) error {
	var id ControllerIdentity
	if err := c.identify(ctx, cnsController, 0, func(b []byte) (err error) {
		id, err = parseIdentifyController(b)
		return err
	}); err != nil {
		return err
	}
	if id.Namespaces == 0 {
		return fmt.Errorf("%w: controller reports no namespaces", ErrNoNamespace)
	}
	c.identity = id
	c.log.Info("identified controller", "model", id.Model, "serial", id.Serial, "firmware", id.Firmware, "nn", id.Namespaces, "mdts", id.MDTS)
	return nil
}

// ioQueueLength is the largest power of two that fits both CAP.MQES and one
// page of entries.
func (c *Controller) ioQueueLength(entrySize int) int {
	n := min(int(c.caps.MaxQueueEntries()), dma.PageSize/entrySize)
	return 1 << (bits.Len(uint(n)) - 1)
}

func (c *Controller) createIOQueues(ctx context.Context) error {
	cq, err := initCompletionQueue(c.regs, c.alloc, c.stride, ioCQIndex, c.ioQueueLength(CompletionEntrySize))
	if err != nil {
		return err
	}
	c.ioCQ = cq
	if _, err := c.adminCommand(ctx, opCreateIOCQ, cq.Phys(), func(cmd Command) {
		cmd.SetDword(10, uint32(cq.Mask())<<16|uint32(cq.ID()))
		cmd.SetDword(11, 1) // physically contiguous
	}); err != nil {
		c.rollbackIOQueues(ctx)
		return fmt.Errorf("completion queue: %w", err)
	}
	c.ioCQLive = true

	sq, err := initSubmissionQueue(c.regs, c.alloc, c.stride, ioSQIndex, c.ioQueueLength(SubmissionEntrySize), cq)
	if err != nil {
		c.rollbackIOQueues(ctx)
		return err
	}
	c.ioSQ = sq
	if _, err := c.adminCommand(ctx, opCreateIOSQ, sq.Phys(), func(cmd Command) {
		cmd.SetDword(10, uint32(sq.Mask())<<16|uint32(sq.ID()))
		cmd.SetDword(11, uint32(cq.ID())<<16|1)
	}); err != nil {
		c.rollbackIOQueues(ctx)
		return fmt.Errorf("submission queue: %w", err)
	}
	c.ioSQLive = true
	c.log.Debug("created I/O queues", "sq", sq.Len(), "cq", cq.Len())
	return nil
}

// rollbackIOQueues undoes a partial createIOQueues. Rings are freed here
// only when the device has let go of them; otherwise teardown frees them
// after the controller is disabled.
func (c *Controller) rollbackIOQueues(ctx context.Context) {
	if err := c.deleteIOQueues(ctx); err != nil {
		c.log.Warn("I/O queue rollback", "err", err)
	}
	if c.state != StateFailed && !c.ioSQLive && !c.ioCQLive {
		c.freeIOQueues()
	}
}

// deleteIOQueues asks the device to delete whichever I/O queues it created,
// submission queue first. Nothing is sent once the controller has failed.
func (c *Controller) deleteIOQueues(ctx context.Context) error {
	if c.state == StateFailed {
		return nil
	}
	var errs []error
	if c.ioSQLive {
		if _, err := c.adminCommand(ctx, opDeleteIOSQ, 0, func(cmd Command) {
			cmd.SetDword(10, uint32(c.ioSQ.ID()))
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete submission queue: %w", err))
		} else {
			c.ioSQLive = false
		}
	}
	if c.ioCQLive && !c.ioSQLive {
		if _, err := c.adminCommand(ctx, opDeleteIOCQ, 0, func(cmd Command) {
			cmd.SetDword(10, uint32(c.ioCQ.ID()))
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete completion queue: %w", err))
		} else {
			c.ioCQLive = false
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) freeIOQueues() error {
	var errs []error
	if c.ioSQ != nil {
		errs = append(errs, c.ioSQ.destroy())
		c.ioSQ = nil
	}
	if c.ioCQ != nil {
		errs = append(errs, c.ioCQ.destroy())
		c.ioCQ = nil
	}
	c.ioSQLive, c.ioCQLive = false, false
	return errors.Join(errs...)
}

func (c *Controller) allocTransferBuffers() error {
	list, err := c.alloc.Alloc(dma.PageSize)
	if err != nil {
		return err
	}
	bounce, err := c.alloc.Alloc(dma.PageSize)
	if err != nil {
		c.alloc.Free(list)
		return err
	}
	c.prpList, c.bounce = list, bounce
	return nil
}

// probeNamespaces installs the first usable namespace. Rejected namespaces
// are logged and skipped. An error is returned only when a probe command
// left the controller Failed.
func (c *Controller) probeNamespaces(ctx context.Context) error {
	ids := []uint32{1}
	if c.cfg.ProbeAllNamespaces {
		ids = ids[:0]
		for id := uint32(1); id <= c.identity.Namespaces; id++ {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		ns, err := c.probeNamespace(ctx, id)
		if err != nil {
			c.log.Warn("namespace rejected", "nsid", id, "err", err)
			if c.state == StateFailed {
				return fmt.Errorf("identify namespace %d: %w", id, err)
			}
			continue
		}
		c.ns = ns
		c.log.Info("namespace ready", "nsid", id, "capacity", ns.Capacity().String(), "max_blocks", ns.MaxBlocks)
		return nil
	}
	return nil
}

func (c *Controller) probeNamespace(ctx context.Context, id uint32) (*Namespace, error) {
	var ns *Namespace
	err := c.identify(ctx, cnsNamespace, id, func(b []byte) error {
		raw, err := parseIdentifyNamespace(b)
		if err != nil {
			return err
		}
		ns, err = newNamespace(c, id, &raw, c.identity.MDTS)
		return err
	})
	return ns, err
}

// ActiveNamespaces returns the active namespace IDs the controller reports.
func (c *Controller) ActiveNamespaces(ctx context.Context) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.running(); err != nil {
		return nil, opError("active namespaces", err)
	}
	var ids []uint32
	err := c.identify(ctx, cnsActiveNamespaces, 0, func(b []byte) error {
		ids = parseNamespaceList(b)
		return nil
	})
	return ids, opError("active namespaces", err)
}

// running reports whether the controller can accept commands.
func (c *Controller) running() error {
	switch c.state {
	case StateNamespacesProbed:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrState, c.state)
	}
}

// usable reports whether block I/O can be issued.
func (c *Controller) usable() error {
	if err := c.running(); err != nil {
		return err
	}
	if c.ns == nil {
		return ErrNoNamespace
	}
	return nil
}

// Capacity returns the geometry of the active namespace.
func (c *Controller) Capacity() (blockdev.Capacity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return blockdev.Capacity{}, opError("capacity", err)
	}
	return c.ns.Capacity(), nil
}

// ReadBlocks reads count blocks starting at lba into buf.
func (c *Controller) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error {
	return c.transferBlocks(ctx, lba, count, buf, false)
}

// WriteBlocks writes count blocks from buf starting at lba.
func (c *Controller) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer) error {
	return c.transferBlocks(ctx, lba, count, buf, true)
}

func (c *Controller) transferBlocks(ctx context.Context, lba uint64, count uint32, buf *dma.Buffer, write bool) error {
	ns := c.Namespace()
	if ns == nil {
		c.mu.Lock()
		err := c.running()
		c.mu.Unlock()
		if err == nil {
			err = ErrNoNamespace
		}
		return opError("transfer", err)
	}
	if err := ns.checkRange(lba, count, buf); err != nil {
		return opError("transfer", err)
	}
	off := 0
	for count > 0 {
		var (
			n   uint32
			err error
		)
		chunk := buf.Slice(off, buf.Len()-off)
		if write {
			n, err = ns.Write(ctx, lba, count, chunk)
		} else {
			n, err = ns.Read(ctx, lba, count, chunk)
		}
		if err != nil {
			return err
		}
		lba += uint64(n)
		count -= n
		off += int(n) * int(ns.BlockSize)
	}
	return nil
}

// Flush flushes the active namespace.
func (c *Controller) Flush(ctx context.Context) error {
	ns := c.Namespace()
	if ns == nil {
		return opError("flush", ErrNoNamespace)
	}
	return ns.Flush(ctx)
}

// Close deletes the I/O queues, shuts the controller down and releases its
// memory. reason is logged.
func (c *Controller) Close(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return opError("close", ErrClosed)
	}
	c.log.Info("closing controller", "state", c.state, "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout+c.readyTimeout())
	defer cancel()

	err := c.teardown(ctx)
	c.setState(StateClosed)
	if c.fn != nil {
		err = errors.Join(err, c.fn.Close())
	}
	return opError("close", err)
}

// teardown releases everything bring-up created, in reverse order. Memory
// the device may still use is only freed once the controller is disabled.
func (c *Controller) teardown(ctx context.Context) error {
	var errs []error
	errs = append(errs, c.deleteIOQueues(ctx))

	if c.adminSQ != nil {
		if err := c.shutdown(ctx); err != nil {
			c.log.Error("controller did not stop; leaking queue memory", "err", err)
			return errors.Join(append(errs, err)...)
		}
	}
	errs = append(errs, c.freeIOQueues())
	if c.adminSQ != nil {
		errs = append(errs, c.adminSQ.destroy())
		c.adminSQ = nil
	}
	if c.adminCQ != nil {
		errs = append(errs, c.adminCQ.destroy())
		c.adminCQ = nil
	}
	for _, b := range []**dma.Buffer{&c.prpList, &c.bounce} {
		if *b != nil {
			errs = append(errs, c.alloc.Free(*b))
			*b = nil
		}
	}
	c.ns = nil
	return errors.Join(errs...)
}

// shutdown stops the controller: a normal shutdown notification when
// configured and the controller is healthy, then CC.EN cleared.
func (c *Controller) shutdown(ctx context.Context) error {
	if c.cfg.GracefulShutdown && c.state != StateFailed && c.regs.status()&cstsReady != 0 {
		cc := c.regs.config()
		c.regs.setConfig(cc&^ccShnMask | ccShnNormal)
		if err := c.waitStatus(ctx, cstsShstMask, cstsShstComplete, false); err != nil {
			c.log.Warn("shutdown notification not acknowledged", "err", err)
		}
	}
	return c.disable(ctx)
}
