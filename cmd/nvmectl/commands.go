package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/nvme/internal/blockdev"
	"github.com/tinyrange/nvme/internal/config"
	"github.com/tinyrange/nvme/internal/trace"
)

// progress returns a writer that draws a progress bar on a terminal stderr
// and discards otherwise.
func progress(size int64, title string) (io.Writer, func()) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return io.Discard, func() {}
	}
	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(title),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	return bar, func() { bar.Close() }
}

func summarize(s *session) (string, error) {
	capacity, err := s.ctrl.Capacity()
	if err != nil {
		return "", err
	}
	id := s.ctrl.Identity()
	return fmt.Sprintf("%s\t%s\t%s\tNVMe %s\t%s", s.ctrl, id.Model, id.Serial, id.Version, capacity), nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	identify := fs.Bool("identify", false, "open each controller and print its identity")
	jobs := fs.Int("j", 4, "controllers opened at once with -identify")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var targets []string
	if a.emulate {
		targets = []string{emulatedName}
	} else {
		var err error
		if targets, err = scanHardware(); err != nil {
			return err
		}
	}
	if !*identify {
		for _, t := range targets {
			fmt.Println(t)
		}
		return nil
	}

	lines := make([]string, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*jobs, 1))
	for i, t := range targets {
		g.Go(func() error {
			s, err := a.open(ctx, t)
			if err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			defer s.Close()
			lines[i], err = summarize(s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func cmdIdentify(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("identify", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := a.target(fs)
	if err != nil {
		return err
	}
	s, err := a.open(ctx, target)
	if err != nil {
		return err
	}
	defer s.Close()

	id := s.ctrl.Identity()
	caps := s.ctrl.Capabilities()
	fmt.Printf("controller:    %s\n", s.ctrl)
	fmt.Printf("model:         %s\n", id.Model)
	fmt.Printf("serial:        %s\n", id.Serial)
	fmt.Printf("firmware:      %s\n", id.Firmware)
	fmt.Printf("vendor:        %04x (subsystem %04x)\n", id.VendorID, id.SubsystemVendorID)
	fmt.Printf("version:       %s\n", s.ctrl.Version())
	fmt.Printf("controller id: %d\n", id.ControllerID)
	fmt.Printf("queue entries: %d max, doorbell stride %d\n", caps.MaxQueueEntries(), caps.DoorbellStride())
	fmt.Printf("ready timeout: %s\n", caps.Timeout())
	if id.MDTS != 0 {
		fmt.Printf("max transfer:  %s\n", humanize.IBytes(uint64(caps.MinPageSize())<<id.MDTS))
	} else {
		fmt.Printf("max transfer:  unlimited\n")
	}
	fmt.Printf("namespaces:    %d\n", id.Namespaces)

	active, err := s.ctrl.ActiveNamespaces(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(active))
	for i, nsid := range active {
		ids[i] = fmt.Sprint(nsid)
	}
	fmt.Printf("active:        %s\n", strings.Join(ids, " "))
	if ns := s.ctrl.Namespace(); ns != nil {
		fmt.Printf("attached:      %s, %d bytes metadata\n", ns, ns.MetadataSize)
	}
	return nil
}

// blockFlags are the flags shared by read and write.
type blockFlags struct {
	lba   *uint64
	count *uint64
}

func addBlockFlags(fs *flag.FlagSet) blockFlags {
	return blockFlags{
		lba:   fs.Uint64("lba", 0, "first block"),
		count: fs.Uint64("count", 0, "number of blocks (0 reads to the end of the namespace)"),
	}
}

// byteDevice opens target and wraps it for byte-addressed access, with the
// block cache in front when configured.
func (a *app) byteDevice(ctx context.Context, target string) (*session, *blockdev.ReadWriterAt, blockdev.Capacity, error) {
	s, err := a.open(ctx, target)
	if err != nil {
		return nil, nil, blockdev.Capacity{}, err
	}
	capacity, err := s.ctrl.Capacity()
	if err != nil {
		s.Close()
		return nil, nil, blockdev.Capacity{}, err
	}
	var dev blockdev.Device = s.ctrl
	if a.cfg.CacheBlocks > 0 {
		if dev, err = blockdev.NewCache(s.ctrl, a.cfg.CacheBlocks); err != nil {
			s.Close()
			return nil, nil, blockdev.Capacity{}, err
		}
	}
	rw, err := blockdev.NewReadWriterAt(ctx, dev, s.alloc)
	if err != nil {
		s.Close()
		return nil, nil, blockdev.Capacity{}, err
	}
	s.closers = append(s.closers, rw.Close)
	return s, rw, capacity, nil
}

func cmdRead(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	bf := addBlockFlags(fs)
	output := fs.String("o", "-", "output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := a.target(fs)
	if err != nil {
		return err
	}
	s, rw, capacity, err := a.byteDevice(ctx, target)
	if err != nil {
		return err
	}
	defer s.Close()

	if *bf.lba >= capacity.Blocks {
		return fmt.Errorf("lba %d beyond %d blocks", *bf.lba, capacity.Blocks)
	}
	count := *bf.count
	if count == 0 {
		count = capacity.Blocks - *bf.lba
	}
	off := int64(*bf.lba) * int64(capacity.BlockSize)
	n := int64(count) * int64(capacity.BlockSize)

	var out io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	bar, done := progress(n, "read")
	defer done()

	start := time.Now()
	copied, err := io.Copy(io.MultiWriter(out, bar), io.NewSectionReader(rw, off, n))
	if err != nil {
		return err
	}
	a.log.Info("read complete", "bytes", humanize.IBytes(uint64(copied)), "elapsed", time.Since(start))
	return nil
}

func cmdWrite(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	bf := addBlockFlags(fs)
	input := fs.String("i", "-", "input file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := a.target(fs)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	size := int64(-1)
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		if fi, err := f.Stat(); err == nil {
			size = fi.Size()
		}
		in = f
	}

	s, rw, capacity, err := a.byteDevice(ctx, target)
	if err != nil {
		return err
	}
	defer s.Close()

	off := int64(*bf.lba) * int64(capacity.BlockSize)
	if *bf.count != 0 {
		in = io.LimitReader(in, int64(*bf.count)*int64(capacity.BlockSize))
	}
	bar, done := progress(size, "write")
	defer done()

	start := time.Now()
	copied, err := io.Copy(io.MultiWriter(io.NewOffsetWriter(rw, off), bar), in)
	if err != nil {
		return err
	}
	if err := s.ctrl.Flush(ctx); err != nil {
		return err
	}
	a.log.Info("write complete", "bytes", humanize.IBytes(uint64(copied)), "elapsed", time.Since(start))
	return nil
}

func cmdTrace(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	filename := a.cfg.TraceFile
	if fs.NArg() > 0 {
		filename = fs.Arg(0)
	}
	if filename == "" {
		return fmt.Errorf("no trace file given")
	}
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	summaries, err := trace.Summarize(f)
	if err != nil {
		return fmt.Errorf("read trace file: %w", err)
	}
	fmt.Printf("%-14s %8s %8s %12s %12s %12s\n", "COMMAND", "COUNT", "FAILED", "MEAN", "MAX", "TOTAL")
	for _, s := range summaries {
		fmt.Printf("%-14s %8d %8d %12s %12s %12s\n", s.Name, s.Count, s.Failures, s.Mean(), s.Max, s.Total)
	}
	return nil
}

func cmdConfig(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	write := fs.Bool("write", false, "write the effective configuration to the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *write {
		if err := config.Write(a.configPath, a.cfg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", a.configPath)
		return nil
	}
	return config.Encode(os.Stdout, a.cfg)
}
