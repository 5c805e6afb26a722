package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/nvme/internal/config"
	"github.com/tinyrange/nvme/internal/nvme"
	"github.com/tinyrange/nvme/internal/trace"
)

type app struct {
	cfg        config.Config
	configPath string
	log        *slog.Logger
	emulate    bool
	tracer     *trace.Recorder
}

func (a *app) options() []nvme.Option {
	opts := []nvme.Option{nvme.WithConfig(a.cfg.Driver), nvme.WithLogger(a.log)}
	if a.tracer != nil {
		opts = append(opts, nvme.WithTracer(a.tracer))
	}
	return opts
}

// target picks the controller a command works on.
func (a *app) target(fs *flag.FlagSet) (string, error) {
	if a.emulate {
		return emulatedName, nil
	}
	if fs.NArg() > 0 {
		return fs.Arg(0), nil
	}
	if a.cfg.Device != "" {
		return a.cfg.Device, nil
	}
	return "", errors.New("no device given and none configured")
}

var commands = map[string]func(ctx context.Context, a *app, args []string) error{
	"list":     cmdList,
	"identify": cmdIdentify,
	"read":     cmdRead,
	"write":    cmdWrite,
	"trace":    cmdTrace,
	"config":   cmdConfig,
}

func run() error {
	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = config.Filename
	}

	configPath := flag.String("config", defaultPath, "configuration file")
	emulate := flag.Bool("emulate", false, "use an emulated controller instead of PCI hardware")
	traceFile := flag.String("trace", "", "record every command to this file")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nvmectl - user space NVMe driver

USAGE:
  nvmectl [flags] <command> [command flags] [device]

COMMANDS:
  list      List NVMe controllers (-identify to open each one)
  identify  Print controller and namespace identity
  read      Read blocks to a file or stdout
  write     Write a file or stdin to blocks
  trace     Summarize a command trace
  config    Print or write the configuration file

DEVICES:
  PCI addresses in DDDD:BB:DD.F or BB:DD.F form. The controller must be
  unbound from any kernel driver. With -emulate a software controller is
  used and no device is needed.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("no command given")
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *traceFile != "" {
		cfg.TraceFile = *traceFile
	}

	a := &app{cfg: cfg, configPath: *configPath, log: log, emulate: *emulate}
	if cfg.TraceFile != "" && flag.Arg(0) != "trace" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		a.tracer, err = trace.NewRecorder(f, nvme.TraceNames())
		if err != nil {
			return err
		}
		defer a.tracer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return cmd(ctx, a, flag.Args()[1:])
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nvmectl: %v\n", err)
		os.Exit(1)
	}
}
