package nvme

import (
	"log/slog"
	"time"

	"github.com/tinyrange/nvme/internal/trace"
)

// Config holds driver tunables.
type Config struct {
	// ReadyTimeout bounds each wait for CSTS.RDY. Zero uses CAP.TO.
	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty"`
	// CommandTimeout bounds each wait for a completion.
	CommandTimeout time.Duration `yaml:"commandTimeout,omitempty"`
	// IORetries is how many times a failed I/O command is resubmitted.
	IORetries int `yaml:"ioRetries,omitempty"`
	// RetryInterval is the first backoff interval between I/O retries.
	RetryInterval time.Duration `yaml:"retryInterval,omitempty"`
	// RetryMaxInterval caps the backoff interval.
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval,omitempty"`
	// ProbeAllNamespaces walks namespace IDs 1..NN and installs the first
	// usable one instead of probing only namespace 1.
	ProbeAllNamespaces bool `yaml:"probeAllNamespaces,omitempty"`
	// GracefulShutdown uses CC.SHN on Close instead of clearing CC.EN.
	GracefulShutdown bool `yaml:"gracefulShutdown"`
}

// DefaultConfig returns the tunables used when none are given.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   5 * time.Second,
		IORetries:        3,
		RetryInterval:    time.Millisecond,
		RetryMaxInterval: 100 * time.Millisecond,
		GracefulShutdown: true,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.IORetries < 0 {
		c.IORetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RetryMaxInterval < c.RetryInterval {
		c.RetryMaxInterval = c.RetryInterval
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithName sets the name used in log records.
func WithName(name string) Option {
	return func(c *Controller) { c.name = name }
}

// WithTracer records every command to r.
func WithTracer(r *trace.Recorder) Option {
	return func(c *Controller) { c.tracer = r }
}

// TraceNames names the opcodes the driver issues, for trace.NewRecorder.
func TraceNames() trace.Names {
	return trace.Names{
		trace.Key(trace.Admin, opDeleteIOSQ): "delete-io-sq",
		trace.Key(trace.Admin, opCreateIOSQ): "create-io-sq",
		trace.Key(trace.Admin, opDeleteIOCQ): "delete-io-cq",
		trace.Key(trace.Admin, opCreateIOCQ): "create-io-cq",
		trace.Key(trace.Admin, opIdentify):   "identify",
		trace.Key(trace.IO, opFlush):         "flush",
		trace.Key(trace.IO, opWrite):         "write",
		trace.Key(trace.IO, opRead):          "read",
	}
}
