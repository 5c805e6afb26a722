// Package config loads the nvmectl configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nvme/internal/nvme"
)

const (
	Filename = "nvmectl.yaml"

	DefaultCacheBlocks  = 1024
	DefaultEmulateSize  = 64 << 20
	DefaultArenaPages   = 4096
	DefaultBlockSizeLog = 9
)

// Config is the nvmectl configuration file.
type Config struct {
	Version int `yaml:"version"`
	// Device is the PCI address used when a command names none.
	Device string `yaml:"device,omitempty"`
	// TraceFile receives a command trace when set.
	TraceFile string `yaml:"traceFile,omitempty"`
	// CacheBlocks sizes the block cache used by read; 0 disables it.
	CacheBlocks int `yaml:"cacheBlocks"`

	Emulate Emulation   `yaml:"emulate"`
	Driver  nvme.Config `yaml:"driver"`
}

// Emulation describes the software controller used with -emulate.
type Emulation struct {
	// Image backs the namespace. Empty means an in-memory disk.
	Image        string `yaml:"image,omitempty"`
	Size         int64  `yaml:"size,omitempty"`
	BlockSizeLog uint8  `yaml:"blockSizeLog,omitempty"`
	MDTS         uint8  `yaml:"mdts,omitempty"`
	Serial       string `yaml:"serial,omitempty"`
	Model        string `yaml:"model,omitempty"`
	// ArenaPages sizes the simulated physical memory.
	ArenaPages int `yaml:"arenaPages,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	c := Config{CacheBlocks: DefaultCacheBlocks, Driver: nvme.DefaultConfig()}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CacheBlocks < 0 {
		c.CacheBlocks = 0
	}
	if c.Emulate.Size <= 0 {
		c.Emulate.Size = DefaultEmulateSize
	}
	if c.Emulate.BlockSizeLog == 0 {
		c.Emulate.BlockSizeLog = DefaultBlockSizeLog
	}
	if c.Emulate.ArenaPages <= 0 {
		c.Emulate.ArenaPages = DefaultArenaPages
	}
	if c.Emulate.Serial == "" {
		c.Emulate.Serial = "EMU0001"
	}
	if c.Emulate.Model == "" {
		c.Emulate.Model = "nvmectl emulated controller"
	}
}

func (c *Config) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported version %d", c.Version)
	}
	if bs := c.Emulate.BlockSizeLog; bs < 9 || bs > 12 {
		return fmt.Errorf("emulate.blockSizeLog %d outside 9..12", bs)
	}
	if c.Emulate.Size%(1<<c.Emulate.BlockSizeLog) != 0 {
		return fmt.Errorf("emulate.size %d is not a multiple of the block size", c.Emulate.Size)
	}
	if c.Driver.IORetries < 0 {
		return fmt.Errorf("driver.ioRetries %d is negative", c.Driver.IORetries)
	}
	return nil
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "nvmectl", Filename), nil
}

// Load reads the file at path. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating the directory.
func Write(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := Encode(f, cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return err
	}
	return enc.Close()
}
