// Package config handles mvm.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/mvm/immix"
	"github.com/dustin/go-humanize"
)

// FileName is the name of the configuration file.
const FileName = "mvm.toml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config represents an mvm.toml runtime configuration.
type Config struct {
	Scheduler Scheduler `toml:"scheduler"`
	Heap      Heap      `toml:"heap"`
	GC        GC        `toml:"gc"`
	Process   Process   `toml:"process"`
	Log       Log       `toml:"log"`
	Stats     Stats     `toml:"stats"`

	// Dir is the directory containing the mvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Scheduler configures the worker pool.
type Scheduler struct {
	Workers    int `toml:"workers"` // 0: one per CPU
	Reductions int `toml:"reductions"`
}

// Heap configures block preallocation and the generational policy.
type Heap struct {
	Preallocate     string `toml:"preallocate"` // byte size, e.g. "64MiB"
	MatureThreshold int    `toml:"mature_threshold"`
	PromoteAge      int    `toml:"promote_age"`
}

// GC configures the collector.
type GC struct {
	Workers int `toml:"workers"`
	Tracers int `toml:"tracers"`
}

// Process configures per-process limits.
type Process struct {
	MaxFrames int `toml:"max_frames"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Stats configures the statistics journal.
type Stats struct {
	Database string `toml:"database"` // empty: no journal
}

// Default returns the configuration used when no mvm.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Scheduler.Reductions == 0 {
		c.Scheduler.Reductions = 2000
	}
	if c.Heap.Preallocate == "" {
		c.Heap.Preallocate = "0"
	}
	if c.Heap.MatureThreshold == 0 {
		c.Heap.MatureThreshold = immix.DefaultMatureThreshold
	}
	if c.Heap.PromoteAge == 0 {
		c.Heap.PromoteAge = immix.DefaultPromoteAge
	}
	if c.GC.Workers == 0 {
		c.GC.Workers = 1
	}
	if c.GC.Tracers == 0 {
		c.GC.Tracers = 2
	}
	if c.Process.MaxFrames == 0 {
		c.Process.MaxFrames = 1024
	}
	if c.Log.Verbosity == 0 {
		c.Log.Verbosity = 1
	}
}

// Parse decodes configuration from TOML text and applies defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load parses the mvm.toml file in the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an mvm.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Scheduler.Workers < 0:
		return fmt.Errorf("%w: scheduler.workers = %d", ErrInvalid, c.Scheduler.Workers)
	case c.Scheduler.Reductions < 1:
		return fmt.Errorf("%w: scheduler.reductions = %d", ErrInvalid, c.Scheduler.Reductions)
	case c.Heap.MatureThreshold < 1:
		return fmt.Errorf("%w: heap.mature_threshold = %d", ErrInvalid, c.Heap.MatureThreshold)
	case c.Heap.PromoteAge < 1 || c.Heap.PromoteAge > 255:
		return fmt.Errorf("%w: heap.promote_age = %d", ErrInvalid, c.Heap.PromoteAge)
	case c.GC.Workers < 1:
		return fmt.Errorf("%w: gc.workers = %d", ErrInvalid, c.GC.Workers)
	case c.GC.Tracers < 1:
		return fmt.Errorf("%w: gc.tracers = %d", ErrInvalid, c.GC.Tracers)
	case c.Process.MaxFrames < 1:
		return fmt.Errorf("%w: process.max_frames = %d", ErrInvalid, c.Process.MaxFrames)
	}
	if _, err := c.PreallocateBlocks(); err != nil {
		return err
	}
	return nil
}

// PreallocateBlocks returns the number of blocks heap.preallocate covers,
// rounded up.
func (c *Config) PreallocateBlocks() (int, error) {
	n, err := humanize.ParseBytes(c.Heap.Preallocate)
	if err != nil {
		return 0, fmt.Errorf("%w: heap.preallocate %q: %v", ErrInvalid, c.Heap.Preallocate, err)
	}
	return int((n + immix.BlockSize - 1) / immix.BlockSize), nil
}

// StatsPath returns the absolute path of the statistics database, or ""
// when the journal is disabled.
func (c *Config) StatsPath() string {
	if c.Stats.Database == "" || filepath.IsAbs(c.Stats.Database) {
		return c.Stats.Database
	}
	return filepath.Join(c.Dir, c.Stats.Database)
}

// LogPath returns the absolute path of the log file, or "" for stderr.
func (c *Config) LogPath() string {
	if c.Log.File == "" || filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(c.Dir, c.Log.File)
}
