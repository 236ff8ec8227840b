// Package config handles procvm.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "procvm.toml"

// Config represents a procvm.toml file.
type Config struct {
	Scheduler Scheduler `toml:"scheduler" json:"scheduler"`
	Heap      Heap      `toml:"heap" json:"heap"`
	Exit      Exit      `toml:"exit" json:"exit"`
	Trace     Trace     `toml:"trace" json:"trace"`
	Server    Server    `toml:"server" json:"server"`
	Programs  []Program `toml:"programs" json:"programs"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Scheduler configures the worker pool and the GC thread.
type Scheduler struct {
	Workers      int  `toml:"workers" json:"workers"`
	GCOnDelete   bool `toml:"gc_on_delete" json:"gc_on_delete"`
	GCIntervalMs int  `toml:"gc_interval_ms" json:"gc_interval_ms"`
}

// Heap sizes the memory and the heaps of every program.
type Heap struct {
	MemoryLimit         int64 `toml:"memory_limit" json:"memory_limit"`
	YoungSize           int   `toml:"young_size" json:"young_size"`
	OldSize             int   `toml:"old_size" json:"old_size"`
	SharedSize          int   `toml:"shared_size" json:"shared_size"`
	ValidateHeaps       bool  `toml:"validate_heaps" json:"validate_heaps"`
	PrintHeapStatistics bool  `toml:"print_heap_statistics" json:"print_heap_statistics"`
}

// Exit holds the host exit codes of abnormal program exits.
type Exit struct {
	CompileTimeError  int `toml:"compile_time_error" json:"compile_time_error"`
	UncaughtException int `toml:"uncaught_exception" json:"uncaught_exception"`
	BreakPoint        int `toml:"breakpoint" json:"breakpoint"`
}

// Trace selects where collection events are recorded. Empty paths turn a
// destination off.
type Trace struct {
	Log      bool   `toml:"log" json:"log"`
	Journal  string `toml:"journal" json:"journal"`
	Database string `toml:"database" json:"database"`
}

// Server configures the inspection service. Empty addresses turn a
// transport off.
type Server struct {
	ConnectAddress string `toml:"connect_address" json:"connect_address"`
	GRPCAddress    string `toml:"grpc_address" json:"grpc_address"`
}

// Program describes one scripted workload program.
type Program struct {
	Name         string `toml:"name" json:"name"`
	Processes    int    `toml:"processes" json:"processes"`
	Slices       int    `toml:"slices" json:"slices"`
	AllocWords   int    `toml:"alloc_words" json:"alloc_words"`
	RetainEvery  int    `toml:"retain_every" json:"retain_every"`
	SharedEvery  int    `toml:"shared_every" json:"shared_every"`
	MessageEvery int    `toml:"message_every" json:"message_every"`
	YieldEvery   int    `toml:"yield_every" json:"yield_every"`
	Exit         string `toml:"exit" json:"exit"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses procvm.toml from the given directory.
func Load(dir string) (*Config, error) {
	c, err := LoadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// LoadFile parses and validates the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Dir = filepath.Dir(path)
	return c, nil
}

// Parse decodes TOML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	c.applyDefaults()
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a procvm.toml file, then loads
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults() {
	if c.Heap.YoungSize == 0 && c.Heap.OldSize == 0 {
		c.Heap.YoungSize = vm.DefaultProcessHeap.YoungSize
		c.Heap.OldSize = vm.DefaultProcessHeap.OldSize
	}
	if c.Exit.CompileTimeError == 0 {
		c.Exit.CompileTimeError = vm.DefaultExitCodes.CompileTimeError
	}
	if c.Exit.UncaughtException == 0 {
		c.Exit.UncaughtException = vm.DefaultExitCodes.UncaughtException
	}
	if c.Exit.BreakPoint == 0 {
		c.Exit.BreakPoint = vm.DefaultExitCodes.BreakPoint
	}
	for i := range c.Programs {
		p := &c.Programs[i]
		if p.Slices == 0 {
			p.Slices = 100
		}
		if p.Exit == "" {
			p.Exit = "terminated"
		}
	}
}

// GCInterval returns the periodic collection interval.
func (s Scheduler) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalMs) * time.Millisecond
}

// SchedulerOptions converts the scheduler section.
func (c *Config) SchedulerOptions() vm.Options {
	return vm.Options{
		Workers:    c.Scheduler.Workers,
		GCOnDelete: c.Scheduler.GCOnDelete,
		GCInterval: c.Scheduler.GCInterval(),
	}
}

// ProgramConfig returns the vm configuration of a program named name.
// Interpreter, session and sinks are left to the caller.
func (c *Config) ProgramConfig(name string) vm.ProgramConfig {
	return vm.ProgramConfig{
		Name:                name,
		ProcessHeap:         heap.Config{YoungSize: c.Heap.YoungSize, OldSize: c.Heap.OldSize},
		SharedHeapSize:      c.Heap.SharedSize,
		ExitCodes:           c.ExitCodes(),
		ValidateHeaps:       c.Heap.ValidateHeaps,
		PrintHeapStatistics: c.Heap.PrintHeapStatistics,
	}
}

// ExitCodes converts the exit section.
func (c *Config) ExitCodes() vm.ExitCodes {
	return vm.ExitCodes{
		CompileTimeError:  c.Exit.CompileTimeError,
		UncaughtException: c.Exit.UncaughtException,
		BreakPoint:        c.Exit.BreakPoint,
	}
}

// Path resolves p relative to the directory of the configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
