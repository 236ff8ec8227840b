package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/procvm/vm"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[scheduler]
workers = 4
gc_on_delete = true
gc_interval_ms = 250

[heap]
young_size = 32768
old_size = 131072
validate_heaps = true

[exit]
uncaught_exception = 70

[trace]
journal = "gc.cbor"
database = "/var/tmp/gc.db"

[server]
connect_address = "localhost:7070"

[[programs]]
name = "alloc"
processes = 8
slices = 50
alloc_words = 16
retain_every = 4

[[programs]]
name = "crash"
exit = "uncaught_exception"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	opts := c.SchedulerOptions()
	if opts.Workers != 4 || !opts.GCOnDelete || opts.GCInterval != 250*time.Millisecond {
		t.Errorf("scheduler options = %+v", opts)
	}
	pc := c.ProgramConfig("alloc")
	if pc.ProcessHeap.YoungSize != 32768 || pc.ProcessHeap.OldSize != 131072 || !pc.ValidateHeaps {
		t.Errorf("program config = %+v", pc)
	}
	codes := c.ExitCodes()
	if codes.UncaughtException != 70 {
		t.Errorf("uncaught exception code = %d, want 70", codes.UncaughtException)
	}
	if codes.CompileTimeError != vm.DefaultExitCodes.CompileTimeError {
		t.Errorf("compile time error code = %d, want default", codes.CompileTimeError)
	}
	if len(c.Programs) != 2 {
		t.Fatalf("programs count = %d, want 2", len(c.Programs))
	}
	if c.Programs[1].Slices != 100 || c.Programs[1].Exit != "uncaught_exception" {
		t.Errorf("crash program = %+v", c.Programs[1])
	}
	if got := c.Path(c.Trace.Journal); got != filepath.Join(c.Dir, "gc.cbor") {
		t.Errorf("journal path = %q", got)
	}
	if got := c.Path(c.Trace.Database); got != "/var/tmp/gc.db" {
		t.Errorf("database path = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := Default()
	if c.Heap.YoungSize != vm.DefaultProcessHeap.YoungSize {
		t.Errorf("young size = %d", c.Heap.YoungSize)
	}
	if c.ExitCodes() != vm.DefaultExitCodes {
		t.Errorf("exit codes = %+v", c.ExitCodes())
	}
	if err := Validate(c); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"syntax", "[scheduler\nworkers = 1", "parse error"},
		{"unknown key", "[scheduler]\nthreads = 2", "unknown key"},
		{"negative workers", "[scheduler]\nworkers = -1", "invalid configuration"},
		{"exit code range", "[exit]\nbreakpoint = 300", "invalid configuration"},
		{"duplicate exit codes", "[exit]\nbreakpoint = 255", "both 255"},
		{"bad exit kind", "[[programs]]\nname = \"x\"\nexit = \"crashed\"", "invalid configuration"},
		{"unnamed program", "[[programs]]\nslices = 3", "invalid configuration"},
		{"duplicate program", "[[programs]]\nname = \"x\"\n[[programs]]\nname = \"x\"", "defined twice"},
		{"young exceeds old", "[heap]\nyoung_size = 8192\nold_size = 4096", "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[scheduler]\nworkers = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if c.Scheduler.Workers != 2 {
		t.Errorf("workers = %d, want 2", c.Scheduler.Workers)
	}
	want, _ := filepath.Abs(root)
	if c.Dir != want {
		t.Errorf("dir = %q, want %q", c.Dir, want)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	// A temp dir may sit below a directory holding procvm.toml; only a nil
	// result is checked when nothing was found.
	if c != nil && c.Dir == "" {
		t.Error("loaded config without a directory")
	}
}
