package vm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chazu/procvm/heap"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := NewScheduler(Options{Workers: workers})
	t.Cleanup(s.Shutdown)
	return s
}

func newTestProgram(t *testing.T, name string, interp Interpreter) *Program {
	t.Helper()
	p, err := NewProgram(heap.NewMemory(0), ProgramConfig{
		Name:          name,
		ProcessHeap:   heap.Config{YoungSize: 16 * 1024, OldSize: 64 * 1024},
		Interpreter:   interp,
		ValidateHeaps: true,
	})
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	return p
}

// runToExit runs program on s and returns its exit code.
func runToExit(t *testing.T, s *Scheduler, program *Program) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	codes, err := NewSimpleProgramRunner(s).Run(ctx, []*Program{program}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return codes[0]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// exitWatcher captures the exit code of a program scheduled directly.
type exitWatcher struct {
	ch chan int
}

func watchExit(program *Program) *exitWatcher {
	w := &exitWatcher{ch: make(chan int, 1)}
	program.SetExitListener(func(_ *Program, code int) { w.ch <- code })
	return w
}

func (w *exitWatcher) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-w.ch:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("program did not exit")
		return -1
	}
}

// sliceCounter counts interpretation slices per process.
type sliceCounter struct {
	mu     sync.Mutex
	counts map[uint64]int
}

func newSliceCounter() *sliceCounter {
	return &sliceCounter{counts: make(map[uint64]int)}
}

func (c *sliceCounter) add(p *Process) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[p.ID()]++
	return c.counts[p.ID()]
}

func (c *sliceCounter) get(id uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func (c *sliceCounter) snapshot() map[uint64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// retire moves a fresh process through a terminal path without scheduling
// it.
func retire(t *testing.T, p *Process) {
	t.Helper()
	if !p.ChangeState(StateSleeping, StateWaitingForChildren) {
		t.Fatalf("%s: cannot retire from %s", p, p.State())
	}
}
