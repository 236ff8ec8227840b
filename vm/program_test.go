package vm

import (
	"sync"
	"testing"

	"github.com/chazu/procvm/heap"
)

func TestProgramBootstrap(t *testing.T) {
	program := newTestProgram(t, "boot", nil)
	if program.Name() != "boot" {
		t.Fatalf("Name = %q", program.Name())
	}
	for name, a := range map[string]heap.Address{
		"array":  program.ArrayClass(),
		"stack":  program.StackClass(),
		"null":   program.NullObject(),
		"true":   program.TrueObject(),
		"false":  program.FalseObject(),
		"double": program.DoubleClass(),
	} {
		if a == heap.NoAddress {
			t.Errorf("%s root is missing", name)
		}
	}
	if program.TrueObject() == program.FalseObject() {
		t.Fatal("true and false are the same object")
	}
	if program.SharedUsage().Total() == 0 {
		t.Fatal("shared heap is empty after bootstrap")
	}
}

func TestProgramUnnamedUsesID(t *testing.T) {
	program, err := NewProgram(heap.NewMemory(0), ProgramConfig{})
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	if program.Name() != program.ID().String() {
		t.Fatalf("Name = %q, want the program id", program.Name())
	}
	if program.Config().ExitCodes != DefaultExitCodes {
		t.Fatalf("ExitCodes = %+v", program.Config().ExitCodes)
	}
}

// ---------------------------------------------------------------------------
// Triangle counting
// ---------------------------------------------------------------------------

// TestProgramTriangleCount spawns a parent with three children. The parent
// ends first; it must only be deleted once the third child is gone.
func TestProgramTriangleCount(t *testing.T) {
	program := newTestProgram(t, "triangle", nil)
	parent := program.SpawnProcess(nil)
	var children []*Process
	for i := 0; i < 3; i++ {
		children = append(children, program.SpawnProcess(parent))
	}
	if n := parent.TriangleCount(); n != 4 {
		t.Fatalf("parent triangle count = %d, want 4", n)
	}

	retire(t, parent)
	if program.ScheduleProcessForDeletion(parent, SignalTerminated) {
		t.Fatal("parent deleted while children are alive")
	}
	if _, ok := program.Process(parent.ID()); !ok {
		t.Fatal("parent left the process list too early")
	}

	for i, idx := range []int{2, 0, 1} {
		c := children[idx]
		retire(t, c)
		deleted := program.ScheduleProcessForDeletion(c, SignalTerminated)
		if _, ok := program.Process(c.ID()); ok {
			t.Errorf("child %d still listed after deletion", idx)
		}
		last := i == 2
		if deleted != last {
			t.Fatalf("deletion %d reported root deleted = %v", i+1, deleted)
		}
		_, listed := program.Process(parent.ID())
		if listed == last {
			t.Fatalf("after deletion %d parent listed = %v", i+1, listed)
		}
		if !last {
			if n := parent.TriangleCount(); n != 3-i-1 {
				t.Fatalf("after deletion %d parent triangle count = %d", i+1, n)
			}
		}
	}
	if n := len(program.Processes()); n != 0 {
		t.Fatalf("%d processes left", n)
	}
	if k := program.ExitKind(); k != SignalTerminated {
		t.Fatalf("exit kind = %s", k)
	}
}

func TestProgramRootExitKind(t *testing.T) {
	program := newTestProgram(t, "root-kind", nil)
	p := program.SpawnProcess(nil)
	retire(t, p)
	program.ScheduleProcessForDeletion(p, SignalCompileTimeError)
	if code := program.ExitCode(); code != DefaultExitCodes.CompileTimeError {
		t.Fatalf("exit code = %d, want %d", code, DefaultExitCodes.CompileTimeError)
	}
}

func TestProgramDeletionRequiresWaiting(t *testing.T) {
	program := newTestProgram(t, "waiting", nil)
	p := program.SpawnProcess(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("deleting a sleeping process did not panic")
		}
	}()
	program.ScheduleProcessForDeletion(p, SignalTerminated)
}

// ---------------------------------------------------------------------------
// Shared heap
// ---------------------------------------------------------------------------

func TestProgramSharedCollectionRequiresStop(t *testing.T) {
	program := newTestProgram(t, "running", nil)
	defer func() {
		if recover() == nil {
			t.Fatal("collecting a running program did not panic")
		}
	}()
	program.CollectSharedGarbage()
}

// TestProgramSharedCollection keeps one shared array alive through a process
// handle and drops another.
func TestProgramSharedCollection(t *testing.T) {
	program := newTestProgram(t, "shared", nil)
	p := program.SpawnProcess(nil)
	class := program.ArrayClass()
	alloc := func() heap.Address {
		a, err := program.AllocateShared(func(h *heap.Heap) (heap.Address, error) {
			return h.AllocateArray(class, 8, heap.Zero)
		})
		if err != nil {
			t.Fatalf("AllocateShared: %v", err)
		}
		return a
	}
	kept := alloc()
	alloc()
	p.AddHandle(heap.FromAddress(kept))

	var events []GCEvent
	program.config.Sinks = []GCEventSink{sinkFunc(func(ev GCEvent) { events = append(events, ev) })}

	program.state.setPaused(true)
	stats := program.CollectSharedGarbage()
	program.state.setPaused(false)

	if stats.Freed == 0 {
		t.Fatal("dropped array was not freed")
	}
	if got := p.Handle(0).Address(); got != kept {
		t.Fatalf("kept array moved from %s to %s in a non-moving space", kept, got)
	}
	if n := program.LoadShared(kept, 0); n != heap.FromSmallInt(8) {
		t.Fatalf("kept array length slot = %s", n)
	}
	if len(events) != 1 || events[0].Process != 0 || events[0].ProgramName != "shared" {
		t.Fatalf("events = %+v", events)
	}
}

type sinkFunc func(ev GCEvent)

func (f sinkFunc) RecordCollection(ev GCEvent) { f(ev) }

func TestProgramCreateClass(t *testing.T) {
	program := newTestProgram(t, "classes", nil)
	class, err := program.CreateClass(heap.NewFormat(heap.TypeInstance, 3))
	if err != nil {
		t.Fatalf("CreateClass: %v", err)
	}
	p := program.SpawnProcess(nil)
	obj, err := p.NewInstance(class)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	p.Heap().Store(obj, 2, heap.FromSmallInt(9))
	if w := p.Heap().Load(obj, 2); w != heap.FromSmallInt(9) {
		t.Fatalf("field 2 = %s", w)
	}
}

// TestProgramChainStacks collects every process heap with stack chaining.
func TestProgramChainStacks(t *testing.T) {
	program := newTestProgram(t, "chains", nil)
	for i := 0; i < 3; i++ {
		if _, err := program.ProcessSpawnForMain(); err != nil {
			t.Fatalf("ProcessSpawnForMain: %v", err)
		}
	}
	program.state.setPaused(true)
	defer program.state.setPaused(false)

	if n := program.CollectGarbageAndChainStacks(); n != 3 {
		t.Fatalf("chained %d stacks, want 3", n)
	}
	seen := make(map[uint64]bool)
	program.VisitChainedStacks(func(p *Process, stack heap.Address) {
		if stack != p.Stack() {
			t.Errorf("%s: chained %s, stack is %s", p, stack, p.Stack())
		}
		seen[p.ID()] = true
	})
	if len(seen) != 3 {
		t.Fatalf("visited stacks of %d processes", len(seen))
	}
	program.UnchainStacks()
	if err := program.ValidateHeaps(); err != nil {
		t.Fatalf("ValidateHeaps: %v", err)
	}
}

func TestProgramKillAll(t *testing.T) {
	program := newTestProgram(t, "kill", nil)
	for i := 0; i < 3; i++ {
		program.SpawnProcess(nil)
	}
	if n := program.KillAll(); n != 3 {
		t.Fatalf("KillAll = %d, want 3", n)
	}
	if n := program.KillAll(); n != 0 {
		t.Fatalf("second KillAll = %d, want 0", n)
	}
	for _, p := range program.Processes() {
		if sig := p.Signal(); sig == nil || sig.Kind != SignalShouldKill {
			t.Errorf("%s: signal = %v", p, sig)
		}
	}
}

func TestProgramConcurrentSpawn(t *testing.T) {
	program := newTestProgram(t, "spawn", nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				program.SpawnProcess(nil)
			}
		}()
	}
	wg.Wait()
	list := program.Processes()
	if len(list) != 80 {
		t.Fatalf("%d processes, want 80", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID() >= list[i].ID() {
			t.Fatal("Processes is not in id order")
		}
	}
}
