package vm

import (
	"testing"

	"github.com/chazu/procvm/heap"
)

func TestExitCodesFor(t *testing.T) {
	codes := ExitCodes{CompileTimeError: 3, UncaughtException: 4, BreakPoint: 5}
	want := map[SignalKind]int{
		SignalTerminated:        0,
		SignalCompileTimeError:  3,
		SignalUncaughtException: 4,
		SignalUnhandledSignal:   4,
		SignalKilled:            4,
		SignalBreakPoint:        5,
	}
	for kind, code := range want {
		if got := codes.For(kind); got != code {
			t.Errorf("For(%s) = %d, want %d", kind, got, code)
		}
	}
	defer func() {
		if recover() == nil {
			t.Fatal("For(should-kill) did not panic")
		}
	}()
	codes.For(SignalShouldKill)
}

func TestProcessStateTransitions(t *testing.T) {
	program := newTestProgram(t, "states", nil)
	p := program.SpawnProcess(nil)
	if p.State() != StateSleeping {
		t.Fatalf("new process is %s", p.State())
	}
	if p.ChangeState(StateReady, StateRunning) {
		t.Fatal("transition from a state the process is not in succeeded")
	}
	if !p.ChangeState(StateSleeping, StateReady) {
		t.Fatal("Sleeping -> Ready failed")
	}
	if StateReady.IsTerminal() || !StateWaitingForChildren.IsTerminal() {
		t.Fatal("IsTerminal is wrong")
	}
	if s := StateYielding.String(); s != "yielding" {
		t.Fatalf("String = %q", s)
	}
}

func TestProcessSignalOnce(t *testing.T) {
	program := newTestProgram(t, "signal", nil)
	p := program.SpawnProcess(nil)
	if !p.Kill() {
		t.Fatal("Kill refused")
	}
	if p.SendSignal(&Signal{Kind: SignalUncaughtException}) {
		t.Fatal("second signal replaced the pending one")
	}
	if p.Signal().Kind != SignalShouldKill {
		t.Fatalf("pending signal = %s", p.Signal().Kind)
	}
}

func TestProcessInterruptFlags(t *testing.T) {
	program := newTestProgram(t, "flags", nil)
	p := program.SpawnProcess(nil)
	p.Preempt()
	p.Profile()
	if !p.TakeInterrupt() || p.TakeInterrupt() {
		t.Fatal("interrupt not taken exactly once")
	}
	if !p.TakeProfile() || p.TakeProfile() {
		t.Fatal("profile request not taken exactly once")
	}
}

func TestProcessAllocateCollects(t *testing.T) {
	program := newTestProgram(t, "alloc", nil)
	p := program.SpawnProcess(nil)
	keep, err := p.NewArray(4, heap.Zero)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	h := p.AddHandle(heap.FromAddress(keep))
	// Far more garbage than the young generation holds.
	for i := 0; i < 2000; i++ {
		if _, err := p.NewArray(16, heap.Zero); err != nil {
			t.Fatalf("NewArray %d: %v", i, err)
		}
	}
	if program.Collections() == 0 {
		t.Fatal("allocation never collected")
	}
	if n := p.Heap().Length(p.Handle(h).Address()); n != 4 {
		t.Fatalf("kept array length = %d", n)
	}
	if n := p.ObjectRoots(); n != 1 {
		t.Fatalf("ObjectRoots = %d, want 1", n)
	}
}
