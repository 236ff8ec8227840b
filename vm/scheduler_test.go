package vm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/procvm/heap"
)

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// TestSchedulerMutualExclusion spawns many processes doing short slices on
// several workers and checks that no process is ever interpreted by two
// workers at once.
func TestSchedulerMutualExclusion(t *testing.T) {
	const children = 16
	const slices = 40

	s := newTestScheduler(t, 4)
	var inside sync.Map // process id -> *atomic.Int32
	var violations atomic.Int32
	counter := newSliceCounter()

	program := newTestProgram(t, "exclusion", InterpreterFunc(func(p *Process) Outcome {
		v, _ := inside.LoadOrStore(p.ID(), new(atomic.Int32))
		n := v.(*atomic.Int32)
		if n.Add(1) != 1 || p.State() != StateRunning || p.ProcessQueue() != nil {
			violations.Add(1)
		}
		defer n.Add(-1)

		count := counter.add(p)
		if p.Parent() == nil && count == 1 {
			for i := 0; i < children; i++ {
				child := p.Program().SpawnProcess(p)
				s.EnqueueProcessOnSchedulerWorkerThread(p, child)
			}
		}
		time.Sleep(10 * time.Microsecond)
		if count == slices {
			return Outcome{Kind: OutcomeTerminated}
		}
		return Outcome{Kind: OutcomeInterrupted}
	}))

	if code := runToExit(t, s, program); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := violations.Load(); n != 0 {
		t.Fatalf("%d slices ran concurrently with another slice of the same process", n)
	}
	counts := counter.snapshot()
	if len(counts) != children+1 {
		t.Fatalf("%d processes ran, want %d", len(counts), children+1)
	}
	for id, n := range counts {
		if n != slices {
			t.Errorf("process %d ran %d slices, want %d", id, n, slices)
		}
	}
	if left := len(program.Processes()); left != 0 {
		t.Errorf("%d processes left after exit", left)
	}
}

// TestSchedulerRepeatedYield has one process yield a thousand times, each
// time with a message to itself pending, so it must alternate between
// Running and Ready without ever sitting on two queues.
func TestSchedulerRepeatedYield(t *testing.T) {
	const yields = 1000

	s := newTestScheduler(t, 3)
	var violations atomic.Int32
	var received atomic.Int32

	program := newTestProgram(t, "yield", InterpreterFunc(func(p *Process) Outcome {
		if p.State() != StateRunning || p.ProcessQueue() != nil {
			violations.Add(1)
		}
		if p.Data == nil {
			ch, err := p.NewChannel()
			if err != nil {
				t.Errorf("NewChannel: %v", err)
				return Outcome{Kind: OutcomeTerminated}
			}
			p.AddHandle(heap.FromAddress(ch))
			p.Data = NewPort(p, ch)
		}
		port := p.Data.(*Port)
		if _, ok := p.Mailbox().Dequeue(); ok {
			received.Add(1)
		}
		n := int(received.Load())
		if n == yields {
			return Outcome{Kind: OutcomeTerminated}
		}
		if err := port.Send(ImmediateMessage(heap.FromSmallInt(int64(n)))); err != nil {
			t.Errorf("Send: %v", err)
		}
		return Outcome{Kind: OutcomeYielded}
	}))

	if code := runToExit(t, s, program); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := violations.Load(); n != 0 {
		t.Fatalf("%d slices saw the process queued or not running", n)
	}
	if n := received.Load(); n != yields {
		t.Fatalf("received %d messages, want %d", n, yields)
	}
}

// TestSchedulerSleepAndResume checks that a process yielding with an empty
// mailbox sleeps until ResumeProcess.
func TestSchedulerSleepAndResume(t *testing.T) {
	s := newTestScheduler(t, 2)
	counter := newSliceCounter()
	program := newTestProgram(t, "sleep", InterpreterFunc(func(p *Process) Outcome {
		if counter.add(p) == 1 {
			return Outcome{Kind: OutcomeYielded}
		}
		return Outcome{Kind: OutcomeTerminated}
	}))
	exit := watchExit(program)
	main, err := program.ProcessSpawnForMain()
	if err != nil {
		t.Fatalf("ProcessSpawnForMain: %v", err)
	}
	if err := s.ScheduleProgram(program, main); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	waitFor(t, "the process to sleep", func() bool {
		return counter.get(main.ID()) == 1 && main.State() == StateSleeping
	})
	time.Sleep(20 * time.Millisecond)
	if n := counter.get(main.ID()); n != 1 {
		t.Fatalf("sleeping process ran %d slices", n)
	}

	s.ResumeProcess(main)
	if code := exit.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := counter.get(main.ID()); n != 2 {
		t.Fatalf("process ran %d slices, want 2", n)
	}
}

// TestSchedulerTargetYield hands the worker directly to the owner of a
// port.
func TestSchedulerTargetYield(t *testing.T) {
	s := newTestScheduler(t, 1)
	var handoffs atomic.Int32
	var ports sync.Map // process id -> *Port

	program := newTestProgram(t, "handoff", InterpreterFunc(func(p *Process) Outcome {
		if p.Parent() != nil {
			// The child: register a port on the first slice, then wait for
			// the parent's message.
			if _, ok := ports.Load(p.ID()); !ok {
				ch, err := p.NewChannel()
				if err != nil {
					t.Errorf("NewChannel: %v", err)
					return Outcome{Kind: OutcomeTerminated}
				}
				p.AddHandle(heap.FromAddress(ch))
				ports.Store(p.ID(), NewPort(p, ch))
				return Outcome{Kind: OutcomeYielded}
			}
			if _, ok := p.Mailbox().Dequeue(); ok {
				handoffs.Add(1)
				return Outcome{Kind: OutcomeTerminated}
			}
			return Outcome{Kind: OutcomeYielded}
		}

		if p.Data == nil {
			child := p.Program().SpawnProcess(p)
			p.Data = child
			s.EnqueueProcessOnSchedulerWorkerThread(p, child)
			return Outcome{Kind: OutcomeInterrupted}
		}
		child := p.Data.(*Process)
		v, ok := ports.Load(child.ID())
		if !ok || child.State() != StateSleeping {
			return Outcome{Kind: OutcomeInterrupted}
		}
		port := v.(*Port)
		port.Lock()
		port.process.mailbox.Enqueue(ImmediateMessage(heap.FromSmallInt(7)))
		return Outcome{Kind: OutcomeTargetYielded, Port: port, Terminate: true}
	}))

	if code := runToExit(t, s, program); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if n := handoffs.Load(); n != 1 {
		t.Fatalf("child received %d messages, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Stop the world
// ---------------------------------------------------------------------------

// TestSchedulerPauseBarrier stops a busy program and watches the workers
// for 100ms: none may run a process of the program until it is resumed.
func TestSchedulerPauseBarrier(t *testing.T) {
	const children = 4

	s := newTestScheduler(t, 4)
	counter := newSliceCounter()
	program := newTestProgram(t, "barrier", InterpreterFunc(func(p *Process) Outcome {
		if counter.add(p) == 1 && p.Parent() == nil {
			for i := 0; i < children; i++ {
				s.EnqueueProcessOnSchedulerWorkerThread(p, p.Program().SpawnProcess(p))
			}
		}
		for i := 0; i < 1000; i++ {
			if p.TakeInterrupt() {
				break
			}
		}
		return Outcome{Kind: OutcomeInterrupted}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	waitFor(t, "all processes to run", func() bool { return len(counter.snapshot()) == children+1 })

	s.StopProgram(program)
	if n := s.PausedProcesses(program); n != children+1 {
		t.Fatalf("%d processes set aside, want %d", n, children+1)
	}
	before := counter.snapshot()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		for i := 0; i < s.MaxThreads(); i++ {
			if p := s.CurrentProcess(i); p != nil && p.Program() == program {
				t.Fatalf("worker %d runs %s while the program is stopped", i, p)
			}
		}
	}
	for _, p := range program.Processes() {
		if st := p.State(); st != StateReady {
			t.Errorf("%s is %s while stopped, want ready", p, st)
		}
		if p.ProcessQueue() != nil {
			t.Errorf("%s is queued while stopped", p)
		}
	}
	after := counter.snapshot()
	for id, n := range before {
		if after[id] != n {
			t.Errorf("process %d ran while stopped", id)
		}
	}

	s.ResumeProgram(program)
	waitFor(t, "every process to run again", func() bool {
		now := counter.snapshot()
		for id, n := range before {
			if now[id] <= n {
				return false
			}
		}
		return true
	})

	program.KillAll()
	if code := exit.wait(t); code != program.Config().ExitCodes.UncaughtException {
		t.Fatalf("exit code = %d, want the killed code", code)
	}
}

// TestSchedulerStopLeavesOtherPrograms checks that stopping one program
// keeps the processes of another running.
func TestSchedulerStopLeavesOtherPrograms(t *testing.T) {
	s := newTestScheduler(t, 2)
	counter := newSliceCounter()
	busy := InterpreterFunc(func(p *Process) Outcome {
		counter.add(p)
		return Outcome{Kind: OutcomeInterrupted}
	})
	stopped := newTestProgram(t, "stopped", busy)
	running := newTestProgram(t, "running", busy)
	for _, program := range []*Program{stopped, running} {
		if err := s.ScheduleProgram(program, nil); err != nil {
			t.Fatalf("ScheduleProgram: %v", err)
		}
	}
	other := running.Processes()[0]
	waitFor(t, "both programs to run", func() bool { return len(counter.snapshot()) == 2 })

	s.StopProgram(stopped)
	n := counter.get(other.ID())
	waitFor(t, "the other program to keep running", func() bool { return counter.get(other.ID()) > n+10 })
	s.ResumeProgram(stopped)

	for _, program := range []*Program{stopped, running} {
		exit := watchExit(program)
		program.KillAll()
		exit.wait(t)
		s.UnscheduleProgram(program)
	}
	if got := len(s.Programs()); got != 0 {
		t.Fatalf("%d programs still scheduled", got)
	}
}

// ---------------------------------------------------------------------------
// Exits and sessions
// ---------------------------------------------------------------------------

func TestSchedulerExitCodes(t *testing.T) {
	cases := []struct {
		name    string
		outcome OutcomeKind
		kind    SignalKind
		code    int
	}{
		{"terminated", OutcomeTerminated, SignalTerminated, 0},
		{"uncaught", OutcomeUncaughtException, SignalUncaughtException, DefaultExitCodes.UncaughtException},
		{"compile", OutcomeCompileTimeError, SignalCompileTimeError, DefaultExitCodes.CompileTimeError},
		{"breakpoint", OutcomeBreakPoint, SignalBreakPoint, DefaultExitCodes.BreakPoint},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestScheduler(t, 1)
			program := newTestProgram(t, c.name, InterpreterFunc(func(p *Process) Outcome {
				return Outcome{Kind: c.outcome}
			}))
			if code := runToExit(t, s, program); code != c.code {
				t.Fatalf("exit code = %d, want %d", code, c.code)
			}
			if k := program.ExitKind(); k != c.kind {
				t.Fatalf("exit kind = %s, want %s", k, c.kind)
			}
		})
	}
}

// TestSchedulerKillSleepingProcess wakes a sleeping process with a kill
// signal.
func TestSchedulerKillSleepingProcess(t *testing.T) {
	s := newTestScheduler(t, 2)
	program := newTestProgram(t, "kill", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeYielded}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)
	main := program.Processes()[0]
	waitFor(t, "the process to sleep", func() bool { return main.State() == StateSleeping })

	if !main.Kill() {
		t.Fatal("Kill refused")
	}
	if main.Kill() {
		t.Fatal("second Kill accepted while the first is pending")
	}
	if code := exit.wait(t); code != DefaultExitCodes.UncaughtException {
		t.Fatalf("exit code = %d, want %d", code, DefaultExitCodes.UncaughtException)
	}
	if k := program.ExitKind(); k != SignalKilled {
		t.Fatalf("exit kind = %s, want killed", k)
	}
}

// breakSession takes over breakpoints and hands them to the test.
type breakSession struct {
	hits chan *Process
}

func (b *breakSession) IsDebugging() bool               { return true }
func (b *breakSession) ProcessTerminated(*Process) bool { return false }
func (b *breakSession) UncaughtException(*Process) bool { return false }
func (b *breakSession) CompileTimeError(*Process) bool  { return false }
func (b *breakSession) Killed(*Process) bool            { return false }
func (b *breakSession) UncaughtSignal(*Process) bool    { return false }

func (b *breakSession) BreakPoint(p *Process) bool {
	b.hits <- p
	return true
}

func TestSchedulerBreakPointContinue(t *testing.T) {
	s := newTestScheduler(t, 1)
	counter := newSliceCounter()
	session := &breakSession{hits: make(chan *Process, 1)}
	program := newTestProgram(t, "continue", InterpreterFunc(func(p *Process) Outcome {
		if counter.add(p) == 1 {
			return Outcome{Kind: OutcomeBreakPoint}
		}
		return Outcome{Kind: OutcomeTerminated}
	}))
	program.SetSession(session)
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	p := <-session.hits
	if st := p.State(); st != StateBreakPoint {
		t.Fatalf("process is %s at the breakpoint", st)
	}
	s.ContinueProcess(p)
	if code := exit.wait(t); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestSchedulerBreakPointExit(t *testing.T) {
	s := newTestScheduler(t, 1)
	session := &breakSession{hits: make(chan *Process, 1)}
	program := newTestProgram(t, "detach", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeBreakPoint}
	}))
	program.SetSession(session)
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	s.ExitAtBreakPoint(<-session.hits)
	if code := exit.wait(t); code != DefaultExitCodes.BreakPoint {
		t.Fatalf("exit code = %d, want %d", code, DefaultExitCodes.BreakPoint)
	}
}

// TestSchedulerLinkedExit checks that an abnormal exit takes linked
// processes down with it.
func TestSchedulerLinkedExit(t *testing.T) {
	s := newTestScheduler(t, 2)
	program := newTestProgram(t, "linked", InterpreterFunc(func(p *Process) Outcome {
		if p.Parent() == nil {
			if p.Data == nil {
				child := p.Program().SpawnProcess(p)
				p.Data = child
				Link(p, child)
				s.EnqueueProcessOnSchedulerWorkerThread(p, child)
			}
			return Outcome{Kind: OutcomeYielded}
		}
		return Outcome{Kind: OutcomeUncaughtException}
	}))
	if code := runToExit(t, s, program); code != DefaultExitCodes.UncaughtException {
		t.Fatalf("exit code = %d, want %d", code, DefaultExitCodes.UncaughtException)
	}
	if k := program.ExitKind(); k != SignalUnhandledSignal {
		t.Fatalf("exit kind = %s, want unhandled-signal", k)
	}
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

func TestSchedulerTriggerGC(t *testing.T) {
	s := newTestScheduler(t, 2)
	program := newTestProgram(t, "gc", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeYielded}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	before := s.GCThread().CollectCount()
	s.TriggerGC(program)
	waitFor(t, "the collection", func() bool { return s.GCThread().CollectCount() > before })
	if stats := s.GCThread().LastStats(); stats == nil || stats.Program != "gc" {
		t.Fatalf("LastStats = %+v", stats)
	}
	waitFor(t, "the collection hold to drop", func() bool { return program.State().RetainCount() == 1 })

	program.KillAll()
	exit.wait(t)
}

func TestSchedulerCollectProgram(t *testing.T) {
	s := newTestScheduler(t, 2)
	program := newTestProgram(t, "collect", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeInterrupted}
	}))
	if _, _, err := s.CollectProgram(program); err == nil {
		t.Fatal("collected a program that is not scheduled")
	}
	class := program.ArrayClass()
	if _, err := program.AllocateShared(func(h *heap.Heap) (heap.Address, error) {
		return h.AllocateArray(class, 32, heap.Zero)
	}); err != nil {
		t.Fatalf("AllocateShared: %v", err)
	}
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	stats, paused, err := s.CollectProgram(program)
	if err != nil {
		t.Fatalf("CollectProgram: %v", err)
	}
	if stats.Freed == 0 {
		t.Error("unreferenced shared array was not freed")
	}
	if paused != 1 {
		t.Errorf("paused %d processes, want 1", paused)
	}
	if program.State().IsPaused() {
		t.Error("program left stopped")
	}
	if n := program.State().RetainCount(); n != 1 {
		t.Errorf("retain count = %d, want 1", n)
	}

	program.KillAll()
	exit.wait(t)
}

// TestSchedulerStopStoppedProgram checks that a second StopProgram waits
// for the first pause to be resumed.
func TestSchedulerStopStoppedProgram(t *testing.T) {
	s := newTestScheduler(t, 2)
	program := newTestProgram(t, "restop", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeInterrupted}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	s.StopProgram(program)
	stopped := make(chan struct{})
	go func() {
		s.StopProgram(program)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("second StopProgram returned while the program was paused")
	case <-time.After(50 * time.Millisecond):
	}

	s.ResumeProgram(program)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("second StopProgram never returned after resume")
	}
	if !program.State().IsPaused() {
		t.Fatal("program not paused by the second StopProgram")
	}
	s.ResumeProgram(program)

	program.KillAll()
	exit.wait(t)
}

func TestSchedulerPauseGCThread(t *testing.T) {
	s := newTestScheduler(t, 1)
	program := newTestProgram(t, "paused-gc", InterpreterFunc(func(p *Process) Outcome {
		return Outcome{Kind: OutcomeYielded}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	s.PauseGCThread()
	s.TriggerGC(program)
	time.Sleep(20 * time.Millisecond)
	if n := s.GCThread().CollectCount(); n != 0 {
		s.ResumeGCThread()
		t.Fatalf("%d collections while paused", n)
	}
	s.ResumeGCThread()
	waitFor(t, "the collection", func() bool { return s.GCThread().CollectCount() == 1 })

	program.KillAll()
	exit.wait(t)
}

// TestSchedulerGCOnDelete checks that the program only exits once the
// collections requested by process deletion have finished.
func TestSchedulerGCOnDelete(t *testing.T) {
	s := NewScheduler(Options{Workers: 2, GCOnDelete: true})
	defer s.Shutdown()
	program := newTestProgram(t, "on-delete", InterpreterFunc(func(p *Process) Outcome {
		if p.Parent() == nil && p.Data == nil {
			p.Data = true
			for i := 0; i < 3; i++ {
				s.EnqueueProcessOnSchedulerWorkerThread(p, p.Program().SpawnProcess(p))
			}
		}
		return Outcome{Kind: OutcomeTerminated}
	}))
	if code := runToExit(t, s, program); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got := program.State().RetainCount(); got != 0 {
		t.Fatalf("retain count = %d after exit", got)
	}
	if s.GCThread().CollectCount() == 0 {
		t.Fatal("no collection ran")
	}
}

func TestSchedulerPreemptionTick(t *testing.T) {
	s := newTestScheduler(t, 1)
	var sawInterrupt atomic.Bool
	program := newTestProgram(t, "tick", InterpreterFunc(func(p *Process) Outcome {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if p.TakeInterrupt() {
				sawInterrupt.Store(true)
				return Outcome{Kind: OutcomeTerminated}
			}
			time.Sleep(100 * time.Microsecond)
		}
		return Outcome{Kind: OutcomeTerminated}
	}))
	exit := watchExit(program)
	if err := s.ScheduleProgram(program, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(program)

	waitFor(t, "the process to run", func() bool { return s.CurrentProcess(0) != nil })
	s.PreemptionTick()
	exit.wait(t)
	if !sawInterrupt.Load() {
		t.Fatal("running process never saw the preemption")
	}
}
