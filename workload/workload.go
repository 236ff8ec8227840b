// Package workload drives programs with a scripted interpreter, so the
// scheduler and the collectors can be exercised without a bytecode engine.
//
// The main process of a workload program spawns its children on its first
// slice. Every process then runs a fixed number of slices, allocating and
// retaining objects, sending messages to the main process and yielding as
// its Spec says. The main process ends with the configured exit kind;
// children always terminate normally.
package workload

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/procvm/config"
	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/vm"
)

var logger = commonlog.GetLogger("procvm.workload")

// retainRing is the number of handles each process keeps objects in.
// Retaining overwrites the oldest one, so survivors age and get promoted.
const retainRing = 8

// stepsPerSlice is the number of safepoints in one slice.
const stepsPerSlice = 32

// yieldToken is the message a process sends itself before yielding.
// Messages between processes carry the sender's id, which is never zero.
var yieldToken = heap.FromSmallInt(0)

// Spec describes the behavior of one workload program. Every "Every" field
// counts slices (allocations for RetainEvery); zero turns the behavior off.
type Spec struct {
	Name         string
	Processes    int
	Slices       int
	AllocWords   int
	RetainEvery  int
	SharedEvery  int
	MessageEvery int
	YieldEvery   int
	Exit         vm.OutcomeKind
}

// ParseExit maps a configuration exit name to the outcome the main process
// ends with.
func ParseExit(name string) (vm.OutcomeKind, error) {
	switch name {
	case "", "terminated":
		return vm.OutcomeTerminated, nil
	case "uncaught_exception":
		return vm.OutcomeUncaughtException, nil
	case "compile_time_error":
		return vm.OutcomeCompileTimeError, nil
	case "breakpoint":
		return vm.OutcomeBreakPoint, nil
	default:
		return 0, fmt.Errorf("workload: unknown exit %q", name)
	}
}

// FromConfig converts a program section of the configuration.
func FromConfig(p config.Program) (Spec, error) {
	exit, err := ParseExit(p.Exit)
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		Name:         p.Name,
		Processes:    p.Processes,
		Slices:       p.Slices,
		AllocWords:   p.AllocWords,
		RetainEvery:  p.RetainEvery,
		SharedEvery:  p.SharedEvery,
		MessageEvery: p.MessageEvery,
		YieldEvery:   p.YieldEvery,
		Exit:         exit,
	}, nil
}

func every(n, i int) bool { return n > 0 && i%n == 0 }

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats counts what the interpreter did.
type Stats struct {
	Slices            int64
	Preempted         int64
	Allocations       int64
	Retained          int64
	SharedAllocations int64
	MessagesSent      int64
	MessagesReceived  int64
	Yields            int64
	Spawned           int64
}

type counters struct {
	slices, preempted, allocations, retained, shared atomic.Int64
	sent, received, yields, spawned                  atomic.Int64
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter runs the slices of every process of one program.
type Interpreter struct {
	spec Spec
	c    counters
}

// New creates an interpreter for spec.
func New(spec Spec) *Interpreter {
	if spec.Slices <= 0 {
		spec.Slices = 1
	}
	if spec.Exit == 0 {
		spec.Exit = vm.OutcomeTerminated
	}
	return &Interpreter{spec: spec}
}

// Spec returns the spec the interpreter runs.
func (in *Interpreter) Spec() Spec { return in.spec }

// Stats returns a snapshot of the counters.
func (in *Interpreter) Stats() Stats {
	return Stats{
		Slices:            in.c.slices.Load(),
		Preempted:         in.c.preempted.Load(),
		Allocations:       in.c.allocations.Load(),
		Retained:          in.c.retained.Load(),
		SharedAllocations: in.c.shared.Load(),
		MessagesSent:      in.c.sent.Load(),
		MessagesReceived:  in.c.received.Load(),
		Yields:            in.c.yields.Load(),
		Spawned:           in.c.spawned.Load(),
	}
}

// processState is kept in vm.Process.Data.
type processState struct {
	slice   int
	allocs  int
	ring    [retainRing]int
	ringLen int
	next    int

	// port is the main process's port. The main process owns it; children
	// hold a reference until they end.
	port *vm.Port
}

func (in *Interpreter) stateOf(p *vm.Process) *processState {
	if st, ok := p.Data.(*processState); ok {
		return st
	}
	st := &processState{}
	p.Data = st
	return st
}

// Interpret runs one slice of p.
func (in *Interpreter) Interpret(p *vm.Process) vm.Outcome {
	st := in.stateOf(p)
	main := p.Parent() == nil
	st.slice++
	in.c.slices.Add(1)

	if main && st.slice == 1 {
		if err := in.setupMain(p, st); err != nil {
			return in.fail(p, err)
		}
	}
	for {
		msg, ok := p.Mailbox().Dequeue()
		if !ok {
			break
		}
		if msg.Value != yieldToken {
			in.c.received.Add(1)
		}
	}

	if err := in.work(p, st); err != nil {
		return in.fail(p, err)
	}

	if st.slice >= in.spec.Slices {
		return in.finish(p, st, main)
	}

	if !main && every(in.spec.MessageEvery, st.slice) && st.port != nil {
		if err := st.port.Send(vm.ImmediateMessage(heap.FromSmallInt(int64(p.ID())))); err == nil {
			in.c.sent.Add(1)
		}
	}

	if every(in.spec.YieldEvery, st.slice) {
		// A pending message keeps the yielding process runnable.
		p.Mailbox().Enqueue(vm.ImmediateMessage(yieldToken))
		in.c.yields.Add(1)
		return vm.Outcome{Kind: vm.OutcomeYielded}
	}

	for i := 0; i < stepsPerSlice; i++ {
		if p.TakeInterrupt() {
			in.c.preempted.Add(1)
			break
		}
	}
	return vm.Outcome{Kind: vm.OutcomeInterrupted}
}

func (in *Interpreter) setupMain(p *vm.Process, st *processState) error {
	ch, err := p.NewChannel()
	if err != nil {
		return err
	}
	p.AddHandle(heap.FromAddress(ch))
	st.port = vm.NewPort(p, ch)

	s := p.Program().Scheduler()
	if s == nil {
		return nil
	}
	for i := 0; i < in.spec.Processes; i++ {
		child := p.Program().SpawnProcess(p)
		st.port.IncrementRef()
		child.Data = &processState{port: st.port}
		s.EnqueueProcessOnSchedulerWorkerThread(p, child)
		in.c.spawned.Add(1)
	}
	logger.Debugf("%s: spawned %d processes", p, in.spec.Processes)
	return nil
}

func (in *Interpreter) work(p *vm.Process, st *processState) error {
	if in.spec.AllocWords > 0 {
		a, err := p.NewArray(in.spec.AllocWords, heap.FromSmallInt(int64(st.slice)))
		if err != nil {
			return err
		}
		in.c.allocations.Add(1)
		st.allocs++
		if every(in.spec.RetainEvery, st.allocs) {
			in.retain(p, st, a)
		}
	}
	if every(in.spec.SharedEvery, st.slice) {
		program := p.Program()
		class := program.ArrayClass()
		a, err := program.AllocateShared(func(h *heap.Heap) (heap.Address, error) {
			return h.AllocateArray(class, 4, heap.Zero)
		})
		if err != nil {
			return err
		}
		in.c.shared.Add(1)
		if st.slice%(2*in.spec.SharedEvery) == 0 {
			in.retain(p, st, a)
		}
	}
	return nil
}

// retain stores a in the next slot of the handle ring of p.
func (in *Interpreter) retain(p *vm.Process, st *processState, a heap.Address) {
	if st.ringLen < retainRing {
		st.ring[st.ringLen] = p.AddHandle(heap.FromAddress(a))
		st.ringLen++
	} else {
		p.SetHandle(st.ring[st.next], heap.FromAddress(a))
		st.next = (st.next + 1) % retainRing
	}
	in.c.retained.Add(1)
}

// release drops the reference a child holds on the main port.
func (st *processState) release(p *vm.Process) {
	if p.Parent() != nil && st.port != nil {
		st.port.DecrementRef()
		st.port = nil
	}
}

func (in *Interpreter) finish(p *vm.Process, st *processState, main bool) vm.Outcome {
	if !main {
		st.release(p)
		return vm.Outcome{Kind: vm.OutcomeTerminated}
	}
	if in.spec.Exit == vm.OutcomeUncaughtException {
		p.SetException(heap.FromSmallInt(int64(st.slice)))
	}
	return vm.Outcome{Kind: in.spec.Exit}
}

func (in *Interpreter) fail(p *vm.Process, err error) vm.Outcome {
	logger.Errorf("%s: %s", p, err)
	in.stateOf(p).release(p)
	p.SetException(heap.FromSmallInt(-1))
	return vm.Outcome{Kind: vm.OutcomeUncaughtException}
}
