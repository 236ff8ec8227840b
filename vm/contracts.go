package vm

import (
	"time"

	"github.com/chazu/procvm/heap"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Interpreter contract
// ---------------------------------------------------------------------------

// OutcomeKind is the reason an interpretation slice returned.
type OutcomeKind int

const (
	// OutcomeYielded: the process gave up the worker voluntarily.
	OutcomeYielded OutcomeKind = iota + 1
	// OutcomeTargetYielded: the process handed the worker to the owner of
	// Outcome.Port.
	OutcomeTargetYielded
	// OutcomeInterrupted: the process observed a preemption request.
	OutcomeInterrupted
	OutcomeTerminated
	OutcomeUncaughtException
	OutcomeCompileTimeError
	OutcomeBreakPoint
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeYielded:
		return "yielded"
	case OutcomeTargetYielded:
		return "target-yielded"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeUncaughtException:
		return "uncaught-exception"
	case OutcomeCompileTimeError:
		return "compile-time-error"
	case OutcomeBreakPoint:
		return "breakpoint"
	default:
		return "unknown"
	}
}

// Outcome is what one interpretation slice reports back to the scheduler.
type Outcome struct {
	Kind OutcomeKind
	// Port is set for OutcomeTargetYielded. It is returned locked and its
	// process is the target.
	Port *Port
	// Terminate ends the yielding process after the handoff.
	Terminate bool
}

// Interpreter runs a process until it yields, blocks, faults or ends. It
// must check Process.TakeInterrupt at safepoints and return
// OutcomeInterrupted when it is set.
type Interpreter interface {
	Interpret(p *Process) Outcome
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(p *Process) Outcome

func (f InterpreterFunc) Interpret(p *Process) Outcome { return f(p) }

// ---------------------------------------------------------------------------
// Session contract
// ---------------------------------------------------------------------------

// Session is an attached debugger. While IsDebugging is true, it is offered
// every terminal or exceptional outcome first; returning true means the
// session took over the process and the default action is skipped.
type Session interface {
	IsDebugging() bool
	ProcessTerminated(p *Process) bool
	UncaughtException(p *Process) bool
	CompileTimeError(p *Process) bool
	BreakPoint(p *Process) bool
	Killed(p *Process) bool
	UncaughtSignal(p *Process) bool
}

// ---------------------------------------------------------------------------
// Collection events
// ---------------------------------------------------------------------------

// GCEvent describes one finished collection.
type GCEvent struct {
	Program     uuid.UUID
	ProgramName string
	// Process is the id of the collected process, zero for the shared heap.
	Process uint64
	Stats   heap.CollectionStats
	Time    time.Time
}

// GCEventSink receives collection events. Sinks are called from worker
// goroutines concurrently and must be safe for concurrent use.
type GCEventSink interface {
	RecordCollection(ev GCEvent)
}
