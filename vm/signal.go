package vm

import "fmt"

// ---------------------------------------------------------------------------
// Signal: why a process ended, or what is asking it to end
// ---------------------------------------------------------------------------

// SignalKind classifies process exits and externally delivered signals.
type SignalKind int

const (
	SignalTerminated SignalKind = iota
	SignalCompileTimeError
	SignalUncaughtException
	SignalUnhandledSignal
	SignalKilled
	SignalShouldKill
	SignalBreakPoint
)

func (k SignalKind) String() string {
	switch k {
	case SignalTerminated:
		return "terminated"
	case SignalCompileTimeError:
		return "compile-time-error"
	case SignalUncaughtException:
		return "uncaught-exception"
	case SignalUnhandledSignal:
		return "unhandled-signal"
	case SignalKilled:
		return "killed"
	case SignalShouldKill:
		return "should-kill"
	case SignalBreakPoint:
		return "breakpoint"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// Signal is delivered to a process from outside of its own execution:
// a kill request or the abnormal exit of a linked process.
type Signal struct {
	Kind SignalKind
	// From is the id of the process whose exit caused the signal, or zero.
	From uint64
}

// ---------------------------------------------------------------------------
// Exit codes
// ---------------------------------------------------------------------------

// ExitCodes maps abnormal program exits to host exit codes. Normal
// termination always exits with 0.
type ExitCodes struct {
	CompileTimeError  int
	UncaughtException int
	BreakPoint        int
}

// DefaultExitCodes are used when a program's configuration leaves the exit
// codes unset.
var DefaultExitCodes = ExitCodes{
	CompileTimeError:  254,
	UncaughtException: 255,
	BreakPoint:        253,
}

// For returns the exit code for a program whose main process ended with
// kind. Kill requests never end a process themselves and panic.
func (c ExitCodes) For(kind SignalKind) int {
	switch kind {
	case SignalTerminated:
		return 0
	case SignalCompileTimeError:
		return c.CompileTimeError
	case SignalUncaughtException, SignalUnhandledSignal, SignalKilled:
		return c.UncaughtException
	case SignalBreakPoint:
		return c.BreakPoint
	default:
		panic(fmt.Sprintf("ExitCodes.For: %s is not an exit kind", kind))
	}
}
