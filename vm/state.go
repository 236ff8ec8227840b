package vm

// ---------------------------------------------------------------------------
// ProcessState: the process life cycle
// ---------------------------------------------------------------------------

// ProcessState is the scheduling state of a process. Every transition goes
// through Process.ChangeState.
//
//	Sleeping -> Ready -> Running -> Yielding -> Sleeping | Ready
//	Running -> Ready | Terminated | UncaughtException | CompileTimeError | BreakPoint
//	Terminated | UncaughtException | CompileTimeError | BreakPoint -> WaitingForChildren
type ProcessState int32

const (
	StateSleeping ProcessState = iota
	StateReady
	StateRunning
	StateYielding
	StateBreakPoint
	StateCompileTimeError
	StateUncaughtException
	StateTerminated
	StateWaitingForChildren
)

func (s ProcessState) String() string {
	switch s {
	case StateSleeping:
		return "sleeping"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateYielding:
		return "yielding"
	case StateBreakPoint:
		return "breakpoint"
	case StateCompileTimeError:
		return "compile-time-error"
	case StateUncaughtException:
		return "uncaught-exception"
	case StateTerminated:
		return "terminated"
	case StateWaitingForChildren:
		return "waiting-for-children"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a process in state s will never run again.
func (s ProcessState) IsTerminal() bool {
	return s == StateTerminated || s == StateWaitingForChildren
}
