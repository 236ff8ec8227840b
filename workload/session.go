package workload

import (
	"sync/atomic"

	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/vm"
)

// Session is a debugger stand-in for unattended runs. It logs every exit
// it is offered and takes over breakpoints, ending the process as a
// detaching debugger would. Everything else gets the default handling.
type Session struct {
	breakpoints atomic.Int64
}

func (s *Session) IsDebugging() bool { return true }

func (s *Session) ProcessTerminated(p *vm.Process) bool {
	logger.Debugf("%s terminated", p)
	return false
}

func (s *Session) UncaughtException(p *vm.Process) bool {
	logger.Infof("%s: uncaught exception %s", p, p.Exception())
	return false
}

func (s *Session) CompileTimeError(p *vm.Process) bool {
	logger.Infof("%s: compile-time error", p)
	return false
}

func (s *Session) BreakPoint(p *vm.Process) bool {
	sched := p.Program().Scheduler()
	if sched == nil {
		return false
	}
	s.breakpoints.Add(1)
	logger.Infof("%s: breakpoint, detaching", p)
	sched.ExitAtBreakPoint(p)
	return true
}

func (s *Session) Killed(p *vm.Process) bool {
	logger.Infof("%s killed", p)
	return false
}

func (s *Session) UncaughtSignal(p *vm.Process) bool {
	logger.Infof("%s: unhandled signal %s", p, p.Signal().Kind)
	return false
}

// BreakPoints returns the number of breakpoints handled.
func (s *Session) BreakPoints() int64 { return s.breakpoints.Load() }

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

// NewProgram creates a program on m running spec. cfg supplies heap sizes,
// exit codes and sinks; its interpreter is replaced, and a Session is
// attached when cfg has none.
func NewProgram(m *heap.Memory, cfg vm.ProgramConfig, spec Spec) (*vm.Program, *Interpreter, error) {
	in := New(spec)
	cfg.Interpreter = in
	if cfg.Name == "" {
		cfg.Name = spec.Name
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	program, err := vm.NewProgram(m, cfg)
	if err != nil {
		return nil, nil, err
	}
	return program, in, nil
}
