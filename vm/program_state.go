package vm

import (
	"fmt"
	"sync/atomic"
)

// ProgramState is the scheduling bookkeeping of one program: whether it is
// stopped, the processes set aside while it is, how many processes are
// alive and how many parties still hold the program.
//
// The pause flag and the paused list are written under the scheduler's
// pause mutex.
type ProgramState struct {
	paused      atomic.Bool
	pausedList  []*Process
	processes   atomic.Int32
	retainCount atomic.Int32
}

// IsPaused reports whether the program is stopped.
func (s *ProgramState) IsPaused() bool { return s.paused.Load() }

func (s *ProgramState) setPaused(paused bool) { s.paused.Store(paused) }

func (s *ProgramState) addPausedProcess(p *Process) {
	if p.paused {
		return
	}
	p.paused = true
	s.pausedList = append(s.pausedList, p)
}

func (s *ProgramState) takePausedProcesses() []*Process {
	list := s.pausedList
	s.pausedList = nil
	for _, p := range list {
		p.paused = false
	}
	return list
}

func (s *ProgramState) pausedCount() int { return len(s.pausedList) }

// ProcessCount returns the number of scheduled, not yet deleted processes.
func (s *ProgramState) ProcessCount() int { return int(s.processes.Load()) }

func (s *ProgramState) increaseProcessCount() { s.processes.Add(1) }

// decreaseProcessCount reports whether the last process is gone.
func (s *ProgramState) decreaseProcessCount() bool {
	n := s.processes.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("ProgramState: process count %d", n))
	}
	return n == 0
}

// RetainCount returns the number of outstanding holders.
func (s *ProgramState) RetainCount() int { return int(s.retainCount.Load()) }

func (s *ProgramState) retain() { s.retainCount.Add(1) }

// release drops n holders and reports whether none is left.
func (s *ProgramState) release(n int) bool {
	left := s.retainCount.Add(-int32(n))
	if left < 0 {
		panic(fmt.Sprintf("ProgramState: retain count %d", left))
	}
	return left == 0
}
