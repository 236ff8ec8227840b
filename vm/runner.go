package vm

import (
	"context"
	"fmt"
)

// ---------------------------------------------------------------------------
// SimpleProgramRunner
// ---------------------------------------------------------------------------

// SimpleProgramRunner schedules a set of programs, waits for every one of
// them to exit and collects their exit codes.
type SimpleProgramRunner struct {
	s *Scheduler
}

// NewSimpleProgramRunner creates a runner on s.
func NewSimpleProgramRunner(s *Scheduler) *SimpleProgramRunner {
	return &SimpleProgramRunner{s: s}
}

type programExit struct {
	index int
	code  int
}

// Run schedules programs, each with the matching entry of processes as its
// main process (nil entries, or a nil slice, spawn one), and returns the
// exit codes in program order. Cancelling ctx kills every process of the
// programs still running; Run still waits for them to exit and returns
// ctx's error alongside the codes.
func (r *SimpleProgramRunner) Run(ctx context.Context, programs []*Program, processes []*Process) ([]int, error) {
	if processes != nil && len(processes) != len(programs) {
		return nil, fmt.Errorf("run: %d programs but %d processes", len(programs), len(processes))
	}
	codes := make([]int, len(programs))
	exits := make(chan programExit, len(programs))

	scheduled := 0
	var err error
	for i, program := range programs {
		i := i
		program.SetExitListener(func(_ *Program, code int) {
			exits <- programExit{index: i, code: code}
		})
		var main *Process
		if processes != nil {
			main = processes[i]
		}
		if err = r.s.ScheduleProgram(program, main); err != nil {
			err = fmt.Errorf("run %s: %w", program, err)
			break
		}
		scheduled++
	}
	if err != nil {
		for _, program := range programs[:scheduled] {
			program.KillAll()
		}
	}

	done := make([]bool, scheduled)
	for remaining := scheduled; remaining > 0; {
		select {
		case e := <-exits:
			codes[e.index] = e.code
			done[e.index] = true
			remaining--
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
				for i, program := range programs[:scheduled] {
					if !done[i] {
						n := program.KillAll()
						logger.Warningf("%s: killed %d processes", program, n)
					}
				}
			}
			ctx = context.Background()
		}
	}

	for _, program := range programs[:scheduled] {
		r.s.UnscheduleProgram(program)
		program.SetExitListener(nil)
	}
	return codes, err
}
