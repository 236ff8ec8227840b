package vm

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/procvm/heap"
	"github.com/google/uuid"
)

// Sentinels of the idle-thread stack and the current-process slots.
var (
	emptyThreadState  = &ThreadState{id: -2}
	lockedThreadState = &ThreadState{id: -3}
	preemptMarker     = &Process{}
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configures a Scheduler.
type Options struct {
	// Workers bounds the worker pool. Workers start on demand.
	Workers int
	// GCOnDelete collects the program's shared heap whenever a terminated
	// process is deleted.
	GCOnDelete bool
	// GCInterval makes the GC thread collect every scheduled program
	// periodically. Zero disables periodic collection.
	GCInterval time.Duration
}

// DefaultWorkers is used when Options.Workers is not positive.
func DefaultWorkers() int { return runtime.GOMAXPROCS(0) }

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler runs the processes of its programs on a bounded pool of worker
// goroutines. Each worker owns a run queue; idle workers steal from the
// others and park on a lock-free idle stack.
type Scheduler struct {
	opts       Options
	maxThreads int

	threads          []atomic.Pointer[ThreadState]
	currentProcesses []atomic.Pointer[Process]
	threadCount      atomic.Int32
	startedThreads   atomic.Int32
	idleThreads      atomic.Pointer[ThreadState]
	startupQueue     ProcessQueue
	wg               sync.WaitGroup

	// pauseMu is the pause monitor. It guards sleepingThreads and every
	// program's pause bookkeeping.
	pauseMu         sync.Mutex
	pauseCond       *sync.Cond
	sleepingThreads int
	pause           atomic.Bool
	shutdown        atomic.Bool

	programsMu sync.Mutex
	programs   map[uuid.UUID]*Program

	gcThread *GCThread

	interpreted atomic.Uint64
}

// NewScheduler creates a scheduler and starts its GC thread. Workers start
// when the first process is scheduled.
func NewScheduler(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	s := &Scheduler{
		opts:             opts,
		maxThreads:       opts.Workers,
		threads:          make([]atomic.Pointer[ThreadState], opts.Workers),
		currentProcesses: make([]atomic.Pointer[Process], opts.Workers),
		programs:         make(map[uuid.UUID]*Program),
	}
	s.pauseCond = sync.NewCond(&s.pauseMu)
	s.idleThreads.Store(emptyThreadState)
	s.gcThread = NewGCThread(s, opts.GCInterval)
	s.gcThread.Start()
	return s
}

// Options returns the configuration of the scheduler.
func (s *Scheduler) Options() Options { return s.opts }

// GCThread returns the scheduler's GC thread.
func (s *Scheduler) GCThread() *GCThread { return s.gcThread }

// Shutdown stops every worker and the GC thread. Programs still scheduled
// are abandoned.
func (s *Scheduler) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.notifyAllThreads()
	s.wg.Wait()
	s.gcThread.Stop()
	logger.Infof("scheduler shut down after %d slices", s.interpreted.Load())
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

// ScheduleProgram starts running program with main as its first process.
// A nil main spawns one with ProcessSpawnForMain.
func (s *Scheduler) ScheduleProgram(program *Program, main *Process) error {
	if program.Interpreter() == nil {
		return fmt.Errorf("%s: no interpreter", program)
	}
	if main == nil {
		var err error
		if main, err = program.ProcessSpawnForMain(); err != nil {
			return err
		}
	}
	program.setScheduler(s)
	s.programsMu.Lock()
	s.programs[program.id] = program
	s.programsMu.Unlock()

	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	program.state.increaseProcessCount()
	program.state.retain()
	main.mustChangeState(StateSleeping, StateReady)
	logger.Infof("scheduling %s with %s", program, main)
	s.enqueueProcessAndNotifyThreads(nil, main)
	return nil
}

// UnscheduleProgram detaches a program scheduled by s.
func (s *Scheduler) UnscheduleProgram(program *Program) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	program.clearScheduler(s)
	s.programsMu.Lock()
	delete(s.programs, program.id)
	s.programsMu.Unlock()
}

// Programs returns the scheduled programs ordered by name.
func (s *Scheduler) Programs() []*Program {
	s.programsMu.Lock()
	defer s.programsMu.Unlock()
	list := make([]*Program, 0, len(s.programs))
	for _, p := range s.programs {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Program returns the scheduled program with id.
func (s *Scheduler) Program(id uuid.UUID) (*Program, bool) {
	s.programsMu.Lock()
	defer s.programsMu.Unlock()
	p, ok := s.programs[id]
	return p, ok
}

func (s *Scheduler) mustOwn(program *Program, op string) {
	if program.Scheduler() != s {
		panic(fmt.Sprintf("Scheduler.%s: %s is not scheduled here", op, program))
	}
}

// StopProgram brings every process of program to rest. When it returns no
// process of program runs or sits on a run queue: they are on the
// program's paused list. Stopping a stopped program waits for it to be
// resumed first.
func (s *Scheduler) StopProgram(program *Program) {
	s.mustOwn(program, "StopProgram")
	state := &program.state

	s.pauseMu.Lock()
	for state.IsPaused() {
		s.pauseCond.Wait()
	}
	state.setPaused(true)
	s.pause.Store(true)
	s.notifyAllThreads()

	for {
		count := 0
		for i := range s.threads {
			if s.threads[i].Load() != nil {
				count++
			}
			s.preemptThreadProcess(i)
		}
		if count == s.sleepingThreads {
			break
		}
		s.pauseCond.Wait()
	}

	var others []*Process
	for {
		p, ok := s.tryDequeueFromAnyThread(0)
		if !ok {
			continue
		}
		if p == nil {
			break
		}
		if p.program == program {
			p.mustChangeState(StateRunning, StateReady)
			state.addPausedProcess(p)
		} else {
			others = append(others, p)
		}
	}
	for _, p := range others {
		p.mustChangeState(StateRunning, StateReady)
		s.enqueueOnAnyThread(p, 0)
	}
	s.pause.Store(false)
	logger.Debugf("stopped %s with %d processes set aside", program, state.pausedCount())
	s.pauseMu.Unlock()

	s.notifyAllThreads()
}

// ResumeProgram puts the processes set aside by StopProgram back on the
// run queues.
func (s *Scheduler) ResumeProgram(program *Program) {
	s.mustOwn(program, "ResumeProgram")
	state := &program.state

	s.pauseMu.Lock()
	if !state.IsPaused() {
		s.pauseMu.Unlock()
		logger.Criticalf("%s resumed while running", program)
		panic(fmt.Sprintf("ResumeProgram: %s is not stopped", program))
	}
	paused := state.takePausedProcesses()
	for _, p := range paused {
		s.enqueueOnAnyThread(p, 0)
	}
	state.setPaused(false)
	s.pauseCond.Broadcast()
	s.pauseMu.Unlock()

	logger.Debugf("resumed %s with %d processes", program, len(paused))
	s.notifyAllThreads()
}

// PausedProcesses returns the number of processes of a stopped program
// waiting for ResumeProgram.
func (s *Scheduler) PausedProcesses(program *Program) int {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return program.state.pausedCount()
}

// PauseGCThread keeps the GC thread from starting collections.
func (s *Scheduler) PauseGCThread() { s.gcThread.Pause() }

// ResumeGCThread undoes PauseGCThread.
func (s *Scheduler) ResumeGCThread() { s.gcThread.Resume() }

// TriggerGC asks the GC thread to collect program's shared heap.
func (s *Scheduler) TriggerGC(program *Program) {
	s.mustOwn(program, "TriggerGC")
	s.triggerGC(program)
}

func (s *Scheduler) triggerGC(program *Program) {
	program.state.retain()
	s.gcThread.TriggerGC(program)
}

// CollectProgram stops program, collects its shared heap and resumes it on
// the calling goroutine, holding off the GC thread meanwhile. It returns
// the statistics and the number of processes that were set aside.
func (s *Scheduler) CollectProgram(program *Program) (heap.CollectionStats, int, error) {
	if program.Scheduler() != s {
		return heap.CollectionStats{}, 0, fmt.Errorf("%s is not scheduled here", program)
	}
	program.state.retain()
	defer s.FinishedGC(program, 1)

	s.gcThread.Pause()
	defer s.gcThread.Resume()
	s.StopProgram(program)
	paused := s.PausedProcesses(program)
	stats := program.CollectSharedGarbage()
	s.ResumeProgram(program)
	return stats, paused, nil
}

// FinishedGC releases count holds taken when collections of program were
// requested.
func (s *Scheduler) FinishedGC(program *Program, count int) {
	if count <= 0 {
		panic(fmt.Sprintf("FinishedGC: count %d", count))
	}
	if program.state.release(count) {
		program.notifyExitListener()
	}
}

// PreemptionTick interrupts the process running on every worker.
func (s *Scheduler) PreemptionTick() {
	for i := 0; i < int(s.threadCount.Load()); i++ {
		s.preemptThreadProcess(i)
	}
}

// ProfileTick requests a profiling sample from every running process.
func (s *Scheduler) ProfileTick() {
	for i := 0; i < int(s.threadCount.Load()); i++ {
		s.profileThreadProcess(i)
	}
}

// CurrentProcess returns the process running on worker id, or nil.
func (s *Scheduler) CurrentProcess(id int) *Process {
	if id < 0 || id >= len(s.currentProcesses) {
		return nil
	}
	p := s.currentProcesses[id].Load()
	if p == preemptMarker {
		return nil
	}
	return p
}

// Threads returns the number of started workers.
func (s *Scheduler) Threads() int { return int(s.threadCount.Load()) }

// MaxThreads returns the size of the worker pool.
func (s *Scheduler) MaxThreads() int { return s.maxThreads }

// Interpreted returns the number of interpretation slices run so far.
func (s *Scheduler) Interpreted() uint64 { return s.interpreted.Load() }

// ---------------------------------------------------------------------------
// Process activation
// ---------------------------------------------------------------------------

// EnqueueProcessOnSchedulerWorkerThread schedules p, freshly spawned by
// interpreting, preferably next to the spawning worker.
func (s *Scheduler) EnqueueProcessOnSchedulerWorkerThread(interpreting, p *Process) {
	p.program.state.increaseProcessCount()
	p.mustChangeState(StateSleeping, StateReady)
	s.enqueueProcessAndNotifyThreads(interpreting.ThreadState(), p)
}

// ResumeProcess wakes a sleeping process.
func (s *Scheduler) ResumeProcess(p *Process) {
	if !s.wake(p) {
		return
	}
	s.enqueueOnAnyThreadSafe(p, 0)
}

// SignalProcess makes p observe a pending signal: sleeping processes are
// woken, running ones preempted. Processes that already ended are left
// alone.
func (s *Scheduler) SignalProcess(p *Process) {
	for {
		switch p.State() {
		case StateSleeping:
			if p.ChangeState(StateSleeping, StateReady) {
				s.enqueueOnAnyThreadSafe(p, 0)
				return
			}
		case StateReady, StateBreakPoint, StateCompileTimeError, StateUncaughtException:
			// Seen when the process is next picked up, or by the session.
			return
		case StateRunning:
			p.Preempt()
			return
		case StateYielding:
			// Transient: the yielding worker decides Ready or Sleeping.
			runtime.Gosched()
		case StateTerminated, StateWaitingForChildren:
			return
		}
	}
}

// ContinueProcess re-schedules a process a session stopped at a
// breakpoint, compile-time error or uncaught exception.
func (s *Scheduler) ContinueProcess(p *Process) {
	ok := p.ChangeState(StateBreakPoint, StateReady) ||
		p.ChangeState(StateCompileTimeError, StateReady) ||
		p.ChangeState(StateUncaughtException, StateReady)
	if !ok {
		panic(fmt.Sprintf("ContinueProcess: %s is %s", p, p.State()))
	}
	p.exception = heap.Zero
	s.enqueueOnAnyThreadSafe(p, 0)
}

// EnqueueProcess wakes p after a message arrived on port. The caller holds
// the port lock; it is released here. It reports whether p was woken.
func (s *Scheduler) EnqueueProcess(p *Process, port *Port) bool {
	if !port.IsLocked() {
		panic("EnqueueProcess: port is not locked")
	}
	if !s.wake(p) {
		port.Unlock()
		return false
	}
	port.Unlock()
	s.enqueueOnAnyThreadSafe(p, 0)
	return true
}

// wake moves p from Sleeping to Ready. A yielding process is waited for:
// it is about to check its mailbox and go to sleep.
func (s *Scheduler) wake(p *Process) bool {
	for {
		if p.ChangeState(StateSleeping, StateReady) {
			return true
		}
		if p.State() != StateYielding {
			return false
		}
		runtime.Gosched()
	}
}

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

func (s *Scheduler) deleteTerminatedProcess(p *Process, kind SignalKind) {
	program := p.program
	state := &program.state
	logger.Debugf("%s: %s ended with %s", program, p, kind)

	program.ScheduleProcessForDeletion(p, kind)

	if s.opts.GCOnDelete {
		s.triggerGC(program)
	}
	if state.decreaseProcessCount() {
		if state.release(1) {
			program.notifyExitListener()
		}
	}
}

// ExitAtTermination deletes a process that terminated.
func (s *Scheduler) ExitAtTermination(p *Process, kind SignalKind) {
	p.mustChangeState(StateTerminated, StateWaitingForChildren)
	s.deleteTerminatedProcess(p, kind)
}

// ExitAtUncaughtException deletes a process that ended with an uncaught
// exception.
func (s *Scheduler) ExitAtUncaughtException(p *Process) {
	p.mustChangeState(StateUncaughtException, StateWaitingForChildren)
	logger.Errorf("%s: uncaught exception %s", p, p.exception)
	s.exitWith(p, p.program.config.ExitCodes.UncaughtException, SignalUncaughtException)
}

// ExitAtCompileTimeError deletes a process that hit a compile-time error.
func (s *Scheduler) ExitAtCompileTimeError(p *Process) {
	p.mustChangeState(StateCompileTimeError, StateWaitingForChildren)
	s.exitWith(p, p.program.config.ExitCodes.CompileTimeError, SignalCompileTimeError)
}

// ExitAtBreakPoint deletes a process stopped at a breakpoint, for example
// when its session detaches.
func (s *Scheduler) ExitAtBreakPoint(p *Process) {
	p.mustChangeState(StateBreakPoint, StateWaitingForChildren)
	s.exitWith(p, p.program.config.ExitCodes.BreakPoint, SignalBreakPoint)
}

func (s *Scheduler) exitWith(p *Process, code int, kind SignalKind) {
	logger.Warningf("%s: exiting with %s (code %d)", p, kind, code)
	s.deleteTerminatedProcess(p, kind)
}

func (s *Scheduler) rescheduleProcess(p *Process, ts *ThreadState, terminate bool) {
	if terminate {
		p.mustChangeState(StateRunning, StateTerminated)
		s.ExitAtTermination(p, SignalTerminated)
		return
	}
	p.mustChangeState(StateRunning, StateReady)
	s.enqueueOnAnyThread(p, ts.id+1)
}

// ---------------------------------------------------------------------------
// Current process slots
// ---------------------------------------------------------------------------

func (s *Scheduler) preemptThreadProcess(id int) {
	slot := &s.currentProcesses[id]
	for {
		p := slot.Load()
		switch {
		case p == preemptMarker:
			return
		case p == nil:
			if slot.CompareAndSwap(nil, preemptMarker) {
				return
			}
		default:
			// Take the process so it cannot be deleted while preempted.
			if slot.CompareAndSwap(p, nil) {
				p.Preempt()
				slot.Store(p)
				return
			}
		}
	}
}

func (s *Scheduler) profileThreadProcess(id int) {
	slot := &s.currentProcesses[id]
	p := slot.Load()
	if p != nil && p != preemptMarker && slot.CompareAndSwap(p, nil) {
		p.Profile()
		slot.Store(p)
	}
}

func (s *Scheduler) setCurrentProcessForThread(id int, p *Process) {
	slot := &s.currentProcesses[id]
	for {
		v := slot.Load()
		if v == preemptMarker {
			p.Preempt()
			slot.Store(p)
			return
		}
		if v == nil && slot.CompareAndSwap(nil, p) {
			return
		}
	}
}

func (s *Scheduler) clearCurrentProcessForThread(id int, p *Process) {
	slot := &s.currentProcesses[id]
	for !slot.CompareAndSwap(p, nil) {
		runtime.Gosched()
	}
}

// ---------------------------------------------------------------------------
// Idle thread stack
// ---------------------------------------------------------------------------

func (s *Scheduler) lockIdleThreads() *ThreadState {
	for {
		top := s.idleThreads.Load()
		if top != lockedThreadState && s.idleThreads.CompareAndSwap(top, lockedThreadState) {
			return top
		}
	}
}

func (s *Scheduler) pushIdleThread(ts *ThreadState) {
	top := s.lockIdleThreads()
	if ts.nextIdle.Load() == nil {
		ts.nextIdle.Store(top)
		top = ts
	}
	s.idleThreads.Store(top)
}

func (s *Scheduler) popIdleThread() *ThreadState {
	var top *ThreadState
	for {
		top = s.idleThreads.Load()
		if top == emptyThreadState {
			return nil
		}
		if top != lockedThreadState && s.idleThreads.CompareAndSwap(top, lockedThreadState) {
			break
		}
	}
	next := top.nextIdle.Load()
	top.nextIdle.Store(nil)
	s.idleThreads.Store(next)
	return top
}

// ---------------------------------------------------------------------------
// Queues
// ---------------------------------------------------------------------------

func (s *Scheduler) enqueueProcessAndNotifyThreads(ts *ThreadState, p *Process) {
	if count := int(s.threadCount.Load()); count == 0 {
		for {
			if ok, _ := s.startupQueue.TryEnqueue(p); ok {
				break
			}
		}
	} else {
		id := count - 1
		if ts != nil {
			id = ts.id + 1
		}
		if s.enqueueOnAnyThread(p, id) {
			return
		}
	}
	// The new worker, if any, steals the process.
	for !s.tryStartThread() {
	}
}

// enqueueOnAnyThread queues a Ready process on an idle worker, or else on
// the first queue from start that accepts it. It reports whether an idle
// worker took the process.
func (s *Scheduler) enqueueOnAnyThread(p *Process, start int) bool {
	if st := p.State(); st != StateReady {
		panic(fmt.Sprintf("enqueueOnAnyThread: %s is %s", p, st))
	}
	if s.tryEnqueueOnIdleThread(p) {
		return true
	}
	if s.threadCount.Load() == 0 {
		for {
			if ok, _ := s.startupQueue.TryEnqueue(p); ok {
				break
			}
		}
		for !s.tryStartThread() {
		}
		return false
	}
	for i := start; ; i++ {
		if i >= int(s.threadCount.Load()) {
			i = 0
		}
		ts := s.threads[i].Load()
		if ts == nil {
			continue
		}
		if ok, wasEmpty := ts.queue.TryEnqueue(p); ok {
			if wasEmpty && s.currentProcesses[i].Load() == nil {
				ts.notify()
			}
			return false
		}
	}
}

// enqueueOnAnyThreadSafe is enqueueOnAnyThread for callers that may race
// with StopProgram: processes of a stopped program go to its paused list.
func (s *Scheduler) enqueueOnAnyThreadSafe(p *Process, start int) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	state := &p.program.state
	if state.IsPaused() {
		if p.ProcessQueue() != nil {
			panic(fmt.Sprintf("enqueueOnAnyThreadSafe: %s of a stopped program is queued", p))
		}
		state.addPausedProcess(p)
		return
	}
	s.enqueueOnAnyThread(p, start)
}

func (s *Scheduler) tryEnqueueOnIdleThread(p *Process) bool {
	for {
		ts := s.popIdleThread()
		if ts == nil {
			return false
		}
		ok, _ := ts.queue.TryEnqueue(p)
		// Always notify, so the worker can push itself back.
		ts.notify()
		if ok {
			return true
		}
	}
}

func (s *Scheduler) enqueueOnThread(ts *ThreadState, p *Process) {
	if ts == nil {
		s.enqueueOnAnyThread(p, 0)
		return
	}
	for {
		if ok, _ := ts.queue.TryEnqueue(p); ok {
			return
		}
		for i := 0; i < int(s.threadCount.Load()); i++ {
			if other := s.threads[i].Load(); other != nil {
				if ok, _ := other.queue.TryEnqueue(p); ok {
					return
				}
			}
		}
	}
}

// tryDequeueFromAnyThread takes a process from the queues starting at
// worker start, then the startup queue. ok is false when a contended queue
// was skipped and the caller should retry; a nil process with ok means
// every queue was empty.
func (s *Scheduler) tryDequeueFromAnyThread(start int) (p *Process, ok bool) {
	count := int(s.threadCount.Load())
	retry := false
	try := func(q *ProcessQueue) bool {
		got, ok := q.TryDequeue()
		if !ok {
			retry = true
			return false
		}
		p = got
		return got != nil
	}
	for i := 0; i < count; i++ {
		ts := s.threads[(start+i)%count].Load()
		if ts != nil && try(&ts.queue) {
			return p, true
		}
	}
	if try(&s.startupQueue) {
		return p, true
	}
	return nil, !retry
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

func (s *Scheduler) tryStartThread() bool {
	n := s.startedThreads.Load()
	if int(n) >= s.maxThreads || s.shutdown.Load() {
		return true
	}
	if !s.startedThreads.CompareAndSwap(n, n+1) {
		return false
	}
	s.wg.Add(1)
	go s.runThread()
	return true
}

func (s *Scheduler) notifyAllThreads() {
	for i := 0; i < int(s.threadCount.Load()); i++ {
		if ts := s.threads[i].Load(); ts != nil {
			ts.notify()
		}
	}
}

func (s *Scheduler) threadEnter(ts *ThreadState) {
	s.pauseMu.Lock()
	id := int(s.threadCount.Load())
	ts.id = id
	s.threads[id].Store(ts)
	s.threadCount.Store(int32(id + 1))
	s.pauseCond.Broadcast()
	s.pauseMu.Unlock()
	logger.Debugf("worker %d started", id)
}

func (s *Scheduler) threadExit(ts *ThreadState) {
	s.pauseMu.Lock()
	s.threads[ts.id].Store(nil)
	s.pauseCond.Broadcast()
	s.pauseMu.Unlock()
	logger.Debugf("worker %d stopped", ts.id)
}

func (s *Scheduler) runThread() {
	defer s.wg.Done()
	ts := newThreadState()
	s.threadEnter(ts)
	defer s.threadExit(ts)

	for {
		if s.pause.Load() {
			ts.cache.Clear()
			s.pauseMu.Lock()
			s.sleepingThreads++
			s.pauseCond.Broadcast()
			s.pauseMu.Unlock()

			ts.idleMu.Lock()
			for s.pause.Load() {
				ts.idleCond.Wait()
			}
			ts.idleMu.Unlock()

			s.pauseMu.Lock()
			s.sleepingThreads--
			s.pauseCond.Broadcast()
			s.pauseMu.Unlock()
		} else {
			s.runInterpreterLoop(ts)
		}

		// Sleep until there is something to run.
		ts.idleMu.Lock()
		for ts.queue.IsEmpty() && s.startupQueue.IsEmpty() && !s.pause.Load() && !s.shutdown.Load() {
			s.pushIdleThread(ts)
			ts.idleCond.Wait()
			// ts may still be on the idle stack; a later pop just notifies it.
		}
		ts.idleMu.Unlock()
		if s.shutdown.Load() {
			return
		}
	}
}

func (s *Scheduler) runInterpreterLoop(ts *ThreadState) {
	for !s.pause.Load() {
		var p *Process
		for {
			var ok bool
			if p, ok = s.tryDequeueFromAnyThread(ts.id); ok {
				break
			}
		}
		if p == nil {
			return
		}
		for p != nil {
			p = s.interpretProcess(p, ts)
		}
	}
}

// ---------------------------------------------------------------------------
// Interpretation
// ---------------------------------------------------------------------------

// interpretProcess runs one slice of p, which is Running, and handles the
// outcome. It returns a process to run next on the same worker, or nil.
func (s *Scheduler) interpretProcess(p *Process, ts *ThreadState) *Process {
	program := p.program
	session := program.Session()
	handled := func(hook func(Session, *Process) bool) bool {
		return session != nil && session.IsDebugging() && hook(session, p)
	}

	if sig := p.Signal(); sig != nil {
		p.mustChangeState(StateRunning, StateTerminated)
		if sig.Kind == SignalShouldKill {
			if !handled(Session.Killed) {
				s.ExitAtTermination(p, SignalKilled)
			}
		} else if !handled(Session.UncaughtSignal) {
			s.ExitAtTermination(p, SignalUnhandledSignal)
		}
		return nil
	}

	s.setCurrentProcessForThread(ts.id, p)
	p.threadState.Store(ts)
	outcome := program.Interpreter().Interpret(p)
	p.threadState.Store(nil)
	s.clearCurrentProcessForThread(ts.id, p)
	s.interpreted.Add(1)

	switch outcome.Kind {
	case OutcomeYielded:
		p.mustChangeState(StateRunning, StateYielding)
		if p.mailbox.IsEmpty() && p.Signal() == nil {
			p.mustChangeState(StateYielding, StateSleeping)
		} else {
			p.mustChangeState(StateYielding, StateReady)
			s.enqueueOnThread(ts, p)
		}
		return nil

	case OutcomeTargetYielded:
		port := outcome.Port
		if port == nil || !port.IsLocked() {
			panic(fmt.Sprintf("%s: target yield without a locked port", p))
		}
		target := port.process
		if target == nil {
			port.Unlock()
			s.rescheduleProcess(p, ts, outcome.Terminate)
			return nil
		}
		if target.ChangeState(StateSleeping, StateRunning) {
			port.Unlock()
			s.rescheduleProcess(p, ts, outcome.Terminate)
			return target
		}
		if q := target.ProcessQueue(); q != nil && q.TryDequeueEntry(target) {
			port.Unlock()
			s.rescheduleProcess(p, ts, outcome.Terminate)
			return target
		}
		port.Unlock()
		s.rescheduleProcess(p, ts, outcome.Terminate)
		return nil

	case OutcomeInterrupted:
		p.mustChangeState(StateRunning, StateReady)
		s.enqueueOnThread(ts, p)
		return nil

	case OutcomeTerminated:
		p.mustChangeState(StateRunning, StateTerminated)
		if !handled(Session.ProcessTerminated) {
			s.ExitAtTermination(p, SignalTerminated)
		}
		return nil

	case OutcomeUncaughtException:
		p.mustChangeState(StateRunning, StateUncaughtException)
		if !handled(Session.UncaughtException) {
			s.ExitAtUncaughtException(p)
		}
		return nil

	case OutcomeCompileTimeError:
		p.mustChangeState(StateRunning, StateCompileTimeError)
		if !handled(Session.CompileTimeError) {
			s.ExitAtCompileTimeError(p)
		}
		return nil

	case OutcomeBreakPoint:
		p.mustChangeState(StateRunning, StateBreakPoint)
		if !handled(Session.BreakPoint) {
			s.ExitAtBreakPoint(p)
		}
		return nil
	}
	panic(fmt.Sprintf("%s: unknown outcome %d", p, outcome.Kind))
}
