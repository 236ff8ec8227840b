package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/procvm/heap"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// ProgramConfig
// ---------------------------------------------------------------------------

// ProgramConfig configures a program and the heaps of its processes.
type ProgramConfig struct {
	Name string

	// ProcessHeap sizes every process heap. A zero YoungSize makes process
	// heaps single-generation.
	ProcessHeap heap.Config
	// SharedHeapSize is the initial size of the program's shared heap.
	SharedHeapSize int

	ExitCodes           ExitCodes
	ValidateHeaps       bool
	PrintHeapStatistics bool

	Interpreter Interpreter
	Session     Session
	Sinks       []GCEventSink
}

// DefaultProcessHeap is used when ProgramConfig.ProcessHeap is zero.
var DefaultProcessHeap = heap.Config{YoungSize: 64 * 1024, OldSize: 256 * 1024}

// ---------------------------------------------------------------------------
// Program: shared root of a group of processes
// ---------------------------------------------------------------------------

// Well-known root slots.
const (
	rootMetaClass = iota
	rootArrayClass
	rootByteArrayClass
	rootStackClass
	rootDoubleClass
	rootChannelClass
	rootNullClass
	rootBooleanClass
	rootNullObject
	rootTrueObject
	rootFalseObject
	rootCount
)

// Program holds the classes and singletons shared by its processes in a
// single-generation shared heap, and the list of its live processes.
type Program struct {
	id     uuid.UUID
	memory *heap.Memory
	config ProgramConfig

	// The shared heap and the roots table.
	sharedMu    sync.Mutex
	shared      *heap.Heap
	roots       []heap.Word
	nextClassID int64

	processMu     sync.Mutex
	processes     map[uint64]*Process
	nextProcessID atomic.Uint64

	scheduler atomic.Pointer[Scheduler]
	state     ProgramState

	exitMu       sync.Mutex
	exitKind     SignalKind
	exitListener func(program *Program, exitCode int)

	// Stack chains of the last CollectGarbageAndChainStacks, by process.
	chains map[*Process]heap.StackChain

	collections atomic.Uint64
}

// NewProgram creates a program on m and allocates its core classes and
// singletons in a fresh shared heap.
func NewProgram(m *heap.Memory, cfg ProgramConfig) (*Program, error) {
	if cfg.ProcessHeap == (heap.Config{}) {
		cfg.ProcessHeap = DefaultProcessHeap
	}
	if cfg.ExitCodes == (ExitCodes{}) {
		cfg.ExitCodes = DefaultExitCodes
	}
	pr := &Program{
		id:        uuid.New(),
		memory:    m,
		config:    cfg,
		processes: make(map[uint64]*Process),
	}
	if pr.config.Name == "" {
		pr.config.Name = pr.id.String()
	}
	pr.shared = heap.New(m, pr.config.Name+".shared", heap.Config{OldSize: cfg.SharedHeapSize})
	pr.shared.SetRoots(heap.RootsFunc(pr.visitSharedRoots))
	if err := pr.bootstrap(); err != nil {
		pr.shared.Release()
		return nil, fmt.Errorf("program %s: %w", pr.config.Name, err)
	}
	return pr, nil
}

func (pr *Program) bootstrap() error {
	pr.roots = make([]heap.Word, rootCount)
	for i := range pr.roots {
		pr.roots[i] = heap.Zero
	}
	meta, err := pr.shared.AllocateMetaClass(pr.classID())
	if err != nil {
		return err
	}
	pr.roots[rootMetaClass] = heap.FromAddress(meta)

	classes := []struct {
		slot   int
		format heap.Format
	}{
		{rootArrayClass, heap.NewFormat(heap.TypeArray, 0)},
		{rootByteArrayClass, heap.NewFormat(heap.TypeByteArray, 0)},
		{rootStackClass, heap.NewFormat(heap.TypeStack, 0)},
		{rootDoubleClass, heap.NewFormat(heap.TypeDouble, 0)},
		{rootChannelClass, heap.NewFormat(heap.TypeInstance, 1)},
		{rootNullClass, heap.NewFormat(heap.TypeInstance, 0)},
		{rootBooleanClass, heap.NewFormat(heap.TypeInstance, 0)},
	}
	for _, c := range classes {
		a, err := pr.shared.AllocateClass(meta, c.format, pr.classID())
		if err != nil {
			return err
		}
		pr.roots[c.slot] = heap.FromAddress(a)
	}

	singletons := []struct{ slot, class int }{
		{rootNullObject, rootNullClass},
		{rootTrueObject, rootBooleanClass},
		{rootFalseObject, rootBooleanClass},
	}
	for _, s := range singletons {
		a, err := pr.shared.AllocateInstance(pr.roots[s.class].Address())
		if err != nil {
			return err
		}
		pr.roots[s.slot] = heap.FromAddress(a)
	}
	return nil
}

func (pr *Program) classID() int64 {
	pr.nextClassID++
	return pr.nextClassID
}

func (pr *Program) ID() uuid.UUID            { return pr.id }
func (pr *Program) Name() string             { return pr.config.Name }
func (pr *Program) Memory() *heap.Memory     { return pr.memory }
func (pr *Program) Config() ProgramConfig    { return pr.config }
func (pr *Program) State() *ProgramState     { return &pr.state }
func (pr *Program) Interpreter() Interpreter { return pr.config.Interpreter }
func (pr *Program) String() string           { return "program " + pr.config.Name }

// Session returns the attached session, or nil.
func (pr *Program) Session() Session { return pr.config.Session }

// SetSession attaches s. Only valid while the program is not scheduled.
func (pr *Program) SetSession(s Session) {
	if pr.Scheduler() != nil {
		panic(fmt.Sprintf("%s: SetSession while scheduled", pr))
	}
	pr.config.Session = s
}

// Scheduler returns the scheduler running the program, or nil.
func (pr *Program) Scheduler() *Scheduler { return pr.scheduler.Load() }

func (pr *Program) setScheduler(s *Scheduler) {
	if !pr.scheduler.CompareAndSwap(nil, s) {
		logger.Criticalf("%s is already scheduled", pr)
		panic(fmt.Sprintf("ScheduleProgram: %s is already scheduled", pr))
	}
}

func (pr *Program) clearScheduler(s *Scheduler) {
	if !pr.scheduler.CompareAndSwap(s, nil) {
		panic(fmt.Sprintf("UnscheduleProgram: %s is not scheduled by this scheduler", pr))
	}
}

// ---------------------------------------------------------------------------
// Roots and classes
// ---------------------------------------------------------------------------

func (pr *Program) root(i int) heap.Address {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	return pr.roots[i].Address()
}

func (pr *Program) MetaClass() heap.Address      { return pr.root(rootMetaClass) }
func (pr *Program) ArrayClass() heap.Address     { return pr.root(rootArrayClass) }
func (pr *Program) ByteArrayClass() heap.Address { return pr.root(rootByteArrayClass) }
func (pr *Program) StackClass() heap.Address     { return pr.root(rootStackClass) }
func (pr *Program) DoubleClass() heap.Address    { return pr.root(rootDoubleClass) }
func (pr *Program) ChannelClass() heap.Address   { return pr.root(rootChannelClass) }
func (pr *Program) NullObject() heap.Address     { return pr.root(rootNullObject) }
func (pr *Program) TrueObject() heap.Address     { return pr.root(rootTrueObject) }
func (pr *Program) FalseObject() heap.Address    { return pr.root(rootFalseObject) }

// AddRoot keeps w alive in the shared heap and returns its root index.
func (pr *Program) AddRoot(w heap.Word) int {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	pr.roots = append(pr.roots, w)
	return len(pr.roots) - 1
}

// Root returns root i.
func (pr *Program) Root(i int) heap.Word {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	return pr.roots[i]
}

// CreateClass allocates a class with format f in the shared heap and adds
// it to the roots.
func (pr *Program) CreateClass(f heap.Format) (heap.Address, error) {
	pr.sharedMu.Lock()
	meta := pr.roots[rootMetaClass].Address()
	id := pr.classID()
	pr.sharedMu.Unlock()
	class, err := pr.AllocateShared(func(h *heap.Heap) (heap.Address, error) {
		return h.AllocateClass(meta, f, id)
	})
	if err != nil {
		return heap.NoAddress, err
	}
	pr.AddRoot(heap.FromAddress(class))
	return class, nil
}

// ---------------------------------------------------------------------------
// Shared heap
// ---------------------------------------------------------------------------

// AllocateShared runs alloc against the shared heap. The shared heap is
// only collected while the program is stopped, so a spent budget does not
// fail the allocation: it asks the GC thread for a collection instead.
func (pr *Program) AllocateShared(alloc func(h *heap.Heap) (heap.Address, error)) (heap.Address, error) {
	pr.sharedMu.Lock()
	a, err := alloc(pr.shared)
	requested := false
	if errors.Is(err, heap.ErrRetryAfterGC) {
		release := pr.shared.NoAllocationFailureScope()
		a, err = alloc(pr.shared)
		release()
		requested = true
	}
	pr.sharedMu.Unlock()

	if requested {
		if s := pr.Scheduler(); s != nil {
			s.triggerGC(pr)
		}
	}
	if err != nil {
		return heap.NoAddress, fmt.Errorf("%s: shared heap: %w", pr, err)
	}
	return a, nil
}

// SharedUsage returns the occupancy of the shared heap.
func (pr *Program) SharedUsage() heap.Usage {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	return pr.shared.Usage()
}

// LoadShared reads field i of a shared object.
func (pr *Program) LoadShared(obj heap.Address, i int) heap.Word {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	return pr.shared.Load(obj, i)
}

// StoreShared writes field i of a shared object.
func (pr *Program) StoreShared(obj heap.Address, i int, w heap.Word) {
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	pr.shared.Store(obj, i, w)
}

// visitSharedRoots presents everything that may refer into the shared heap:
// the roots table, every process's roots, objects and pending messages.
func (pr *Program) visitSharedRoots(v heap.PointerVisitor) {
	heap.VisitRoots(v, pr.roots)
	pr.VisitProcesses(func(p *Process) {
		p.IterateRoots(v)
		p.heap.VisitObjectPointers(v)
		p.mailbox.VisitPointers(v)
	})
}

func (pr *Program) mustBeStopped(op string) {
	if !pr.state.IsPaused() {
		logger.Criticalf("%s: %s while running", pr, op)
		panic(fmt.Sprintf("Program.%s: %s is not stopped", op, pr))
	}
}

// CollectSharedGarbage runs a mark-sweep of the shared heap. The program
// must be stopped.
func (pr *Program) CollectSharedGarbage() heap.CollectionStats {
	pr.mustBeStopped("CollectSharedGarbage")
	pr.sharedMu.Lock()
	stats := pr.shared.CollectOld()
	pr.sharedMu.Unlock()
	pr.reportCollection(nil, stats)

	if pr.config.ValidateHeaps {
		if err := pr.ValidateHeaps(); err != nil {
			logger.Criticalf("%s: %s", pr, err)
			panic(err)
		}
	}
	return stats
}

// CollectGarbageAndChainStacks runs a mark-sweep of every process heap and
// links each process's reachable stacks. The program must be stopped; the
// caller ends with UnchainStacks. It returns the number of chained stacks.
func (pr *Program) CollectGarbageAndChainStacks() int {
	pr.mustBeStopped("CollectGarbageAndChainStacks")
	if pr.chains != nil {
		panic(fmt.Sprintf("Program.CollectGarbageAndChainStacks: %s stacks are still chained", pr))
	}
	pr.chains = make(map[*Process]heap.StackChain)
	total := 0
	pr.VisitProcesses(func(p *Process) {
		stats, chain := p.heap.CollectGarbageAndChainStacks()
		pr.chains[p] = chain
		total += chain.Len()
		pr.reportCollection(p, stats)
	})
	return total
}

// VisitChainedStacks calls fn for every stack chained by the last
// CollectGarbageAndChainStacks.
func (pr *Program) VisitChainedStacks(fn func(p *Process, stack heap.Address)) {
	pr.mustBeStopped("VisitChainedStacks")
	for p, chain := range pr.chains {
		chain.Visit(func(s heap.Address) { fn(p, s) })
	}
}

// UnchainStacks clears the links set by CollectGarbageAndChainStacks.
func (pr *Program) UnchainStacks() {
	pr.mustBeStopped("UnchainStacks")
	for _, chain := range pr.chains {
		chain.Unchain()
	}
	pr.chains = nil
}

// ValidateHeaps checks the shared heap and every process heap. The program
// must be stopped.
func (pr *Program) ValidateHeaps() error {
	pr.mustBeStopped("ValidateHeaps")
	pr.sharedMu.Lock()
	defer pr.sharedMu.Unlock()
	var errs []error
	var heaps []*heap.Heap
	pr.VisitProcesses(func(p *Process) {
		heaps = append(heaps, p.heap)
		errs = append(errs, heap.NewValidator(p.heap, pr.shared).Validate())
	})
	// Process objects are roots of the shared heap, so their heaps are
	// valid targets.
	errs = append(errs, heap.NewValidator(pr.shared, heaps...).Validate())
	return errors.Join(errs...)
}

// Collections returns the number of collections reported so far.
func (pr *Program) Collections() uint64 { return pr.collections.Load() }

func (pr *Program) reportCollection(p *Process, stats heap.CollectionStats) {
	pr.collections.Add(1)
	ev := GCEvent{
		Program:     pr.id,
		ProgramName: pr.config.Name,
		Stats:       stats,
		Time:        time.Now(),
	}
	if p != nil {
		ev.Process = p.id
	}
	if pr.config.PrintHeapStatistics {
		logger.Infof("%s: %s of %s: %d -> %d bytes (copied %d, promoted %d, freed %d) in %s",
			pr, stats.Kind, stats.Heap, stats.UsedBefore, stats.UsedAfter,
			stats.Copied, stats.Promoted, stats.Freed, stats.Duration)
	}
	for _, sink := range pr.config.Sinks {
		sink.RecordCollection(ev)
	}
}

// ---------------------------------------------------------------------------
// Processes
// ---------------------------------------------------------------------------

// SpawnProcess creates a sleeping process. A child counts towards the
// triangle count of its parent until it is deleted.
func (pr *Program) SpawnProcess(parent *Process) *Process {
	p := newProcess(pr, parent, pr.nextProcessID.Add(1))
	if parent != nil {
		parent.triangle.Add(1)
	}
	pr.processMu.Lock()
	pr.processes[p.id] = p
	pr.processMu.Unlock()
	logger.Debugf("%s: spawned %s", pr, p)
	return p
}

// ProcessSpawnForMain creates the main process with an execution stack.
func (pr *Program) ProcessSpawnForMain() (*Process, error) {
	p := pr.SpawnProcess(nil)
	if err := p.SetupExecutionStack(DefaultStackSize); err != nil {
		return nil, err
	}
	return p, nil
}

// ScheduleProcessForDeletion tears down a process that reached
// WaitingForChildren and deletes it and every ancestor whose triangle
// count drops to zero. It reports whether the root process was deleted.
func (pr *Program) ScheduleProcessForDeletion(p *Process, kind SignalKind) bool {
	if s := p.State(); s != StateWaitingForChildren {
		panic(fmt.Sprintf("ScheduleProcessForDeletion: %s is %s", p, s))
	}
	p.cleanup(kind)

	for current := p; current != nil; {
		parent := current.parent
		n := current.triangle.Add(-1)
		if n < 0 {
			panic(fmt.Sprintf("ScheduleProcessForDeletion: %s triangle count %d", current, n))
		}
		if n > 0 {
			return false
		}
		if parent == nil {
			pr.exitMu.Lock()
			pr.exitKind = current.links.ExitSignal()
			pr.exitMu.Unlock()
		}
		pr.processMu.Lock()
		delete(pr.processes, current.id)
		current.release()
		pr.processMu.Unlock()
		logger.Debugf("%s: deleted %s", pr, current)
		current = parent
	}
	return true
}

// VisitProcesses calls fn for every live process in id order while holding
// the process list lock. fn must not spawn or delete processes.
func (pr *Program) VisitProcesses(fn func(p *Process)) {
	pr.processMu.Lock()
	defer pr.processMu.Unlock()
	for _, p := range pr.sortedProcesses() {
		fn(p)
	}
}

// Processes returns a snapshot of the live processes in id order.
func (pr *Program) Processes() []*Process {
	pr.processMu.Lock()
	defer pr.processMu.Unlock()
	return pr.sortedProcesses()
}

func (pr *Program) sortedProcesses() []*Process {
	list := make([]*Process, 0, len(pr.processes))
	for _, p := range pr.processes {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Process returns the live process with id.
func (pr *Program) Process(id uint64) (*Process, bool) {
	pr.processMu.Lock()
	defer pr.processMu.Unlock()
	p, ok := pr.processes[id]
	return p, ok
}

// KillAll sends a kill request to every live process. It returns how many
// accepted it.
func (pr *Program) KillAll() int {
	n := 0
	for _, p := range pr.Processes() {
		if !p.State().IsTerminal() && p.Kill() {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Exit
// ---------------------------------------------------------------------------

// SetExitListener installs fn, called once with the exit code when the
// program has no process and no pending collection left.
func (pr *Program) SetExitListener(fn func(program *Program, exitCode int)) {
	pr.exitMu.Lock()
	pr.exitListener = fn
	pr.exitMu.Unlock()
}

// ExitKind returns how the main process ended.
func (pr *Program) ExitKind() SignalKind {
	pr.exitMu.Lock()
	defer pr.exitMu.Unlock()
	return pr.exitKind
}

// ExitCode maps the exit kind to the configured host exit code.
func (pr *Program) ExitCode() int {
	return pr.config.ExitCodes.For(pr.ExitKind())
}

func (pr *Program) notifyExitListener() {
	code := pr.ExitCode()
	pr.exitMu.Lock()
	fn := pr.exitListener
	pr.exitMu.Unlock()
	logger.Infof("%s exited with %s (code %d)", pr, pr.ExitKind(), code)
	if fn != nil {
		fn(pr, code)
	}
}
