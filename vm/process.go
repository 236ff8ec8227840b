package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/procvm/heap"
)

// DefaultStackSize is the slot count of the execution stack set up for a
// main process.
const DefaultStackSize = 256

// ---------------------------------------------------------------------------
// Process: one schedulable unit of execution
// ---------------------------------------------------------------------------

// Process owns a private generational heap and runs on at most one worker
// at a time. All state changes are compare-and-swaps on its state word.
type Process struct {
	id      uint64
	program *Program
	parent  *Process
	heap    *heap.Heap

	state     atomic.Int32 // ProcessState
	signal    atomic.Pointer[Signal]
	interrupt atomic.Bool
	profile   atomic.Bool

	portsMu sync.Mutex
	ports   *Port

	mailbox Mailbox
	links   Links

	threadState atomic.Pointer[ThreadState]
	queue       atomic.Pointer[ProcessQueue]

	// Self plus live children. The process is deleted when it drops to 0.
	triangle atomic.Int32

	// On the program's paused list. Guarded by the scheduler's pause mutex.
	paused bool

	// Roots of the private heap. Only touched by the thread running the
	// process, or by the collector while the program is stopped.
	stack     heap.Word
	exception heap.Word
	handles   []heap.Word

	// Data belongs to the interpreter.
	Data any
}

func newProcess(program *Program, parent *Process, id uint64) *Process {
	p := &Process{
		id:        id,
		program:   program,
		parent:    parent,
		stack:     heap.Zero,
		exception: heap.Zero,
	}
	p.heap = heap.New(program.memory, fmt.Sprintf("process-%d", id), program.config.ProcessHeap)
	p.heap.SetRoots(p)
	p.heap.SetWeakProcessor(p.cleanupPorts)
	p.state.Store(int32(StateSleeping))
	p.triangle.Store(1)
	return p
}

func (p *Process) ID() uint64          { return p.id }
func (p *Process) Program() *Program   { return p.program }
func (p *Process) Parent() *Process    { return p.parent }
func (p *Process) Heap() *heap.Heap    { return p.heap }
func (p *Process) Mailbox() *Mailbox   { return &p.mailbox }
func (p *Process) Links() *Links       { return &p.links }
func (p *Process) TriangleCount() int  { return int(p.triangle.Load()) }
func (p *Process) String() string      { return fmt.Sprintf("process %d", p.id) }
func (p *Process) State() ProcessState { return ProcessState(p.state.Load()) }

// ChangeState moves the process from one state to another. It fails when
// a concurrent actor moved the process first; the caller re-reads the
// state and decides again.
func (p *Process) ChangeState(from, to ProcessState) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

func (p *Process) mustChangeState(from, to ProcessState) {
	if !p.ChangeState(from, to) {
		panic(fmt.Sprintf("%s: %s -> %s from %s", p, from, to, p.State()))
	}
}

// ThreadState returns the worker interpreting the process, or nil.
func (p *Process) ThreadState() *ThreadState { return p.threadState.Load() }

// ProcessQueue returns the queue the process is on, or nil.
func (p *Process) ProcessQueue() *ProcessQueue { return p.queue.Load() }

// ---------------------------------------------------------------------------
// Signals and interrupts
// ---------------------------------------------------------------------------

// Signal returns the pending signal, or nil.
func (p *Process) Signal() *Signal { return p.signal.Load() }

// SendSignal attaches sig unless a signal is already pending and makes
// sure the process observes it soon. It reports whether sig was attached.
func (p *Process) SendSignal(sig *Signal) bool {
	if !p.signal.CompareAndSwap(nil, sig) {
		return false
	}
	if s := p.program.Scheduler(); s != nil {
		s.SignalProcess(p)
	}
	return true
}

// Kill asks the process to terminate at its next scheduling point.
func (p *Process) Kill() bool {
	return p.SendSignal(&Signal{Kind: SignalShouldKill})
}

// Preempt asks the interpreter to return Interrupted at its next safepoint.
func (p *Process) Preempt() { p.interrupt.Store(true) }

// TakeInterrupt clears and returns the interrupt request. Interpreters call
// it at safepoints.
func (p *Process) TakeInterrupt() bool { return p.interrupt.Swap(false) }

// Profile requests a profiling sample at the next safepoint.
func (p *Process) Profile() { p.profile.Store(true) }

// TakeProfile clears and returns the profiling request.
func (p *Process) TakeProfile() bool { return p.profile.Swap(false) }

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// IterateRoots presents the stack, the pending exception and the handles
// to v.
func (p *Process) IterateRoots(v heap.PointerVisitor) {
	heap.VisitRoot(v, &p.stack)
	heap.VisitRoot(v, &p.exception)
	heap.VisitRoots(v, p.handles)
}

// ObjectRoots counts the roots that refer to heap objects.
func (p *Process) ObjectRoots() int {
	n := 0
	p.IterateRoots(heap.PointerVisitorFunc(func(_ heap.Address, slots []heap.Word) {
		for _, w := range slots {
			if w.IsObject() {
				n++
			}
		}
	}))
	return n
}

// Stack returns the execution stack, or NoAddress.
func (p *Process) Stack() heap.Address {
	if p.stack.IsObject() {
		return p.stack.Address()
	}
	return heap.NoAddress
}

// SetupExecutionStack allocates an empty execution stack of n slots.
func (p *Process) SetupExecutionStack(n int) error {
	s, err := p.NewStack(n)
	if err != nil {
		return err
	}
	p.stack = heap.FromAddress(s)
	return nil
}

// Exception returns the pending exception value.
func (p *Process) Exception() heap.Word { return p.exception }

// SetException records the exception for an UncaughtException outcome.
func (p *Process) SetException(w heap.Word) { p.exception = w }

// AddHandle keeps w alive across collections and returns its index.
func (p *Process) AddHandle(w heap.Word) int {
	p.handles = append(p.handles, w)
	return len(p.handles) - 1
}

// Handle returns the current value of handle i.
func (p *Process) Handle(i int) heap.Word { return p.handles[i] }

// SetHandle replaces the value of handle i. Zero releases the referent.
func (p *Process) SetHandle(i int, w heap.Word) { p.handles[i] = w }

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate runs alloc against the private heap. When the heap asks for a
// collection the process collects and retries; a request the fresh budget
// still cannot cover grows the heap. Exceeding the memory limit returns
// heap.ErrOutOfMemory, except while growing, where it is fatal.
func (p *Process) Allocate(alloc func(h *heap.Heap) (heap.Address, error)) (heap.Address, error) {
	a, err := alloc(p.heap)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, heap.ErrRetryAfterGC) && !errors.Is(err, heap.ErrOutOfMemory) {
		return heap.NoAddress, err
	}
	p.CollectGarbage()
	a, err = alloc(p.heap)
	if errors.Is(err, heap.ErrRetryAfterGC) {
		release := p.heap.NoAllocationFailureScope()
		a, err = alloc(p.heap)
		release()
	}
	if err != nil {
		return heap.NoAddress, fmt.Errorf("%s: %w", p, err)
	}
	return a, nil
}

// NewInstance allocates an instance of class.
func (p *Process) NewInstance(class heap.Address) (heap.Address, error) {
	return p.Allocate(func(h *heap.Heap) (heap.Address, error) { return h.AllocateInstance(class) })
}

// NewArray allocates an array of n elements set to fill.
func (p *Process) NewArray(n int, fill heap.Word) (heap.Address, error) {
	class := p.program.ArrayClass()
	return p.Allocate(func(h *heap.Heap) (heap.Address, error) { return h.AllocateArray(class, n, fill) })
}

// NewByteArray allocates a byte array holding data.
func (p *Process) NewByteArray(data []byte) (heap.Address, error) {
	class := p.program.ByteArrayClass()
	return p.Allocate(func(h *heap.Heap) (heap.Address, error) { return h.AllocateByteArray(class, data) })
}

// NewDouble allocates a boxed float.
func (p *Process) NewDouble(f float64) (heap.Address, error) {
	class := p.program.DoubleClass()
	return p.Allocate(func(h *heap.Heap) (heap.Address, error) { return h.AllocateDouble(class, f) })
}

// NewStack allocates an empty stack of n slots.
func (p *Process) NewStack(n int) (heap.Address, error) {
	class := p.program.StackClass()
	return p.Allocate(func(h *heap.Heap) (heap.Address, error) { return h.AllocateStack(class, n) })
}

// NewChannel allocates a channel object for a port.
func (p *Process) NewChannel() (heap.Address, error) {
	return p.NewInstance(p.program.ChannelClass())
}

// CollectGarbage scavenges the young generation and runs a mark-sweep when
// old space has spent its budget.
func (p *Process) CollectGarbage() {
	if p.heap.IsGenerational() {
		p.program.reportCollection(p, p.heap.CollectYoung())
		if !p.heap.NeedsOldGarbageCollection() {
			return
		}
	}
	p.program.reportCollection(p, p.heap.CollectOld())
}

// ---------------------------------------------------------------------------
// Ports
// ---------------------------------------------------------------------------

func (p *Process) addPort(port *Port) {
	p.portsMu.Lock()
	defer p.portsMu.Unlock()
	for q := p.ports; q != nil; q = q.next {
		q.Lock()
		same := q.channel == port.channel
		q.Unlock()
		if same {
			logger.Criticalf("%s: second port for channel %s", p, port.channel)
			panic(fmt.Sprintf("NewPort: %s already has a port for channel %s", p, port.channel))
		}
	}
	port.next = p.ports
	p.ports = port
}

// Ports returns the ports currently owned by the process.
func (p *Process) Ports() []*Port {
	p.portsMu.Lock()
	defer p.portsMu.Unlock()
	var out []*Port
	for q := p.ports; q != nil; q = q.next {
		out = append(out, q)
	}
	return out
}

func (p *Process) cleanupPorts(space heap.Liveness) int {
	p.portsMu.Lock()
	defer p.portsMu.Unlock()
	head, dead := CleanupPorts(space, p.ports)
	p.ports = head
	return dead
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// cleanup runs when the process reaches WaitingForChildren: exit
// propagation, port detachment and mailbox release.
func (p *Process) cleanup(kind SignalKind) {
	p.links.notifyExit(p, kind)

	p.portsMu.Lock()
	port := p.ports
	p.ports = nil
	p.portsMu.Unlock()
	for port != nil {
		next := port.next
		port.next = nil
		port.ownerProcessTerminating()
		port.DecrementRef()
		port = next
	}
	p.mailbox.Clear()
}

// release frees the private heap once the process is deleted.
func (p *Process) release() {
	p.stack, p.exception, p.handles = heap.Zero, heap.Zero, nil
	p.heap.Release()
}
