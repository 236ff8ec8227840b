package vm

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/chazu/procvm/heap"
)

// ErrPortClosed is returned when sending to a port whose owner has
// terminated or whose channel was collected.
var ErrPortClosed = errors.New("vm: port closed")

// ---------------------------------------------------------------------------
// Port: a reference-counted endpoint for messages to one process
// ---------------------------------------------------------------------------

// Port delivers messages to the process owning its channel object. Both the
// process and the channel are weak: the owner clears the process when it
// terminates and the owner's collector clears the channel when it dies.
// The port itself lives as long as someone holds a reference.
type Port struct {
	spin atomic.Bool
	refs atomic.Int32

	// Guarded by the spinlock.
	process *Process
	channel heap.Word

	// Owner's port list, guarded by the owner's port mutex.
	next *Port
}

// NewPort creates a port for channel, an object in the heap of p, and
// registers it with p. The returned port holds one reference owned by p's
// port list. A second live port for the same channel is a fatal error.
func NewPort(p *Process, channel heap.Address) *Port {
	port := &Port{process: p, channel: heap.FromAddress(channel)}
	port.refs.Store(1)
	p.addPort(port)
	return port
}

// Lock acquires the port's spinlock.
func (port *Port) Lock() {
	for !port.spin.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock acquires the spinlock if it is free.
func (port *Port) TryLock() bool { return port.spin.CompareAndSwap(false, true) }

// Unlock releases the spinlock.
func (port *Port) Unlock() {
	if !port.spin.CompareAndSwap(true, false) {
		panic("Port.Unlock: port is not locked")
	}
}

// IsLocked reports whether the spinlock is held.
func (port *Port) IsLocked() bool { return port.spin.Load() }

// Process returns the owning process, or nil once it terminated. The caller
// holds the lock.
func (port *Port) Process() *Process { return port.process }

// Channel returns the channel object, or NoAddress when it was collected.
func (port *Port) Channel() heap.Address {
	port.Lock()
	defer port.Unlock()
	if port.channel.IsObject() {
		return port.channel.Address()
	}
	return heap.NoAddress
}

// IncrementRef adds a reference.
func (port *Port) IncrementRef() { port.refs.Add(1) }

// DecrementRef drops a reference. Dropping below zero is fatal.
func (port *Port) DecrementRef() {
	switch n := port.refs.Add(-1); {
	case n < 0:
		panic(fmt.Sprintf("Port.DecrementRef: %p released too often", port))
	case n == 0:
		logger.Debugf("port %p released", port)
	}
}

// RefCount returns the current number of references.
func (port *Port) RefCount() int { return int(port.refs.Load()) }

// Send delivers msg to the owner and wakes it when it sleeps.
func (port *Port) Send(msg Message) error {
	port.Lock()
	p := port.process
	if p == nil || !port.channel.IsObject() {
		port.Unlock()
		if msg.Kind == MessagePort {
			msg.Port.DecrementRef()
		}
		return ErrPortClosed
	}
	p.mailbox.Enqueue(msg)
	s := p.program.Scheduler()
	if s == nil {
		port.Unlock()
		return nil
	}
	// EnqueueProcess unlocks the port.
	s.EnqueueProcess(p, port)
	return nil
}

// ownerProcessTerminating detaches the port from its terminating owner.
func (port *Port) ownerProcessTerminating() {
	port.Lock()
	port.process = nil
	port.Unlock()
}

// CleanupPorts updates the weak channel references of the port list
// starting at head after space was collected. Ports whose channel died lose
// their process and channel, are unlinked and give up the list's
// reference. It returns the new head and the number of ports unlinked.
func CleanupPorts(space heap.Liveness, head *Port) (*Port, int) {
	var prev *Port
	dead := 0
	for port := head; port != nil; {
		next := port.next
		port.Lock()
		ch := port.channel
		if !ch.IsObject() || !space.Includes(ch.Address()) {
			port.Unlock()
			prev, port = port, next
			continue
		}
		if space.IsAlive(ch.Address()) {
			port.channel = heap.FromAddress(space.NewLocation(ch.Address()))
			port.Unlock()
			prev, port = port, next
			continue
		}
		port.channel = heap.Zero
		port.process = nil
		port.Unlock()

		if prev == nil {
			head = next
		} else {
			prev.next = next
		}
		port.next = nil
		port.DecrementRef()
		dead++
		port = next
	}
	return head, dead
}
