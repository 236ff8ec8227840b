package vm

import (
	"fmt"
	"sync"

	"github.com/chazu/procvm/heap"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// MessageKind tells what a message carries.
type MessageKind uint8

const (
	// MessageImmediate carries a small integer.
	MessageImmediate MessageKind = iota + 1
	// MessageObject carries an object of the program's shared heap.
	MessageObject
	// MessagePort carries a port. The message owns one reference to it.
	MessagePort
	// MessageExit tells a monitor that a process ended.
	MessageExit
)

// ExitNotice is the payload of a MessageExit.
type ExitNotice struct {
	Process uint64
	Kind    SignalKind
}

// Message is one entry of a mailbox. Messages never point into a process
// heap: objects crossing processes live in the shared heap.
type Message struct {
	Kind  MessageKind
	Value heap.Word
	Port  *Port
	Exit  ExitNotice
}

// ImmediateMessage returns a message carrying a small integer.
func ImmediateMessage(w heap.Word) Message {
	if !w.IsSmallInt() {
		panic(fmt.Sprintf("ImmediateMessage: %s is not a small integer", w))
	}
	return Message{Kind: MessageImmediate, Value: w}
}

// ObjectMessage returns a message carrying a shared-heap object.
func ObjectMessage(object heap.Address) Message {
	return Message{Kind: MessageObject, Value: heap.FromAddress(object)}
}

// PortMessage returns a message carrying port. It takes a reference that
// the receiver releases with DecrementRef.
func PortMessage(port *Port) Message {
	port.IncrementRef()
	return Message{Kind: MessagePort, Port: port}
}

func (m Message) String() string {
	switch m.Kind {
	case MessageImmediate:
		return fmt.Sprintf("immediate(%d)", m.Value.SmallInt())
	case MessageObject:
		return fmt.Sprintf("object(%s)", m.Value.Address())
	case MessagePort:
		return fmt.Sprintf("port(%p)", m.Port)
	case MessageExit:
		return fmt.Sprintf("exit(%d, %s)", m.Exit.Process, m.Exit.Kind)
	default:
		return "message(?)"
	}
}

// ---------------------------------------------------------------------------
// Mailbox: FIFO of pending messages
// ---------------------------------------------------------------------------

// Mailbox is the incoming message queue of a process. Producers are the
// senders on any thread; the consumer is the interpreter of the owner.
type Mailbox struct {
	mu    sync.Mutex
	queue []Message
}

// Enqueue appends msg.
func (mb *Mailbox) Enqueue(msg Message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
}

// Dequeue removes the oldest message.
func (mb *Mailbox) Dequeue() (Message, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) == 0 {
		return Message{}, false
	}
	msg := mb.queue[0]
	mb.queue[0] = Message{}
	mb.queue = mb.queue[1:]
	return msg, true
}

// IsEmpty reports whether no message is pending.
func (mb *Mailbox) IsEmpty() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue) == 0
}

// Len returns the number of pending messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Clear drops all pending messages and releases the ports they hold.
func (mb *Mailbox) Clear() int {
	mb.mu.Lock()
	queue := mb.queue
	mb.queue = nil
	mb.mu.Unlock()
	for _, msg := range queue {
		if msg.Kind == MessagePort {
			msg.Port.DecrementRef()
		}
	}
	return len(queue)
}

// VisitPointers presents the shared-heap objects held by pending messages
// to v. Only called while the owning program is stopped.
func (mb *Mailbox) VisitPointers(v heap.PointerVisitor) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i := range mb.queue {
		if mb.queue[i].Kind == MessageObject {
			heap.VisitRoot(v, &mb.queue[i].Value)
		}
	}
}
