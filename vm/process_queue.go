package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// ProcessQueue: a try-lock run queue
// ---------------------------------------------------------------------------

// ProcessQueue holds ready processes. Every operation is a single attempt
// under a compare-and-swap lock: contention makes it report failure so the
// caller can try another queue instead of blocking.
//
// A process is on at most one queue at a time; enqueueing a queued process
// is fatal. Dequeued processes are Running.
type ProcessQueue struct {
	locked atomic.Bool
	size   atomic.Int32
	items  []*Process // guarded by locked
}

func (q *ProcessQueue) tryLock() bool { return q.locked.CompareAndSwap(false, true) }
func (q *ProcessQueue) unlock()       { q.locked.Store(false) }

// IsEmpty reports whether the queue held no process at the time of the
// call. It never blocks.
func (q *ProcessQueue) IsEmpty() bool { return q.size.Load() == 0 }

// Len returns the number of queued processes.
func (q *ProcessQueue) Len() int { return int(q.size.Load()) }

// TryEnqueue appends p. It fails only when the queue lock is contended;
// wasEmpty reports whether p is the only entry.
func (q *ProcessQueue) TryEnqueue(p *Process) (ok, wasEmpty bool) {
	if !q.tryLock() {
		return false, false
	}
	if s := p.State(); s != StateReady {
		q.unlock()
		panic(fmt.Sprintf("ProcessQueue.TryEnqueue: process %d is %s", p.id, s))
	}
	if !p.queue.CompareAndSwap(nil, q) {
		q.unlock()
		panic(fmt.Sprintf("ProcessQueue.TryEnqueue: process %d is already queued", p.id))
	}
	q.items = append(q.items, p)
	q.size.Store(int32(len(q.items)))
	wasEmpty = len(q.items) == 1
	q.unlock()
	return true, wasEmpty
}

// TryDequeue removes the oldest process and marks it Running. ok is false
// when the lock was contended; p is nil when the queue was empty.
func (q *ProcessQueue) TryDequeue() (p *Process, ok bool) {
	if !q.tryLock() {
		return nil, false
	}
	defer q.unlock()
	if len(q.items) == 0 {
		return nil, true
	}
	p = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.size.Store(int32(len(q.items)))
	q.take(p)
	return p, true
}

// TryDequeueEntry removes p from the queue if it is still on it and marks
// it Running.
func (q *ProcessQueue) TryDequeueEntry(p *Process) bool {
	if !q.tryLock() {
		return false
	}
	defer q.unlock()
	if p.queue.Load() != q {
		return false
	}
	for i, e := range q.items {
		if e == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.size.Store(int32(len(q.items)))
			q.take(p)
			return true
		}
	}
	panic(fmt.Sprintf("ProcessQueue.TryDequeueEntry: process %d claims membership but is missing", p.id))
}

func (q *ProcessQueue) take(p *Process) {
	p.queue.Store(nil)
	if !p.ChangeState(StateReady, StateRunning) {
		panic(fmt.Sprintf("ProcessQueue: queued process %d is %s", p.id, p.State()))
	}
}
