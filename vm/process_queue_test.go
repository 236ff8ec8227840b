package vm

import (
	"sync"
	"testing"
)

func readyProcess(t *testing.T, program *Program) *Process {
	t.Helper()
	p := program.SpawnProcess(nil)
	p.mustChangeState(StateSleeping, StateReady)
	return p
}

func TestProcessQueueOrder(t *testing.T) {
	program := newTestProgram(t, "queue", nil)
	var q ProcessQueue
	a, b := readyProcess(t, program), readyProcess(t, program)

	if ok, wasEmpty := q.TryEnqueue(a); !ok || !wasEmpty {
		t.Fatalf("first TryEnqueue = %v, %v", ok, wasEmpty)
	}
	if ok, wasEmpty := q.TryEnqueue(b); !ok || wasEmpty {
		t.Fatalf("second TryEnqueue = %v, %v", ok, wasEmpty)
	}
	if a.ProcessQueue() != &q || q.Len() != 2 {
		t.Fatal("queue membership not recorded")
	}

	got, ok := q.TryDequeue()
	if !ok || got != a {
		t.Fatalf("TryDequeue = %v, %v, want %s", got, ok, a)
	}
	if a.State() != StateRunning || a.ProcessQueue() != nil {
		t.Fatalf("dequeued process is %s, queue %p", a.State(), a.ProcessQueue())
	}
	if !q.TryDequeueEntry(b) {
		t.Fatal("TryDequeueEntry failed")
	}
	if got, ok := q.TryDequeue(); !ok || got != nil {
		t.Fatalf("empty TryDequeue = %v, %v", got, ok)
	}
	if q.TryDequeueEntry(b) {
		t.Fatal("TryDequeueEntry of a process not on the queue succeeded")
	}
}

func TestProcessQueueRejectsDoubleEnqueue(t *testing.T) {
	program := newTestProgram(t, "double", nil)
	var q1, q2 ProcessQueue
	p := readyProcess(t, program)
	q1.TryEnqueue(p)
	defer func() {
		if recover() == nil {
			t.Fatal("enqueueing a queued process did not panic")
		}
		if q2.locked.Load() {
			t.Fatal("panicking enqueue left the queue locked")
		}
	}()
	q2.TryEnqueue(p)
}

func TestProcessQueueRejectsSleeping(t *testing.T) {
	program := newTestProgram(t, "sleeping", nil)
	var q ProcessQueue
	p := program.SpawnProcess(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("enqueueing a sleeping process did not panic")
		}
		if p.ProcessQueue() != nil {
			t.Fatal("rejected process recorded as queued")
		}
	}()
	q.TryEnqueue(p)
}

func TestProcessQueueContention(t *testing.T) {
	var q ProcessQueue
	if !q.tryLock() {
		t.Fatal("tryLock failed")
	}
	if ok, _ := q.TryEnqueue(nil); ok {
		t.Fatal("TryEnqueue succeeded on a locked queue")
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("TryDequeue succeeded on a locked queue")
	}
	q.unlock()
}

// TestProcessQueueConcurrentDequeue races several consumers over one queue;
// every process must be taken exactly once.
func TestProcessQueueConcurrentDequeue(t *testing.T) {
	const n = 200
	program := newTestProgram(t, "steal", nil)
	var q ProcessQueue
	for i := 0; i < n; i++ {
		p := readyProcess(t, program)
		for {
			if ok, _ := q.TryEnqueue(p); ok {
				break
			}
		}
	}

	var mu sync.Mutex
	taken := make(map[*Process]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := q.TryDequeue()
				if !ok {
					continue
				}
				if p == nil {
					return
				}
				mu.Lock()
				taken[p]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(taken) != n {
		t.Fatalf("took %d processes, want %d", len(taken), n)
	}
	for p, c := range taken {
		if c != 1 {
			t.Fatalf("%s taken %d times", p, c)
		}
	}
}

// ---------------------------------------------------------------------------
// Idle thread stack
// ---------------------------------------------------------------------------

func TestIdleThreadStack(t *testing.T) {
	s := newTestScheduler(t, 2)
	a, b := newThreadState(), newThreadState()

	if s.popIdleThread() != nil {
		t.Fatal("pop from an empty stack returned a thread")
	}
	s.pushIdleThread(a)
	s.pushIdleThread(b)
	s.pushIdleThread(a) // already on the stack
	if got := s.popIdleThread(); got != b {
		t.Fatalf("first pop = %v, want b", got)
	}
	if got := s.popIdleThread(); got != a {
		t.Fatalf("second pop = %v, want a", got)
	}
	if s.popIdleThread() != nil {
		t.Fatal("stack not empty after popping both threads")
	}
	if a.nextIdle.Load() != nil || b.nextIdle.Load() != nil {
		t.Fatal("popped threads still linked")
	}
}

func TestIdleThreadStackConcurrent(t *testing.T) {
	s := newTestScheduler(t, 1)
	threads := make([]*ThreadState, 32)
	for i := range threads {
		threads[i] = newThreadState()
	}
	var wg sync.WaitGroup
	for _, ts := range threads {
		wg.Add(1)
		go func(ts *ThreadState) {
			defer wg.Done()
			s.pushIdleThread(ts)
		}(ts)
	}
	wg.Wait()

	seen := make(map[*ThreadState]bool)
	for ts := s.popIdleThread(); ts != nil; ts = s.popIdleThread() {
		if seen[ts] {
			t.Fatal("thread popped twice")
		}
		seen[ts] = true
	}
	if len(seen) != len(threads) {
		t.Fatalf("popped %d threads, want %d", len(seen), len(threads))
	}
}

func TestLookupCacheClearedOnPause(t *testing.T) {
	var c LookupCache
	key := LookupKey{Class: 1, Selector: 2}
	if _, ok := c.Lookup(key); ok {
		t.Fatal("empty cache hit")
	}
	c.Put(key, "method")
	if v, ok := c.Lookup(key); !ok || v != "method" {
		t.Fatalf("Lookup = %v, %v", v, ok)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatal("Clear left entries")
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("stats = %d hits, %d misses", hits, misses)
	}
}
