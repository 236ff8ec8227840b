package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// GCThread: asynchronous stop-the-world collections of shared heaps
// ---------------------------------------------------------------------------

// GCThreadStats describes the last shared-heap collection: the program,
// how many requests it answered, what it freed and how long the program
// was stopped.
type GCThreadStats struct {
	Program   string
	Requests  int
	Freed     int
	UsedAfter int
	Pause     time.Duration
	Timestamp time.Time
}

// GCThread collects program shared heaps on request. Each collection stops
// the program, collects, resumes it and reports back through
// Scheduler.FinishedGC, which drops the holds taken by the requests.
type GCThread struct {
	s        *Scheduler
	interval time.Duration
	enabled  atomic.Bool

	mu      sync.Mutex // guards stop and stopped
	stop    chan struct{}
	stopped chan struct{}

	reqMu    sync.Mutex
	requests map[*Program]int
	order    []*Program
	wake     chan struct{}

	// Held for the duration of every collection. Pause takes it.
	running sync.Mutex

	collectCount atomic.Uint64
	lastStats    atomic.Value // *GCThreadStats
}

// NewGCThread creates the GC thread of s. A positive interval also collects
// every scheduled program periodically.
func NewGCThread(s *Scheduler, interval time.Duration) *GCThread {
	gc := &GCThread{
		s:        s,
		interval: interval,
		requests: make(map[*Program]int),
		wake:     make(chan struct{}, 1),
	}
	gc.enabled.Store(true)
	return gc
}

// Start launches the goroutine serving TriggerGC requests. With a positive
// interval it also requests a collection of every scheduled program on
// each tick. A running thread ignores Start.
func (gc *GCThread) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.stop == nil {
		gc.stop, gc.stopped = make(chan struct{}), make(chan struct{})
		go gc.loop(gc.stop, gc.stopped)
	}
}

// Stop lets the collection in progress finish, ends the goroutine and
// answers every queued request with FinishedGC without collecting, so no
// program stays retained by a request that will never run.
func (gc *GCThread) Stop() {
	gc.mu.Lock()
	stopCh, stoppedCh := gc.stop, gc.stopped
	gc.stop, gc.stopped = nil, nil
	gc.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
	for program, count := range gc.takeRequests() {
		gc.s.FinishedGC(program, count)
	}
}

// SetEnabled enables or disables collections. Requests made while disabled
// are still answered.
func (gc *GCThread) SetEnabled(enabled bool) { gc.enabled.Store(enabled) }

// IsEnabled returns whether collections are enabled.
func (gc *GCThread) IsEnabled() bool { return gc.enabled.Load() }

// Interval returns the periodic collection interval, zero when off.
func (gc *GCThread) Interval() time.Duration { return gc.interval }

// Pause waits for a running collection to finish and keeps new ones from
// starting until Resume.
func (gc *GCThread) Pause() { gc.running.Lock() }

// Resume undoes Pause.
func (gc *GCThread) Resume() { gc.running.Unlock() }

// CollectCount returns the number of shared-heap collections run.
func (gc *GCThread) CollectCount() uint64 { return gc.collectCount.Load() }

// LastStats returns the stats of the last collection, or nil before the
// first one.
func (gc *GCThread) LastStats() *GCThreadStats {
	v := gc.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*GCThreadStats)
}

// TriggerGC queues a collection of program. The caller has retained the
// program state once for this request.
func (gc *GCThread) TriggerGC(program *Program) {
	gc.reqMu.Lock()
	if gc.requests[program] == 0 {
		gc.order = append(gc.order, program)
	}
	gc.requests[program]++
	gc.reqMu.Unlock()

	select {
	case gc.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of outstanding requests.
func (gc *GCThread) Pending() int {
	gc.reqMu.Lock()
	defer gc.reqMu.Unlock()
	n := 0
	for _, c := range gc.requests {
		n += c
	}
	return n
}

func (gc *GCThread) takeRequests() map[*Program]int {
	gc.reqMu.Lock()
	defer gc.reqMu.Unlock()
	taken := gc.requests
	gc.requests = make(map[*Program]int)
	gc.order = nil
	return taken
}

func (gc *GCThread) next() (*Program, int) {
	gc.reqMu.Lock()
	defer gc.reqMu.Unlock()
	if len(gc.order) == 0 {
		return nil, 0
	}
	program := gc.order[0]
	gc.order = gc.order[1:]
	count := gc.requests[program]
	delete(gc.requests, program)
	return program, count
}

// loop serves requests until stopCh closes, then closes stoppedCh.
func (gc *GCThread) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	var tick <-chan time.Time
	if gc.interval > 0 {
		ticker := time.NewTicker(gc.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stopCh:
			return
		case <-gc.wake:
		case <-tick:
			for _, program := range gc.s.Programs() {
				gc.s.triggerGC(program)
			}
		}
		for {
			program, count := gc.next()
			if program == nil {
				break
			}
			gc.collect(program, count)
		}
	}
}

// collect runs one stop-the-world collection of program's shared heap on
// behalf of count requests.
func (gc *GCThread) collect(program *Program, count int) {
	defer gc.s.FinishedGC(program, count)
	if !gc.enabled.Load() || program.Scheduler() != gc.s {
		return
	}

	gc.running.Lock()
	defer gc.running.Unlock()

	start := time.Now()
	gc.s.StopProgram(program)
	stats := program.CollectSharedGarbage()
	gc.s.ResumeProgram(program)

	last := &GCThreadStats{
		Program:   program.Name(),
		Requests:  count,
		Freed:     stats.Freed,
		UsedAfter: stats.UsedAfter,
		Pause:     time.Since(start),
		Timestamp: start,
	}
	gc.collectCount.Add(1)
	gc.lastStats.Store(last)
	logger.Debugf("collected %s for %d requests in %s", program, count, last.Pause)
}
