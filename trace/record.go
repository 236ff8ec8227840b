// Package trace records garbage collection events outside the VM: to the
// log, to an append-only CBOR journal and to a SQLite database.
package trace

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/procvm/vm"
)

var logger = commonlog.GetLogger("procvm.trace")

var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record is the flattened, serializable form of a vm.GCEvent.
type Record struct {
	Program       string    `cbor:"1,keyasint" json:"program"`
	ProgramName   string    `cbor:"2,keyasint" json:"program_name"`
	Process       uint64    `cbor:"3,keyasint" json:"process"`
	Heap          string    `cbor:"4,keyasint" json:"heap"`
	Kind          string    `cbor:"5,keyasint" json:"kind"`
	UsedBefore    int       `cbor:"6,keyasint" json:"used_before"`
	UsedAfter     int       `cbor:"7,keyasint" json:"used_after"`
	Copied        int       `cbor:"8,keyasint" json:"copied"`
	Promoted      int       `cbor:"9,keyasint" json:"promoted"`
	Freed         int       `cbor:"10,keyasint" json:"freed"`
	WeakCallbacks int       `cbor:"11,keyasint" json:"weak_callbacks"`
	StackChain    int       `cbor:"12,keyasint" json:"stack_chain"`
	DurationNs    int64     `cbor:"13,keyasint" json:"duration_ns"`
	Time          time.Time `cbor:"14,keyasint" json:"time"`
}

// NewRecord flattens ev.
func NewRecord(ev vm.GCEvent) Record {
	s := ev.Stats
	return Record{
		Program:       ev.Program.String(),
		ProgramName:   ev.ProgramName,
		Process:       ev.Process,
		Heap:          s.Heap,
		Kind:          s.Kind.String(),
		UsedBefore:    s.UsedBefore,
		UsedAfter:     s.UsedAfter,
		Copied:        s.Copied,
		Promoted:      s.Promoted,
		Freed:         s.Freed,
		WeakCallbacks: s.WeakCallbacks,
		StackChain:    s.StackChain,
		DurationNs:    int64(s.Duration),
		Time:          ev.Time.UTC(),
	}
}

// Duration returns the pause of the collection.
func (r Record) Duration() time.Duration { return time.Duration(r.DurationNs) }

// Shared reports whether the record describes a program shared heap.
func (r Record) Shared() bool { return r.Process == 0 }

func (r Record) String() string {
	owner := "shared heap"
	if !r.Shared() {
		owner = fmt.Sprintf("process %d", r.Process)
	}
	return fmt.Sprintf("%s %s: %s of %s, %d -> %d bytes in %s",
		r.ProgramName, owner, r.Kind, r.Heap, r.UsedBefore, r.UsedAfter, r.Duration())
}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// LogSink writes every collection to the trace logger at debug level, and
// collections that freed nothing at info level.
type LogSink struct{}

func (LogSink) RecordCollection(ev vm.GCEvent) {
	r := NewRecord(ev)
	if r.Freed == 0 && r.Copied == 0 && r.UsedBefore > 0 {
		logger.Infof("unproductive collection: %s", r)
		return
	}
	logger.Debugf("%s", r)
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// SinkFunc adapts a function to vm.GCEventSink.
type SinkFunc func(ev vm.GCEvent)

func (f SinkFunc) RecordCollection(ev vm.GCEvent) { f(ev) }
