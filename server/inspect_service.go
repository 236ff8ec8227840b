package server

import (
	"context"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/trace"
	"github.com/chazu/procvm/vm"
)

// ServiceName is the fully qualified name of the inspection service.
const ServiceName = "procvm.v1.InspectionService"

// Procedure paths of the inspection service, shared by Connect and gRPC.
const (
	ListProgramsProcedure   = "/" + ServiceName + "/ListPrograms"
	GetProgramProcedure     = "/" + ServiceName + "/GetProgram"
	CollectGarbageProcedure = "/" + ServiceName + "/CollectGarbage"
	KillProgramProcedure    = "/" + ServiceName + "/KillProgram"
	SchedulerStatsProcedure = "/" + ServiceName + "/SchedulerStats"
	GCEventsProcedure       = "/" + ServiceName + "/GCEvents"
)

// InspectService answers questions about the programs of a scheduler and
// runs collections and kills on request. Requests and responses are
// structpb.Struct documents; errors are connect errors, whose codes are
// also gRPC codes.
type InspectService struct {
	worker *Worker
	store  *trace.Store
}

// NewInspectService creates an InspectService. store may be nil, in which
// case GCEvents fails with FailedPrecondition.
func NewInspectService(worker *Worker, store *trace.Store) *InspectService {
	return &InspectService{worker: worker, store: store}
}

func (s *InspectService) scheduler() *vm.Scheduler { return s.worker.Scheduler() }

// lookup finds the program named by the "id" or "name" field of req.
func (s *InspectService) lookup(req *structpb.Struct) (*vm.Program, error) {
	fields := req.GetFields()
	if v, ok := fields["id"]; ok && v.GetStringValue() != "" {
		id, err := uuid.Parse(v.GetStringValue())
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad program id: %w", err))
		}
		program, ok := s.scheduler().Program(id)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("program %s not found", id))
		}
		return program, nil
	}
	if v, ok := fields["name"]; ok && v.GetStringValue() != "" {
		name := v.GetStringValue()
		for _, program := range s.scheduler().Programs() {
			if program.Name() == name {
				return program, nil
			}
		}
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("program %q not found", name))
	}
	return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id or name is required"))
}

func newStruct(m map[string]interface{}) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return st, nil
}

func programInfo(program *vm.Program) map[string]interface{} {
	state := program.State()
	shared := program.SharedUsage()
	return map[string]interface{}{
		"id":          program.ID().String(),
		"name":        program.Name(),
		"processes":   state.ProcessCount(),
		"paused":      state.IsPaused(),
		"collections": int64(program.Collections()),
		"shared_used": shared.Total(),
		"shared_size": shared.OldSize,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ListPrograms returns every scheduled program, ordered by name.
func (s *InspectService) ListPrograms(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var list []interface{}
	for _, program := range s.scheduler().Programs() {
		list = append(list, programInfo(program))
	}
	return newStruct(map[string]interface{}{"programs": list})
}

// GetProgram returns one program with its live processes.
func (s *InspectService) GetProgram(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	program, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	info := programInfo(program)
	var processes []interface{}
	for _, p := range program.Processes() {
		entry := map[string]interface{}{
			"id":       int64(p.ID()),
			"state":    p.State().String(),
			"children": p.TriangleCount(),
		}
		if parent := p.Parent(); parent != nil {
			entry["parent"] = int64(parent.ID())
		}
		processes = append(processes, entry)
	}
	info["process_list"] = processes
	return newStruct(info)
}

// CollectGarbage stops the program, collects its shared heap and resumes
// it. The GC thread is held off for the duration.
func (s *InspectService) CollectGarbage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	program, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	type result struct {
		stats  heap.CollectionStats
		paused int
		pause  time.Duration
	}
	v, err := s.worker.Do(ctx, func(sched *vm.Scheduler) interface{} {
		start := time.Now()
		stats, paused, err := sched.CollectProgram(program)
		if err != nil {
			return err
		}
		return result{stats: stats, paused: paused, pause: time.Since(start)}
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if err, ok := v.(error); ok {
		return nil, connect.NewError(connect.CodeFailedPrecondition, err)
	}
	r := v.(result)
	st := r.stats
	logger.Infof("%s: collected on request, freed %d bytes", program, st.Freed)
	return newStruct(map[string]interface{}{
		"program":          program.Name(),
		"kind":             st.Kind.String(),
		"used_before":      st.UsedBefore,
		"used_after":       st.UsedAfter,
		"freed":            st.Freed,
		"weak_callbacks":   st.WeakCallbacks,
		"paused_processes": r.paused,
		"pause_ms":         durationMs(r.pause),
	})
}

// KillProgram sends a kill request to every process of the program.
func (s *InspectService) KillProgram(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	program, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	v, err := s.worker.Do(ctx, func(*vm.Scheduler) interface{} {
		return program.KillAll()
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	logger.Warningf("%s: killed %d processes on request", program, v.(int))
	return newStruct(map[string]interface{}{
		"program": program.Name(),
		"killed":  v.(int),
	})
}

// SchedulerStats reports the worker pool and the GC thread.
func (s *InspectService) SchedulerStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sched := s.scheduler()
	gc := sched.GCThread()
	gcInfo := map[string]interface{}{
		"enabled":     gc.IsEnabled(),
		"interval_ms": durationMs(gc.Interval()),
		"collections": int64(gc.CollectCount()),
		"pending":     gc.Pending(),
	}
	if last := gc.LastStats(); last != nil {
		gcInfo["last"] = map[string]interface{}{
			"program":    last.Program,
			"requests":   last.Requests,
			"freed":      last.Freed,
			"used_after": last.UsedAfter,
			"pause_ms":   durationMs(last.Pause),
			"timestamp":  last.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	busy := 0
	for id := 0; id < sched.MaxThreads(); id++ {
		if sched.CurrentProcess(id) != nil {
			busy++
		}
	}
	return newStruct(map[string]interface{}{
		"threads":      sched.Threads(),
		"max_threads":  sched.MaxThreads(),
		"busy_threads": busy,
		"interpreted":  int64(sched.Interpreted()),
		"programs":     len(sched.Programs()),
		"gc":           gcInfo,
	})
}

// GCEvents returns recorded collections, newest first, and the per program
// summary. Optional fields: "program" (a name) and "limit".
func (s *InspectService) GCEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no trace database configured"))
	}
	fields := req.GetFields()
	name := fields["program"].GetStringValue()
	limit := int(fields["limit"].GetNumberValue())
	if limit < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("limit must not be negative"))
	}
	if limit == 0 {
		limit = 100
	}

	s.store.Flush()
	records, err := s.store.Events(ctx, name, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	summary, err := s.store.Summary(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	var events []interface{}
	for _, r := range records {
		events = append(events, map[string]interface{}{
			"program":     r.ProgramName,
			"process":     int64(r.Process),
			"heap":        r.Heap,
			"kind":        r.Kind,
			"used_before": r.UsedBefore,
			"used_after":  r.UsedAfter,
			"freed":       r.Freed,
			"pause_ms":    durationMs(r.Duration()),
			"time":        r.Time.Format(time.RFC3339Nano),
		})
	}
	var programs []interface{}
	for _, ps := range summary {
		programs = append(programs, map[string]interface{}{
			"program":        ps.ProgramName,
			"collections":    ps.Collections,
			"scavenges":      ps.Scavenges,
			"mark_sweeps":    ps.MarkSweeps,
			"freed":          ps.Freed,
			"total_pause_ms": durationMs(ps.TotalPause),
			"max_pause_ms":   durationMs(ps.MaxPause),
		})
	}
	return newStruct(map[string]interface{}{
		"events":  events,
		"summary": programs,
	})
}
