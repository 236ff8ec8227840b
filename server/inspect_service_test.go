package server

import (
	"context"
	"path/filepath"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/trace"
	"github.com/chazu/procvm/vm"
)

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

func TestListPrograms(t *testing.T) {
	svc := newTestInspectService()

	resp, err := svc.ListPrograms(bg(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("ListPrograms returned error: %v", err)
	}
	found := false
	for _, v := range field(resp, "programs").GetListValue().GetValues() {
		p := v.GetStructValue()
		if field(p, "name").GetStringValue() == "steady" {
			found = true
			if id := field(p, "id").GetStringValue(); id != testProgram.ID().String() {
				t.Errorf("id = %q, want %q", id, testProgram.ID())
			}
			if n := field(p, "processes").GetNumberValue(); n != 1 {
				t.Errorf("processes = %v, want 1", n)
			}
		}
	}
	if !found {
		t.Fatal("ListPrograms did not return the steady program")
	}
}

func TestGetProgram(t *testing.T) {
	svc := newTestInspectService()

	for _, req := range []*structpb.Struct{byName("steady"), byID(testProgram.ID().String())} {
		resp, err := svc.GetProgram(bg(), req)
		if err != nil {
			t.Fatalf("GetProgram returned error: %v", err)
		}
		if name := field(resp, "name").GetStringValue(); name != "steady" {
			t.Errorf("name = %q, want steady", name)
		}
		procs := field(resp, "process_list").GetListValue().GetValues()
		if len(procs) != 1 {
			t.Fatalf("process_list has %d entries, want 1", len(procs))
		}
		if _, ok := procs[0].GetStructValue().GetFields()["parent"]; ok {
			t.Error("main process reported a parent")
		}
	}
}

func TestGetProgram_Errors(t *testing.T) {
	svc := newTestInspectService()

	tests := []struct {
		name string
		req  *structpb.Struct
		code connect.Code
	}{
		{"missing", &structpb.Struct{}, connect.CodeInvalidArgument},
		{"bad id", byID("not-a-uuid"), connect.CodeInvalidArgument},
		{"unknown id", byID("00000000-0000-0000-0000-000000000001"), connect.CodeNotFound},
		{"unknown name", byName("nope"), connect.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetProgram(bg(), tt.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if code := connect.CodeOf(err); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Collections and kills
// ---------------------------------------------------------------------------

func TestCollectGarbage(t *testing.T) {
	svc := newTestInspectService()
	allocateGarbage(t, testProgram)

	resp, err := svc.CollectGarbage(bg(), byName("steady"))
	if err != nil {
		t.Fatalf("CollectGarbage returned error: %v", err)
	}
	if freed := field(resp, "freed").GetNumberValue(); freed <= 0 {
		t.Errorf("freed = %v, want > 0", freed)
	}
	if kind := field(resp, "kind").GetStringValue(); kind != "mark-sweep" {
		t.Errorf("kind = %q, want mark-sweep", kind)
	}
	if testProgram.State().IsPaused() {
		t.Error("program left stopped")
	}
}

func TestKillProgram(t *testing.T) {
	svc := newTestInspectService()
	_, exit := scheduleProgram(t, testScheduler, "victim", sleeper)

	resp, err := svc.KillProgram(bg(), byName("victim"))
	if err != nil {
		t.Fatalf("KillProgram returned error: %v", err)
	}
	if n := field(resp, "killed").GetNumberValue(); n != 1 {
		t.Errorf("killed = %v, want 1", n)
	}
	if code := waitExit(t, exit); code != vm.DefaultExitCodes.UncaughtException {
		t.Errorf("exit code = %d, want %d", code, vm.DefaultExitCodes.UncaughtException)
	}
}

// ---------------------------------------------------------------------------
// Stats and events
// ---------------------------------------------------------------------------

func TestSchedulerStats(t *testing.T) {
	svc := newTestInspectService()

	resp, err := svc.SchedulerStats(bg(), &emptypb.Empty{})
	if err != nil {
		t.Fatalf("SchedulerStats returned error: %v", err)
	}
	if n := field(resp, "max_threads").GetNumberValue(); n != 2 {
		t.Errorf("max_threads = %v, want 2", n)
	}
	if n := field(resp, "programs").GetNumberValue(); n < 1 {
		t.Errorf("programs = %v, want at least 1", n)
	}
	gc := field(resp, "gc").GetStructValue()
	if gc == nil || !field(gc, "enabled").GetBoolValue() {
		t.Errorf("gc = %v", gc)
	}
}

func TestGCEvents_NoStore(t *testing.T) {
	svc := newTestInspectService()

	_, err := svc.GCEvents(bg(), &structpb.Struct{})
	if code := connect.CodeOf(err); code != connect.CodeFailedPrecondition {
		t.Fatalf("code = %s, want failed_precondition", code)
	}
}

func TestGCEvents(t *testing.T) {
	store, err := trace.OpenStore(filepath.Join(t.TempDir(), "gc.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	s := vm.NewScheduler(vm.Options{Workers: 1})
	defer s.Shutdown()
	worker := NewWorker(s)
	defer worker.Stop()
	svc := NewInspectService(worker, store)

	traced, err := vm.NewProgram(heap.NewMemory(0), vm.ProgramConfig{
		Name:        "traced",
		Interpreter: sleeper,
		Sinks:       []vm.GCEventSink{store},
	})
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	exit := make(chan int, 1)
	traced.SetExitListener(func(_ *vm.Program, code int) { exit <- code })
	if err := s.ScheduleProgram(traced, nil); err != nil {
		t.Fatalf("ScheduleProgram: %v", err)
	}
	defer s.UnscheduleProgram(traced)

	allocateGarbage(t, traced)
	if _, err := svc.CollectGarbage(bg(), byName("traced")); err != nil {
		t.Fatalf("CollectGarbage returned error: %v", err)
	}

	resp, err := svc.GCEvents(context.Background(), &structpb.Struct{Fields: map[string]*structpb.Value{
		"program": structpb.NewStringValue("traced"),
	}})
	if err != nil {
		t.Fatalf("GCEvents returned error: %v", err)
	}
	events := field(resp, "events").GetListValue().GetValues()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if kind := field(events[0].GetStructValue(), "kind").GetStringValue(); kind != "mark-sweep" {
		t.Errorf("kind = %q", kind)
	}
	summary := field(resp, "summary").GetListValue().GetValues()
	if len(summary) != 1 || field(summary[0].GetStructValue(), "collections").GetNumberValue() != 1 {
		t.Errorf("summary = %v", summary)
	}

	traced.KillAll()
	waitExit(t, exit)
}
