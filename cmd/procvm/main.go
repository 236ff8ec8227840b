// procvm CLI - runs the workload programs of a procvm.toml and exits with
// their exit code
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/chazu/procvm/config"
	"github.com/chazu/procvm/heap"
	"github.com/chazu/procvm/server"
	"github.com/chazu/procvm/trace"
	"github.com/chazu/procvm/vm"
	"github.com/chazu/procvm/workload"
)

var logger = commonlog.GetLogger("procvm.cmd")

func main() {
	configPath := flag.String("config", "", "Configuration file (default: procvm.toml found from the current directory)")
	verbosity := flag.Int("v", 0, "Log verbosity (higher is more verbose)")
	workers := flag.Int("workers", -1, "Override the number of scheduler worker threads")
	connectAddr := flag.String("connect", "", "Override the Connect (HTTP/JSON) inspection address")
	grpcAddr := flag.String("grpc", "", "Override the gRPC inspection address")
	timeout := flag.Duration("timeout", 0, "Kill every program still running after this long")
	inspect := flag.String("inspect", "", "Query a running procvm over gRPC instead of running programs")
	dumpJournal := flag.String("dump-journal", "", "Print the records of a GC journal and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: procvm [options]\n")
		fmt.Fprintf(os.Stderr, "       procvm -inspect host:port <command> [program]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the programs of procvm.toml on the process scheduler and exits\n")
		fmt.Fprintf(os.Stderr, "with the first non-zero program exit code.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nInspection commands:\n")
		fmt.Fprintf(os.Stderr, "  programs          # List scheduled programs\n")
		fmt.Fprintf(os.Stderr, "  program NAME      # Show a program and its processes\n")
		fmt.Fprintf(os.Stderr, "  gc NAME           # Collect the shared heap of a program\n")
		fmt.Fprintf(os.Stderr, "  kill NAME         # Kill every process of a program\n")
		fmt.Fprintf(os.Stderr, "  stats             # Scheduler and GC thread statistics\n")
		fmt.Fprintf(os.Stderr, "  events [NAME]     # Recorded collections (needs trace.database)\n")
		fmt.Fprintf(os.Stderr, "  methods           # Methods published over gRPC reflection\n")
		fmt.Fprintf(os.Stderr, "  <Method> [NAME]   # Call any published method by name\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  procvm -v 1                          # Run ./procvm.toml\n")
		fmt.Fprintf(os.Stderr, "  procvm -config bench.toml -workers 8 # Run with 8 worker threads\n")
		fmt.Fprintf(os.Stderr, "  procvm -inspect localhost:7072 stats\n")
		fmt.Fprintf(os.Stderr, "  procvm -dump-journal gc.cbor\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if *dumpJournal != "" {
		if err := printJournal(*dumpJournal); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *inspect != "" {
		if err := runInspect(*inspect, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *workers >= 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *connectAddr != "" {
		cfg.Server.ConnectAddress = *connectAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddress = *grpcAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	code, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no %s found (use -config)", config.FileName)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Running programs
// ---------------------------------------------------------------------------

// sinks holds the trace destinations of one run.
type sinks struct {
	list    []vm.GCEventSink
	journal *trace.Journal
	store   *trace.Store
}

func openSinks(cfg *config.Config) (*sinks, error) {
	s := &sinks{}
	if cfg.Trace.Log {
		s.list = append(s.list, trace.LogSink{})
	}
	if cfg.Trace.Journal != "" {
		j, err := trace.OpenJournal(cfg.Path(cfg.Trace.Journal))
		if err != nil {
			return nil, err
		}
		s.journal = j
		s.list = append(s.list, j)
	}
	if cfg.Trace.Database != "" {
		st, err := trace.OpenStore(cfg.Path(cfg.Trace.Database))
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = st
		s.list = append(s.list, st)
	}
	return s, nil
}

func (s *sinks) close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logger.Errorf("closing journal: %s", err)
		} else {
			logger.Infof("journal: %d records", s.journal.Count())
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Errorf("closing trace database: %s", err)
		} else if n := s.store.Dropped(); n > 0 {
			logger.Warningf("trace database: dropped %d records", n)
		}
	}
}

// buildPrograms creates one workload program per program section, all on
// memory.
func buildPrograms(cfg *config.Config, memory *heap.Memory, sinks []vm.GCEventSink) ([]*vm.Program, []*workload.Interpreter, error) {
	if len(cfg.Programs) == 0 {
		return nil, nil, errors.New("no programs configured")
	}
	programs := make([]*vm.Program, 0, len(cfg.Programs))
	interps := make([]*workload.Interpreter, 0, len(cfg.Programs))
	for _, section := range cfg.Programs {
		spec, err := workload.FromConfig(section)
		if err != nil {
			return nil, nil, fmt.Errorf("program %s: %w", section.Name, err)
		}
		pc := cfg.ProgramConfig(section.Name)
		pc.Sinks = sinks
		program, interp, err := workload.NewProgram(memory, pc, spec)
		if err != nil {
			return nil, nil, fmt.Errorf("program %s: %w", section.Name, err)
		}
		programs = append(programs, program)
		interps = append(interps, interp)
	}
	return programs, interps, nil
}

// run executes every configured program and returns the process exit code:
// the first non-zero program code, in configuration order.
func run(ctx context.Context, cfg *config.Config) (int, error) {
	out, err := openSinks(cfg)
	if err != nil {
		return 1, err
	}
	defer out.close()

	memory := heap.NewMemory(cfg.Heap.MemoryLimit)
	programs, interps, err := buildPrograms(cfg, memory, out.list)
	if err != nil {
		return 1, err
	}

	scheduler := vm.NewScheduler(cfg.SchedulerOptions())
	defer scheduler.Shutdown()

	var srv *server.Server
	var listeners []func() error
	var opened []net.Listener
	if cfg.Server.ConnectAddress != "" || cfg.Server.GRPCAddress != "" {
		var opts []server.ServerOption
		if out.store != nil {
			opts = append(opts, server.WithStore(out.store))
		}
		srv = server.New(scheduler, opts...)
		if addr := cfg.Server.ConnectAddress; addr != "" {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				srv.Stop()
				return 1, fmt.Errorf("listening on %s: %w", addr, err)
			}
			opened = append(opened, lis)
			listeners = append(listeners, func() error { return srv.Serve(lis) })
		}
		if addr := cfg.Server.GRPCAddress; addr != "" {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				for _, l := range opened {
					l.Close()
				}
				srv.Stop()
				return 1, fmt.Errorf("listening on %s: %w", addr, err)
			}
			listeners = append(listeners, func() error { return srv.ServeGRPC(lis) })
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var codes []int
	g.Go(func() error {
		if srv != nil {
			defer srv.Stop()
		}
		var err error
		started := time.Now()
		codes, err = vm.NewSimpleProgramRunner(scheduler).Run(gctx, programs, nil)
		logger.Infof("%d programs finished in %s", len(programs), time.Since(started))
		return err
	})
	for _, serve := range listeners {
		g.Go(serve)
	}
	err = g.Wait()

	for i, program := range programs {
		if i >= len(codes) {
			break
		}
		st := interps[i].Stats()
		logger.Infof("%s: exit %d, %d slices, %d allocations, %d collections",
			program, codes[i], st.Slices, st.Allocations, program.Collections())
	}
	return exitCode(codes), err
}

func exitCode(codes []int) int {
	for _, c := range codes {
		if c != 0 {
			return c
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Client modes
// ---------------------------------------------------------------------------

// inspectCommands maps inspection commands to service methods and tells
// whether they take a program name.
var inspectCommands = map[string]struct {
	method   string
	needName bool
}{
	"programs": {"ListPrograms", false},
	"program":  {"GetProgram", true},
	"gc":       {"CollectGarbage", true},
	"kill":     {"KillProgram", true},
	"stats":    {"SchedulerStats", false},
	"events":   {"GCEvents", false},
}

func runInspect(addr string, args []string) error {
	if len(args) == 0 {
		return errors.New("missing inspection command")
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := client.Reflect(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	if args[0] == "methods" {
		for _, m := range rc.Methods() {
			fmt.Println(m)
		}
		return nil
	}

	cmd, ok := inspectCommands[args[0]]
	if !ok {
		// Method names are accepted as they are.
		cmd.method = args[0]
	}
	fields := map[string]interface{}{}
	if len(args) > 1 {
		fields["name"] = args[1]
		if cmd.method == "GCEvents" {
			fields = map[string]interface{}{"program": args[1]}
		}
	} else if cmd.needName {
		return fmt.Errorf("%s: missing program name", args[0])
	}

	res, err := rc.Call(ctx, cmd.method, fields)
	if err != nil {
		return err
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printJournal(path string) error {
	records, err := trace.ReadJournalFile(path)
	for _, r := range records {
		fmt.Println(r)
	}
	return err
}
