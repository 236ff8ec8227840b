package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"

	"github.com/chazu/procvm/trace"
	"github.com/chazu/procvm/vm"
)

// Server exposes the inspection service of a running scheduler over
// Connect (HTTP/JSON and binary protobuf) and over plain gRPC.
type Server struct {
	worker  *Worker
	service *InspectService
	mux     *http.ServeMux
	grpc    *grpc.Server

	mu      sync.Mutex
	http    []*http.Server
	stopped bool
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store        *trace.Store
	interceptors []connect.Interceptor
}

// WithStore sets the trace database GCEvents reads from. Without it,
// GCEvents is unavailable.
func WithStore(store *trace.Store) ServerOption {
	return func(c *serverConfig) { c.store = store }
}

// WithInterceptors adds Connect interceptors to every handler.
func WithInterceptors(interceptors ...connect.Interceptor) ServerOption {
	return func(c *serverConfig) { c.interceptors = append(c.interceptors, interceptors...) }
}

// New creates a Server for the given scheduler.
func New(s *vm.Scheduler, opts ...ServerOption) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker(s)
	svc := NewInspectService(worker, cfg.store)
	srv := &Server{
		worker:  worker,
		service: svc,
		mux:     http.NewServeMux(),
		grpc:    grpc.NewServer(grpc.UnaryInterceptor(logUnary)),
	}

	handlerOpts := []connect.HandlerOption{connect.WithInterceptors(cfg.interceptors...)}
	srv.mux.Handle(ListProgramsProcedure, connect.NewUnaryHandler(ListProgramsProcedure, unary(svc.ListPrograms), handlerOpts...))
	srv.mux.Handle(GetProgramProcedure, connect.NewUnaryHandler(GetProgramProcedure, unary(svc.GetProgram), handlerOpts...))
	srv.mux.Handle(CollectGarbageProcedure, connect.NewUnaryHandler(CollectGarbageProcedure, unary(svc.CollectGarbage), handlerOpts...))
	srv.mux.Handle(KillProgramProcedure, connect.NewUnaryHandler(KillProgramProcedure, unary(svc.KillProgram), handlerOpts...))
	srv.mux.Handle(SchedulerStatsProcedure, connect.NewUnaryHandler(SchedulerStatsProcedure, unary(svc.SchedulerStats), handlerOpts...))
	srv.mux.Handle(GCEventsProcedure, connect.NewUnaryHandler(GCEventsProcedure, unary(svc.GCEvents), handlerOpts...))

	srv.grpc.RegisterService(&inspectionServiceDesc, svc)
	if err := registerReflection(srv.grpc); err != nil {
		logger.Errorf("gRPC reflection unavailable: %s", err)
	}
	return srv
}

// unary adapts a service method to a Connect unary handler function.
func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// Handler returns the Connect handler.
func (s *Server) Handler() http.Handler { return s.mux }

// GRPCServer returns the gRPC server.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Service returns the inspection service implementation.
func (s *Server) Service() *InspectService { return s.service }

// ListenAndServe serves Connect on addr until Stop.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves Connect on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	hs := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.http = append(s.http, hs)
	s.mu.Unlock()

	addr := lis.Addr().String()
	logger.Infof("inspection service listening on %s", addr)
	logger.Infof("  Connect (HTTP/JSON): http://%s%s", addr, ListProgramsProcedure)
	err := hs.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeGRPC serves gRPC on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	logger.Infof("inspection service listening on grpc://%s", lis.Addr())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServeGRPC serves gRPC on addr until Stop.
func (s *Server) ListenAndServeGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeGRPC(lis)
}

// Stop shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	servers := s.http
	s.http = nil
	s.stopped = true
	s.mu.Unlock()
	for _, hs := range servers {
		if err := hs.Shutdown(ctx); err != nil {
			logger.Warningf("shutting down HTTP server: %s", err)
		}
	}
	s.grpc.GracefulStop()
	s.worker.Stop()
}
