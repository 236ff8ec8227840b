package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the inspection service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a gRPC inspection service at target without transport
// security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, procedure string, in interface{}) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, procedure, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func programRequest(name string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(name),
	}}
}

func (c *Client) ListPrograms(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, ListProgramsProcedure, &emptypb.Empty{})
}

func (c *Client) GetProgram(ctx context.Context, name string) (*structpb.Struct, error) {
	return c.invoke(ctx, GetProgramProcedure, programRequest(name))
}

func (c *Client) CollectGarbage(ctx context.Context, name string) (*structpb.Struct, error) {
	return c.invoke(ctx, CollectGarbageProcedure, programRequest(name))
}

func (c *Client) KillProgram(ctx context.Context, name string) (*structpb.Struct, error) {
	return c.invoke(ctx, KillProgramProcedure, programRequest(name))
}

func (c *Client) SchedulerStats(ctx context.Context) (*structpb.Struct, error) {
	return c.invoke(ctx, SchedulerStatsProcedure, &emptypb.Empty{})
}

// GCEvents fetches up to limit events of the named program; an empty name
// selects every program.
func (c *Client) GCEvents(ctx context.Context, program string, limit int) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"program": structpb.NewStringValue(program),
		"limit":   structpb.NewNumberValue(float64(limit)),
	}}
	return c.invoke(ctx, GCEventsProcedure, req)
}
