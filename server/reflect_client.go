package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReflectClient calls the inspection service by name. Methods are resolved
// from the descriptor the server publishes over reflection and requests
// are built as dynamic messages, so any server speaking the same service
// can be queried without compiled stubs.
type ReflectClient struct {
	conn      *grpc.ClientConn
	refClient *grpcreflect.Client
	service   *desc.ServiceDescriptor
}

// Reflect resolves the inspection service over the client's connection.
// The returned client shares the connection; Close it before the Client.
func (c *Client) Reflect(ctx context.Context) (*ReflectClient, error) {
	refClient := grpcreflect.NewClientV1Alpha(ctx, rpb.NewServerReflectionClient(c.conn))
	service, err := refClient.ResolveService(ServiceName)
	if err != nil {
		refClient.Reset()
		return nil, fmt.Errorf("cannot resolve service %s: %w", ServiceName, err)
	}
	return &ReflectClient{conn: c.conn, refClient: refClient, service: service}, nil
}

// Close ends the reflection stream.
func (c *ReflectClient) Close() { c.refClient.Reset() }

// Services lists the services the server publishes.
func (c *ReflectClient) Services() ([]string, error) {
	return c.refClient.ListServices()
}

// Methods lists the methods of the inspection service, sorted.
func (c *ReflectClient) Methods() []string {
	methods := c.service.GetMethods()
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.GetName())
	}
	sort.Strings(names)
	return names
}

// Call invokes method with fields as its request. Fields are ignored by
// methods taking google.protobuf.Empty.
func (c *ReflectClient) Call(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	md := c.service.FindMethodByName(method)
	if md == nil {
		return nil, fmt.Errorf("method %s not found in service %s", method, ServiceName)
	}

	req := dynamic.NewMessage(md.GetInputType())
	if md.GetInputType().GetFullyQualifiedName() == "google.protobuf.Struct" {
		in, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("request conversion: %w", err)
		}
		if err := req.ConvertFrom(in); err != nil {
			return nil, fmt.Errorf("request conversion: %w", err)
		}
	}

	res := dynamic.NewMessage(md.GetOutputType())
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, res); err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := res.ConvertTo(out); err != nil {
		return nil, fmt.Errorf("response conversion: %w", err)
	}
	return out, nil
}
