package server

import (
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/builder"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

// inspectionMethods lists the methods published by reflection. Methods
// taking no arguments use google.protobuf.Empty; every response is a
// google.protobuf.Struct.
var inspectionMethods = []struct {
	name  string
	empty bool
}{
	{"ListPrograms", true},
	{"GetProgram", false},
	{"CollectGarbage", false},
	{"KillProgram", false},
	{"SchedulerStats", true},
	{"GCEvents", false},
}

var inspectionDescriptor struct {
	once    sync.Once
	service *desc.ServiceDescriptor
	files   *protoregistry.Files
	err     error
}

// InspectionDescriptor returns the descriptor of the inspection service.
func InspectionDescriptor() (*desc.ServiceDescriptor, error) {
	d := &inspectionDescriptor
	d.once.Do(func() { d.service, d.files, d.err = buildInspectionDescriptor() })
	return d.service, d.err
}

func buildInspectionDescriptor() (*desc.ServiceDescriptor, *protoregistry.Files, error) {
	empty, err := desc.LoadMessageDescriptorForMessage(&emptypb.Empty{})
	if err != nil {
		return nil, nil, err
	}
	fields, err := desc.LoadMessageDescriptorForMessage(&structpb.Struct{})
	if err != nil {
		return nil, nil, err
	}

	sb := builder.NewService("InspectionService")
	for _, m := range inspectionMethods {
		in := fields
		if m.empty {
			in = empty
		}
		sb.AddMethod(builder.NewMethod(m.name,
			builder.RpcTypeImportedMessage(in, false),
			builder.RpcTypeImportedMessage(fields, false)))
	}
	fd, err := builder.NewFile(inspectionServiceDesc.Metadata.(string)).
		SetPackageName("procvm.v1").
		SetProto3(true).
		AddService(sb).
		Build()
	if err != nil {
		return nil, nil, fmt.Errorf("building %s descriptor: %w", ServiceName, err)
	}
	service := fd.FindService(ServiceName)
	if service == nil {
		return nil, nil, fmt.Errorf("built descriptor has no service %s", ServiceName)
	}

	file, err := protodesc.NewFile(fd.AsFileDescriptorProto(), protoregistry.GlobalFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("converting %s descriptor: %w", ServiceName, err)
	}
	files := new(protoregistry.Files)
	if err := files.RegisterFile(file); err != nil {
		return nil, nil, err
	}
	return service, files, nil
}

// descriptorResolver serves the inspection file and falls back to the
// global registry for its imports.
type descriptorResolver struct {
	files *protoregistry.Files
}

func (r descriptorResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := r.files.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return protoregistry.GlobalFiles.FindFileByPath(path)
}

func (r descriptorResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := r.files.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return protoregistry.GlobalFiles.FindDescriptorByName(name)
}

// registerReflection publishes the services of s, the inspection service
// included, over gRPC server reflection.
func registerReflection(s *grpc.Server) error {
	if _, err := InspectionDescriptor(); err != nil {
		return err
	}
	rpb.RegisterServerReflectionServer(s, reflection.NewServer(reflection.ServerOptions{
		Services:           s,
		DescriptorResolver: descriptorResolver{files: inspectionDescriptor.files},
	}))
	return nil
}
