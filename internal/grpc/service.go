package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jobqueue.v1.QueueService"

const (
	methodEnqueue  = "Enqueue"
	methodGetJob   = "GetJob"
	methodCancel   = "Cancel"
	methodStats    = "Stats"
	methodRunBatch = "RunBatch"
	methodCleanup  = "Cleanup"
)

// QueueServer is the server side of QueueService. Every message is a
// google.protobuf.Struct holding the JSON form of the request or response.
type QueueServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(QueueServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueueServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(QueueServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes QueueService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServer)(nil),
	Methods: []grpc.MethodDesc{
		handler(methodEnqueue, QueueServer.Enqueue),
		handler(methodGetJob, QueueServer.GetJob),
		handler(methodCancel, QueueServer.Cancel),
		handler(methodStats, QueueServer.Stats),
		handler(methodRunBatch, QueueServer.RunBatch),
		handler(methodCleanup, QueueServer.Cleanup),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobqueue/v1/queue.proto",
}

// RegisterQueueServer registers srv on s.
func RegisterQueueServer(s grpc.ServiceRegistrar, srv QueueServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
