package ota

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fleetota.v1.OTAService"

// Full method names.
const (
	CreateJobMethod   = "/" + ServiceName + "/CreateJob"
	DescribeJobMethod = "/" + ServiceName + "/DescribeJob"
	ListJobsMethod    = "/" + ServiceName + "/ListJobs"
	CancelJobMethod   = "/" + ServiceName + "/CancelJob"
	RevertMethod      = "/" + ServiceName + "/Revert"
)

// OTAServiceServer is the server API of the OTA service.
type OTAServiceServer interface {
	CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DescribeJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	Revert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterOTAServiceServer registers srv on the gRPC server.
func RegisterOTAServiceServer(registrar grpc.ServiceRegistrar, srv OTAServiceServer) {
	registrar.RegisterService(&serviceDesc, srv)
}

//nolint:gochecknoglobals // Descriptor consumed by grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OTAServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateJob", Handler: unaryHandler(CreateJobMethod, OTAServiceServer.CreateJob)},
		{MethodName: "DescribeJob", Handler: unaryHandler(DescribeJobMethod, OTAServiceServer.DescribeJob)},
		{MethodName: "ListJobs", Handler: unaryHandler(ListJobsMethod, OTAServiceServer.ListJobs)},
		{MethodName: "CancelJob", Handler: unaryHandler(CancelJobMethod, OTAServiceServer.CancelJob)},
		{MethodName: "Revert", Handler: unaryHandler(RevertMethod, OTAServiceServer.Revert)},
	},
	Metadata: "fleetota/v1/ota.proto",
}

// unaryHandler adapts a typed server method to a grpc.MethodDesc handler.
func unaryHandler[Req any, PReq interface{ *Req }](
	fullMethod string,
	call func(OTAServiceServer, context.Context, PReq) (*structpb.Struct, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}

		server := srv.(OTAServiceServer) //nolint:forcetypeassert // Guaranteed by HandlerType.

		if interceptor == nil {
			return call(server, ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}

		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(PReq)) //nolint:forcetypeassert // Decoded above.
		})
	}
}

// OTAServiceClient is the client API of the OTA service.
type OTAServiceClient struct {
	conn grpc.ClientConnInterface
}

// NewOTAServiceClient creates a client stub over conn.
func NewOTAServiceClient(conn grpc.ClientConnInterface) *OTAServiceClient {
	return &OTAServiceClient{conn: conn}
}

// CreateJob calls OTAService.CreateJob.
func (c *OTAServiceClient) CreateJob(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.conn, CreateJobMethod, req, opts)
}

// DescribeJob calls OTAService.DescribeJob.
func (c *OTAServiceClient) DescribeJob(
	ctx context.Context,
	req *wrapperspb.StringValue,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	return invoke(ctx, c.conn, DescribeJobMethod, req, opts)
}

// ListJobs calls OTAService.ListJobs.
func (c *OTAServiceClient) ListJobs(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.conn, ListJobsMethod, req, opts)
}

// CancelJob calls OTAService.CancelJob.
func (c *OTAServiceClient) CancelJob(
	ctx context.Context,
	req *wrapperspb.StringValue,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	return invoke(ctx, c.conn, CancelJobMethod, req, opts)
}

// Revert calls OTAService.Revert.
func (c *OTAServiceClient) Revert(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke(ctx, c.conn, RevertMethod, req, opts)
}

func invoke(
	ctx context.Context,
	conn grpc.ClientConnInterface,
	method string,
	req any,
	opts []grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
