package ota

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	domain "github.com/oshokin/fleet-ota/internal/domain/ota"
)

// Service abstracts the business operations the transport layer depends on.
type Service interface {
	CreateJob(ctx context.Context, req *JobRequest) (*JobStatus, error)
	DescribeJob(ctx context.Context, jobID domain.JobID) (*JobStatus, error)
	ListJobs(ctx context.Context) []*domain.JobSnapshot
	CancelJob(ctx context.Context, jobID domain.JobID) (*JobStatus, error)
	Revert(ctx context.Context, req *RevertRequest) (*domain.RevertRecord, error)
}

// Server implements the OTAService gRPC API.
type Server struct {
	service Service
}

var _ OTAServiceServer = (*Server)(nil)

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// CreateJob creates a job and starts executing it.
func (s *Server) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	request := DecodeJobRequest(req)

	switch {
	case request.Package == "":
		return nil, status.Error(codes.InvalidArgument, "package is required")
	case request.Version == "":
		return nil, status.Error(codes.InvalidArgument, "version is required")
	case len(request.Groups) == 0:
		return nil, status.Error(codes.InvalidArgument, "at least one group is required")
	}

	job, err := s.service.CreateJob(ctx, request)
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(EncodeJobStatus(job))
}

// DescribeJob returns the current job snapshot with device records.
func (s *Server) DescribeJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}

	job, err := s.service.DescribeJob(ctx, domain.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(EncodeJobStatus(job))
}

// ListJobs returns the snapshots of all jobs, oldest first, without device records.
func (s *Server) ListJobs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	jobs := make([]any, 0)

	for _, snap := range s.service.ListJobs(ctx) {
		msg, err := EncodeJobStatus(&JobStatus{Snapshot: snap})
		if err != nil {
			return nil, status.Error(codes.Internal, "unable to encode job")
		}

		jobs = append(jobs, msg.AsMap())
	}

	return encode(structpb.NewStruct(map[string]any{"jobs": jobs}))
}

// CancelJob requests cancellation and returns the resulting snapshot.
func (s *Server) CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}

	job, err := s.service.CancelJob(ctx, domain.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(EncodeJobStatus(job))
}

// Revert validates a rollback request and starts the rollback job.
// A rejected request returns FailedPrecondition.
func (s *Server) Revert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	request := DecodeRevertRequest(req)
	if request.DeviceID == "" || request.Package == "" || request.Version == "" {
		return nil, status.Error(codes.InvalidArgument, "device, package and version are required")
	}

	record, err := s.service.Revert(ctx, request)
	if err != nil {
		return nil, toStatus(err)
	}

	return encode(EncodeRevertRecord(record))
}

func encode(msg *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to encode response")
	}

	return msg, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.FromContextError(err).Err()
	}

	switch domain.KindOf(err) {
	case domain.ErrorKindValidation:
		if errors.Is(err, domain.ErrNeverApplied) {
			return status.Error(codes.FailedPrecondition, err.Error())
		}

		return status.Error(codes.InvalidArgument, err.Error())
	case domain.ErrorKindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.ErrorKindState:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
