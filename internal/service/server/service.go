package server

import (
	"context"
	"fmt"
	"sync"

	api "github.com/oshokin/fleet-ota/internal/api/grpc/ota"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

// service runs jobs on behalf of remote clients.
// It is unexported to keep the transport decoupled from the implementation.
type service struct {
	stack *common.Stack
	// baseCtx carries the logger for background executions.
	baseCtx context.Context //nolint:containedctx // Background executions outlive requests.
	// running tracks executions still in flight.
	running sync.WaitGroup
	// saveMu serializes history writes.
	saveMu sync.Mutex
}

var _ api.Service = (*service)(nil)

func newService(ctx context.Context, stack *common.Stack) *service {
	return &service{
		stack:   stack,
		baseCtx: context.WithoutCancel(ctx),
	}
}

// CreateJob creates a job and executes it in the background.
func (s *service) CreateJob(ctx context.Context, req *api.JobRequest) (*api.JobStatus, error) {
	pv, err := s.stack.ResolveVersion(ctx, req.Package, req.Version)
	if err != nil {
		return nil, err
	}

	refs := make([]group.Ref, 0, len(req.Groups))
	for _, name := range req.Groups {
		refs = append(refs, group.Named(name))
	}

	jobID, err := s.stack.Orchestrator.CreateJob(ctx, pv.ID, refs)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Job requested", "job_id", jobID, "requested_by", req.RequestedBy)

	s.start(jobID)

	return s.DescribeJob(ctx, jobID)
}

// DescribeJob returns the job snapshot with its device records.
func (s *service) DescribeJob(ctx context.Context, jobID ota.JobID) (*api.JobStatus, error) {
	snap, err := s.stack.Orchestrator.DescribeJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	records, err := s.stack.Orchestrator.DeviceExecutions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &api.JobStatus{Snapshot: snap, Devices: records}, nil
}

// ListJobs returns every job snapshot, oldest first.
func (s *service) ListJobs(ctx context.Context) []*ota.JobSnapshot {
	return s.stack.Orchestrator.ListJobs(ctx)
}

// CancelJob stops queued devices of the job.
func (s *service) CancelJob(ctx context.Context, jobID ota.JobID) (*api.JobStatus, error) {
	if err := s.stack.Orchestrator.CancelJob(ctx, jobID); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Job canceled", "job_id", jobID)

	return s.DescribeJob(ctx, jobID)
}

// Revert validates the rollback and executes its job in the background.
func (s *service) Revert(ctx context.Context, req *api.RevertRequest) (*ota.RevertRecord, error) {
	target, err := s.stack.ResolveVersion(ctx, req.Package, req.Version)
	if err != nil {
		return nil, err
	}

	record, err := s.stack.Rollback.Revert(ctx, req.DeviceID, target.ID)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Rollback requested",
		"job_id", record.JobID,
		"device_id", req.DeviceID,
		"requested_by", req.RequestedBy)

	s.start(record.JobID)

	return record, nil
}

// Wait blocks until every background execution has finished.
func (s *service) Wait() {
	s.running.Wait()
}

func (s *service) start(jobID ota.JobID) {
	ctx := s.baseCtx

	s.running.Go(func() {
		snap, err := s.stack.Execute(ctx, jobID)
		if err != nil {
			logger.ErrorKV(ctx, "Job execution aborted", "job_id", jobID, "error", err)
		}

		if snap != nil {
			logger.InfoKV(ctx, "Job finished", "job_id", jobID, "state", snap.State)
		}

		if err = s.saveHistory(ctx); err != nil {
			logger.ErrorKV(ctx, "Failed to save device history", "job_id", jobID, "error", err)
		}
	})
}

func (s *service) saveHistory(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.stack.SaveHistory(ctx); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}

	return nil
}
