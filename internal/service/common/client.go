//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	api "github.com/oshokin/fleet-ota/internal/api/grpc/ota"
	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// Client wraps the gRPC OTAService client with convenience helpers.
type Client struct {
	// conn is the underlying gRPC connection to the orchestration server.
	conn *grpc.ClientConn
	// api is the OTAService client stub.
	api *api.OTAServiceClient

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errJobIDRequired is returned when a job id is not provided.
	errJobIDRequired = errors.New("job id must be provided")
)

// Dial establishes a gRPC connection to the orchestration server.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial orchestration server: %w", err)
	}

	client := &Client{
		conn:        conn,
		api:         api.NewOTAServiceClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// CreateJob asks the server to create and start a job.
func (c *Client) CreateJob(ctx context.Context, req *api.JobRequest) (*api.JobStatus, error) {
	msg, err := api.EncodeJobRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode job request: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.CreateJob(callCtx, msg)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return api.DecodeJobStatus(resp)
}

// DescribeJob retrieves a job snapshot with its device records.
func (c *Client) DescribeJob(ctx context.Context, jobID ota.JobID) (*api.JobStatus, error) {
	if jobID == "" {
		return nil, errJobIDRequired
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.DescribeJob(callCtx, wrapperspb.String(string(jobID)))
	if err != nil {
		return nil, fmt.Errorf("describe job: %w", err)
	}

	return api.DecodeJobStatus(resp)
}

// ListJobs retrieves the snapshots of all jobs known to the server.
func (c *Client) ListJobs(ctx context.Context) ([]*ota.JobSnapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListJobs(callCtx, &structpb.Struct{})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return api.DecodeJobList(resp)
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, jobID ota.JobID) (*api.JobStatus, error) {
	if jobID == "" {
		return nil, errJobIDRequired
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.CancelJob(callCtx, wrapperspb.String(string(jobID)))
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	return api.DecodeJobStatus(resp)
}

// Revert asks the server to roll a device back to a version.
func (c *Client) Revert(ctx context.Context, req *api.RevertRequest) (*ota.RevertRecord, error) {
	msg, err := api.EncodeRevertRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode revert request: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.Revert(callCtx, msg)
	if err != nil {
		return nil, fmt.Errorf("revert: %w", err)
	}

	return api.DecodeRevertRecord(resp)
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
