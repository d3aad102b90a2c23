package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	api "github.com/oshokin/fleet-ota/internal/api/grpc/ota"
	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

// Options configures remote job commands.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// ServerAddress overrides server address from config when specified.
	ServerAddress string
	// JobID selects the job for status and cancel.
	JobID string
	// Package and Version select the firmware for submit and revert.
	Package string
	Version string
	// Groups lists the target groups of a submitted job.
	Groups []string
	// DeviceID is the device to revert.
	DeviceID string
	// Watch polls the job until it reaches a terminal state.
	Watch bool
	// PollInterval is the delay between watch polls.
	PollInterval time.Duration
	// Out receives the report, defaults to stdout.
	Out io.Writer
}

// DefaultPollInterval is the delay between status polls while watching a job.
const DefaultPollInterval = 1 * time.Second

var (
	errMissingJobArguments    = errors.New("package, version and at least one group are required")
	errMissingRevertArguments = errors.New("device, package and version are required")
)

// Submit creates a job on the server and prints its status.
func Submit(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "submit")

	if opts.Package == "" || opts.Version == "" || len(opts.Groups) == 0 {
		return errMissingJobArguments
	}

	return withClient(ctx, opts, func(client *common.Client, actor string) error {
		status, err := client.CreateJob(ctx, &api.JobRequest{
			Package:     opts.Package,
			Version:     opts.Version,
			Groups:      opts.Groups,
			RequestedBy: actor,
		})
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Job submitted", "job_id", status.Snapshot.ID, "targets", len(status.Snapshot.Targets))

		return follow(ctx, client, opts, status)
	})
}

// Revert asks the server to reinstall a previously succeeded version on one device.
func Revert(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "revert")

	if opts.DeviceID == "" || opts.Package == "" || opts.Version == "" {
		return errMissingRevertArguments
	}

	return withClient(ctx, opts, func(client *common.Client, actor string) error {
		record, err := client.Revert(ctx, &api.RevertRequest{
			DeviceID:    opts.DeviceID,
			Package:     opts.Package,
			Version:     opts.Version,
			RequestedBy: actor,
		})
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Rollback accepted", "job_id", record.JobID, "device_id", record.DeviceID)

		status, err := client.DescribeJob(ctx, record.JobID)
		if err != nil {
			return err
		}

		return follow(ctx, client, opts, status)
	})
}

// Status prints the job and its device records, optionally until it finishes.
func Status(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "status")

	return withClient(ctx, opts, func(client *common.Client, _ string) error {
		status, err := client.DescribeJob(ctx, ota.JobID(opts.JobID))
		if err != nil {
			return err
		}

		return follow(ctx, client, opts, status)
	})
}

// Cancel stops the queued devices of a job.
func Cancel(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "cancel")

	return withClient(ctx, opts, func(client *common.Client, actor string) error {
		status, err := client.CancelJob(ctx, ota.JobID(opts.JobID))
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Job canceled", "job_id", status.Snapshot.ID, "requested_by", actor)

		return follow(ctx, client, opts, status)
	})
}

// List prints one line per job known to the server.
func List(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "jobs")

	return withClient(ctx, opts, func(client *common.Client, _ string) error {
		jobs, err := client.ListJobs(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(output(opts), 0, 0, 2, ' ', 0) //nolint:mnd // Column padding.
		fmt.Fprintln(tw, "JOB\tVERSION\tSTATE\tDEVICES\tGROUPS")

		for _, job := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
				job.ID, job.Version, job.State,
				job.Counts.Terminal(), len(job.Targets),
				strings.Join(job.Groups, ","))
		}

		return tw.Flush()
	})
}

func withClient(ctx context.Context, opts *Options, fn func(client *common.Client, actor string) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	serverAddress := cfg.ServerAddress
	if opts.ServerAddress != "" {
		serverAddress = opts.ServerAddress
	}

	actor, err := common.DetectActor()
	if err != nil {
		return err
	}

	client, err := common.Dial(ctx, serverAddress, common.WithCallTimeout(cfg.Timeout))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	logger.DebugKV(ctx, "Connected to orchestration server", "server_address", serverAddress)

	return fn(client, actor)
}

// follow prints the status, polling first when watching. Polling failures are
// logged and retried until the job finishes or ctx is canceled.
func follow(ctx context.Context, client *common.Client, opts *Options, status *api.JobStatus) error {
	if opts.Watch && !status.Snapshot.State.IsTerminal() {
		var err error

		if status, err = watch(ctx, client, status.Snapshot.ID, opts.PollInterval); err != nil {
			return err
		}
	}

	if err := common.WriteJobReport(output(opts), status.Snapshot, status.Devices); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if !status.Snapshot.State.IsTerminal() {
		return nil
	}

	return common.JobOutcome(status.Snapshot)
}

func watch(ctx context.Context, client *common.Client, jobID ota.JobID, interval time.Duration) (*api.JobStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			status, err := client.DescribeJob(ctx, jobID)
			if err != nil {
				logger.ErrorKV(ctx, "DescribeJob failed", "job_id", jobID, "error", err)
				continue
			}

			logger.DebugKV(ctx, "Job progress",
				"job_id", jobID,
				"state", status.Snapshot.State,
				"finished", status.Snapshot.Counts.Terminal())

			if status.Snapshot.State.IsTerminal() {
				return status, nil
			}
		}
	}
}

func output(opts *Options) io.Writer {
	if opts.Out != nil {
		return opts.Out
	}

	return os.Stdout
}
