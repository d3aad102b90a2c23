// Package telemetry exports terminal device executions to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
)

const (
	measurement = "ota_device_execution"

	defaultPingTimeout   = 5 * time.Second
	defaultBatchSize     = 100
	defaultFlushInterval = 1000 // Milliseconds.
)

var (
	// ErrDisabled is returned by Connect when telemetry is switched off.
	ErrDisabled = errors.New("influxdb: telemetry disabled")
	// ErrConnectionFailed is returned when the server is unreachable or unhealthy.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// pointWriter is the part of the InfluxDB write API the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder writes one point per terminal execution.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	flush  func()
}

// Connect pings the server and returns a recorder backed by a batching write API.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushInterval))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}

	if !healthy {
		client.Close()

		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	go func() {
		for err := range writeAPI.Errors() {
			logger.WarnKV(ctx, "Failed to write execution telemetry", "error", err)
		}
	}()

	return &Recorder{client: client, writer: writeAPI, flush: writeAPI.Flush}, nil
}

// OnTerminal records the outcome and duration of a finished device execution.
func (r *Recorder) OnTerminal(_ context.Context, record *ota.DeviceExecutionRecord) error {
	if !record.State.IsTerminal() {
		return fmt.Errorf("record telemetry %s/%s: %w: %s", record.JobID, record.DeviceID, ota.ErrInvalidState, record.State)
	}

	r.writer.WritePoint(executionPoint(record))

	return nil
}

// Close flushes buffered points and closes the client.
func (r *Recorder) Close() {
	if r.flush != nil {
		r.flush()
	}

	if r.client != nil {
		r.client.Close()
	}
}

func executionPoint(record *ota.DeviceExecutionRecord) *write.Point {
	finished, ok := record.EnteredAt(record.State)
	if !ok {
		finished = time.Now()
	}

	var duration time.Duration
	if queued, ok := record.EnteredAt(ota.ExecutionQueued); ok {
		duration = finished.Sub(queued)
	}

	tags := map[string]string{
		"job_id":     string(record.JobID),
		"device_id":  record.DeviceID,
		"version_id": string(record.VersionID),
		"state":      string(record.State),
	}

	if record.FailedPhase != "" {
		tags["phase"] = string(record.FailedPhase)
	}

	fields := map[string]any{
		"version":          record.Version,
		"duration_seconds": duration.Seconds(),
		"succeeded":        record.State == ota.ExecutionSucceeded,
	}

	if record.FailureReason != "" {
		fields["reason"] = record.FailureReason
	}

	return write.NewPoint(measurement, tags, fields, finished)
}
