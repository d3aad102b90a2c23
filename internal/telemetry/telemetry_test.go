package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

type capturedPoints struct {
	points []*write.Point
}

func (c *capturedPoints) WritePoint(point *write.Point) {
	c.points = append(c.points, point)
}

// TestRecorder_OnTerminal writes one tagged point per terminal record.
func TestRecorder_OnTerminal(t *testing.T) {
	t.Parallel()

	captured := new(capturedPoints)
	recorder := &Recorder{writer: captured}

	queued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	record := &ota.DeviceExecutionRecord{
		JobID:         "job-1",
		DeviceID:      "V-003",
		VersionID:     "ver-1",
		Version:       "1.2.0",
		State:         ota.ExecutionFailed,
		FailedPhase:   ota.PhaseDownload,
		FailureReason: "DownloadFailed",
		Transitions: []ota.Transition{
			{State: ota.ExecutionQueued, At: queued},
			{State: ota.ExecutionDownloading, At: queued.Add(time.Second)},
			{State: ota.ExecutionFailed, At: queued.Add(90 * time.Second)},
		},
	}

	require.NoError(t, recorder.OnTerminal(context.Background(), record))
	require.Len(t, captured.points, 1)

	point := captured.points[0]
	require.Equal(t, "ota_device_execution", point.Name())
	require.Equal(t, queued.Add(90*time.Second), point.Time())

	line := write.PointToLineProtocol(point, time.Second)
	require.Contains(t, line, "device_id=V-003")
	require.Contains(t, line, "phase=download")
	require.Contains(t, line, "state=FAILED")
	require.Contains(t, line, "duration_seconds=90")
	require.Contains(t, line, `reason="DownloadFailed"`)
	require.Contains(t, line, "succeeded=false")

	record.State = ota.ExecutionApplying
	require.ErrorIs(t, recorder.OnTerminal(context.Background(), record), ota.ErrInvalidState)
	require.Len(t, captured.points, 1)
}

// TestConnect_Disabled refuses to connect when telemetry is off.
func TestConnect_Disabled(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), config.InfluxDBConfig{})
	require.ErrorIs(t, err, ErrDisabled)
}
