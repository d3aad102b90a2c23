package ota

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	domain "github.com/oshokin/fleet-ota/internal/domain/ota"
)

// JobRequest asks the server to create and start a job.
type JobRequest struct {
	Package string
	Version string
	Groups  []string
	// RequestedBy is "user@host" of the caller, for the audit log.
	RequestedBy string
}

// RevertRequest asks the server to roll a device back to a version.
type RevertRequest struct {
	DeviceID    string
	Package     string
	Version     string
	RequestedBy string
}

// JobStatus is a job snapshot with its device records.
type JobStatus struct {
	Snapshot *domain.JobSnapshot
	Devices  []*domain.DeviceExecutionRecord
}

var errMalformedMessage = errors.New("malformed message")

// EncodeJobRequest converts a job request to its wire form.
func EncodeJobRequest(req *JobRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"package":      req.Package,
		"version":      req.Version,
		"groups":       stringList(req.Groups),
		"requested_by": req.RequestedBy,
	})
}

// DecodeJobRequest converts the wire form back to a job request.
func DecodeJobRequest(msg *structpb.Struct) *JobRequest {
	fields := msg.GetFields()

	req := &JobRequest{
		Package:     fields["package"].GetStringValue(),
		Version:     fields["version"].GetStringValue(),
		RequestedBy: fields["requested_by"].GetStringValue(),
	}

	for _, value := range fields["groups"].GetListValue().GetValues() {
		req.Groups = append(req.Groups, value.GetStringValue())
	}

	return req
}

// EncodeRevertRequest converts a revert request to its wire form.
func EncodeRevertRequest(req *RevertRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"device_id":    req.DeviceID,
		"package":      req.Package,
		"version":      req.Version,
		"requested_by": req.RequestedBy,
	})
}

// DecodeRevertRequest converts the wire form back to a revert request.
func DecodeRevertRequest(msg *structpb.Struct) *RevertRequest {
	fields := msg.GetFields()

	return &RevertRequest{
		DeviceID:    fields["device_id"].GetStringValue(),
		Package:     fields["package"].GetStringValue(),
		Version:     fields["version"].GetStringValue(),
		RequestedBy: fields["requested_by"].GetStringValue(),
	}
}

// EncodeJobStatus converts a job status to its wire form.
func EncodeJobStatus(status *JobStatus) (*structpb.Struct, error) {
	snap := status.Snapshot

	counts := make(map[string]any, len(snap.Counts))
	for state, n := range snap.Counts {
		counts[string(state)] = n
	}

	devices := make([]any, 0, len(status.Devices))
	for _, record := range status.Devices {
		devices = append(devices, encodeRecord(record))
	}

	return structpb.NewStruct(map[string]any{
		"job_id":      string(snap.ID),
		"package_id":  string(snap.PackageID),
		"version_id":  string(snap.VersionID),
		"version":     snap.Version,
		"groups":      stringList(snap.Groups),
		"targets":     stringList(snap.Targets),
		"rollback":    snap.Rollback,
		"state":       string(snap.State),
		"counts":      counts,
		"created_at":  formatTime(snap.CreatedAt),
		"canceled_at": formatTime(snap.CanceledAt),
		"finished_at": formatTime(snap.FinishedAt),
		"artifact": map[string]any{
			"url":        snap.Artifact.URL,
			"checksum":   snap.Artifact.Checksum,
			"expires_at": formatTime(snap.Artifact.ExpiresAt),
		},
		"devices": devices,
	})
}

// DecodeJobStatus converts the wire form back to a job status.
func DecodeJobStatus(msg *structpb.Struct) (*JobStatus, error) {
	fields := msg.GetFields()
	if fields["job_id"].GetStringValue() == "" {
		return nil, fmt.Errorf("decode job status: %w: job_id is missing", errMalformedMessage)
	}

	snap := &domain.JobSnapshot{
		Job: domain.Job{
			ID:        domain.JobID(fields["job_id"].GetStringValue()),
			PackageID: domain.PackageID(fields["package_id"].GetStringValue()),
			VersionID: domain.VersionID(fields["version_id"].GetStringValue()),
			Version:   fields["version"].GetStringValue(),
			Groups:    stringsOf(fields["groups"]),
			Targets:   stringsOf(fields["targets"]),
			Rollback:  fields["rollback"].GetBoolValue(),
		},
		State:  domain.JobState(fields["state"].GetStringValue()),
		Counts: make(domain.Counts),
	}

	for state, n := range fields["counts"].GetStructValue().GetFields() {
		snap.Counts[domain.ExecutionState(state)] = int(n.GetNumberValue())
	}

	artifact := fields["artifact"].GetStructValue().GetFields()
	snap.Artifact = domain.ArtifactReference{
		VersionID: snap.VersionID,
		URL:       artifact["url"].GetStringValue(),
		Checksum:  artifact["checksum"].GetStringValue(),
	}

	var err error

	times := []struct {
		value  *structpb.Value
		target *time.Time
	}{
		{fields["created_at"], &snap.CreatedAt},
		{fields["canceled_at"], &snap.CanceledAt},
		{fields["finished_at"], &snap.FinishedAt},
		{artifact["expires_at"], &snap.Artifact.ExpiresAt},
	}

	for _, t := range times {
		if *t.target, err = parseTime(t.value); err != nil {
			return nil, fmt.Errorf("decode job status: %w", err)
		}
	}

	status := &JobStatus{Snapshot: snap}

	for _, value := range fields["devices"].GetListValue().GetValues() {
		record, err := decodeRecord(value.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("decode job status: %w", err)
		}

		status.Devices = append(status.Devices, record)
	}

	return status, nil
}

// DecodeJobList converts a ListJobs response back to snapshots.
func DecodeJobList(msg *structpb.Struct) ([]*domain.JobSnapshot, error) {
	values := msg.GetFields()["jobs"].GetListValue().GetValues()
	result := make([]*domain.JobSnapshot, 0, len(values))

	for _, value := range values {
		job, err := DecodeJobStatus(value.GetStructValue())
		if err != nil {
			return nil, err
		}

		result = append(result, job.Snapshot)
	}

	return result, nil
}

// EncodeRevertRecord converts a revert record to its wire form.
func EncodeRevertRecord(record *domain.RevertRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"device_id":         record.DeviceID,
		"target_version_id": string(record.TargetVersionID),
		"accepted":          record.Accepted,
		"reason":            record.Reason,
		"job_id":            string(record.JobID),
		"requested_at":      formatTime(record.RequestedAt),
	})
}

// DecodeRevertRecord converts the wire form back to a revert record.
func DecodeRevertRecord(msg *structpb.Struct) (*domain.RevertRecord, error) {
	fields := msg.GetFields()

	requestedAt, err := parseTime(fields["requested_at"])
	if err != nil {
		return nil, fmt.Errorf("decode revert record: %w", err)
	}

	return &domain.RevertRecord{
		DeviceID:        fields["device_id"].GetStringValue(),
		TargetVersionID: domain.VersionID(fields["target_version_id"].GetStringValue()),
		Accepted:        fields["accepted"].GetBoolValue(),
		Reason:          fields["reason"].GetStringValue(),
		JobID:           domain.JobID(fields["job_id"].GetStringValue()),
		RequestedAt:     requestedAt,
	}, nil
}

func encodeRecord(record *domain.DeviceExecutionRecord) map[string]any {
	transitions := make([]any, 0, len(record.Transitions))
	for _, t := range record.Transitions {
		transitions = append(transitions, map[string]any{
			"state": string(t.State),
			"at":    formatTime(t.At),
		})
	}

	return map[string]any{
		"device_id":        record.DeviceID,
		"state":            string(record.State),
		"reported_version": record.ReportedVersion,
		"failed_phase":     string(record.FailedPhase),
		"failure_reason":   record.FailureReason,
		"transitions":      transitions,
	}
}

func decodeRecord(msg *structpb.Struct) (*domain.DeviceExecutionRecord, error) {
	fields := msg.GetFields()

	record := &domain.DeviceExecutionRecord{
		DeviceID:        fields["device_id"].GetStringValue(),
		State:           domain.ExecutionState(fields["state"].GetStringValue()),
		ReportedVersion: fields["reported_version"].GetStringValue(),
		FailedPhase:     domain.Phase(fields["failed_phase"].GetStringValue()),
		FailureReason:   fields["failure_reason"].GetStringValue(),
	}

	for _, value := range fields["transitions"].GetListValue().GetValues() {
		transition := value.GetStructValue().GetFields()

		at, err := parseTime(transition["at"])
		if err != nil {
			return nil, err
		}

		record.Transitions = append(record.Transitions, domain.Transition{
			State: domain.ExecutionState(transition["state"].GetStringValue()),
			At:    at,
		})
	}

	return record, nil
}

// formatTime renders t in the protobuf JSON form of google.protobuf.Timestamp.
// The zero time is encoded as null.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	quoted, err := protojson.Marshal(timestamppb.New(t))
	if err != nil {
		return nil
	}

	text, err := strconv.Unquote(string(quoted))
	if err != nil {
		return nil
	}

	return text
}

func parseTime(value *structpb.Value) (time.Time, error) {
	text := value.GetStringValue()
	if text == "" {
		return time.Time{}, nil
	}

	ts := new(timestamppb.Timestamp)
	if err := protojson.Unmarshal([]byte(strconv.Quote(text)), ts); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %w", errMalformedMessage, text, err)
	}

	return ts.AsTime(), nil
}

func stringList(values []string) []any {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, v)
	}

	return list
}

func stringsOf(value *structpb.Value) []string {
	values := value.GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}

	result := make([]string, 0, len(values))
	for _, v := range values {
		result = append(result, v.GetStringValue())
	}

	return result
}
