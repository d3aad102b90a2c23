package simulator

import (
	"bytes"
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/retry"
	"github.com/oshokin/fleet-ota/internal/storage"
)

const (
	// firmwareFilename is the installed image name inside a device directory.
	firmwareFilename = "firmware.bin"
	// deviceDirMode is the permission of per-device directories.
	deviceDirMode = 0o750
	// firmwareFileMode is the permission of installed images.
	firmwareFileMode = 0o600
)

// errApply is the simulated installation failure.
var errApply = errors.New("simulated apply error")

// download fetches the artifact through a reference that stays valid for the
// whole phase and verifies its checksum.
func (s *Simulator) download(ctx context.Context, exec Execution, fault Fault) ([]byte, error) {
	ref, err := exec.Reference(ctx, s.sim.PhaseTimeouts.Download)
	if err != nil {
		return nil, err
	}

	if fault == FaultDownloadTimeout {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if err = sleep(ctx, s.sim.DownloadDuration); err != nil {
		return nil, err
	}

	var data []byte

	err = retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		if fault == FaultTransferError {
			return errTransfer
		}

		var getErr error

		data, getErr = s.store.Get(ctx, ref.URL)
		if getErr != nil {
			logger.DebugKV(ctx, "Download attempt failed", "attempt", attempt, "error", getErr)
		}

		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ota.ErrDownloadFailed, err)
	}

	if fault == FaultChecksumMismatch {
		// Corrupt a copy so the stored payload stays intact.
		data = append(slices.Clone(data), 0xFF)
	}

	if got := storage.Checksum(data); got != ref.Checksum {
		return nil, fmt.Errorf("%w: checksum %s, want %s", ota.ErrDownloadFailed, got, ref.Checksum)
	}

	return data, nil
}

// apply waits for a duration drawn from [ApplyMin, ApplyMax] and installs the
// image into ApplyDir when it is configured.
func (s *Simulator) apply(ctx context.Context, job *ota.Job, deviceID string, data []byte, fault Fault) error {
	if fault == FaultApplyTimeout {
		<-ctx.Done()

		return ctx.Err()
	}

	if err := sleep(ctx, s.applyDuration(job, deviceID)); err != nil {
		return err
	}

	if fault == FaultApplyError {
		return fmt.Errorf("%w: %w", ota.ErrApplyFailed, errApply)
	}

	if s.sim.ApplyDir == "" {
		return nil
	}

	if err := s.install(deviceID, data, job.Artifact.Checksum); err != nil {
		return fmt.Errorf("%w: %w", ota.ErrApplyFailed, err)
	}

	return nil
}

// verify returns the version the device reports after reboot.
func (s *Simulator) verify(ctx context.Context, job *ota.Job, fault Fault) (string, error) {
	if fault == FaultVerifyTimeout {
		<-ctx.Done()

		return "", ctx.Err()
	}

	if err := sleep(ctx, s.sim.VerifyDuration); err != nil {
		return "", err
	}

	if fault == FaultVersionMismatch {
		return job.Version + "-previous", nil
	}

	return job.Version, nil
}

// applyDuration draws a stable uniform duration for the device.
func (s *Simulator) applyDuration(job *ota.Job, deviceID string) time.Duration {
	spread := s.sim.ApplyMax - s.sim.ApplyMin
	if spread <= 0 {
		return s.sim.ApplyMin
	}

	return s.sim.ApplyMin + time.Duration(fraction("apply/"+string(job.ID)+"/"+deviceID)*float64(spread))
}

// install writes the image atomically with checksum validation.
func (s *Simulator) install(deviceID string, data []byte, checksum string) error {
	dir := filepath.Join(s.sim.ApplyDir, filepath.Base(deviceID))
	if err := os.MkdirAll(dir, deviceDirMode); err != nil {
		return fmt.Errorf("create device directory: %w", err)
	}

	target := filepath.Join(dir, firmwareFilename)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		file, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("create firmware file: %w", err)
		}

		_ = file.Close()
	}

	sum, err := hex.DecodeString(checksum)
	if err != nil {
		return fmt.Errorf("decode checksum: %w", err)
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: firmwareFileMode,
		Checksum:   sum,
		Hash:       crypto.SHA256,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("apply image: %w", err)
	}

	oldFilename := target + ".old"
	if _, err = os.Stat(oldFilename); err == nil {
		_ = os.Remove(oldFilename)
	}

	return nil
}
