// Package runlock keeps two rollouts from running out of the same working directory.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
)

// MarkerFilename is the default marker created next to the state file.
const MarkerFilename = ".fleet-ota.lock"

// ErrAlreadyRunning is returned when a live process holds the marker.
var ErrAlreadyRunning = errors.New("another rollout is running")

// processFinder matches ps.FindProcess.
type processFinder func(pid int) (ps.Process, error)

// Lock is a held run marker.
type Lock struct {
	path string
}

// Acquire creates the marker at path. A marker left by a process that no
// longer runs is removed first.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path, ps.FindProcess)
}

func acquire(ctx context.Context, path string, find processFinder) (*Lock, error) {
	path = filepath.Clean(path)

	for range 2 {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, config.DefaultFilePermissions)
		if err == nil {
			_, err = file.WriteString(strconv.Itoa(os.Getpid()))
			if closeErr := file.Close(); err == nil {
				err = closeErr
			}

			if err != nil {
				_ = os.Remove(path)

				return nil, fmt.Errorf("write run marker: %w", err)
			}

			return &Lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create run marker: %w", err)
		}

		pid, running := holder(path, find)
		if running {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
		}

		logger.WarnKV(ctx, "Removing stale run marker", "path", path, "pid", pid)

		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale run marker: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: %s was recreated concurrently", ErrAlreadyRunning, path)
}

// holder reads the marker and reports whether its process is still alive.
func holder(path string, find processFinder) (int, bool) {
	contents, err := os.ReadFile(path) //nolint:gosec // Path is owned by the caller.
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 {
		return 0, false
	}

	if pid == os.Getpid() {
		return pid, true
	}

	process, err := find(pid)
	if err != nil || process == nil {
		return pid, false
	}

	self, err := find(os.Getpid())
	if err != nil || self == nil {
		return pid, true
	}

	// A recycled pid belongs to some other program.
	return pid, process.Executable() == self.Executable()
}

// Release removes the marker.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run marker: %w", err)
	}

	return nil
}
