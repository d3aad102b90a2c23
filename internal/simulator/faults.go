package simulator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fault is a simulated device failure.
type Fault int

// Supported faults.
const (
	FaultNone Fault = iota
	FaultChecksumMismatch
	FaultTransferError
	FaultDownloadTimeout
	FaultApplyError
	FaultApplyTimeout
	FaultVerifyTimeout
	FaultVersionMismatch
)

var faultNames = map[Fault]string{
	FaultNone:             "none",
	FaultChecksumMismatch: "checksum_mismatch",
	FaultTransferError:    "transfer_error",
	FaultDownloadTimeout:  "download_timeout",
	FaultApplyError:       "apply_error",
	FaultApplyTimeout:     "apply_timeout",
	FaultVerifyTimeout:    "verify_timeout",
	FaultVersionMismatch:  "version_mismatch",
}

// randomFaults are drawn when a device is picked by the failure rate.
var randomFaults = []Fault{
	FaultChecksumMismatch,
	FaultTransferError,
	FaultApplyError,
	FaultVersionMismatch,
}

// errUnknownFault is returned by ParseFault.
var errUnknownFault = errors.New("unknown fault")

// String implements fmt.Stringer.
func (f Fault) String() string {
	if name, ok := faultNames[f]; ok {
		return name
	}

	return fmt.Sprintf("fault(%d)", int(f))
}

// ParseFault parses a fault name such as "checksum_mismatch".
func ParseFault(s string) (Fault, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range faultNames {
		if name == s {
			return f, nil
		}
	}

	return FaultNone, fmt.Errorf("%w: %q", errUnknownFault, s)
}

// ParseFaultPlan parses "device=fault" pairs.
func ParseFaultPlan(pairs []string) (map[string]Fault, error) {
	plan := make(map[string]Fault, len(pairs))

	for _, pair := range pairs {
		deviceID, name, ok := strings.Cut(pair, "=")
		if !ok || deviceID == "" {
			return nil, fmt.Errorf("%w: %q is not device=fault", errUnknownFault, pair)
		}

		f, err := ParseFault(name)
		if err != nil {
			return nil, err
		}

		plan[deviceID] = f
	}

	return plan, nil
}

// fraction maps a key to a stable value in [0, 1).
func fraction(key string) float64 {
	return float64(xxhash.Sum64String(key)>>11) / (1 << 53)
}

// sampleFault picks a fault for a device with probability rate. The choice
// only depends on the job and device ids so reruns are reproducible.
func sampleFault(jobID, deviceID string, rate float64) Fault {
	if rate <= 0 {
		return FaultNone
	}

	key := jobID + "/" + deviceID
	if fraction("fault/"+key) >= rate {
		return FaultNone
	}

	return randomFaults[xxhash.Sum64String("kind/"+key)%uint64(len(randomFaults))]
}
