package version

import "fmt"

// Build metadata, injected with -ldflags "-X".
var (
	// Version is the semantic version of the build.
	Version = "0.1.0"
	// Commit is the short git SHA (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	return fmt.Sprintf("fleet-ota %s (commit %s, built %s)", Version, Commit, BuildTime)
}

// UserAgent identifies fleet-ota to remote services, e.g. "fleet-ota/0.1.0".
func UserAgent() string {
	return "fleet-ota/" + Version
}
