// Package simulator drives the per-device execution state machine of a job
// under a bounded worker pool.
//
// Each device runs QUEUED -> DOWNLOADING -> APPLYING -> VERIFYING and ends in
// SUCCEEDED, FAILED, TIMED_OUT or CANCELED. Phases run under their own timeout
// and are never interrupted by cancellation, which is only observed between
// phases. A device outcome never affects its siblings.
package simulator
